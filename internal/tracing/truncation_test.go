package tracing

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTruncateString(t *testing.T) {
	assert.Equal(t, "short", TruncateString("short", 10))
	assert.Equal(t, "abc", TruncateString("abcdef", 3))
	assert.Equal(t, "ab...yz", TruncateString("abcdefghijklmnopqrstuvwxyz", 7))
}

func TestMaskPII(t *testing.T) {
	assert.Equal(t, "", MaskPII(""))
	assert.Equal(t, "*", MaskPII("a"))
	assert.Equal(t, "J*", MaskPII("Jo"))
	assert.Equal(t, "J*e", MaskPII("Joe"))
	assert.Equal(t, "13*******78", MaskPII("13812345678"))
}

func TestRedactText(t *testing.T) {
	in := "Jane Doe | jane.doe@example.com | +1 (555) 123-4567 | https://github.com/jane"
	out := RedactText(in)

	assert.NotContains(t, out, "jane.doe@example.com")
	assert.NotContains(t, out, "123-4567")
	assert.NotContains(t, out, "github.com/jane")
	assert.Contains(t, out, "[url]")
	assert.Contains(t, out, "Jane Doe", "普通文本不应被掩码")
}

func TestSafeAttributeValue(t *testing.T) {
	assert.Equal(t, "se****et", SafeAttributeValue("api_key", "se1234et", 100))
	assert.Equal(t, "plain", SafeAttributeValue("stage", "plain", 100))
}

func TestSafeResumeContent(t *testing.T) {
	short := "Jane Doe, jane.doe@example.com"
	out := SafeResumeContent(short)
	assert.NotContains(t, out, "jane.doe@example.com")
	assert.Contains(t, out, "Jane Doe")

	long := strings.Repeat("Go engineer. ", 40)
	assert.Len(t, []rune(SafeResumeContent(long)), MaxResumeLength-1)
}
