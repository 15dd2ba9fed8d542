package llm

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"

	"ats-tailor/internal/tracing"
)

// maxRawInError ParseError 中保留的原始输出长度
const maxRawInError = 1000

// ExtractJSONObject 从模型输出中找出最外层 JSON 对象，会跳过 markdown 代码块和前后说明文字
func ExtractJSONObject(text string) string {
	text = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(text), "\ufeff"))
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}

	start := strings.Index(text, "{")
	if start == -1 {
		return ""
	}
	level := 0
	inStr := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inStr:
			escaped = true
		case c == '"':
			inStr = !inStr
		case inStr:
		case c == '{':
			level++
		case c == '}':
			level--
			if level == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}

// DecodeJSONObject 把模型输出解析为 JSON 对象；直接解析失败时先抽取再修复未转义的引号
func DecodeJSONObject(text string) (json.RawMessage, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, &ParseError{Raw: "", Err: errors.New("输出为空")}
	}
	if isJSONObject([]byte(trimmed)) {
		return json.RawMessage(trimmed), nil
	}

	candidate := ExtractJSONObject(trimmed)
	if candidate != "" {
		if isJSONObject([]byte(candidate)) {
			return json.RawMessage(candidate), nil
		}
		repaired := sanitizeJSON(candidate)
		if isJSONObject([]byte(repaired)) {
			return json.RawMessage(repaired), nil
		}
	}

	var probe map[string]any
	err := json.Unmarshal([]byte(trimmed), &probe)
	if err == nil {
		err = errors.New("输出不是JSON对象")
	}
	return nil, &ParseError{Raw: tracing.TruncateString(trimmed, maxRawInError), Err: err}
}

func isJSONObject(b []byte) bool {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || b[0] != '{' {
		return false
	}
	return json.Valid(b)
}

// sanitizeJSON 把字符串字面量内部未转义的双引号改写为 \"。
// 判断依据：引号后第一个非空白字符是 : , ] } 之一才视为字符串结束。
func sanitizeJSON(src string) string {
	var b strings.Builder
	inStr := false
	escaped := false

	for i := 0; i < len(src); i++ {
		c := src[i]

		switch {
		case c == '"' && !escaped:
			if !inStr {
				inStr = true
				b.WriteByte(c)
				break
			}
			j := i + 1
			for j < len(src) && (src[j] == ' ' || src[j] == '\t' || src[j] == '\n' || src[j] == '\r') {
				j++
			}
			if j < len(src) && (src[j] == ':' || src[j] == ',' || src[j] == ']' || src[j] == '}') {
				inStr = false
				b.WriteByte(c)
			} else {
				b.WriteString("\\\"")
			}
			escaped = false
		case c == '\\' && !escaped:
			escaped = true
			b.WriteByte(c)
		default:
			b.WriteByte(c)
			escaped = false
		}
	}

	return b.String()
}
