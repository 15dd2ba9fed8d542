package pipeline

import (
	"context"
	"testing"
	"time"

	"ats-tailor/internal/llm"

	"github.com/stretchr/testify/assert"
)

func TestRetryPolicyOnlyRetriesTransientUpstream(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}

	testCases := []struct {
		name      string
		errs      []error
		wantCalls int
		wantErr   bool
	}{
		{
			name:      "503后成功",
			errs:      []error{&llm.UpstreamError{StatusCode: 503}, &llm.UpstreamError{StatusCode: 429}, nil},
			wantCalls: 3,
		},
		{
			name:      "超过次数上限",
			errs:      []error{&llm.UpstreamError{StatusCode: 502}, &llm.UpstreamError{StatusCode: 502}, &llm.UpstreamError{StatusCode: 502}, nil},
			wantCalls: 3,
			wantErr:   true,
		},
		{
			name:      "400不重试",
			errs:      []error{&llm.UpstreamError{StatusCode: 400}, nil},
			wantCalls: 1,
			wantErr:   true,
		},
		{
			name:      "超时不重试",
			errs:      []error{&llm.TimeoutError{Turn: 2}, nil},
			wantCalls: 1,
			wantErr:   true,
		},
		{
			name:      "解析错误不重试",
			errs:      []error{&llm.ParseError{Raw: "x"}, nil},
			wantCalls: 1,
			wantErr:   true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			calls := 0
			err := policy.Do(context.Background(), func(ctx context.Context) error {
				e := tc.errs[calls]
				calls++
				return e
			})
			assert.Equal(t, tc.wantCalls, calls)
			if tc.wantErr {
				assert.Error(t, err)
				assert.NotContains(t, err.Error(), "permanent")
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRetryPolicyDisabledByDefault(t *testing.T) {
	calls := 0
	err := RetryPolicy{MaxAttempts: 1}.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return &llm.UpstreamError{StatusCode: 503}
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}
