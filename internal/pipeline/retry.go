package pipeline

import (
	"context"
	"time"

	"ats-tailor/internal/config"
	"ats-tailor/internal/llm"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy 阶段级有界重试，只重试上游暂时性错误 (429/5xx)
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// NewRetryPolicy 从配置构造重试策略
func NewRetryPolicy(cfg config.RetryConfig) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     cfg.MaxAttempts,
		InitialInterval: config.GetDuration(cfg.InitialInterval, time.Second),
		MaxInterval:     config.GetDuration(cfg.MaxInterval, 10*time.Second),
	}
}

// Do 执行 fn。MaxAttempts<=1 时只执行一次；超时、解析、配置错误不会重试
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if p.MaxAttempts <= 1 {
		return fn(ctx)
	}

	operation := func() (struct{}, error) {
		err := fn(ctx)
		if err != nil && !llm.IsRetryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	bo := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		bo.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		bo.MaxInterval = p.MaxInterval
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(p.MaxAttempts)),
	)
	return err
}
