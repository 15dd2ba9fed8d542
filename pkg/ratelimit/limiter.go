package ratelimit

import (
	"context"

	"golang.org/x/time/rate"
)

// QPMLimiter 按每分钟请求数限流，qpm<=0 时不限流
type QPMLimiter struct {
	limiter *rate.Limiter
	qpm     int
}

// NewQPMLimiter 创建限流器，突发容量为 QPM 的一半且至少为 1
func NewQPMLimiter(qpm int) *QPMLimiter {
	if qpm <= 0 {
		return &QPMLimiter{}
	}
	burst := qpm / 2
	if burst <= 0 {
		burst = 1
	}
	return &QPMLimiter{
		limiter: rate.NewLimiter(rate.Limit(float64(qpm)/60.0), burst),
		qpm:     qpm,
	}
}

// Wait 阻塞直到获取令牌或 ctx 结束
func (l *QPMLimiter) Wait(ctx context.Context) error {
	if l == nil || l.limiter == nil {
		return nil
	}
	return l.limiter.Wait(ctx)
}

// Allow 非阻塞地尝试获取令牌
func (l *QPMLimiter) Allow() bool {
	if l == nil || l.limiter == nil {
		return true
	}
	return l.limiter.Allow()
}

// QPM 返回配置的每分钟请求数，0 表示不限
func (l *QPMLimiter) QPM() int {
	if l == nil {
		return 0
	}
	return l.qpm
}
