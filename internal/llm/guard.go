package llm

import (
	"context"
	"errors"
	"time"

	"ats-tailor/internal/config"
	"ats-tailor/internal/logger"
	"ats-tailor/pkg/ratelimit"

	"github.com/sony/gobreaker/v2"
)

// Guard 对上游调用统一做限流和熔断，不做重试
type Guard struct {
	limiter *ratelimit.QPMLimiter
	breaker *gobreaker.CircuitBreaker[[]byte]
}

// NewGuard 根据配置创建调用保护；name 用于熔断器日志
func NewGuard(name string, cfg config.LLMConfig) *Guard {
	g := &Guard{limiter: ratelimit.NewQPMLimiter(cfg.QPM)}
	if !cfg.Breaker.Enabled {
		return g
	}

	threshold := cfg.Breaker.ConsecutiveFailures
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.Breaker.MaxRequests,
		Interval:    config.GetDuration(cfg.Breaker.Interval, 0),
		Timeout:     config.GetDuration(cfg.Breaker.Timeout, 30*time.Second),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// 只有上游故障计入失败，调用方取消不算
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			if errors.Is(err, context.Canceled) {
				return true
			}
			var upstream *UpstreamError
			if errors.As(err, &upstream) {
				return !upstream.Retryable()
			}
			return false
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("模型调用熔断器状态变化")
		},
	}
	g.breaker = gobreaker.NewCircuitBreaker[[]byte](settings)
	return g
}

// Do 在限流和熔断保护下执行 fn
func (g *Guard) Do(ctx context.Context, fn func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	if g == nil {
		return fn(ctx)
	}
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	if g.breaker == nil {
		return fn(ctx)
	}

	body, err := g.breaker.Execute(func() ([]byte, error) {
		return fn(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, errors.Join(ErrCircuitOpen, err)
	}
	return body, err
}

// State 返回熔断器状态，未启用时为 closed
func (g *Guard) State() string {
	if g == nil || g.breaker == nil {
		return gobreaker.StateClosed.String()
	}
	return g.breaker.State().String()
}
