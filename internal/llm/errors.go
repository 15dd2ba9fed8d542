package llm

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	// ErrInvalidRequest 调用参数不合法（空提示词、温度越界等）
	ErrInvalidRequest = errors.New("模型调用参数不合法")
	// ErrCircuitOpen 熔断器打开，暂停调用上游
	ErrCircuitOpen = errors.New("模型服务熔断中")
	// ErrSessionClosed 会话已结束，不能继续发送
	ErrSessionClosed = errors.New("会话已关闭")
	// ErrTurnOutOfOrder 轮次编号必须严格递增
	ErrTurnOutOfOrder = errors.New("会话轮次乱序")
)

// ConfigurationError 缺少凭证等配置问题，不可重试
type ConfigurationError struct {
	Field string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("模型网关配置缺失: %s", e.Field)
}

// UpstreamError 上游返回非成功状态码
type UpstreamError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("模型服务返回错误状态 %d: %s", e.StatusCode, e.Body)
}

// Retryable 429 与 5xx 视为暂时性错误
func (e *UpstreamError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// EmptyResponseError 上游返回零个候选结果
type EmptyResponseError struct {
	Model string
}

func (e *EmptyResponseError) Error() string {
	return fmt.Sprintf("模型 %s 未返回任何结果", e.Model)
}

// ParseError 期望 JSON 但输出无法解析，Raw 为截断后的原始输出
type ParseError struct {
	Raw string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("模型输出不是合法JSON: %v", e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// TimeoutError 会话单轮超时
type TimeoutError struct {
	Turn    int
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("会话第 %d 轮超时 (%s)", e.Turn, e.Timeout)
}

// MalformedResponseError 会话响应形态无法识别
type MalformedResponseError struct {
	Raw string
}

func (e *MalformedResponseError) Error() string {
	return "会话响应中找不到输出文本"
}

// IsRetryable 仅上游暂时性错误允许由调用方重试
func IsRetryable(err error) bool {
	var upstream *UpstreamError
	if errors.As(err, &upstream) {
		return upstream.Retryable()
	}
	return false
}

// MetricOutcome 指标中的结果分类
func (e *ConfigurationError) MetricOutcome() string     { return "configuration" }
func (e *UpstreamError) MetricOutcome() string          { return "upstream" }
func (e *EmptyResponseError) MetricOutcome() string     { return "empty" }
func (e *ParseError) MetricOutcome() string             { return "parse" }
func (e *TimeoutError) MetricOutcome() string           { return "timeout" }
func (e *MalformedResponseError) MetricOutcome() string { return "malformed" }
