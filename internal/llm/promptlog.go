package llm

import (
	"ats-tailor/internal/config"
	"ats-tailor/internal/tracing"

	"github.com/rs/zerolog"
)

// 提示词日志模式
const (
	PromptLogOff      = "off"
	PromptLogSizes    = "sizes"
	PromptLogRedacted = "redacted"
	PromptLogFull     = "full"
)

// PromptLogger 分级、可脱敏的提示词/响应日志。原文只在 debug 级别输出
type PromptLogger struct {
	mode     string
	maxChars int
	log      zerolog.Logger
}

// NewPromptLogger 创建提示词日志器
func NewPromptLogger(cfg config.PromptLoggingConfig, log zerolog.Logger) *PromptLogger {
	mode := cfg.Mode
	if mode == "" {
		mode = PromptLogSizes
	}
	maxChars := cfg.MaxChars
	if maxChars <= 0 {
		maxChars = 2000
	}
	return &PromptLogger{mode: mode, maxChars: maxChars, log: log}
}

func (p *PromptLogger) render(s string) string {
	switch p.mode {
	case PromptLogFull:
		return s
	case PromptLogRedacted:
		return tracing.TruncateString(tracing.RedactText(s), p.maxChars)
	}
	return ""
}

// Request 记录一次请求
func (p *PromptLogger) Request(label string, turn int, system, user string) {
	if p == nil || p.mode == PromptLogOff {
		return
	}
	ev := p.log.Debug().
		Str("stage", label).
		Int("turn", turn).
		Int("system_bytes", len(system)).
		Int("user_bytes", len(user))
	if p.mode == PromptLogRedacted || p.mode == PromptLogFull {
		ev = ev.Str("system", p.render(system)).Str("user", p.render(user))
	}
	ev.Msg("模型请求")
}

// Response 记录一次响应
func (p *PromptLogger) Response(label string, turn int, output string, tokens int) {
	if p == nil || p.mode == PromptLogOff {
		return
	}
	ev := p.log.Debug().
		Str("stage", label).
		Int("turn", turn).
		Int("output_bytes", len(output)).
		Int("tokens", tokens)
	if p.mode == PromptLogRedacted || p.mode == PromptLogFull {
		ev = ev.Str("output", p.render(output))
	}
	ev.Msg("模型响应")
}
