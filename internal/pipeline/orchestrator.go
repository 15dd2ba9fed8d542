package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"ats-tailor/internal/config"
	"ats-tailor/internal/llm"
	"ats-tailor/internal/logger"
	"ats-tailor/internal/metrics"
	"ats-tailor/internal/render"
	"ats-tailor/internal/tracing"
	"ats-tailor/internal/types"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var pipelineTracer = otel.Tracer("ats-tailor/pipeline")

// Input 一次流水线运行的输入
type Input struct {
	ResumeText     string
	JobDescription string
	JobTitle       string
	TemplateName   string
}

// Validate 简历原文与岗位描述必填，模板必须是 A/B/C
func (in Input) Validate() error {
	var missing []string
	if strings.TrimSpace(in.ResumeText) == "" {
		missing = append(missing, "resumeText")
	}
	if strings.TrimSpace(in.JobDescription) == "" {
		missing = append(missing, "jobDescription")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: 缺少 %s", ErrInvalidInput, strings.Join(missing, ", "))
	}
	if _, err := render.Constraints(in.TemplateName); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}

// Runner 流水线入口，生成服务和测试依赖这个接口
type Runner interface {
	Run(ctx context.Context, in Input) (*types.PipelineResult, error)
}

// Orchestrator 在一个独占会话内严格按顺序执行七个阶段，任一阶段失败即终止
type Orchestrator struct {
	sessions     llm.SessionFactory
	retry        RetryPolicy
	temperatures map[string]float64
	deadline     time.Duration
	log          zerolog.Logger
}

// NewOrchestrator 创建编排器
func NewOrchestrator(sessions llm.SessionFactory, llmCfg config.LLMConfig, pipelineCfg config.PipelineConfig) *Orchestrator {
	return &Orchestrator{
		sessions:     sessions,
		retry:        NewRetryPolicy(llmCfg.Retry),
		temperatures: llmCfg.Temperatures,
		deadline:     config.GetDuration(pipelineCfg.OverallDeadline, 0),
		log:          logger.Component("pipeline"),
	}
}

var _ Runner = (*Orchestrator)(nil)

// Run 执行完整流水线。返回的结果要么完整，要么为 nil
func (o *Orchestrator) Run(ctx context.Context, in Input) (*types.PipelineResult, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	tc, _ := render.Constraints(in.TemplateName)

	if o.deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.deadline)
		defer cancel()
	}

	ctx, span := pipelineTracer.Start(ctx, "pipeline.Run",
		trace.WithAttributes(
			attribute.String("pipeline.template", in.TemplateName),
			attribute.Int("pipeline.resume_chars", len(in.ResumeText)),
			attribute.Int("pipeline.jd_chars", len(in.JobDescription)),
		))
	defer span.End()

	session, err := o.sessions.NewSession(ctx)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeLLM)
		return nil, fmt.Errorf("创建流水线会话失败: %w", err)
	}
	defer session.Close()

	log := o.log.With().Str("session_id", session.ID()).Logger()
	r := &runner{conv: session, retry: o.retry, temperatures: o.temperatures}
	result := &types.PipelineResult{}
	start := time.Now()

	step := func(stage Stage, fn func(ctx context.Context) ([]types.Warning, error)) error {
		stageStart := time.Now()
		stageCtx, stageSpan := pipelineTracer.Start(ctx, "pipeline."+string(stage),
			trace.WithAttributes(attribute.Int("pipeline.turn", stage.Turn())))
		defer stageSpan.End()

		warnings, err := fn(stageCtx)
		metrics.ObserveStage(string(stage), err, time.Since(stageStart))
		if err != nil {
			errType := tracing.ErrorTypeLLM
			var ve *ValidationError
			var te *llm.TimeoutError
			switch {
			case errors.As(err, &ve):
				errType = tracing.ErrorTypeValidation
			case errors.As(err, &te), errors.Is(err, context.DeadlineExceeded):
				errType = tracing.ErrorTypeTimeout
			}
			tracing.RecordError(stageSpan, err, errType)
			if o.deadline > 0 && errors.Is(ctx.Err(), context.DeadlineExceeded) {
				err = fmt.Errorf("超过流水线整体截止时间 %s: %w", o.deadline, err)
			}
			log.Error().Err(err).Str("stage", string(stage)).Int("turn", stage.Turn()).
				Dur("elapsed", time.Since(stageStart)).Msg("流水线阶段失败")
			return &StageError{Stage: stage, Turn: stage.Turn(), Err: err}
		}

		for _, w := range warnings {
			metrics.IncIntegrityWarning(w.Stage, w.Code, string(w.Severity))
			ev := log.Warn()
			if w.Severity == types.SeverityCritical {
				ev = log.Error()
			}
			ev.Str("stage", w.Stage).Str("code", w.Code).Str("severity", string(w.Severity)).
				Strs("block_ids", w.BlockIDs).Msg(w.Detail)
		}
		result.Warnings = append(result.Warnings, warnings...)
		stageSpan.SetAttributes(attribute.Int("pipeline.warnings", len(warnings)))
		log.Debug().Str("stage", string(stage)).Dur("elapsed", time.Since(stageStart)).Msg("流水线阶段完成")
		return nil
	}

	stages := []struct {
		stage Stage
		fn    func(ctx context.Context) ([]types.Warning, error)
	}{
		{StageCompatibility, func(ctx context.Context) ([]types.Warning, error) {
			out, w, err := r.compatibility(ctx, in)
			if err == nil {
				result.Compatibility = *out
			}
			return w, err
		}},
		{StageExtraction, func(ctx context.Context) ([]types.Warning, error) {
			out, w, err := r.extraction(ctx, in.ResumeText)
			if err == nil {
				result.RawBlocks = *out
			}
			return w, err
		}},
		{StageTailoring, func(ctx context.Context) ([]types.Warning, error) {
			out, w, err := r.tailoring(ctx, result.RawBlocks, in, result.Compatibility)
			if err == nil {
				result.Blocks = *out
			}
			return w, err
		}},
		{StageScoring, func(ctx context.Context) ([]types.Warning, error) {
			out, w, err := r.scoring(ctx, in.ResumeText, result.Blocks, in.JobDescription)
			if err == nil {
				result.FitScore = *out
			}
			return w, err
		}},
		{StageGaps, func(ctx context.Context) ([]types.Warning, error) {
			out, w, err := r.gaps(ctx, result.RawBlocks, in.JobDescription, in.JobTitle)
			if err == nil {
				result.MissingSkills = *out
			}
			return w, err
		}},
		{StageRecommendations, func(ctx context.Context) ([]types.Warning, error) {
			out, w, err := r.recommendations(ctx, result.FitScore.Score, result.MissingSkills, result.Blocks)
			if err == nil {
				result.Recommendations = *out
			}
			return w, err
		}},
		{StageLayout, func(ctx context.Context) ([]types.Warning, error) {
			out, w, err := r.layout(ctx, result.Blocks, tc)
			if err == nil {
				result.Layout = *out
			}
			return w, err
		}},
	}

	for _, s := range stages {
		if err := step(s.stage, s.fn); err != nil {
			tracing.RecordError(span, err, tracing.ErrorTypeInternal)
			return nil, err
		}
	}

	span.SetAttributes(
		attribute.Int("pipeline.blocks", len(result.Blocks.Blocks)),
		attribute.Int("pipeline.fit_score", result.FitScore.Score),
		attribute.Int("pipeline.warnings", len(result.Warnings)),
		attribute.Int("pipeline.tokens", session.TokensUsed()),
	)
	log.Info().
		Int("blocks", len(result.Blocks.Blocks)).
		Int("fit_score", result.FitScore.Score).
		Int("warnings", len(result.Warnings)).
		Int("tokens", session.TokensUsed()).
		Dur("elapsed", time.Since(start)).
		Msg("流水线完成")
	return result, nil
}
