package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"ats-tailor/internal/llm"
	"ats-tailor/internal/render"
	"ats-tailor/internal/tracing"
	"ats-tailor/internal/types"

	einoschema "github.com/cloudwego/eino/schema"
)

// runner 在一个会话内依次执行各阶段
type runner struct {
	conv         Conversation
	retry        RetryPolicy
	temperatures map[string]float64
}

func (r *runner) temperature(stage Stage) float64 {
	if t, ok := r.temperatures[string(stage)]; ok {
		return t
	}
	return defaultTemperatures[stage]
}

// call 发送阶段对应的一轮对话，校验结构后解码到 out
func (r *runner) call(ctx context.Context, stage Stage, systemPrompt, userPrompt string, out any) error {
	messages := []*einoschema.Message{
		einoschema.SystemMessage(systemPrompt),
		einoschema.UserMessage(userPrompt),
	}

	var text string
	err := r.retry.Do(ctx, func(ctx context.Context) error {
		res, err := r.conv.SendTurn(ctx, string(stage), stage.Turn(), messages, r.temperature(stage))
		if err != nil {
			return err
		}
		text = res.OutputText
		return nil
	})
	if err != nil {
		return err
	}

	raw, err := llm.DecodeJSONObject(text)
	if err != nil {
		return err
	}
	if err := validateShape(stage, raw); err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &llm.ParseError{Raw: tracing.TruncateString(string(raw), 1000), Err: fmt.Errorf("解码阶段 %s 输出失败: %w", stage, err)}
	}
	return nil
}

func (r *runner) compatibility(ctx context.Context, in Input) (*types.CompatibilityAnalysis, []types.Warning, error) {
	var out types.CompatibilityAnalysis
	if err := r.call(ctx, StageCompatibility, compatibilitySystemPrompt,
		compatibilityUserPrompt(in.ResumeText, in.JobDescription, in.JobTitle), &out); err != nil {
		return nil, nil, err
	}
	return &out, nil, nil
}

// extraction 只接收简历原文，不依赖岗位信息
func (r *runner) extraction(ctx context.Context, resumeText string) (*types.RawExtractedBlocks, []types.Warning, error) {
	var out types.RawExtractedBlocks
	if err := r.call(ctx, StageExtraction, extractionSystemPrompt, extractionUserPrompt(resumeText), &out); err != nil {
		return nil, nil, err
	}
	warnings, err := ValidateExtraction(resumeText, &out)
	if err != nil {
		return nil, nil, err
	}
	return &out, warnings, nil
}

func (r *runner) tailoring(ctx context.Context, raw types.RawExtractedBlocks, in Input, compat types.CompatibilityAnalysis) (*types.TailoredBlocks, []types.Warning, error) {
	var out types.TailoredBlocks
	if err := r.call(ctx, StageTailoring, tailoringSystemPrompt,
		tailoringUserPrompt(raw, in.JobDescription, in.JobTitle, compat), &out); err != nil {
		return nil, nil, err
	}
	if len(out.DetectedCategories) == 0 {
		out.DetectedCategories = raw.DetectedCategories
	}
	warnings, err := ValidateTailoring(raw, out)
	if err != nil {
		return nil, nil, err
	}
	return &out, warnings, nil
}

func (r *runner) scoring(ctx context.Context, resumeText string, tailored types.TailoredBlocks, jobDescription string) (*types.FitScore, []types.Warning, error) {
	var out types.FitScore
	if err := r.call(ctx, StageScoring, scoringSystemPrompt,
		scoringUserPrompt(resumeText, tailored, jobDescription), &out); err != nil {
		return nil, nil, err
	}
	return &out, NormalizeFitScore(&out), nil
}

// gaps 输入为原始抽取中的技能块
func (r *runner) gaps(ctx context.Context, raw types.RawExtractedBlocks, jobDescription, jobTitle string) (*types.MissingSkillsAnalysis, []types.Warning, error) {
	skills := types.BlocksByCategory(raw.Blocks, types.CategorySkills)
	var out types.MissingSkillsAnalysis
	if err := r.call(ctx, StageGaps, gapsSystemPrompt, gapsUserPrompt(skills, jobDescription, jobTitle), &out); err != nil {
		return nil, nil, err
	}
	for i := range out.MissingSkills {
		out.MissingSkills[i].Importance = strings.ToLower(strings.TrimSpace(out.MissingSkills[i].Importance))
	}
	return &out, nil, nil
}

func (r *runner) recommendations(ctx context.Context, score int, gaps types.MissingSkillsAnalysis, tailored types.TailoredBlocks) (*types.RecommendationsAnalysis, []types.Warning, error) {
	var out types.RecommendationsAnalysis
	if err := r.call(ctx, StageRecommendations, recommendationsSystemPrompt,
		recommendationsUserPrompt(score, gaps, tailored), &out); err != nil {
		return nil, nil, err
	}
	for i := range out.Recommendations {
		out.Recommendations[i].Priority = strings.ToLower(strings.TrimSpace(out.Recommendations[i].Priority))
	}
	return &out, nil, nil
}

// layout 覆盖检查只记录告警，缺失的块不会被补进布局
func (r *runner) layout(ctx context.Context, tailored types.TailoredBlocks, tc render.TemplateConstraints) (*types.LayoutDecision, []types.Warning, error) {
	var out types.LayoutDecision
	if err := r.call(ctx, StageLayout, layoutSystemPrompt, layoutUserPrompt(tailored, tc), &out); err != nil {
		return nil, nil, err
	}
	report := CheckCoverage(tailored.Blocks, out.Layout)
	return &out, LayoutWarnings(report, out.Layout, tc), nil
}
