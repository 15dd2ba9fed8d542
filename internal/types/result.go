package types

// Severity 完整性告警级别
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Warning 结构化完整性告警，不中断流水线
type Warning struct {
	Code     string   `json:"code"`
	Severity Severity `json:"severity"`
	Stage    string   `json:"stage"`
	Detail   string   `json:"detail"`
	BlockIDs []string `json:"blockIds,omitempty"`
}

// PipelineResult 流水线完整输出
type PipelineResult struct {
	Compatibility   CompatibilityAnalysis   `json:"compatibility"`
	RawBlocks       RawExtractedBlocks      `json:"rawBlocks"`
	Blocks          TailoredBlocks          `json:"blocks"`
	FitScore        FitScore                `json:"fitScore"`
	MissingSkills   MissingSkillsAnalysis   `json:"missingSkills"`
	Recommendations RecommendationsAnalysis `json:"recommendations"`
	Layout          LayoutDecision          `json:"layout"`
	Warnings        []Warning               `json:"warnings,omitempty"`
}

// ContentBundle 一级缓存中保存的内容
type ContentBundle struct {
	Compatibility   CompatibilityAnalysis   `json:"compatibility"`
	TailoredBlocks  TailoredBlocks          `json:"tailoredBlocks"`
	LayoutDecision  LayoutDecision          `json:"layoutDecision"`
	FitScore        FitScore                `json:"fitScore"`
	MissingSkills   MissingSkillsAnalysis   `json:"missingSkills"`
	Recommendations RecommendationsAnalysis `json:"recommendations"`
	Warnings        []Warning               `json:"warnings,omitempty"`
}

// Bundle 从流水线结果提取可缓存内容
func (r *PipelineResult) Bundle() ContentBundle {
	return ContentBundle{
		Compatibility:   r.Compatibility,
		TailoredBlocks:  r.Blocks,
		LayoutDecision:  r.Layout,
		FitScore:        r.FitScore,
		MissingSkills:   r.MissingSkills,
		Recommendations: r.Recommendations,
		Warnings:        r.Warnings,
	}
}
