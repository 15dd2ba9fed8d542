package types

// CompatibilityAnalysis 简历与岗位的匹配分析，用于引导定制
type CompatibilityAnalysis struct {
	OverlapAreas   []string `json:"overlapAreas"`
	GapAreas       []string `json:"gapAreas"`
	StrategicFocus []string `json:"strategicFocus"`
}

// 匹配分各维度上限
const (
	MaxKeywordsScore       = 40
	MaxExperienceScore     = 40
	MaxQualificationsScore = 20
)

// FitScoreBreakdown 匹配分拆解
type FitScoreBreakdown struct {
	Keywords       int `json:"keywords"`
	Experience     int `json:"experience"`
	Qualifications int `json:"qualifications"`
}

// Sum 三个维度之和
func (b FitScoreBreakdown) Sum() int {
	return b.Keywords + b.Experience + b.Qualifications
}

// FitScore 0-100 的匹配分
type FitScore struct {
	Score     int               `json:"score"`
	Breakdown FitScoreBreakdown `json:"breakdown"`
	Reasoning string            `json:"reasoning"`
}

// MissingSkill 缺失技能
type MissingSkill struct {
	Skill      string `json:"skill"`
	Importance string `json:"importance"` // critical, important, nice_to_have
	Category   string `json:"category,omitempty"`
	Suggestion string `json:"suggestion,omitempty"`
}

// MissingSkillsAnalysis 缺口分析，仅作建议
type MissingSkillsAnalysis struct {
	MissingSkills []MissingSkill `json:"missingSkills"`
	Summary       string         `json:"summary,omitempty"`
}

// Recommendation 改进建议
type Recommendation struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Priority    string `json:"priority"` // high, medium, low
	Category    string `json:"category,omitempty"`
	Impact      string `json:"impact,omitempty"`
}

// RecommendationsAnalysis 建议集合，仅作建议，不修改简历内容
type RecommendationsAnalysis struct {
	Recommendations []Recommendation `json:"recommendations"`
	Summary         string           `json:"summary,omitempty"`
}
