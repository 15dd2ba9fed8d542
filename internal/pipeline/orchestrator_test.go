package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"ats-tailor/internal/config"
	"ats-tailor/internal/llm"
	"ats-tailor/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleResume = `JANE DOE
EXPERIENCE
Senior Engineer, Acme Corp, 2020-2024
- Built payment APIs in Go
- Led migration to Kubernetes
- Mentored four engineers
Engineer, Beta LLC, 2017-2020
- Wrote data pipelines
- Cut batch runtime by 40%
- Maintained PostgreSQL clusters
SKILLS
Go, Python, SQL, Kubernetes, Docker, Kafka, Redis, PostgreSQL, Terraform, AWS
EDUCATION
B.S. Computer Science, State University, 2017`

const sampleJD = "Payments Platform team seeks a backend engineer with Go, Kafka and gRPC experience."

var sampleResponses = map[Stage]string{
	StageCompatibility: `{"overlapAreas": ["Go services", "payments"], "gapAreas": ["gRPC"], "strategicFocus": ["lead with payment APIs"]}`,
	StageExtraction: `{"blocks": [
		{"id": "exp-1", "category": "experience", "content": {"title": "Senior Engineer", "company": "Acme Corp", "startDate": "2020", "endDate": "2024",
			"bullets": ["Built payment APIs in Go", "Led migration to Kubernetes", "Mentored four engineers"]}},
		{"id": "exp-2", "category": "experience", "content": {"title": "Engineer", "company": "Beta LLC", "startDate": "2017", "endDate": "2020",
			"bullets": ["Wrote data pipelines", "Cut batch runtime by 40%", "Maintained PostgreSQL clusters"]}},
		{"id": "skills-1", "category": "skills", "content": ["Go", "Python", "SQL", "Kubernetes", "Docker", "Kafka", "Redis", "PostgreSQL", "Terraform", "AWS"]},
		{"id": "edu-1", "category": "education", "content": {"degree": "B.S. Computer Science", "school": "State University", "endDate": "2017"}}
	], "detectedCategories": ["experience", "skills", "education"]}`,
	StageTailoring: `{"blocks": [
		{"id": "exp-1", "category": "experience", "priority": 10, "content": {"title": "Senior Engineer", "company": "Acme Corp", "startDate": "2020", "endDate": "2024",
			"bullets": ["Designed payment APIs in Go", "Led Kubernetes migration", "Mentored four backend engineers"]}},
		{"id": "exp-2", "category": "experience", "priority": 7, "content": {"title": "Engineer", "company": "Beta LLC", "startDate": "2017", "endDate": "2020",
			"bullets": ["Built streaming data pipelines", "Cut batch runtime by 40%", "Operated PostgreSQL clusters"]}},
		{"id": "skills-1", "category": "skills", "priority": 8, "content": ["Go", "Kafka", "Kubernetes", "SQL", "PostgreSQL", "Redis", "Docker", "Python", "Terraform", "AWS"]},
		{"id": "edu-1", "category": "education", "priority": 4, "content": {"degree": "B.S. Computer Science", "school": "State University", "endDate": "2017"}}
	]}`,
	StageScoring:         "```json\n{\"score\": 78, \"breakdown\": {\"keywords\": 32, \"experience\": 31, \"qualifications\": 15}, \"reasoning\": \"Strong Go and payments background.\"}\n```",
	StageGaps:            `{"missingSkills": [{"skill": "gRPC", "importance": "Important", "suggestion": "Mention any RPC framework work"}], "summary": "One notable gap."}`,
	StageRecommendations: `{"recommendations": [{"title": "Add gRPC", "description": "Build a small gRPC service.", "priority": "HIGH"}]}`,
	StageLayout:          `{"layout": {"header": [], "main": ["exp-1", "exp-2", "edu-1"], "sidebar": ["skills-1"]}, "reasoning": "Experience first, skills in the sidebar."}`,
}

type scriptedTransport struct {
	mu        sync.Mutex
	responses map[Stage]string
	hang      map[Stage]bool
	requests  []llm.TurnRequest
}

func newScriptedTransport(overrides map[Stage]string) *scriptedTransport {
	responses := make(map[Stage]string, len(sampleResponses))
	for k, v := range sampleResponses {
		responses[k] = v
	}
	for k, v := range overrides {
		responses[k] = v
	}
	return &scriptedTransport{responses: responses, hang: map[Stage]bool{}}
}

func (s *scriptedTransport) CreateConversation(ctx context.Context) (string, error) {
	return "conv-test", nil
}

func (s *scriptedTransport) SendTurn(ctx context.Context, req llm.TurnRequest) (*llm.TurnResult, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	out, ok := s.responses[Stage(req.Label)]
	hang := s.hang[Stage(req.Label)]
	s.mu.Unlock()

	if hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if !ok {
		return nil, &llm.UpstreamError{StatusCode: 500, Body: "no script"}
	}
	return &llm.TurnResult{OutputText: out, TokensUsed: 10}, nil
}

func (s *scriptedTransport) labels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.requests))
	for _, r := range s.requests {
		out = append(out, r.Label)
	}
	return out
}

func newTestOrchestrator(tr llm.Transport, opts ...llm.SessionOption) *Orchestrator {
	factory := &llm.TransportSessionFactory{Transport: tr, Options: opts}
	return NewOrchestrator(factory, config.LLMConfig{Retry: config.RetryConfig{MaxAttempts: 1}}, config.PipelineConfig{})
}

func sampleInput() Input {
	return Input{ResumeText: sampleResume, JobDescription: sampleJD, JobTitle: "Backend Engineer", TemplateName: "B"}
}

func TestOrchestratorEndToEnd(t *testing.T) {
	tr := newScriptedTransport(nil)
	o := newTestOrchestrator(tr)

	res, err := o.Run(context.Background(), sampleInput())
	require.NoError(t, err)
	require.NotNil(t, res)

	// 阶段严格按顺序执行，轮次为 1..7
	assert.Equal(t, []string{"compatibility", "extraction", "tailoring", "scoring", "gaps", "recommendations", "layout"}, tr.labels())
	for i, req := range tr.requests {
		assert.Equal(t, i+1, req.Turn)
		assert.Equal(t, "conv-test", req.SessionID)
	}

	// 原始抽取与岗位无关
	for _, m := range tr.requests[1].Messages {
		assert.NotContains(t, m.Content, "Payments Platform")
	}

	raw := res.RawBlocks.Blocks
	require.Len(t, raw, 4)
	exp := types.BlocksByCategory(raw, types.CategoryExperience)
	require.Len(t, exp, 2)
	assert.Equal(t, 3, exp[0].Content.SubItemCount())
	assert.Equal(t, 3, exp[1].Content.SubItemCount())
	skills := types.BlocksByCategory(raw, types.CategorySkills)
	require.Len(t, skills, 1)
	assert.Equal(t, 10, skills[0].Content.SubItemCount())
	assert.Len(t, types.BlocksByCategory(raw, types.CategoryEducation), 1)

	tailored := res.Blocks.Blocks
	require.Len(t, tailored, len(raw))
	assert.Equal(t, types.IDs(raw), types.IDs(tailored))
	for i, b := range tailored {
		assert.True(t, b.HasPriority(), "块 %s 缺少合法 priority", b.ID)
		assert.Equal(t, raw[i].Content.SubItemCount(), b.Content.SubItemCount())
	}
	assert.Equal(t, "Designed payment APIs in Go", tailored[0].Content.Bullets()[0])

	assert.True(t, CheckCoverage(tailored, res.Layout.Layout).OK())
	assert.Equal(t, 78, res.FitScore.Score)
	assert.Equal(t, res.FitScore.Score, res.FitScore.Breakdown.Sum())
	assert.Equal(t, "important", res.MissingSkills.MissingSkills[0].Importance)
	assert.Equal(t, "high", res.Recommendations.Recommendations[0].Priority)
	assert.Empty(t, res.Warnings)
}

func TestOrchestratorRecordsTailoringViolationsAsWarnings(t *testing.T) {
	tr := newScriptedTransport(map[Stage]string{
		StageTailoring: `{"blocks": [
			{"id": "exp-1", "category": "experience", "priority": 10, "content": {"title": "Senior Engineer", "bullets": ["only one"]}},
			{"id": "exp-2", "category": "experience", "content": {"title": "Engineer", "bullets": ["a", "b", "c"]}},
			{"id": "skills-1", "category": "skills", "priority": 8, "content": ["Go", "Python", "SQL", "Kubernetes", "Docker", "Kafka", "Redis", "PostgreSQL", "Terraform", "AWS"]},
			{"id": "edu-1", "category": "education", "priority": 4, "content": {"degree": "B.S."}}
		]}`,
	})
	o := newTestOrchestrator(tr)

	res, err := o.Run(context.Background(), sampleInput())
	require.NoError(t, err, "完整性问题只产生告警")
	require.NotNil(t, res)

	codes := map[string]types.Warning{}
	for _, w := range res.Warnings {
		codes[w.Code] = w
	}
	require.Contains(t, codes, WarnItemCountMismatch)
	assert.Equal(t, []string{"exp-1"}, codes[WarnItemCountMismatch].BlockIDs)
	require.Contains(t, codes, WarnMissingPriority)
	assert.Equal(t, []string{"exp-2"}, codes[WarnMissingPriority].BlockIDs)
	assert.Len(t, tr.labels(), 7)
}

func TestOrchestratorLayoutCoverageGapIsReportedNotFilled(t *testing.T) {
	tr := newScriptedTransport(map[Stage]string{
		StageLayout: `{"layout": {"header": [], "main": ["exp-1", "exp-2"], "sidebar": ["skills-1"]}, "reasoning": "dropped education"}`,
	})
	o := newTestOrchestrator(tr)

	res, err := o.Run(context.Background(), sampleInput())
	require.NoError(t, err)

	require.Len(t, res.Warnings, 1)
	w := res.Warnings[0]
	assert.Equal(t, WarnLayoutMissingBlocks, w.Code)
	assert.Equal(t, types.SeverityCritical, w.Severity)
	assert.Equal(t, []string{"edu-1"}, w.BlockIDs)
	assert.NotContains(t, res.Layout.Layout.AllIDs(), "edu-1", "布局决策本身不应被补位")
}

func TestOrchestratorTurnTimeoutAbortsRun(t *testing.T) {
	tr := newScriptedTransport(nil)
	tr.hang[StageTailoring] = true
	o := newTestOrchestrator(tr, llm.WithTurnTimeout(30*time.Millisecond))

	res, err := o.Run(context.Background(), sampleInput())
	require.Error(t, err)
	assert.Nil(t, res, "失败时不返回部分结果")

	var stageErr *StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, StageTailoring, stageErr.Stage)

	var timeoutErr *llm.TimeoutError
	require.True(t, errors.As(err, &timeoutErr))
	assert.Equal(t, 3, timeoutErr.Turn)
	assert.Equal(t, []string{"compatibility", "extraction", "tailoring"}, tr.labels())
}

func TestOrchestratorShapeViolationIsHardFailure(t *testing.T) {
	tr := newScriptedTransport(map[Stage]string{
		StageScoring: `{"score": 70, "reasoning": "no breakdown"}`,
	})
	o := newTestOrchestrator(tr)

	_, err := o.Run(context.Background(), sampleInput())
	var ve *ValidationError
	require.True(t, errors.As(err, &ve), "实际错误: %v", err)
	assert.Equal(t, StageScoring, ve.Stage)
	assert.NotEmpty(t, ve.Violations)
	assert.Len(t, tr.labels(), 4, "后续阶段不应执行")
}

func TestOrchestratorUnparseableOutput(t *testing.T) {
	tr := newScriptedTransport(map[Stage]string{
		StageCompatibility: "I think the candidate is a good fit.",
	})
	o := newTestOrchestrator(tr)

	_, err := o.Run(context.Background(), sampleInput())
	var pe *llm.ParseError
	require.True(t, errors.As(err, &pe))
	assert.Contains(t, pe.Raw, "good fit")
	assert.Len(t, tr.labels(), 1)
}

func TestOrchestratorRejectsInvalidInput(t *testing.T) {
	tr := newScriptedTransport(nil)
	o := newTestOrchestrator(tr)

	in := sampleInput()
	in.TemplateName = "Z"
	_, err := o.Run(context.Background(), in)
	assert.ErrorIs(t, err, ErrInvalidInput)

	in = sampleInput()
	in.ResumeText = "   "
	_, err = o.Run(context.Background(), in)
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.Empty(t, tr.labels())
}

func TestOrchestratorUsesConfiguredTemperatures(t *testing.T) {
	tr := newScriptedTransport(nil)
	factory := &llm.TransportSessionFactory{Transport: tr}
	o := NewOrchestrator(factory, config.LLMConfig{
		Temperatures: map[string]float64{"tailoring": 0.9},
	}, config.PipelineConfig{})

	_, err := o.Run(context.Background(), sampleInput())
	require.NoError(t, err)
	assert.InDelta(t, 0.3, tr.requests[0].Temperature, 1e-9)
	assert.InDelta(t, 0.0, tr.requests[1].Temperature, 1e-9)
	assert.InDelta(t, 0.9, tr.requests[2].Temperature, 1e-9)
}

func TestOrchestratorOverallDeadline(t *testing.T) {
	tr := newScriptedTransport(nil)
	tr.hang[StageGaps] = true
	factory := &llm.TransportSessionFactory{Transport: tr}
	o := NewOrchestrator(factory, config.LLMConfig{}, config.PipelineConfig{OverallDeadline: "50ms"})

	_, err := o.Run(context.Background(), sampleInput())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, strings.Contains(err.Error(), "整体截止时间"))
}
