package generation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"ats-tailor/internal/cache"
	"ats-tailor/internal/constants"
	"ats-tailor/internal/llm"
	"ats-tailor/internal/parser"
	"ats-tailor/internal/paywall"
	"ats-tailor/internal/pipeline"
	"ats-tailor/internal/render"
	"ats-tailor/internal/storage"
	"ats-tailor/internal/storage/models"
	"ats-tailor/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeJobs struct {
	mu          sync.Mutex
	jobs        map[string]*models.Job
	resumes     map[string]*models.Resume
	transitions  []storage.JobTransition
	getJobErr    error
	getResumeErr error
}

func (f *fakeJobs) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getJobErr != nil {
		return nil, f.getJobErr
	}
	j, ok := f.jobs[jobID]
	if !ok {
		return nil, storage.ErrRecordNotFound
	}
	cp := *j
	return &cp, nil
}

func (f *fakeJobs) GetResume(ctx context.Context, resumeID string) (*models.Resume, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getResumeErr != nil {
		return nil, f.getResumeErr
	}
	r, ok := f.resumes[resumeID]
	if !ok {
		return nil, storage.ErrRecordNotFound
	}
	cp := *r
	return &cp, nil
}

func (f *fakeJobs) TransitionJobStatus(ctx context.Context, t storage.JobTransition) (*models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[t.JobID]
	if !ok {
		return nil, storage.ErrRecordNotFound
	}
	f.transitions = append(f.transitions, t)
	j.Status = t.To
	j.FailureReason = t.Reason
	if t.PDFURL != "" {
		j.PDFURL = t.PDFURL
	}
	if t.FitScore != nil {
		j.FitScore = t.FitScore
	}
	j.ContentCacheID = t.ContentCacheID
	cp := *j
	return &cp, nil
}

func (f *fakeJobs) statuses() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, t := range f.transitions {
		out = append(out, t.To)
	}
	return out
}

type fakeText struct {
	text string
	err  error
}

func (f fakeText) ResumeText(ctx context.Context, resume *models.Resume) (string, error) {
	return f.text, f.err
}

type fakeContent struct {
	mu       sync.Mutex
	entries  map[string]*cache.ContentEntry
	storeErr error
	seq      int
}

func (f *fakeContent) Lookup(ctx context.Context, resumeID, jobID string) (*cache.ContentEntry, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[resumeID+"|"+jobID]
	if !ok {
		return nil, false, nil
	}
	cp := *e
	return &cp, true, nil
}

func (f *fakeContent) Store(ctx context.Context, resumeID, jobID, layoutTemplate string, bundle types.ContentBundle) (*cache.ContentEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.storeErr != nil {
		return nil, f.storeErr
	}
	key := resumeID + "|" + jobID
	if e, ok := f.entries[key]; ok {
		cp := *e
		return &cp, nil
	}
	f.seq++
	e := &cache.ContentEntry{ID: fmt.Sprintf("content-%d", f.seq), ResumeID: resumeID, JobID: jobID, LayoutTemplate: layoutTemplate, Bundle: bundle}
	f.entries[key] = e
	cp := *e
	return &cp, nil
}

type fakeRenders struct {
	mu      sync.Mutex
	entries map[string]*cache.RenderEntry
	stores  int
}

func (f *fakeRenders) Lookup(ctx context.Context, contentCacheID, templateName string) (*cache.RenderEntry, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[contentCacheID+"|"+templateName]
	if !ok {
		return nil, false, nil
	}
	cp := *e
	return &cp, true, nil
}

func (f *fakeRenders) Store(ctx context.Context, e cache.RenderEntry) (*cache.RenderEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stores++
	key := e.ContentCacheID + "|" + e.TemplateName
	if existing, ok := f.entries[key]; ok {
		cp := *existing
		return &cp, nil
	}
	e.ID = fmt.Sprintf("render-%d", f.stores)
	f.entries[key] = &e
	cp := e
	return &cp, nil
}

type fakeRunner struct {
	mu     sync.Mutex
	result *types.PipelineResult
	err    error
	calls  int
	inputs []pipeline.Input
}

func (f *fakeRunner) Run(ctx context.Context, in pipeline.Input) (*types.PipelineResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.inputs = append(f.inputs, in)
	if f.err != nil {
		return nil, f.err
	}
	cp := *f.result
	return &cp, nil
}

type fakeRenderer struct {
	mu        sync.Mutex
	calls     int
	err       error
	blocks    []types.ContentBlock
	placement types.Placement
}

func (f *fakeRenderer) Render(ctx context.Context, blocks []types.ContentBlock, placement types.Placement, templateName string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.blocks, f.placement = blocks, placement
	if f.err != nil {
		return nil, f.err
	}
	if err := render.CheckPlacement(blocks, placement); err != nil {
		return nil, err
	}
	return []byte("%PDF-1.7 " + templateName), nil
}

type fakeDocuments struct {
	mu        sync.Mutex
	objects   map[string][]byte
	presigns  int
	uploadErr error
}

func (f *fakeDocuments) UploadDocument(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploadErr != nil {
		return "", f.uploadErr
	}
	f.objects[key] = data
	return key, nil
}

func (f *fakeDocuments) PresignDocument(ctx context.Context, key string) (string, time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.presigns++
	return fmt.Sprintf("https://docs.local/%s?sig=%d", key, f.presigns), time.Now().Add(time.Hour), nil
}

type fakeLocker struct {
	mu       sync.Mutex
	held     map[string]string
	acquired int
	released int
	err      error
}

func (f *fakeLocker) AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	if _, ok := f.held[key]; ok {
		return "", nil
	}
	f.acquired++
	f.held[key] = "owner"
	return "owner", nil
}

func (f *fakeLocker) ReleaseLock(ctx context.Context, key, value string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released++
	delete(f.held, key)
	return true, nil
}

type denyAll struct{}

func (denyAll) Authorize(context.Context, string) error { return paywall.ErrPaymentRequired }

type harness struct {
	jobs     *fakeJobs
	content  *fakeContent
	renders  *fakeRenders
	runner   *fakeRunner
	renderer *fakeRenderer
	docs     *fakeDocuments
	locker   *fakeLocker
	text     fakeText
	paywall  paywall.Authorizer
}

func newHarness() *harness {
	return &harness{
		jobs: &fakeJobs{
			jobs: map[string]*models.Job{
				"job-1": {JobID: "job-1", UserID: "user-1", ResumeID: "resume-1", JobTitle: "Backend Engineer",
					JobDescriptionText: "Go, MySQL, Redis", Status: constants.JobStatusPending},
			},
			resumes: map[string]*models.Resume{
				"resume-1": {ResumeID: "resume-1", UserID: "user-1", ParsedText: "Jane Doe. Go engineer."},
			},
		},
		content:  &fakeContent{entries: map[string]*cache.ContentEntry{}},
		renders:  &fakeRenders{entries: map[string]*cache.RenderEntry{}},
		runner:   &fakeRunner{result: sampleResult()},
		renderer: &fakeRenderer{},
		docs:     &fakeDocuments{objects: map[string][]byte{}},
		locker:   &fakeLocker{held: map[string]string{}},
		text:     fakeText{text: "Jane Doe. Go engineer."},
	}
}

func (h *harness) service() *Service {
	return NewService(Deps{
		Jobs:      h.jobs,
		Text:      h.text,
		Paywall:   h.paywall,
		Content:   h.content,
		Renders:   h.renders,
		Pipeline:  h.runner,
		Renderer:  h.renderer,
		Documents: h.docs,
		Locker:    h.locker,
	})
}

func sampleResult() *types.PipelineResult {
	blocks := []types.ContentBlock{
		{ID: "contact-1", Category: types.CategoryContact, Content: types.BlockContent{Items: []string{"Jane Doe"}}, Priority: types.IntPtr(10)},
		{ID: "summary-1", Category: types.CategorySummary, Content: types.BlockContent{Items: []string{"Go engineer."}}, Priority: types.IntPtr(9)},
		{ID: "skills-1", Category: types.CategorySkills, Content: types.BlockContent{Items: []string{"Go", "MySQL"}}, Priority: types.IntPtr(8)},
		{ID: "interests-1", Category: types.CategoryInterests, Content: types.BlockContent{Items: []string{"Chess"}}, Priority: types.IntPtr(1)},
	}
	return &types.PipelineResult{
		Blocks: types.TailoredBlocks{Blocks: blocks},
		FitScore: types.FitScore{
			Score:     78,
			Breakdown: types.FitScoreBreakdown{Keywords: 32, Experience: 30, Qualifications: 16},
		},
		MissingSkills: types.MissingSkillsAnalysis{MissingSkills: []types.MissingSkill{{Skill: "Kafka", Importance: "important"}}},
		Layout: types.LayoutDecision{Layout: types.Layout{
			Header:  []string{"contact-1"},
			Main:    []string{"summary-1"},
			Sidebar: []string{"skills-1"},
			Footer:  []string{"interests-1"},
		}},
	}
}

func requireGenerationError(t *testing.T, err error, status int, code string) *GenerationError {
	t.Helper()
	var ge *GenerationError
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, status, ge.Status)
	assert.Equal(t, code, ge.Code)
	return ge
}

func TestGenerateIsIdempotentAcrossCalls(t *testing.T) {
	h := newHarness()
	svc := h.service()
	ctx := context.Background()
	req := Request{UserID: "user-1", JobID: "job-1", TemplateName: "B"}

	first, err := svc.Generate(ctx, req)
	require.NoError(t, err)
	assert.True(t, first.Success)
	assert.NotEmpty(t, first.PDFURL)
	assert.False(t, first.CacheInfo.ContentCacheHit)
	assert.Equal(t, 0, first.CacheInfo.AICallsSaved)
	assert.Equal(t, 78, first.AIInsights.FitScore)
	assert.Equal(t, types.FitScoreBreakdown{Keywords: 32, Experience: 30, Qualifications: 16}, first.AIInsights.FitScoreBreakdown)
	assert.Equal(t, 1, h.runner.calls)
	assert.Equal(t, 1, h.renderer.calls)
	assert.Equal(t, "Go, MySQL, Redis", h.runner.inputs[0].JobDescription)
	assert.Equal(t, []string{constants.JobStatusGenerating, constants.JobStatusCompleted}, h.jobs.statuses())

	second, err := svc.Generate(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.PDFURL, second.PDFURL)
	assert.True(t, second.CacheInfo.ContentCacheHit)
	assert.True(t, second.CacheInfo.RenderCacheHit)
	assert.Equal(t, constants.AICallsSavedOnContentHit, second.CacheInfo.AICallsSaved)
	assert.Equal(t, first.AIInsights, second.AIInsights)
	assert.Equal(t, 1, h.runner.calls, "命中缓存不应再运行流水线")
	assert.Equal(t, 1, h.renderer.calls, "命中缓存不应再渲染")

	job := h.jobs.jobs["job-1"]
	assert.Equal(t, constants.JobStatusCompleted, job.Status)
	assert.Equal(t, first.PDFURL, job.PDFURL)
	require.NotNil(t, job.FitScore)
	assert.Equal(t, 78, *job.FitScore)
	assert.Equal(t, 1, h.locker.acquired)
	assert.Equal(t, 1, h.locker.released)
}

func TestGenerateNewTemplateReusesContent(t *testing.T) {
	h := newHarness()
	svc := h.service()
	ctx := context.Background()

	b, err := svc.Generate(ctx, Request{UserID: "user-1", JobID: "job-1", TemplateName: "B"})
	require.NoError(t, err)
	a, err := svc.Generate(ctx, Request{UserID: "user-1", JobID: "job-1", TemplateName: "A"})
	require.NoError(t, err)

	assert.NotEqual(t, b.PDFURL, a.PDFURL)
	assert.True(t, a.CacheInfo.ContentCacheHit)
	assert.False(t, a.CacheInfo.RenderCacheHit)
	assert.Equal(t, 5, a.CacheInfo.AICallsSaved)
	assert.Equal(t, 1, h.runner.calls)
	assert.Equal(t, 2, h.renderer.calls)
	// 单栏模板没有侧栏
	assert.Equal(t, types.SectionMain, h.renderer.placement["skills-1"].Section)
}

func TestGeneratePriorityNeverFilters(t *testing.T) {
	h := newHarness()
	result := sampleResult()
	// 布局漏掉了低优先级块
	result.Layout.Layout.Footer = nil
	h.runner.result = result
	svc := h.service()

	_, err := svc.Generate(context.Background(), Request{UserID: "user-1", JobID: "job-1", TemplateName: "C"})
	require.NoError(t, err)

	require.Len(t, h.renderer.placement, len(result.Blocks.Blocks))
	for _, b := range result.Blocks.Blocks {
		_, ok := h.renderer.placement[b.ID]
		assert.True(t, ok, "块 %s 必须被放置", b.ID)
	}
	assert.Equal(t, types.SectionMain, h.renderer.placement["interests-1"].Section)
}

func TestGenerateTimeoutMarksJobFailed(t *testing.T) {
	h := newHarness()
	h.runner.err = &pipeline.StageError{Stage: pipeline.StageScoring, Turn: 4, Err: &llm.TimeoutError{Turn: 4, Timeout: 90 * time.Second}}
	svc := h.service()

	resp, err := svc.Generate(context.Background(), Request{UserID: "user-1", JobID: "job-1", TemplateName: "A"})
	assert.Nil(t, resp)
	requireGenerationError(t, err, http.StatusInternalServerError, CodeGenerationFailed)
	var te *llm.TimeoutError
	assert.ErrorAs(t, err, &te)

	assert.Empty(t, h.content.entries, "失败的流水线不能写入内容缓存")
	assert.Zero(t, h.renderer.calls)
	assert.Equal(t, []string{constants.JobStatusGenerating, constants.JobStatusFailed}, h.jobs.statuses())
	assert.Contains(t, h.jobs.jobs["job-1"].FailureReason, CodeGenerationFailed)
	assert.Equal(t, 1, h.locker.released)
}

func TestGenerateErrorMapping(t *testing.T) {
	tests := []struct {
		name         string
		req          Request
		setup        func(h *harness)
		status       int
		code         string
		wantStatuses []string
	}{
		{
			name:   "缺少jobId",
			req:    Request{UserID: "user-1", TemplateName: "A"},
			status: http.StatusBadRequest, code: CodeInvalidInput,
		},
		{
			name:   "未知模板",
			req:    Request{UserID: "user-1", JobID: "job-1", TemplateName: "Z"},
			status: http.StatusBadRequest, code: CodeInvalidInput,
		},
		{
			name:   "付费墙拦截",
			req:    Request{UserID: "user-1", JobID: "job-1", TemplateName: "A"},
			setup:  func(h *harness) { h.paywall = denyAll{} },
			status: http.StatusPaymentRequired, code: CodePaymentRequired,
		},
		{
			name:   "任务不存在",
			req:    Request{UserID: "user-1", JobID: "job-404", TemplateName: "A"},
			status: http.StatusNotFound, code: CodeJobNotFound,
		},
		{
			name:   "其他用户的任务",
			req:    Request{UserID: "user-2", JobID: "job-1", TemplateName: "A"},
			status: http.StatusNotFound, code: CodeJobNotFound,
		},
		{
			name:         "简历不存在",
			req:          Request{UserID: "user-1", JobID: "job-1", TemplateName: "A"},
			setup:        func(h *harness) { delete(h.jobs.resumes, "resume-1") },
			status:       http.StatusNotFound, code: CodeResumeNotFound,
			wantStatuses: []string{constants.JobStatusFailed},
		},
		{
			name:         "查询简历出错",
			req:          Request{UserID: "user-1", JobID: "job-1", TemplateName: "A"},
			setup:        func(h *harness) { h.jobs.getResumeErr = errors.New("lost connection") },
			status:       http.StatusInternalServerError, code: CodeGenerationFailed,
			wantStatuses: []string{constants.JobStatusFailed},
		},
		{
			name:   "查询任务出错",
			req:    Request{UserID: "user-1", JobID: "job-1", TemplateName: "A"},
			setup:  func(h *harness) { h.jobs.getJobErr = errors.New("too many connections") },
			status: http.StatusInternalServerError, code: CodeGenerationFailed,
		},
		{
			name:         "简历没有文本",
			req:          Request{UserID: "user-1", JobID: "job-1", TemplateName: "A"},
			setup:        func(h *harness) { h.text = fakeText{err: fmt.Errorf("%w: resume_id=resume-1", parser.ErrResumeTextMissing)} },
			status:       http.StatusBadRequest, code: CodeResumeTextMissing,
			wantStatuses: []string{constants.JobStatusGenerating, constants.JobStatusFailed},
		},
		{
			name:         "流水线输入不合法",
			req:          Request{UserID: "user-1", JobID: "job-1", TemplateName: "A"},
			setup:        func(h *harness) { h.runner.err = fmt.Errorf("%w: 缺少 jobDescription", pipeline.ErrInvalidInput) },
			status:       http.StatusBadRequest, code: CodeInvalidInput,
			wantStatuses: []string{constants.JobStatusGenerating, constants.JobStatusFailed},
		},
		{
			name:         "渲染失败",
			req:          Request{UserID: "user-1", JobID: "job-1", TemplateName: "B"},
			setup:        func(h *harness) { h.renderer.err = errors.New("chrome crashed") },
			status:       http.StatusInternalServerError, code: CodeGenerationFailed,
			wantStatuses: []string{constants.JobStatusGenerating, constants.JobStatusFailed},
		},
		{
			name:         "上传失败",
			req:          Request{UserID: "user-1", JobID: "job-1", TemplateName: "B"},
			setup:        func(h *harness) { h.docs.uploadErr = errors.New("bucket missing") },
			status:       http.StatusInternalServerError, code: CodeGenerationFailed,
			wantStatuses: []string{constants.JobStatusGenerating, constants.JobStatusFailed},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			if tt.setup != nil {
				tt.setup(h)
			}
			resp, err := h.service().Generate(context.Background(), tt.req)
			assert.Nil(t, resp)
			requireGenerationError(t, err, tt.status, tt.code)
			assert.Equal(t, tt.wantStatuses, h.jobs.statuses())
		})
	}
}

func TestGenerateContentStoreFailureIsNonFatal(t *testing.T) {
	h := newHarness()
	h.content.storeErr = errors.New("deadlock found")
	svc := h.service()

	resp, err := svc.Generate(context.Background(), Request{UserID: "user-1", JobID: "job-1", TemplateName: "B"})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.NotEmpty(t, resp.PDFURL)
	assert.Zero(t, h.renders.stores, "没有内容缓存ID时不写渲染缓存")
	assert.Nil(t, h.jobs.jobs["job-1"].ContentCacheID)
	assert.Equal(t, constants.JobStatusCompleted, h.jobs.jobs["job-1"].Status)
}

func TestGenerateRefreshesExpiredURL(t *testing.T) {
	h := newHarness()
	h.content.entries["resume-1|job-1"] = &cache.ContentEntry{ID: "content-9", ResumeID: "resume-1", JobID: "job-1", Bundle: sampleResult().Bundle()}
	h.renders.entries["content-9|B"] = &cache.RenderEntry{
		ID: "render-9", ContentCacheID: "content-9", TemplateName: "B",
		ObjectKey: "documents/content-9/B.pdf", PDFURL: "https://docs.local/stale",
		URLExpiresAt: time.Now().Add(-time.Minute),
	}
	svc := h.service()

	resp, err := svc.Generate(context.Background(), Request{UserID: "user-1", JobID: "job-1", TemplateName: "B"})
	require.NoError(t, err)
	assert.Equal(t, "https://docs.local/documents/content-9/B.pdf?sig=1", resp.PDFURL)
	assert.True(t, resp.CacheInfo.RenderCacheHit)
	assert.Zero(t, h.renderer.calls)
	assert.Zero(t, h.runner.calls)
	assert.Zero(t, h.locker.acquired, "内容命中时不需要生成锁")
}

func TestGenerateProceedsWhenLockUnavailable(t *testing.T) {
	t.Run("锁被占用", func(t *testing.T) {
		h := newHarness()
		h.locker.held["app:generation:lock:resume-1:job-1"] = "other"
		resp, err := h.service().Generate(context.Background(), Request{UserID: "user-1", JobID: "job-1", TemplateName: "A"})
		require.NoError(t, err)
		assert.True(t, resp.Success)
		assert.Zero(t, h.locker.released)
	})

	t.Run("Redis不可用", func(t *testing.T) {
		h := newHarness()
		h.locker.err = errors.New("connection refused")
		resp, err := h.service().Generate(context.Background(), Request{UserID: "user-1", JobID: "job-1", TemplateName: "A"})
		require.NoError(t, err)
		assert.True(t, resp.Success)
	})
}

// racingLocker 在获取锁的瞬间模拟另一请求刚写完内容缓存
type racingLocker struct {
	fakeLocker
	content *fakeContent
	bundle  types.ContentBundle
}

func (r *racingLocker) AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if _, err := r.content.Store(ctx, "resume-1", "job-1", "A", r.bundle); err != nil {
		return "", err
	}
	return r.fakeLocker.AcquireLock(ctx, key, ttl)
}

func TestGenerateRechecksContentAfterLock(t *testing.T) {
	h := newHarness()
	locker := &racingLocker{fakeLocker: fakeLocker{held: map[string]string{}}, content: h.content, bundle: sampleResult().Bundle()}
	svc := NewService(Deps{
		Jobs:      h.jobs,
		Text:      h.text,
		Content:   h.content,
		Renders:   h.renders,
		Pipeline:  h.runner,
		Renderer:  h.renderer,
		Documents: h.docs,
		Locker:    locker,
	})

	resp, err := svc.Generate(context.Background(), Request{UserID: "user-1", JobID: "job-1", TemplateName: "A"})
	require.NoError(t, err)
	assert.Zero(t, h.runner.calls, "锁内命中缓存时不再运行流水线")
	assert.True(t, resp.CacheInfo.ContentCacheHit)
	assert.Equal(t, constants.AICallsSavedOnContentHit, resp.CacheInfo.AICallsSaved)
	assert.Equal(t, 1, locker.released)
}
