// Package generation 处理一次简历生成请求：授权、一级缓存、流水线、放置转换、二级缓存、渲染上传，
// 并驱动任务记录在 pending, generating, completed, failed 之间流转。
package generation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"ats-tailor/internal/cache"
	"ats-tailor/internal/constants"
	"ats-tailor/internal/logger"
	"ats-tailor/internal/metrics"
	"ats-tailor/internal/parser"
	"ats-tailor/internal/paywall"
	"ats-tailor/internal/pipeline"
	"ats-tailor/internal/render"
	"ats-tailor/internal/storage"
	"ats-tailor/internal/storage/models"
	"ats-tailor/internal/tracing"
	"ats-tailor/internal/types"
	"ats-tailor/pkg/utils"

	"github.com/gofrs/uuid/v5"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("ats-tailor/generation")

// JobStore 任务和简历记录
type JobStore interface {
	GetJob(ctx context.Context, jobID string) (*models.Job, error)
	GetResume(ctx context.Context, resumeID string) (*models.Resume, error)
	TransitionJobStatus(ctx context.Context, t storage.JobTransition) (*models.Job, error)
}

// ResumeTextSource 简历纯文本来源
type ResumeTextSource interface {
	ResumeText(ctx context.Context, resume *models.Resume) (string, error)
}

// ContentCache 一级缓存
type ContentCache interface {
	Lookup(ctx context.Context, resumeID, jobID string) (*cache.ContentEntry, bool, error)
	Store(ctx context.Context, resumeID, jobID, layoutTemplate string, bundle types.ContentBundle) (*cache.ContentEntry, error)
}

// RenderCache 二级缓存
type RenderCache interface {
	Lookup(ctx context.Context, contentCacheID, templateName string) (*cache.RenderEntry, bool, error)
	Store(ctx context.Context, e cache.RenderEntry) (*cache.RenderEntry, error)
}

// DocumentStore 生成文档的对象存储
type DocumentStore interface {
	UploadDocument(ctx context.Context, objectKey string, data []byte, contentType string) (string, error)
	PresignDocument(ctx context.Context, objectKey string) (string, time.Time, error)
}

// Locker 生成锁，AcquireLock 锁被占用时返回空串
type Locker interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, error)
	ReleaseLock(ctx context.Context, key, value string) (bool, error)
}

// Deps 服务依赖。Locker 可以为 nil
type Deps struct {
	Jobs      JobStore
	Text      ResumeTextSource
	Paywall   paywall.Authorizer
	Content   ContentCache
	Renders   RenderCache
	Pipeline  pipeline.Runner
	Renderer  render.Renderer
	Documents DocumentStore
	Locker    Locker
	LockTTL   time.Duration
}

// Request 一次生成请求，UserID 来自认证信息
type Request struct {
	UserID       string
	JobID        string
	TemplateName string
}

// AIInsights 返回给前端的分析结果
type AIInsights struct {
	FitScore          int                     `json:"fitScore"`
	FitScoreBreakdown types.FitScoreBreakdown `json:"fitScoreBreakdown"`
	MissingSkills     []types.MissingSkill    `json:"missingSkills,omitempty"`
	Recommendations   []types.Recommendation  `json:"recommendations,omitempty"`
	Warnings          []types.Warning         `json:"warnings,omitempty"`
}

// CacheInfo 本次请求的缓存命中情况
type CacheInfo struct {
	ContentCacheHit bool `json:"contentCacheHit"`
	RenderCacheHit  bool `json:"renderCacheHit"`
	AICallsSaved    int  `json:"aiCallsSaved"`
}

// Response 生成成功的响应体
type Response struct {
	Success    bool       `json:"success"`
	PDFURL     string     `json:"pdfUrl"`
	AIInsights AIInsights `json:"aiInsights"`
	CacheInfo  CacheInfo  `json:"cacheInfo"`
}

// Service 生成请求处理器
type Service struct {
	d   Deps
	log zerolog.Logger
}

// NewService 创建生成服务
func NewService(d Deps) *Service {
	if d.Paywall == nil {
		d.Paywall = paywall.AllowAll{}
	}
	if d.LockTTL <= 0 {
		d.LockTTL = 15 * time.Minute
	}
	return &Service{d: d, log: logger.Component("generation")}
}

// Generate 处理一次生成请求。失败时返回 *GenerationError
func (s *Service) Generate(ctx context.Context, req Request) (*Response, error) {
	ctx, span := tracer.Start(ctx, "generation.Generate", trace.WithAttributes(
		attribute.String("job.id", req.JobID),
		attribute.String("template", req.TemplateName),
	))
	defer span.End()

	resp, err := s.generate(ctx, req)
	if err != nil {
		var ge *GenerationError
		if !errors.As(err, &ge) {
			ge = internalError("生成失败", err)
		}
		span.SetAttributes(attribute.String("generation.code", ge.Code))
		if ge.Status >= http.StatusInternalServerError {
			tracing.RecordHTTPError(span, ge, ge.Status)
		}
		metrics.IncGeneration(strconv.Itoa(ge.Status))
		return nil, ge
	}
	metrics.IncGeneration(strconv.Itoa(http.StatusOK))
	return resp, nil
}

func (s *Service) generate(ctx context.Context, req Request) (*Response, error) {
	req.JobID = strings.TrimSpace(req.JobID)
	if req.JobID == "" {
		return nil, invalidInput("jobId 不能为空", nil)
	}
	tc, err := render.Constraints(req.TemplateName)
	if err != nil {
		return nil, invalidInput("templateName 必须是 A, B 或 C", err)
	}

	if err := s.d.Paywall.Authorize(ctx, req.UserID); err != nil {
		if errors.Is(err, paywall.ErrPaymentRequired) {
			return nil, &GenerationError{Status: http.StatusPaymentRequired, Code: CodePaymentRequired, Message: "免费额度已用完，请订阅后继续", Err: err}
		}
		return nil, internalError("权限检查失败", err)
	}

	job, err := s.d.Jobs.GetJob(ctx, req.JobID)
	if err != nil {
		if errors.Is(err, storage.ErrRecordNotFound) {
			return nil, notFound(CodeJobNotFound, "岗位记录不存在", err)
		}
		return nil, internalError("查询岗位记录失败", err)
	}
	// 不属于当前用户的任务按不存在处理
	if req.UserID != "" && job.UserID != req.UserID {
		return nil, notFound(CodeJobNotFound, "岗位记录不存在", nil)
	}
	log := s.log.With().Str("job_id", job.JobID).Str("resume_id", job.ResumeID).Str("template", tc.Name).Logger()
	resume, err := s.d.Jobs.GetResume(ctx, job.ResumeID)
	if err != nil {
		ge := internalError("查询简历记录失败", err)
		if errors.Is(err, storage.ErrRecordNotFound) {
			ge = notFound(CodeResumeNotFound, "简历记录不存在", err)
		}
		// 任务已确认存在，简历缺失无法自行恢复
		s.markFailed(ctx, log, job.JobID, ge)
		return nil, ge
	}

	if _, err := s.d.Jobs.TransitionJobStatus(ctx, storage.JobTransition{
		JobID:        job.JobID,
		To:           constants.JobStatusGenerating,
		TemplateName: tc.Name,
	}); err != nil {
		return nil, internalError("更新任务状态失败", err)
	}

	resp, err := s.run(ctx, log, job, resume, tc)
	if err != nil {
		s.markFailed(ctx, log, job.JobID, err)
		return nil, err
	}
	return resp, nil
}

// run 任务进入 generating 之后的部分，任何错误都会让任务进入 failed
func (s *Service) run(ctx context.Context, log zerolog.Logger, job *models.Job, resume *models.Resume, tc render.TemplateConstraints) (*Response, error) {
	entry, contentHit, err := s.content(ctx, log, job, resume, tc)
	if err != nil {
		return nil, err
	}
	bundle := entry.Bundle
	blocks := bundle.TailoredBlocks.Blocks

	placement, report := BuildPlacement(bundle.LayoutDecision, blocks, tc)
	if !report.Clean() {
		log.Warn().Strs("unplaced", report.Unplaced).Strs("unknown", report.Unknown).Strs("duplicated", report.Duplicated).
			Msg("布局与内容块不一致，已修正放置信息")
	}

	doc, renderHit, err := s.document(ctx, log, job, entry, blocks, placement, tc)
	if err != nil {
		return nil, err
	}

	score := bundle.FitScore.Score
	if _, err := s.d.Jobs.TransitionJobStatus(ctx, storage.JobTransition{
		JobID:          job.JobID,
		To:             constants.JobStatusCompleted,
		TemplateName:   tc.Name,
		PDFURL:         doc.PDFURL,
		ObjectKey:      doc.ObjectKey,
		FitScore:       &score,
		ContentCacheID: utils.StringPtr(entry.ID),
		RenderCacheID:  utils.StringPtr(doc.ID),
	}); err != nil {
		return nil, internalError("保存生成结果失败", err)
	}

	saved := 0
	if contentHit {
		saved = constants.AICallsSavedOnContentHit
	}
	log.Info().Bool("content_hit", contentHit).Bool("render_hit", renderHit).Int("fit_score", score).Msg("简历生成完成")
	return &Response{
		Success: true,
		PDFURL:  doc.PDFURL,
		AIInsights: AIInsights{
			FitScore:          score,
			FitScoreBreakdown: bundle.FitScore.Breakdown,
			MissingSkills:     bundle.MissingSkills.MissingSkills,
			Recommendations:   bundle.Recommendations.Recommendations,
			Warnings:          bundle.Warnings,
		},
		CacheInfo: CacheInfo{
			ContentCacheHit: contentHit,
			RenderCacheHit:  renderHit,
			AICallsSaved:    saved,
		},
	}, nil
}

// content 一级缓存命中直接返回，否则运行流水线并写入缓存。写入失败时返回 ID 为空的条目
func (s *Service) content(ctx context.Context, log zerolog.Logger, job *models.Job, resume *models.Resume, tc render.TemplateConstraints) (*cache.ContentEntry, bool, error) {
	entry, hit, err := s.d.Content.Lookup(ctx, resume.ResumeID, job.JobID)
	if err != nil {
		log.Warn().Err(err).Msg("查询内容缓存失败，按未命中处理")
	}
	if hit {
		return entry, true, nil
	}

	release := s.lock(ctx, log, resume.ResumeID, job.JobID)
	defer release()

	// 获取锁之前其他请求可能已写入内容缓存
	if entry, hit, err := s.d.Content.Lookup(ctx, resume.ResumeID, job.JobID); err == nil && hit {
		log.Info().Msg("获取生成锁后命中内容缓存")
		return entry, true, nil
	}

	text, err := s.d.Text.ResumeText(ctx, resume)
	if err != nil {
		if errors.Is(err, parser.ErrResumeTextMissing) {
			return nil, false, &GenerationError{Status: http.StatusBadRequest, Code: CodeResumeTextMissing, Message: "简历没有可用的文本", Err: err}
		}
		return nil, false, internalError("读取简历文本失败", err)
	}

	result, err := s.d.Pipeline.Run(ctx, pipeline.Input{
		ResumeText:     text,
		JobDescription: job.JobDescriptionText,
		JobTitle:       job.JobTitle,
		TemplateName:   tc.Name,
	})
	if err != nil {
		if errors.Is(err, pipeline.ErrInvalidInput) {
			return nil, false, invalidInput("简历或岗位描述不完整", err)
		}
		return nil, false, internalError("AI 流水线失败", err)
	}

	bundle := result.Bundle()
	stored, err := s.d.Content.Store(ctx, resume.ResumeID, job.JobID, tc.Name, bundle)
	if err != nil {
		log.Error().Err(err).Msg("写入内容缓存失败，本次结果不缓存")
		return &cache.ContentEntry{ResumeID: resume.ResumeID, JobID: job.JobID, LayoutTemplate: tc.Name, Bundle: bundle}, false, nil
	}
	return stored, false, nil
}

// lock 获取生成锁，失败或被占用都不阻塞生成，返回释放函数
func (s *Service) lock(ctx context.Context, log zerolog.Logger, resumeID, jobID string) func() {
	if s.d.Locker == nil {
		return func() {}
	}
	key := fmt.Sprintf(constants.KeyGenerationLock, resumeID, jobID)
	value, err := s.d.Locker.AcquireLock(ctx, key, s.d.LockTTL)
	switch {
	case err != nil:
		log.Warn().Err(err).Msg("获取生成锁失败，继续生成")
		return func() {}
	case value == "":
		log.Info().Msg("同一简历和岗位正在生成中，继续生成并依赖缓存唯一键")
		return func() {}
	}
	return func() {
		if _, err := s.d.Locker.ReleaseLock(context.WithoutCancel(ctx), key, value); err != nil {
			log.Warn().Err(err).Msg("释放生成锁失败")
		}
	}
}

// document 二级缓存命中时复用已上传的文档，否则渲染、上传并写入缓存
func (s *Service) document(ctx context.Context, log zerolog.Logger, job *models.Job, entry *cache.ContentEntry,
	blocks []types.ContentBlock, placement types.Placement, tc render.TemplateConstraints) (*cache.RenderEntry, bool, error) {
	if entry.ID != "" {
		doc, hit, err := s.d.Renders.Lookup(ctx, entry.ID, tc.Name)
		if err != nil {
			log.Warn().Err(err).Msg("查询渲染缓存失败，按未命中处理")
		}
		if hit {
			if doc.URLExpired(time.Now()) {
				url, expiresAt, err := s.d.Documents.PresignDocument(ctx, doc.ObjectKey)
				if err != nil {
					return nil, false, internalError("刷新下载链接失败", err)
				}
				refreshed := *doc
				refreshed.PDFURL, refreshed.URLExpiresAt = url, expiresAt
				return &refreshed, true, nil
			}
			return doc, true, nil
		}
	}

	pdf, err := s.d.Renderer.Render(ctx, blocks, placement, tc.Name)
	if err != nil {
		return nil, false, internalError("渲染文档失败", err)
	}

	objectKey := documentKey(job, entry, tc.Name)
	objectKey, err = s.d.Documents.UploadDocument(ctx, objectKey, pdf, storage.ContentTypePDF)
	if err != nil {
		return nil, false, internalError("上传文档失败", err)
	}
	url, expiresAt, err := s.d.Documents.PresignDocument(ctx, objectKey)
	if err != nil {
		return nil, false, internalError("生成下载链接失败", err)
	}
	doc := &cache.RenderEntry{
		ContentCacheID: entry.ID,
		TemplateName:   tc.Name,
		ObjectKey:      objectKey,
		PDFURL:         url,
		URLExpiresAt:   expiresAt,
		SizeBytes:      int64(len(pdf)),
	}
	if entry.ID == "" {
		return doc, false, nil
	}

	stored, err := s.d.Renders.Store(ctx, *doc)
	if err != nil {
		log.Error().Err(err).Msg("写入渲染缓存失败，本次结果不缓存")
		return doc, false, nil
	}
	return stored, false, nil
}

// documentKey 有内容缓存时按 (内容, 模板) 命名；否则按任务命名并加随机后缀
func documentKey(job *models.Job, entry *cache.ContentEntry, templateName string) string {
	if entry.ID != "" {
		return fmt.Sprintf("documents/%s/%s.pdf", entry.ID, templateName)
	}
	suffix := uuid.Must(uuid.NewV7()).String()
	return fmt.Sprintf("documents/jobs/%s/%s-%s.pdf", job.JobID, templateName, suffix)
}

// markFailed 请求被取消时也要落库，所以不继承取消信号
func (s *Service) markFailed(ctx context.Context, log zerolog.Logger, jobID string, cause error) {
	reason := cause.Error()
	var ge *GenerationError
	if errors.As(cause, &ge) {
		reason = ge.Code + ": " + ge.Message
		if ge.Err != nil {
			reason += ": " + ge.Err.Error()
		}
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if _, err := s.d.Jobs.TransitionJobStatus(ctx, storage.JobTransition{
		JobID:  jobID,
		To:     constants.JobStatusFailed,
		Reason: tracing.TruncateString(reason, 1000),
	}); err != nil {
		log.Error().Err(err).Msg("标记任务失败状态时出错")
		return
	}
	log.Warn().Str("reason", reason).Msg("任务生成失败")
}
