package handler

import (
	"context"
	"errors"
	"time"

	"ats-tailor/internal/generation"
	"ats-tailor/internal/logger"
	"ats-tailor/internal/storage"
	"ats-tailor/internal/storage/models"
	"ats-tailor/internal/tracing"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/utils"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"go.opentelemetry.io/otel/trace"
)

// ContextKeyUserID 认证中间件写入的用户ID
const ContextKeyUserID = "user_id"

// Generator 生成服务
type Generator interface {
	Generate(ctx context.Context, req generation.Request) (*generation.Response, error)
}

// JobReader 任务查询
type JobReader interface {
	GetJob(ctx context.Context, jobID string) (*models.Job, error)
}

// GenerationHandler 简历生成和任务查询接口
type GenerationHandler struct {
	gen  Generator
	jobs JobReader
}

// NewGenerationHandler 创建处理器
func NewGenerationHandler(gen Generator, jobs JobReader) *GenerationHandler {
	return &GenerationHandler{gen: gen, jobs: jobs}
}

// GenerateRequest POST /api/v1/resume/generate 请求体
type GenerateRequest struct {
	JobID        string `json:"jobId"`
	TemplateName string `json:"templateName"`
}

// ErrorBody 失败响应中的错误信息
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorResponse 失败响应
type ErrorResponse struct {
	Success bool      `json:"success"`
	Error   ErrorBody `json:"error"`
}

// JobStatusResponse GET /api/v1/jobs/:jobId 响应
type JobStatusResponse struct {
	JobID         string     `json:"jobId"`
	Status        string     `json:"status"`
	TemplateName  string     `json:"templateName,omitempty"`
	PDFURL        string     `json:"pdfUrl,omitempty"`
	FitScore      *int       `json:"fitScore,omitempty"`
	FailureReason string     `json:"failureReason,omitempty"`
	UpdatedAt     time.Time  `json:"updatedAt"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
}

func userID(ctx *app.RequestContext) string {
	return ctx.GetString(ContextKeyUserID)
}

func writeError(ctx *app.RequestContext, status int, code, message string) {
	ctx.JSON(status, ErrorResponse{Error: ErrorBody{Code: code, Message: message}})
}

// Generate 生成定制简历
func (h *GenerationHandler) Generate(c context.Context, ctx *app.RequestContext) {
	var req GenerateRequest
	if err := ctx.BindJSON(&req); err != nil {
		writeError(ctx, consts.StatusBadRequest, generation.CodeInvalidInput, "请求体必须是合法的JSON")
		return
	}

	resp, err := h.gen.Generate(c, generation.Request{
		UserID:       userID(ctx),
		JobID:        req.JobID,
		TemplateName: req.TemplateName,
	})
	if err != nil {
		var ge *generation.GenerationError
		if errors.As(err, &ge) {
			if ge.Status >= consts.StatusInternalServerError {
				logger.Ctx(c).Error().Err(err).Str("job_id", req.JobID).Msg("简历生成失败")
				tracing.RecordHTTPError(trace.SpanFromContext(c), err, ge.Status)
			}
			writeError(ctx, ge.Status, ge.Code, ge.Message)
			return
		}
		logger.Ctx(c).Error().Err(err).Str("job_id", req.JobID).Msg("简历生成失败")
		tracing.RecordHTTPError(trace.SpanFromContext(c), err, consts.StatusInternalServerError)
		writeError(ctx, consts.StatusInternalServerError, generation.CodeGenerationFailed, "生成失败")
		return
	}
	ctx.JSON(consts.StatusOK, resp)
}

// GetJob 查询任务状态
func (h *GenerationHandler) GetJob(c context.Context, ctx *app.RequestContext) {
	jobID := ctx.Param("jobId")
	job, err := h.jobs.GetJob(c, jobID)
	if err != nil {
		if errors.Is(err, storage.ErrRecordNotFound) {
			writeError(ctx, consts.StatusNotFound, generation.CodeJobNotFound, "岗位记录不存在")
			return
		}
		logger.Ctx(c).Error().Err(err).Str("job_id", jobID).Msg("查询任务失败")
		tracing.RecordHTTPError(trace.SpanFromContext(c), err, consts.StatusInternalServerError)
		writeError(ctx, consts.StatusInternalServerError, generation.CodeGenerationFailed, "查询任务失败")
		return
	}
	if uid := userID(ctx); uid != "" && job.UserID != uid {
		writeError(ctx, consts.StatusNotFound, generation.CodeJobNotFound, "岗位记录不存在")
		return
	}

	ctx.JSON(consts.StatusOK, JobStatusResponse{
		JobID:         job.JobID,
		Status:        job.Status,
		TemplateName:  job.TemplateName,
		PDFURL:        job.PDFURL,
		FitScore:      job.FitScore,
		FailureReason: job.FailureReason,
		UpdatedAt:     job.UpdatedAt,
		CompletedAt:   job.CompletedAt,
	})
}

// Health 健康检查
func (h *GenerationHandler) Health(c context.Context, ctx *app.RequestContext) {
	ctx.JSON(consts.StatusOK, utils.H{"status": "ok"})
}
