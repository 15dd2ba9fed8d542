package router

import (
	"context"
	"errors"
	"time"

	"ats-tailor/internal/api/handler"
	"ats-tailor/internal/config"
	"ats-tailor/internal/logger"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/google/uuid"
	"github.com/hertz-contrib/keyauth"
	hertztracing "github.com/hertz-contrib/obs-opentelemetry/tracing"
)

// HeaderRequestID 请求ID头
const HeaderRequestID = "X-Request-ID"

var errUnknownAPIKey = errors.New("unknown api key")

// NewServer 创建带 OpenTelemetry 链路追踪的 Hertz 服务
func NewServer(cfg config.ServerConfig) *server.Hertz {
	tracer, tracerCfg := hertztracing.NewServerTracer()
	h := server.New(
		tracer,
		server.WithHostPorts(cfg.Address),
		server.WithHandleMethodNotAllowed(true),
		server.WithExitWaitTime(config.GetDuration(cfg.ShutdownTimeout, 5*time.Second)),
	)
	h.Use(hertztracing.ServerMiddleware(tracerCfg))
	return h
}

// RegisterRoutes 注册 API 路由
func RegisterRoutes(h *server.Hertz, auth config.AuthConfig, generationHandler *handler.GenerationHandler) {
	h.Use(RequestID(), AccessLog())
	h.GET("/health", generationHandler.Health)

	api := h.Group("/api/v1")
	if auth.Enabled {
		api.Use(APIKeyAuth(auth))
	}
	api.POST("/resume/generate", generationHandler.Generate)
	api.GET("/jobs/:jobId", generationHandler.GetJob)
}

// RequestID 透传或生成请求ID，并把带 request_id 的日志器放入上下文
func RequestID() app.HandlerFunc {
	return func(c context.Context, ctx *app.RequestContext) {
		id := string(ctx.GetHeader(HeaderRequestID))
		if id == "" {
			id = uuid.NewString()
		}
		ctx.Response.Header.Set(HeaderRequestID, id)
		ctx.Next(logger.WithRequestID(c, id))
	}
}

// AccessLog 记录请求方法、路径、状态码和耗时
func AccessLog() app.HandlerFunc {
	return func(c context.Context, ctx *app.RequestContext) {
		start := time.Now()
		ctx.Next(c)
		logger.Ctx(c).Info().
			Str("method", string(ctx.Method())).
			Str("path", string(ctx.Path())).
			Int("status", ctx.Response.StatusCode()).
			Dur("elapsed", time.Since(start)).
			Msg("HTTP请求")
	}
}

// APIKeyAuth 校验 API Key，并把对应的用户ID写入请求上下文
func APIKeyAuth(auth config.AuthConfig) app.HandlerFunc {
	return keyauth.New(
		keyauth.WithKeyLookUp("header:"+auth.Header, ""),
		keyauth.WithValidator(func(c context.Context, ctx *app.RequestContext, key string) (bool, error) {
			uid, ok := auth.APIKeys[key]
			if !ok || uid == "" {
				return false, errUnknownAPIKey
			}
			ctx.Set(handler.ContextKeyUserID, uid)
			return true, nil
		}),
		keyauth.WithErrorHandler(func(c context.Context, ctx *app.RequestContext, err error) {
			ctx.AbortWithStatusJSON(consts.StatusUnauthorized, handler.ErrorResponse{
				Error: handler.ErrorBody{Code: "unauthorized", Message: "缺少或无效的 API Key"},
			})
		}),
	)
}
