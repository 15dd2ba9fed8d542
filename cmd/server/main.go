package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ats-tailor/internal/api/handler"
	"ats-tailor/internal/api/router"
	"ats-tailor/internal/cache"
	"ats-tailor/internal/config"
	"ats-tailor/internal/generation"
	appLogger "ats-tailor/internal/logger"
	"ats-tailor/internal/llm"
	"ats-tailor/internal/metrics"
	"ats-tailor/internal/outbox"
	"ats-tailor/internal/parser"
	"ats-tailor/internal/paywall"
	"ats-tailor/internal/pipeline"
	"ats-tailor/internal/render"
	"ats-tailor/internal/storage"
	"ats-tailor/internal/tracing"

	glog "github.com/cloudwego/hertz/pkg/common/hlog"
	hertzadapter "github.com/hertz-contrib/logger/zerolog"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
)

func main() {
	var configPath, envFile string
	pflag.StringVarP(&configPath, "config", "c", "config/config.yaml", "配置文件路径")
	pflag.StringVar(&envFile, "env-file", ".env", "环境变量文件，不存在时忽略")
	pflag.Parse()

	if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
		appLogger.Warn().Err(err).Str("file", envFile).Msg("加载环境变量文件失败")
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		appLogger.Fatal().Err(err).Str("path", configPath).Msg("加载配置失败")
	}
	initLogger(cfg.Logger)
	log := appLogger.Component("main")
	log.Info().Str("path", configPath).Msg("配置加载成功")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := tracing.InitProvider(ctx, cfg.Tracing)
	if err != nil {
		log.Fatal().Err(err).Msg("初始化链路追踪失败")
	}

	var metricsServer interface{ Shutdown(context.Context) error }
	if cfg.Metrics.Enabled {
		metricsServer = metrics.Serve(cfg.Metrics.Address, cfg.Metrics.Path)
		log.Info().Str("addr", cfg.Metrics.Address).Str("path", cfg.Metrics.Path).Msg("指标服务已启动")
	}

	st, err := storage.NewStorage(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("初始化存储失败")
	}
	defer st.Close()
	log.Info().Msg("存储服务初始化成功")

	var relay *outbox.MessageRelay
	if st.RabbitMQ != nil {
		relay = outbox.NewMessageRelay(st.MySQL.DB(), st.RabbitMQ, cfg.RabbitMQ)
		relay.Start()
		log.Info().Msg("消息中继服务已启动")
	}

	gateway := llm.NewGateway(cfg.LLM, llm.WithGuard(llm.NewGuard("llm_gateway", cfg.LLM)))
	sessions := llm.NewSessionFactory(gateway, cfg.LLM.UseConversations, config.GetDuration(cfg.LLM.TurnTimeout, 90*time.Second))
	orchestrator := pipeline.NewOrchestrator(sessions, cfg.LLM, cfg.Pipeline)
	log.Info().Str("model", gateway.Model()).Bool("conversations", cfg.LLM.UseConversations).Msg("AI流水线初始化成功")

	pdfExtractor, err := parser.NewPDFTextExtractor(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("创建PDF提取器失败")
	}

	// Redis 不可用时不能把 nil 指针当作接口传下去
	var hot cache.HotCache
	var locker generation.Locker
	cacheTTL, lockTTL := 24*time.Hour, 15*time.Minute
	if st.Redis != nil {
		hot, locker = st.Redis, st.Redis
		cacheTTL, lockTTL = st.Redis.CacheTTL(), st.Redis.LockTTL()
	}

	var authorizer paywall.Authorizer = paywall.AllowAll{}
	if cfg.Paywall.Enabled {
		authorizer = paywall.NewDBAuthorizer(st.MySQL, cfg.Paywall)
	}

	svc := generation.NewService(generation.Deps{
		Jobs:      st.MySQL,
		Text:      parser.NewTextSource(st.MinIO, pdfExtractor, st.MySQL),
		Paywall:   authorizer,
		Content:   cache.NewContentCache(st.MySQL, hot, cacheTTL),
		Renders:   cache.NewRenderCache(st.MySQL, hot, cacheTTL),
		Pipeline:  orchestrator,
		Renderer:  render.NewChromeRenderer(cfg.Renderer),
		Documents: st.MinIO,
		Locker:    locker,
		LockTTL:   lockTTL,
	})

	h := router.NewServer(cfg.Server)
	router.RegisterRoutes(h, cfg.Auth, handler.NewGenerationHandler(svc, st.MySQL))
	log.Info().Str("addr", cfg.Server.Address).Bool("auth", cfg.Auth.Enabled).Msg("HTTP 服务器启动中")

	go func() {
		if err := h.Run(); err != nil {
			log.Fatal().Err(err).Msg("启动HTTP服务器失败")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("接收到终止信号，正在优雅退出...")

	if relay != nil {
		relay.Stop()
		log.Info().Msg("消息中继服务已停止")
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), config.GetDuration(cfg.Server.ShutdownTimeout, 5*time.Second))
	defer cancelShutdown()
	if err := h.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP服务器关闭失败")
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("指标服务关闭失败")
		}
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("链路追踪关闭失败")
	}
	log.Info().Msg("优雅退出完成")
}

func initLogger(cfg config.LoggerConfig) {
	appLogger.Init(appLogger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		TimeFormat:   cfg.TimeFormat,
		ReportCaller: cfg.ReportCaller,
	})
	glog.SetLogger(hertzadapter.From(appLogger.Logger))
	if cfg.Level == "debug" {
		glog.SetLevel(glog.LevelDebug)
	} else {
		glog.SetLevel(glog.LevelInfo)
	}
}
