package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"ats-tailor/internal/config"
	"ats-tailor/internal/constants"
	"ats-tailor/internal/logger"
	"ats-tailor/internal/storage/models"
	"ats-tailor/internal/tracing"
	"ats-tailor/pkg/utils"

	"github.com/gofrs/uuid/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

var mysqlTracer = otel.Tracer("ats-tailor/storage/mysql")

// ErrRecordNotFound 记录不存在
var ErrRecordNotFound = gorm.ErrRecordNotFound

type spanContextKey struct{}

// GormTracingPlugin 为每条 SQL 创建 OpenTelemetry span
type GormTracingPlugin struct {
	tracer trace.Tracer
	dbName string
}

// NewGormTracingPlugin 创建追踪插件
func NewGormTracingPlugin(dbName string) *GormTracingPlugin {
	return &GormTracingPlugin{tracer: mysqlTracer, dbName: dbName}
}

// Name 插件名
func (p *GormTracingPlugin) Name() string {
	return "GormOpenTelemetryPlugin"
}

// Initialize 注册 before/after 回调
func (p *GormTracingPlugin) Initialize(db *gorm.DB) error {
	cb := db.Callback()
	hooks := []struct {
		op       string
		register func(name string, before bool, fn func(*gorm.DB)) error
	}{
		{"CREATE", func(name string, before bool, fn func(*gorm.DB)) error {
			if before {
				return cb.Create().Before("gorm:create").Register(name, fn)
			}
			return cb.Create().After("gorm:create").Register(name, fn)
		}},
		{"SELECT", func(name string, before bool, fn func(*gorm.DB)) error {
			if before {
				return cb.Query().Before("gorm:query").Register(name, fn)
			}
			return cb.Query().After("gorm:query").Register(name, fn)
		}},
		{"UPDATE", func(name string, before bool, fn func(*gorm.DB)) error {
			if before {
				return cb.Update().Before("gorm:update").Register(name, fn)
			}
			return cb.Update().After("gorm:update").Register(name, fn)
		}},
		{"DELETE", func(name string, before bool, fn func(*gorm.DB)) error {
			if before {
				return cb.Delete().Before("gorm:delete").Register(name, fn)
			}
			return cb.Delete().After("gorm:delete").Register(name, fn)
		}},
		{"RAW", func(name string, before bool, fn func(*gorm.DB)) error {
			if before {
				return cb.Raw().Before("gorm:raw").Register(name, fn)
			}
			return cb.Raw().After("gorm:raw").Register(name, fn)
		}},
	}
	for _, h := range hooks {
		if err := h.register("otel:before_"+h.op, true, p.before(h.op)); err != nil {
			return err
		}
		if err := h.register("otel:after_"+h.op, false, p.after()); err != nil {
			return err
		}
	}
	return nil
}

func (p *GormTracingPlugin) before(operation string) func(db *gorm.DB) {
	return func(db *gorm.DB) {
		if db.Statement.SkipHooks {
			return
		}
		ctx := db.Statement.Context
		if ctx == nil {
			ctx = context.Background()
		}
		table := db.Statement.Table
		if table == "" {
			table = "unknown"
		}
		ctx, span := p.tracer.Start(ctx, operation+" "+table,
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(
				semconv.DBSystemMySQL,
				attribute.String("db.name", p.dbName),
				attribute.String("db.operation", operation),
				attribute.String("db.sql.table", table),
			),
		)
		db.Statement.Context = context.WithValue(ctx, spanContextKey{}, span)
	}
}

func (p *GormTracingPlugin) after() func(db *gorm.DB) {
	return func(db *gorm.DB) {
		span, ok := db.Statement.Context.Value(spanContextKey{}).(trace.Span)
		if !ok {
			return
		}
		defer span.End()

		if sql := db.Statement.SQL.String(); sql != "" {
			span.SetAttributes(attribute.String("db.statement", tracing.SafeSQL(sql)))
		}
		span.SetAttributes(attribute.Int64("db.rows_affected", db.Statement.RowsAffected))

		switch {
		case db.Error == nil:
			span.SetStatus(codes.Ok, "")
		case errors.Is(db.Error, gorm.ErrRecordNotFound):
			// 查不到是正常业务分支
			span.SetAttributes(attribute.String("error.type", "record_not_found"))
			span.SetStatus(codes.Ok, "record not found")
		default:
			tracing.RecordError(span, db.Error, tracing.ErrorTypeDB)
		}
	}
}

// MySQL 关系数据库访问：简历、任务、两级缓存行、订阅、发件箱
type MySQL struct {
	db  *gorm.DB
	cfg *config.MySQLConfig
}

// NewMySQL 建立连接、注册追踪插件并迁移表结构
func NewMySQL(cfg *config.MySQLConfig) (*MySQL, error) {
	if cfg == nil {
		return nil, fmt.Errorf("MySQL配置不能为空")
	}

	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local&timeout=%ds&readTimeout=%ds&writeTimeout=%ds",
		cfg.Username, cfg.Password, cfg.Host, cfg.Port, cfg.Database,
		cfg.ConnectTimeoutSeconds, cfg.ReadTimeoutSeconds, cfg.WriteTimeoutSeconds)

	var logLevel gormlogger.LogLevel
	switch cfg.LogLevel {
	case 1:
		logLevel = gormlogger.Silent
	case 2:
		logLevel = gormlogger.Error
	case 3:
		logLevel = gormlogger.Warn
	default:
		logLevel = gormlogger.Info
	}

	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   gormlogger.Default.LogMode(logLevel),
		PrepareStmt:                              true,
		NowFunc: func() time.Time {
			return time.Now().Local()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("连接MySQL失败: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("获取底层 sql.DB 失败: %w", err)
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetimeMinutes) * time.Minute)
	sqlDB.SetConnMaxIdleTime(time.Duration(cfg.ConnMaxIdleTimeMinutes) * time.Minute)

	if err := db.Use(NewGormTracingPlugin(cfg.Database)); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("注册追踪插件失败: %w", err)
	}

	m := &MySQL{db: db, cfg: cfg}
	if err := m.autoMigrateSchema(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("自动迁移数据库结构失败: %w", err)
	}

	logger.Info().Str("database", cfg.Database).Msg("成功连接到MySQL并自动迁移数据库结构")
	return m, nil
}

func (m *MySQL) autoMigrateSchema() error {
	silent := m.db.Session(&gorm.Session{Logger: gormlogger.Discard})
	return silent.AutoMigrate(
		&models.Resume{},
		&models.Job{},
		&models.ContentCacheEntry{},
		&models.RenderCacheEntry{},
		&models.Subscription{},
		&models.OutboxMessage{},
	)
}

// DB 返回 GORM 实例
func (m *MySQL) DB() *gorm.DB {
	return m.db
}

// Close 关闭连接池
func (m *MySQL) Close() error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return mysqlTracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(append([]attribute.KeyValue{semconv.DBSystemMySQL}, attrs...)...),
	)
}

func finishSpan(span trace.Span, err error) {
	if err == nil || errors.Is(err, gorm.ErrRecordNotFound) {
		span.SetStatus(codes.Ok, "")
		return
	}
	tracing.RecordError(span, err, tracing.ErrorTypeDB)
}

// GetResume 按ID查询简历
func (m *MySQL) GetResume(ctx context.Context, resumeID string) (*models.Resume, error) {
	ctx, span := startSpan(ctx, "MySQL.GetResume", attribute.String("resume.id", resumeID))
	defer span.End()

	var resume models.Resume
	err := m.db.WithContext(ctx).Where("resume_id = ?", resumeID).First(&resume).Error
	finishSpan(span, err)
	if err != nil {
		return nil, err
	}
	return &resume, nil
}

// UpdateResumeParsedText 回写解析出的简历文本及其MD5
func (m *MySQL) UpdateResumeParsedText(ctx context.Context, resumeID, text string) error {
	ctx, span := startSpan(ctx, "MySQL.UpdateResumeParsedText",
		attribute.String("resume.id", resumeID),
		attribute.Int("resume.text_length", len(text)),
	)
	defer span.End()

	err := m.db.WithContext(ctx).Model(&models.Resume{}).
		Where("resume_id = ?", resumeID).
		Updates(map[string]any{"parsed_text": text, "text_md5": utils.CalculateMD5([]byte(text))}).Error
	finishSpan(span, err)
	return err
}

// GetJob 按ID查询任务
func (m *MySQL) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	ctx, span := startSpan(ctx, "MySQL.GetJob", attribute.String("job.id", jobID))
	defer span.End()

	var job models.Job
	err := m.db.WithContext(ctx).Where("job_id = ?", jobID).First(&job).Error
	finishSpan(span, err)
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// JobTransition 一次任务状态变更。空字段不覆盖已有值
type JobTransition struct {
	JobID          string
	To             string
	Reason         string
	TemplateName   string
	PDFURL         string
	ObjectKey      string
	FitScore       *int
	ContentCacheID *string
	RenderCacheID  *string
	Exchange       string // 为空时使用默认 job events 交换机
}

// TransitionJobStatus 在同一事务中更新任务状态并写入发件箱消息
func (m *MySQL) TransitionJobStatus(ctx context.Context, t JobTransition) (*models.Job, error) {
	ctx, span := startSpan(ctx, "MySQL.TransitionJobStatus",
		attribute.String("job.id", t.JobID),
		attribute.String("job.status", t.To),
	)
	defer span.End()

	exchange := t.Exchange
	if exchange == "" {
		exchange = constants.JobEventsExchange
	}

	tx := m.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		finishSpan(span, tx.Error)
		return nil, tx.Error
	}
	defer tx.Rollback()

	var job models.Job
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("job_id = ?", t.JobID).First(&job).Error; err != nil {
		finishSpan(span, err)
		return nil, err
	}
	from := job.Status

	updates := map[string]any{"status": t.To, "failure_reason": t.Reason}
	if t.TemplateName != "" {
		updates["template_name"] = t.TemplateName
	}
	if t.PDFURL != "" {
		updates["pdf_url"] = t.PDFURL
	}
	if t.ObjectKey != "" {
		updates["object_key"] = t.ObjectKey
	}
	if t.FitScore != nil {
		updates["fit_score"] = *t.FitScore
	}
	if t.ContentCacheID != nil {
		updates["content_cache_id"] = *t.ContentCacheID
	}
	if t.RenderCacheID != nil {
		updates["render_cache_id"] = *t.RenderCacheID
	}
	now := time.Now()
	if t.To == constants.JobStatusCompleted {
		updates["completed_at"] = now
	}
	if err := tx.Model(&models.Job{}).Where("job_id = ?", t.JobID).Updates(updates).Error; err != nil {
		finishSpan(span, err)
		return nil, fmt.Errorf("更新任务状态失败: %w", err)
	}

	payload, err := json.Marshal(JobStatusMessage{
		JobID:      job.JobID,
		UserID:     job.UserID,
		ResumeID:   job.ResumeID,
		FromStatus: from,
		Status:     t.To,
		Reason:     t.Reason,
		PDFURL:     t.PDFURL,
		FitScore:   t.FitScore,
		OccurredAt: now,
	})
	if err != nil {
		return nil, fmt.Errorf("序列化状态事件失败: %w", err)
	}
	outbox := models.OutboxMessage{
		AggregateID:      job.JobID,
		EventType:        EventTypeJobStatusChanged,
		Payload:          string(payload),
		TargetExchange:   exchange,
		TargetRoutingKey: constants.JobStatusRoutingKeyPrefix + t.To,
		Status:           models.OutboxStatusPending,
	}
	if err := tx.Create(&outbox).Error; err != nil {
		finishSpan(span, err)
		return nil, fmt.Errorf("写入发件箱失败: %w", err)
	}

	if err := tx.Where("job_id = ?", t.JobID).First(&job).Error; err != nil {
		finishSpan(span, err)
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		finishSpan(span, err)
		return nil, fmt.Errorf("提交事务失败: %w", err)
	}
	span.SetAttributes(attribute.String("job.from_status", from))
	finishSpan(span, nil)
	return &job, nil
}

// FindContentCache 查询一级缓存行
func (m *MySQL) FindContentCache(ctx context.Context, resumeID, jobID string) (*models.ContentCacheEntry, error) {
	ctx, span := startSpan(ctx, "MySQL.FindContentCache",
		attribute.String("resume.id", resumeID),
		attribute.String("job.id", jobID),
	)
	defer span.End()

	var entry models.ContentCacheEntry
	err := m.db.WithContext(ctx).Where("resume_id = ? AND job_id = ?", resumeID, jobID).First(&entry).Error
	finishSpan(span, err)
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// InsertContentCache 写入一级缓存行。键已存在时不覆盖，返回已有行，inserted 为 false
func (m *MySQL) InsertContentCache(ctx context.Context, entry *models.ContentCacheEntry) (*models.ContentCacheEntry, bool, error) {
	ctx, span := startSpan(ctx, "MySQL.InsertContentCache",
		attribute.String("resume.id", entry.ResumeID),
		attribute.String("job.id", entry.JobID),
	)
	defer span.End()

	if entry.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, false, fmt.Errorf("生成缓存ID失败: %w", err)
		}
		entry.ID = id.String()
	}

	res := m.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(entry)
	if res.Error != nil {
		finishSpan(span, res.Error)
		return nil, false, res.Error
	}
	if res.RowsAffected > 0 {
		finishSpan(span, nil)
		return entry, true, nil
	}

	existing, err := m.FindContentCache(ctx, entry.ResumeID, entry.JobID)
	finishSpan(span, err)
	if err != nil {
		return nil, false, fmt.Errorf("读取已存在的缓存行失败: %w", err)
	}
	return existing, false, nil
}

// FindRenderCache 查询二级缓存行
func (m *MySQL) FindRenderCache(ctx context.Context, contentCacheID, templateName string) (*models.RenderCacheEntry, error) {
	ctx, span := startSpan(ctx, "MySQL.FindRenderCache",
		attribute.String("cache.content_id", contentCacheID),
		attribute.String("template", templateName),
	)
	defer span.End()

	var entry models.RenderCacheEntry
	err := m.db.WithContext(ctx).
		Where("content_cache_id = ? AND template_name = ?", contentCacheID, templateName).
		First(&entry).Error
	finishSpan(span, err)
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// InsertRenderCache 写入二级缓存行，语义同 InsertContentCache
func (m *MySQL) InsertRenderCache(ctx context.Context, entry *models.RenderCacheEntry) (*models.RenderCacheEntry, bool, error) {
	ctx, span := startSpan(ctx, "MySQL.InsertRenderCache",
		attribute.String("cache.content_id", entry.ContentCacheID),
		attribute.String("template", entry.TemplateName),
	)
	defer span.End()

	if entry.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, false, fmt.Errorf("生成缓存ID失败: %w", err)
		}
		entry.ID = id.String()
	}

	res := m.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(entry)
	if res.Error != nil {
		finishSpan(span, res.Error)
		return nil, false, res.Error
	}
	if res.RowsAffected > 0 {
		finishSpan(span, nil)
		return entry, true, nil
	}

	existing, err := m.FindRenderCache(ctx, entry.ContentCacheID, entry.TemplateName)
	finishSpan(span, err)
	if err != nil {
		return nil, false, fmt.Errorf("读取已存在的缓存行失败: %w", err)
	}
	return existing, false, nil
}

// GetSubscription 查询用户订阅，不存在返回 ErrRecordNotFound
func (m *MySQL) GetSubscription(ctx context.Context, userID string) (*models.Subscription, error) {
	ctx, span := startSpan(ctx, "MySQL.GetSubscription", attribute.String("user.id", userID))
	defer span.End()

	var sub models.Subscription
	err := m.db.WithContext(ctx).Where("user_id = ?", userID).First(&sub).Error
	finishSpan(span, err)
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// CountCompletedJobs 用户已完成的生成次数
func (m *MySQL) CountCompletedJobs(ctx context.Context, userID string) (int64, error) {
	ctx, span := startSpan(ctx, "MySQL.CountCompletedJobs", attribute.String("user.id", userID))
	defer span.End()

	var n int64
	err := m.db.WithContext(ctx).Model(&models.Job{}).
		Where("user_id = ? AND status = ?", userID, constants.JobStatusCompleted).
		Count(&n).Error
	finishSpan(span, err)
	return n, err
}
