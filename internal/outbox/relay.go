package outbox

import (
	"context"
	"sync"
	"time"

	"ats-tailor/internal/config"
	"ats-tailor/internal/logger"
	"ats-tailor/internal/storage"
	"ats-tailor/internal/storage/models"
	"ats-tailor/internal/tracing"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultPollingInterval = 5 * time.Second
	defaultBatchSize       = 20
	maxRetryCount          = 5
)

// MessageRelay 轮询 outbox 表，把任务状态事件投递到 RabbitMQ
type MessageRelay struct {
	db              *gorm.DB
	publisher       storage.MessagePublisher
	log             zerolog.Logger
	pollingInterval time.Duration
	batchSize       int
	done            chan struct{}
	wg              sync.WaitGroup
	tracer          trace.Tracer
}

// NewMessageRelay 创建中继，间隔与批量大小取自 rabbitmq 配置
func NewMessageRelay(db *gorm.DB, publisher storage.MessagePublisher, cfg config.RabbitMQConfig) *MessageRelay {
	batch := cfg.RelayBatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	return &MessageRelay{
		db:              db,
		publisher:       publisher,
		log:             logger.Component("outbox_relay"),
		pollingInterval: config.GetDuration(cfg.RelayInterval, defaultPollingInterval),
		batchSize:       batch,
		done:            make(chan struct{}),
		tracer:          otel.Tracer("ats-tailor/outbox"),
	}
}

// Start 启动后台轮询
func (r *MessageRelay) Start() {
	r.log.Info().Dur("interval", r.pollingInterval).Int("batch_size", r.batchSize).Msg("MessageRelay starting")
	ticker := time.NewTicker(r.pollingInterval)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-r.done:
				r.log.Info().Msg("MessageRelay stopped")
				return
			case <-ticker.C:
				if err := r.processPendingMessages(context.Background()); err != nil {
					r.log.Error().Err(err).Msg("处理发件箱消息失败")
				}
			}
		}
	}()
}

// Stop 停止轮询并等待当前批次结束
func (r *MessageRelay) Stop() {
	close(r.done)
	r.wg.Wait()
}

func (r *MessageRelay) processPendingMessages(ctx context.Context) error {
	var messages []models.OutboxMessage

	tx := r.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return tx.Error
	}
	defer tx.Rollback()

	// SKIP LOCKED 让多个实例各取一批
	err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
		Where("status = ?", models.OutboxStatusPending).
		Order("created_at asc").
		Limit(r.batchSize).
		Find(&messages).Error
	if err != nil {
		return err
	}
	if len(messages) == 0 {
		return tx.Commit().Error
	}

	ctx, span := r.tracer.Start(ctx, "outbox.ProcessBatch",
		trace.WithAttributes(attribute.Int("messaging.batch.message_count", len(messages))),
	)
	defer span.End()

	for i := range messages {
		msg := &messages[i]
		pubErr := r.publisher.PublishMessage(ctx, msg.TargetExchange, msg.TargetRoutingKey, []byte(msg.Payload), true)
		if pubErr != nil {
			r.log.Warn().Err(pubErr).
				Uint64("message_id", msg.ID).
				Str("job_id", msg.AggregateID).
				Int("retry", msg.RetryCount+1).
				Msg("发布发件箱消息失败")
			tracing.RecordRabbitMQNack(span, msg.AggregateID, pubErr.Error())
		}
		applyPublishResult(msg, pubErr, time.Now())

		if err := tx.Save(msg).Error; err != nil {
			// 整批回滚，下次轮询重新拾取
			return err
		}
	}
	return tx.Commit().Error
}

// applyPublishResult 按发布结果更新消息状态，重试次数用尽后标记为 FAILED
func applyPublishResult(msg *models.OutboxMessage, pubErr error, now time.Time) {
	if pubErr != nil {
		msg.RetryCount++
		msg.ErrorMessage = pubErr.Error()
		if msg.RetryCount >= maxRetryCount {
			msg.Status = models.OutboxStatusFailed
		}
		return
	}
	msg.Status = models.OutboxStatusSent
	msg.ProcessedAt = &now
	msg.ErrorMessage = ""
}
