// Package paywall 判断用户是否有权发起一次生成。
package paywall

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ats-tailor/internal/config"
	"ats-tailor/internal/logger"
	"ats-tailor/internal/storage"
	"ats-tailor/internal/storage/models"

	"github.com/rs/zerolog"
)

// ErrPaymentRequired 免费额度已用完且没有有效订阅
var ErrPaymentRequired = errors.New("需要付费订阅")

// Authorizer 生成前的权限检查，拒绝时返回 ErrPaymentRequired
type Authorizer interface {
	Authorize(ctx context.Context, userID string) error
}

// EntitlementStore 订阅与用量查询
type EntitlementStore interface {
	GetSubscription(ctx context.Context, userID string) (*models.Subscription, error)
	CountCompletedJobs(ctx context.Context, userID string) (int64, error)
}

// DBAuthorizer 基于数据库中订阅和已完成任务数的授权
type DBAuthorizer struct {
	store EntitlementStore
	cfg   config.PaywallConfig
	now   func() time.Time
	log   zerolog.Logger
}

var _ Authorizer = (*DBAuthorizer)(nil)

// NewDBAuthorizer 创建授权器
func NewDBAuthorizer(store EntitlementStore, cfg config.PaywallConfig) *DBAuthorizer {
	return &DBAuthorizer{store: store, cfg: cfg, now: time.Now, log: logger.Component("paywall")}
}

// Authorize 有效订阅直接放行；否则已完成次数低于免费额度时放行
func (a *DBAuthorizer) Authorize(ctx context.Context, userID string) error {
	if !a.cfg.Enabled {
		return nil
	}

	sub, err := a.store.GetSubscription(ctx, userID)
	switch {
	case err == nil:
		if sub.Active(a.now()) {
			return nil
		}
	case !errors.Is(err, storage.ErrRecordNotFound):
		return fmt.Errorf("查询订阅失败: %w", err)
	}

	used, err := a.store.CountCompletedJobs(ctx, userID)
	if err != nil {
		return fmt.Errorf("查询已用额度失败: %w", err)
	}
	if used < int64(a.cfg.FreeGenerations) {
		return nil
	}
	a.log.Info().Str("user_id", userID).Int64("used", used).Int("free", a.cfg.FreeGenerations).Msg("免费额度已用完")
	return ErrPaymentRequired
}

// AllowAll 不做限制，用于离线工具和测试
type AllowAll struct{}

// Authorize 总是放行
func (AllowAll) Authorize(context.Context, string) error { return nil }
