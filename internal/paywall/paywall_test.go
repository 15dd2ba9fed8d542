package paywall

import (
	"context"
	"errors"
	"testing"
	"time"

	"ats-tailor/internal/config"
	"ats-tailor/internal/storage"
	"ats-tailor/internal/storage/models"

	"github.com/stretchr/testify/assert"
)

type fakeEntitlements struct {
	sub      *models.Subscription
	subErr   error
	used     int64
	countErr error
}

func (f fakeEntitlements) GetSubscription(ctx context.Context, userID string) (*models.Subscription, error) {
	if f.subErr != nil {
		return nil, f.subErr
	}
	if f.sub == nil {
		return nil, storage.ErrRecordNotFound
	}
	return f.sub, nil
}

func (f fakeEntitlements) CountCompletedJobs(ctx context.Context, userID string) (int64, error) {
	return f.used, f.countErr
}

func TestDBAuthorizer(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	future := now.Add(72 * time.Hour)
	past := now.Add(-time.Hour)
	enabled := config.PaywallConfig{Enabled: true, FreeGenerations: 3}

	tests := []struct {
		name    string
		cfg     config.PaywallConfig
		store   fakeEntitlements
		wantErr error
		anyErr  bool
	}{
		{name: "关闭时放行", cfg: config.PaywallConfig{}, store: fakeEntitlements{used: 100}},
		{name: "免费额度内", cfg: enabled, store: fakeEntitlements{used: 2}},
		{name: "免费额度用完", cfg: enabled, store: fakeEntitlements{used: 3}, wantErr: ErrPaymentRequired},
		{name: "有效订阅", cfg: enabled, store: fakeEntitlements{used: 50, sub: &models.Subscription{Status: "active", CurrentPeriodEnd: &future}}},
		{name: "试用期订阅无截止时间", cfg: enabled, store: fakeEntitlements{used: 50, sub: &models.Subscription{Status: "trialing"}}},
		{name: "订阅已过期", cfg: enabled, store: fakeEntitlements{used: 50, sub: &models.Subscription{Status: "active", CurrentPeriodEnd: &past}}, wantErr: ErrPaymentRequired},
		{name: "订阅已取消但有免费额度", cfg: enabled, store: fakeEntitlements{used: 0, sub: &models.Subscription{Status: "canceled"}}},
		{name: "订阅查询失败", cfg: enabled, store: fakeEntitlements{subErr: errors.New("db down")}, anyErr: true},
		{name: "计数失败", cfg: enabled, store: fakeEntitlements{countErr: errors.New("db down")}, anyErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewDBAuthorizer(tt.store, tt.cfg)
			a.now = func() time.Time { return now }
			err := a.Authorize(context.Background(), "user-1")
			switch {
			case tt.wantErr != nil:
				assert.ErrorIs(t, err, tt.wantErr)
			case tt.anyErr:
				assert.Error(t, err)
				assert.NotErrorIs(t, err, ErrPaymentRequired)
			default:
				assert.NoError(t, err)
			}
		})
	}
}

func TestAllowAll(t *testing.T) {
	assert.NoError(t, AllowAll{}.Authorize(context.Background(), "anyone"))
}
