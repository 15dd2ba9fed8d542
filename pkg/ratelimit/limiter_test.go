package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQPMLimiterUnlimited(t *testing.T) {
	l := NewQPMLimiter(0)
	for i := 0; i < 100; i++ {
		require.True(t, l.Allow())
	}
	assert.NoError(t, l.Wait(context.Background()))
	assert.Equal(t, 0, l.QPM())

	var nilLimiter *QPMLimiter
	assert.NoError(t, nilLimiter.Wait(context.Background()))
}

func TestQPMLimiterBurst(t *testing.T) {
	l := NewQPMLimiter(4) // 突发容量 2
	assert.True(t, l.Allow())
	assert.True(t, l.Allow())
	assert.False(t, l.Allow(), "突发容量耗尽后应被限流")
}

func TestQPMLimiterWaitHonoursContext(t *testing.T) {
	l := NewQPMLimiter(1) // 突发容量 1，下一个令牌需要 60s
	require.True(t, l.Allow())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, l.Wait(ctx))
}
