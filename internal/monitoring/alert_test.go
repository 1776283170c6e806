package monitoring

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type collectingReceiver struct {
	mu     sync.Mutex
	alerts []Alert
}

func (r *collectingReceiver) SendAlert(alert *Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, *alert)
	return nil
}

func (r *collectingReceiver) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.alerts)
}

type toggleChecker struct{ err error }

func (c *toggleChecker) Health(context.Context) error { return c.err }

func TestAlertManager_TriggerAndResolve(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	am := NewAlertManager(nil)
	am.now = func() time.Time { return now }
	receiver := &collectingReceiver{}
	am.AddReceiver(receiver)

	store := &toggleChecker{err: errors.New("no reachable servers")}
	am.AddRule(StoreUnreachableRule(store, time.Second))

	am.CheckRules(ctx)
	require.Equal(t, 1, receiver.count())
	active := am.GetActiveAlerts()
	require.Len(t, active, 1)
	assert.Equal(t, "message_store_unreachable", active[0].ID)
	assert.Equal(t, AlertLevelCritical, active[0].Level)

	t.Run("活跃期间不重复发送", func(t *testing.T) {
		now = now.Add(2 * time.Minute)
		am.CheckRules(ctx)
		assert.Equal(t, 1, receiver.count())
	})

	t.Run("条件恢复后自动解除", func(t *testing.T) {
		store.err = nil
		am.CheckRules(ctx)
		assert.Empty(t, am.GetActiveAlerts())
	})

	t.Run("冷却时间内不再触发", func(t *testing.T) {
		store.err = errors.New("down again")
		now = now.Add(10 * time.Second)
		am.CheckRules(ctx)
		assert.Equal(t, 1, receiver.count())

		now = now.Add(time.Minute)
		am.CheckRules(ctx)
		assert.Equal(t, 2, receiver.count())
	})
}

func TestNotificationDropRule(t *testing.T) {
	var dropped int64
	rule := NotificationDropRule(func() int64 { return dropped })
	ctx := context.Background()

	assert.False(t, rule.Condition(ctx))
	dropped = 3
	assert.True(t, rule.Condition(ctx))
	assert.False(t, rule.Condition(ctx), "没有新增丢弃")
}

func TestLogAlertReceiver(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	receiver := NewLogAlertReceiver(zap.New(core))

	levels := []AlertLevel{AlertLevelCritical, AlertLevelWarning, AlertLevelInfo}
	for _, level := range levels {
		require.NoError(t, receiver.SendAlert(&Alert{ID: "a", Level: level}))
	}

	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, "CRITICAL ALERT", entries[0].Message)
	assert.Equal(t, zap.ErrorLevel, entries[0].Level)
	assert.Equal(t, zap.WarnLevel, entries[1].Level)
	assert.Equal(t, zap.InfoLevel, entries[2].Level)
}

func TestAlertManager_StartMonitoringStops(t *testing.T) {
	am := NewAlertManager(nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		am.StartMonitoring(ctx, time.Millisecond)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitoring loop did not stop")
	}
}
