package alerting

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/spendguard/control-plane/pkg/cache"
	"github.com/spendguard/control-plane/pkg/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSender struct {
	mu    sync.Mutex
	name  string
	fail  bool
	sends []events.Event
}

func (f *fakeSender) Name() string { return f.name }

func (f *fakeSender) Send(ctx context.Context, event events.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return fmt.Errorf("channel %s unavailable", f.name)
	}
	f.sends = append(f.sends, event)
	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

func testConfig() *Config {
	return &Config{
		Enabled:          true,
		Cooldown:         time.Hour,
		MaxRetries:       1,
		RetryBackoffBase: time.Millisecond,
		RetryQueueSize:   4,
		RetryWorkers:     1,
		DeliveryTimeout:  time.Second,
	}
}

func newTestDispatcher(t *testing.T, senders ...Sender) *Dispatcher {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	logger := zap.NewNop()
	d, err := NewDispatcher(testConfig(), nil, cache.NewCacheWithClient(client), logger, events.NewBus(logger))
	require.NoError(t, err)
	return d.WithSenders(senders...)
}

func thresholdEvent(tenantID string, pct float64) events.Event {
	return events.NewEvent(events.EventThresholdBreached, tenantID, map[string]interface{}{
		"percentage":    pct,
		"priority":      "warning",
		"action":        "review",
		"usage_percent": pct + 3,
	})
}

func TestHandleEventDelivers(t *testing.T) {
	sender := &fakeSender{name: "slack"}
	d := newTestDispatcher(t, sender)

	err := d.HandleEvent(context.Background(), thresholdEvent("tenant-a", 80))
	require.NoError(t, err)

	require.Equal(t, 1, sender.count())
	assert.Equal(t, "tenant-a", sender.sends[0].TenantID)
}

func TestHandleEventCooldownSuppressesDuplicates(t *testing.T) {
	sender := &fakeSender{name: "slack"}
	d := newTestDispatcher(t, sender)
	ctx := context.Background()

	// Same tenant and threshold twice within the cooldown window.
	require.NoError(t, d.HandleEvent(ctx, thresholdEvent("tenant-a", 80)))
	require.NoError(t, d.HandleEvent(ctx, thresholdEvent("tenant-a", 80)))

	assert.Equal(t, 1, sender.count(), "second trigger should be suppressed")
}

func TestHandleEventCanceledRequestContextStillDedupes(t *testing.T) {
	sender := &fakeSender{name: "slack"}
	d := newTestDispatcher(t, sender)

	// The triggering HTTP request is long gone by the time the async
	// handler runs; the cooldown claim must still hold.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, d.HandleEvent(ctx, thresholdEvent("tenant-a", 80)))
	require.NoError(t, d.HandleEvent(ctx, thresholdEvent("tenant-a", 80)))

	assert.Equal(t, 1, sender.count(), "request cancellation must not bypass the cooldown")
}

func TestHandleEventDistinctThresholdsAlertSeparately(t *testing.T) {
	sender := &fakeSender{name: "slack"}
	d := newTestDispatcher(t, sender)
	ctx := context.Background()

	require.NoError(t, d.HandleEvent(ctx, thresholdEvent("tenant-a", 50)))
	require.NoError(t, d.HandleEvent(ctx, thresholdEvent("tenant-a", 80)))
	require.NoError(t, d.HandleEvent(ctx, thresholdEvent("tenant-b", 80)))

	assert.Equal(t, 3, sender.count())
}

func TestHandleEventFansOutToAllChannels(t *testing.T) {
	slack := &fakeSender{name: "slack"}
	webhook := &fakeSender{name: "webhook"}
	d := newTestDispatcher(t, slack, webhook)

	require.NoError(t, d.HandleEvent(context.Background(), thresholdEvent("tenant-a", 95)))

	assert.Equal(t, 1, slack.count())
	assert.Equal(t, 1, webhook.count())
}

func TestHandleEventFailureDoesNotPropagate(t *testing.T) {
	broken := &fakeSender{name: "slack", fail: true}
	d := newTestDispatcher(t, broken)

	err := d.HandleEvent(context.Background(), thresholdEvent("tenant-a", 80))
	assert.NoError(t, err, "delivery failures stay out of the enforcement path")
}

func TestHandleEventBreakerResetSkipsCooldown(t *testing.T) {
	sender := &fakeSender{name: "slack"}
	d := newTestDispatcher(t, sender)
	ctx := context.Background()

	// Reset notifications have no suppression window.
	require.NoError(t, d.HandleEvent(ctx, events.NewEvent(events.EventBreakerReset, "tenant-a", nil)))
	require.NoError(t, d.HandleEvent(ctx, events.NewEvent(events.EventBreakerReset, "tenant-a", nil)))

	assert.Equal(t, 2, sender.count())
}

func TestRetryWorkerRedelivers(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	cfg := testConfig()
	cfg.MaxRetries = 10
	cfg.RetryBackoffBase = 5 * time.Millisecond

	logger := zap.NewNop()
	sender := &fakeSender{name: "slack", fail: true}
	d, err := NewDispatcher(cfg, nil, cache.NewCacheWithClient(client), logger, events.NewBus(logger))
	require.NoError(t, err)
	d.WithSenders(sender)
	ctx := context.Background()

	require.NoError(t, d.Start(ctx))
	defer d.Stop(ctx)

	require.NoError(t, d.HandleEvent(ctx, thresholdEvent("tenant-a", 80)))
	assert.Equal(t, 0, sender.count())

	// Heal the channel and wait for the retry worker to redeliver.
	sender.mu.Lock()
	sender.fail = false
	sender.mu.Unlock()

	require.Eventually(t, func() bool {
		return sender.count() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCalculateBackoff(t *testing.T) {
	d := &Dispatcher{config: &Config{RetryBackoffBase: 5 * time.Second}}

	assert.Equal(t, 10*time.Second, d.calculateBackoff(1))
	assert.Equal(t, 20*time.Second, d.calculateBackoff(2))
	assert.Equal(t, 5*time.Minute, d.calculateBackoff(12), "backoff is capped")
}
