package alerting

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/spendguard/control-plane/internal/budget"
	"github.com/spendguard/control-plane/pkg/cache"
	"github.com/spendguard/control-plane/pkg/database"
	"github.com/spendguard/control-plane/pkg/events"
	"github.com/spendguard/control-plane/pkg/metrics"
	"go.uber.org/zap"
)

// Sender delivers one alert over one notification channel.
type Sender interface {
	Name() string
	Send(ctx context.Context, event events.Event) error
}

// Dispatcher delivers budget alerts, gated by a per (tenant, threshold)
// cooldown. Delivery is best-effort: transport failures are retried in
// the background and never reach the enforcement path.
type Dispatcher struct {
	config  *Config
	db      *database.Database
	cache   *cache.Cache
	logger  *zap.Logger
	bus     *events.Bus
	senders []Sender

	retryQueue chan *deliveryTask
	stopChan   chan struct{}
	wg         sync.WaitGroup
}

// deliveryTask is one pending channel delivery.
type deliveryTask struct {
	ID          string
	Event       events.Event
	Channel     string
	RetryCount  int
	MaxRetries  int
	CreatedAt   time.Time
	LastAttempt time.Time
}

// NewDispatcher creates the alert dispatcher. Senders are built from
// config; tests may replace them via WithSenders.
func NewDispatcher(config *Config, db *database.Database, c *cache.Cache, logger *zap.Logger, bus *events.Bus) (*Dispatcher, error) {
	d := &Dispatcher{
		config:     config,
		db:         db,
		cache:      c,
		logger:     logger,
		bus:        bus,
		retryQueue: make(chan *deliveryTask, config.RetryQueueSize),
		stopChan:   make(chan struct{}),
	}

	if !config.Enabled {
		logger.Info("alert dispatcher is disabled")
		return d, nil
	}

	if config.SlackEnabled {
		d.senders = append(d.senders, NewSlackSender(config.SlackWebhookURL, config.SlackChannel, logger))
		logger.Info("slack alerts enabled")
	}
	if config.WebhookEnabled {
		d.senders = append(d.senders, NewWebhookSender(config.WebhookURL, config.WebhookSecret, logger))
		logger.Info("webhook alerts enabled")
	}
	if config.EmailEnabled {
		sender, err := NewEmailSender(config.EmailFrom, config.EmailTo, config.ResendAPIKey, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize email sender: %w", err)
		}
		d.senders = append(d.senders, sender)
		logger.Info("email alerts enabled", zap.Strings("to", config.EmailTo))
	}

	logger.Info("alert dispatcher initialized",
		zap.Int("channels", len(d.senders)),
		zap.Duration("cooldown", config.Cooldown),
		zap.Int("max_retries", config.MaxRetries),
	)
	return d, nil
}

// WithSenders replaces the configured channel senders (used by tests).
func (d *Dispatcher) WithSenders(senders ...Sender) *Dispatcher {
	d.senders = senders
	return d
}

// Start subscribes to budget events and launches the retry workers.
func (d *Dispatcher) Start(ctx context.Context) error {
	if !d.config.Enabled {
		return nil
	}

	d.bus.Subscribe(events.EventThresholdBreached, d.HandleEvent)
	d.bus.Subscribe(events.EventGracePeriodStarted, d.HandleEvent)
	d.bus.Subscribe(events.EventBreakerTripped, d.HandleEvent)
	d.bus.Subscribe(events.EventBreakerReset, d.HandleEvent)

	for i := 0; i < d.config.RetryWorkers; i++ {
		d.wg.Add(1)
		go d.retryWorker(ctx, i)
	}

	d.logger.Info("alert dispatcher started",
		zap.Int("retry_workers", d.config.RetryWorkers),
	)
	return nil
}

// Stop drains the retry workers.
func (d *Dispatcher) Stop(ctx context.Context) error {
	if !d.config.Enabled {
		return nil
	}
	close(d.stopChan)
	d.wg.Wait()
	d.logger.Info("alert dispatcher stopped")
	return nil
}

// HandleEvent routes a budget event to the notification channels. For
// threshold breaches, the per (tenant, threshold) cooldown key is claimed
// atomically with SETNX; concurrent triggers produce exactly one alert.
func (d *Dispatcher) HandleEvent(ctx context.Context, event events.Event) error {
	if len(d.senders) == 0 {
		return nil
	}

	// Delivery outlives the request that triggered the event.
	ctx = context.WithoutCancel(ctx)

	key, ok := d.cooldownKeyFor(event)
	if ok {
		claimed, err := d.cache.SetNX(ctx, key, event.ID, d.config.Cooldown)
		if err != nil {
			claimed, err = d.cache.SetNX(ctx, key, event.ID, d.config.Cooldown)
		}
		if err != nil {
			// Cooldown state unavailable after a retry: deliver rather than
			// stay silent during an outage.
			d.logger.Warn("cooldown claim failed, delivering anyway",
				zap.String("event_id", event.ID), zap.Error(err))
		} else if !claimed {
			d.logger.Debug("alert suppressed by cooldown",
				zap.String("tenant_id", event.TenantID),
				zap.String("cooldown_key", key),
			)
			return nil
		}
	}

	if event.Type == events.EventThresholdBreached {
		priority, _ := event.Payload["priority"].(string)
		metrics.ThresholdAlertsTotal.WithLabelValues(event.TenantID, priority).Inc()
	}

	for _, sender := range d.senders {
		task := &deliveryTask{
			ID:          fmt.Sprintf("%s-%s", event.ID, sender.Name()),
			Event:       event,
			Channel:     sender.Name(),
			MaxRetries:  d.config.MaxRetries,
			CreatedAt:   time.Now(),
			LastAttempt: time.Now(),
		}
		if err := d.deliver(ctx, task); err != nil {
			d.logger.Error("alert delivery failed, enqueuing for retry",
				zap.String("event_id", event.ID),
				zap.String("channel", task.Channel),
				zap.Error(err),
			)
			d.enqueueRetry(task)
		}
	}

	// Alerting is best-effort; failures never propagate to the caller.
	return nil
}

// cooldownKeyFor maps an event to its suppression key. Threshold breaches
// are keyed per (tenant, threshold percentage); breaker and grace events
// per (tenant, event type).
func (d *Dispatcher) cooldownKeyFor(event events.Event) (string, bool) {
	switch event.Type {
	case events.EventThresholdBreached:
		pct, ok := event.Payload["percentage"].(float64)
		if !ok {
			return "", false
		}
		return budget.CooldownKey(event.TenantID, pct), true
	case events.EventGracePeriodStarted, events.EventBreakerTripped:
		return fmt.Sprintf("alert:cooldown:%s:%s", event.TenantID, event.Type), true
	}
	return "", false
}

// deliver attempts one channel delivery.
func (d *Dispatcher) deliver(ctx context.Context, task *deliveryTask) error {
	startTime := time.Now()

	ctx, cancel := context.WithTimeout(ctx, d.config.DeliveryTimeout)
	defer cancel()

	var sender Sender
	for _, s := range d.senders {
		if s.Name() == task.Channel {
			sender = s
			break
		}
	}
	if sender == nil {
		return fmt.Errorf("unknown channel: %s", task.Channel)
	}

	err := sender.Send(ctx, task.Event)
	duration := time.Since(startTime)

	if err != nil {
		recordDelivery(task.Channel, string(task.Event.Type), "failed", duration)
		return err
	}

	recordDelivery(task.Channel, string(task.Event.Type), "success", duration)
	d.logger.Info("alert delivered",
		zap.String("event_id", task.Event.ID),
		zap.String("event_type", string(task.Event.Type)),
		zap.String("channel", task.Channel),
		zap.Duration("duration", duration),
	)

	if err := d.persistDelivery(ctx, task, "sent", ""); err != nil {
		d.logger.Error("failed to persist delivery record",
			zap.String("event_id", task.Event.ID), zap.Error(err))
	}
	return nil
}

// enqueueRetry adds a failed delivery to the retry queue
func (d *Dispatcher) enqueueRetry(task *deliveryTask) {
	task.RetryCount++
	task.LastAttempt = time.Now()

	select {
	case d.retryQueue <- task:
		recordRetry(task.Channel)
		retryQueueDepth.Set(float64(len(d.retryQueue)))
	default:
		d.logger.Error("retry queue full, dropping alert",
			zap.String("task_id", task.ID),
			zap.String("channel", task.Channel),
		)
	}
}

// retryWorker processes the retry queue
func (d *Dispatcher) retryWorker(ctx context.Context, workerID int) {
	defer d.wg.Done()

	for {
		select {
		case <-d.stopChan:
			return

		case task := <-d.retryQueue:
			retryQueueDepth.Set(float64(len(d.retryQueue)))
			if task.RetryCount > task.MaxRetries {
				d.logger.Error("max retries exceeded, giving up",
					zap.String("task_id", task.ID),
					zap.String("channel", task.Channel),
					zap.Int("retry_count", task.RetryCount),
				)
				_ = d.persistDelivery(ctx, task, "failed", "max retries exceeded")
				continue
			}

			backoff := d.calculateBackoff(task.RetryCount)
			select {
			case <-d.stopChan:
				return
			case <-time.After(backoff):
			}

			if err := d.deliver(ctx, task); err != nil {
				d.logger.Warn("retry failed, re-enqueuing",
					zap.String("task_id", task.ID),
					zap.Int("retry_count", task.RetryCount),
					zap.Error(err),
				)
				d.enqueueRetry(task)
			}
		}
	}
}

// calculateBackoff computes exponential backoff, capped at 5 minutes.
func (d *Dispatcher) calculateBackoff(retryCount int) time.Duration {
	backoff := d.config.RetryBackoffBase * time.Duration(1<<uint(retryCount))
	if max := 5 * time.Minute; backoff > max {
		backoff = max
	}
	return backoff
}

// persistDelivery stores the delivery record in the database
func (d *Dispatcher) persistDelivery(ctx context.Context, task *deliveryTask, status, errorMsg string) error {
	if d.db == nil {
		return nil
	}

	_, err := d.db.Pool.Exec(ctx, `
		INSERT INTO alert_deliveries (
			event_id, event_type, tenant_id, channel, status, retry_count, error_message, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		task.Event.ID,
		string(task.Event.Type),
		task.Event.TenantID,
		task.Channel,
		status,
		task.RetryCount,
		errorMsg,
		task.CreatedAt,
	)
	return err
}
