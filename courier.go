// Package courier wires the delivery orchestrator together: storage,
// transport adapters, resilience, scheduling, alerting, and the HTTP API.
// Components stay independently constructable; this package is the
// composition root used by cmd/courierd.
package courier

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/smedrec/courier/alerting"
	"github.com/smedrec/courier/core"
	"github.com/smedrec/courier/delivery"
	"github.com/smedrec/courier/destination"
	"github.com/smedrec/courier/httpapi"
	"github.com/smedrec/courier/resilience"
	"github.com/smedrec/courier/scheduler"
	"github.com/smedrec/courier/storage"
	"github.com/smedrec/courier/telemetry"
	"github.com/smedrec/courier/transport"
)

// Store is the repository bundle a backend must provide.
type Store interface {
	Destinations() core.DestinationRepository
	DeliveryLogs() core.DeliveryLogRepository
	Queue() core.QueueRepository
	Health() core.DestinationHealthRepository
	Alerts() core.AlertRepository
	AlertConfigs() core.AlertConfigRepository
	MaintenanceWindows() core.MaintenanceWindowRepository
}

// Courier is the assembled daemon.
type Courier struct {
	config *Config
	logger core.Logger

	store    Store
	closeFns []func() error

	Destinations *destination.Manager
	Deliveries   *delivery.Service
	Scheduler    *scheduler.Scheduler
	Breaker      *resilience.CircuitBreaker
	Alerts       *alerting.Manager
	Debouncer    *alerting.Debouncer
	API          *httpapi.Server

	trigger *alertTrigger
	server  *http.Server
}

// New builds the full dependency graph from config. Nothing is started;
// call Run.
func New(ctx context.Context, config *Config) (*Courier, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	logger := telemetry.NewProductionLogger(&telemetry.LoggerConfig{
		ServiceName: config.ServiceName,
		Level:       config.Telemetry.LogLevel,
		Format:      config.Telemetry.LogFormat,
	})

	c := &Courier{config: config, logger: logger}

	// All components share one fan-out. The alert trigger is appended after
	// the alert manager exists; sinks must not be added once Run started.
	events := &fanoutEvents{}
	if config.Telemetry.TracingEnabled {
		provider, err := telemetry.NewOTelProvider(&telemetry.OTelConfig{
			ServiceName: config.ServiceName,
			Endpoint:    config.Telemetry.OTELEndpoint,
			Stdout:      config.Telemetry.StdoutTrace,
		})
		if err != nil {
			return nil, err
		}
		c.closeFns = append(c.closeFns, func() error {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return provider.Shutdown(shutdownCtx)
		})
		events.sinks = append(events.sinks, telemetry.NewMetricsSink(provider))
	}

	store, err := c.buildStore(ctx)
	if err != nil {
		return nil, err
	}
	c.store = store

	registry := transport.NewRegistry()
	registry.Register(core.DestinationWebhook, transport.NewWebhookAdapter(&transport.WebhookAdapterConfig{
		Logger: logger,
	}))

	c.Debouncer = alerting.NewDebouncer(store.MaintenanceWindows(), &alerting.DebouncerConfig{
		Logger: logger,
	})
	c.Alerts = alerting.NewManager(
		store.Alerts(), store.AlertConfigs(), store.Health(), store.Queue(), store.MaintenanceWindows(),
		c.Debouncer,
		&alerting.ManagerConfig{
			Defaults: core.AlertConfig{
				FailureRateThreshold:        config.Alerting.FailureRateThreshold,
				ConsecutiveFailureThreshold: config.Alerting.ConsecutiveFailureThreshold,
				QueueBacklogThreshold:       config.Alerting.QueueBacklogThreshold,
				ResponseTimeThreshold:       config.Alerting.ResponseTimeThreshold.Std(),
				DebounceWindow:              config.Alerting.DebounceWindow.Std(),
				EscalationDelay:             config.Alerting.EscalationDelay.Std(),
			},
			Logger: logger,
			Events: events,
		},
	)

	c.trigger = newAlertTrigger(c.Alerts, logger)
	events.sinks = append(events.sinks, c.trigger)

	c.Breaker = resilience.NewCircuitBreaker(store.Health(), &resilience.CircuitBreakerConfig{
		FailureThreshold: config.Breaker.FailureThreshold,
		RecoveryTimeout:  config.Breaker.RecoveryTimeout.Std(),
		SuccessThreshold: config.Breaker.SuccessThreshold,
		VolumeThreshold:  config.Breaker.VolumeThreshold,
		Logger:           logger,
		Events:           events,
	})
	retry := resilience.NewRetryManager(&resilience.RetryConfig{
		MaxRetries:   config.Retry.MaxRetries,
		BaseDelay:    config.Retry.BaseDelay.Std(),
		MaxDelay:     config.Retry.MaxDelay.Std(),
		Multiplier:   config.Retry.Multiplier,
		JitterFactor: config.Retry.JitterFactor,
		Logger:       logger,
		Events:       events,
	})

	c.Destinations = destination.NewManager(store.Destinations(), registry, &destination.ManagerConfig{
		Logger: logger,
	})
	c.Scheduler = scheduler.NewScheduler(
		store.Queue(), store.DeliveryLogs(), store.Destinations(), c.Breaker, retry, registry,
		&scheduler.Config{
			MaxConcurrentDeliveries: config.Scheduler.MaxConcurrentDeliveries,
			ProcessingInterval:      config.Scheduler.ProcessingInterval.Std(),
			ProcessingTimeout:       config.Scheduler.ProcessingTimeout.Std(),
			AdapterTimeout:          config.Scheduler.AdapterTimeout.Std(),
			QueueDepthThreshold:     config.Scheduler.QueueDepthThreshold,
			Logger:                  logger,
		},
	)
	c.Deliveries = delivery.NewService(
		store.DeliveryLogs(), store.Queue(), c.Destinations, c.Breaker, retry, c.Scheduler,
		&delivery.ServiceConfig{
			MaxPayloadSize:    config.Delivery.MaxPayloadSize,
			DefaultMaxRetries: config.Delivery.DefaultMaxRetries,
			Logger:            logger,
		},
	)

	c.API = httpapi.NewServer(c.Deliveries, c.Destinations, c.Alerts, c.Scheduler, c.Breaker, &httpapi.ServerConfig{
		Logger: logger,
	})
	return c, nil
}

func (c *Courier) buildStore(ctx context.Context) (Store, error) {
	if c.config.Storage.Backend == "redis" {
		redisStore, err := storage.NewRedisStoreFromURL(ctx, c.config.Storage.RedisURL, &storage.RedisStoreConfig{
			KeyPrefix:   c.config.Storage.KeyPrefix,
			DeliveryTTL: c.config.Storage.DeliveryTTL.Std(),
			Logger:      c.logger,
		})
		if err != nil {
			return nil, err
		}
		c.closeFns = append(c.closeFns, redisStore.Close)
		return redisStore, nil
	}
	return storage.NewMemoryStore(), nil
}

// Run starts the scheduler workers, the alert sweep, and the HTTP listener,
// then blocks until ctx is cancelled or the listener fails. Shutdown is
// performed before returning.
func (c *Courier) Run(ctx context.Context) error {
	if err := c.Scheduler.Start(ctx); err != nil {
		return err
	}

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	var sweepDone sync.WaitGroup
	sweepDone.Add(1)
	go func() {
		defer sweepDone.Done()
		c.runAlertSweep(sweepCtx)
	}()

	c.server = &http.Server{
		Addr:         c.config.HTTP.Addr,
		Handler:      c.API.Handler(),
		ReadTimeout:  c.config.HTTP.ReadTimeout.Std(),
		WriteTimeout: c.config.HTTP.WriteTimeout.Std(),
	}

	serveErr := make(chan error, 1)
	go func() {
		c.logger.Info("HTTP API listening", map[string]interface{}{
			"operation": "run",
			"addr":      c.config.HTTP.Addr,
		})
		serveErr <- c.server.ListenAndServe()
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			runErr = err
		}
	}

	stopSweep()
	sweepDone.Wait()
	if err := c.shutdown(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func (c *Courier) shutdown() error {
	var firstErr error

	shutdownCtx, cancel := context.WithTimeout(context.Background(), c.config.HTTP.ShutdownTimeout.Std())
	defer cancel()
	if c.server != nil {
		if err := c.server.Shutdown(shutdownCtx); err != nil {
			firstErr = err
		}
	}
	if err := c.Scheduler.Stop(); err != nil && firstErr == nil {
		firstErr = err
	}
	for _, closeFn := range c.closeFns {
		if err := closeFn(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.logger.Info("Courier stopped", map[string]interface{}{"operation": "shutdown"})
	return firstErr
}

// runAlertSweep periodically checks queue thresholds for organizations with
// recent delivery activity and expires stale debounce state.
func (c *Courier) runAlertSweep(ctx context.Context) {
	ticker := time.NewTicker(c.config.Alerting.SweepInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, org := range c.trigger.activeOrganizations() {
				if _, err := c.Alerts.CheckQueueThresholds(ctx, org); err != nil {
					c.logger.Error("Queue threshold sweep failed", map[string]interface{}{
						"operation":       "alert_sweep",
						"organization_id": org,
						"error":           err.Error(),
					})
				}
			}
			if _, err := c.Debouncer.Cleanup(ctx); err != nil {
				c.logger.Error("Debounce cleanup failed", map[string]interface{}{
					"operation": "alert_sweep",
					"error":     err.Error(),
				})
			}
		}
	}
}

// fanoutEvents forwards every event to all sinks in order.
type fanoutEvents struct {
	sinks []core.DeliveryEvents
}

func (f *fanoutEvents) OnAttempt(ctx context.Context, item *core.QueueItem, success bool, err error) {
	for _, s := range f.sinks {
		s.OnAttempt(ctx, item, success, err)
	}
}

func (f *fanoutEvents) OnRetryScheduled(ctx context.Context, item *core.QueueItem, attempt int, nextRetryAt string) {
	for _, s := range f.sinks {
		s.OnRetryScheduled(ctx, item, attempt, nextRetryAt)
	}
}

func (f *fanoutEvents) OnBreakerTransition(destinationID string, from, to core.BreakerState, reason string) {
	for _, s := range f.sinks {
		s.OnBreakerTransition(destinationID, from, to, reason)
	}
}

func (f *fanoutEvents) OnAlert(ctx context.Context, alert *core.Alert) {
	for _, s := range f.sinks {
		s.OnAlert(ctx, alert)
	}
}

// alertTrigger drives failure threshold checks from delivery outcomes and
// remembers which organizations have been active so the periodic sweep knows
// whose queues to inspect.
type alertTrigger struct {
	core.NoOpDeliveryEvents

	alerts *alerting.Manager
	logger core.Logger

	mu   sync.Mutex
	orgs map[string]time.Time
}

// organizationIdleTTL is how long an organization stays in the sweep set
// after its last delivery attempt.
const organizationIdleTTL = time.Hour

func newAlertTrigger(alerts *alerting.Manager, logger core.Logger) *alertTrigger {
	return &alertTrigger{
		alerts: alerts,
		logger: logger,
		orgs:   make(map[string]time.Time),
	}
}

func (t *alertTrigger) OnAttempt(ctx context.Context, item *core.QueueItem, success bool, err error) {
	t.mu.Lock()
	t.orgs[item.OrganizationID] = time.Now()
	t.mu.Unlock()

	if success {
		return
	}
	if _, checkErr := t.alerts.CheckFailureThresholds(ctx, item.OrganizationID, item.DestinationID); checkErr != nil {
		t.logger.Error("Failure threshold check failed", map[string]interface{}{
			"operation":       "alert_trigger",
			"organization_id": item.OrganizationID,
			"destination_id":  item.DestinationID,
			"error":           checkErr.Error(),
		})
	}
}

func (t *alertTrigger) activeOrganizations() []string {
	cutoff := time.Now().Add(-organizationIdleTTL)
	t.mu.Lock()
	defer t.mu.Unlock()

	orgs := make([]string, 0, len(t.orgs))
	for org, lastSeen := range t.orgs {
		if lastSeen.Before(cutoff) {
			delete(t.orgs, org)
			continue
		}
		orgs = append(orgs, org)
	}
	return orgs
}
