package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smedrec/courier/core"
	"github.com/smedrec/courier/resilience"
	"github.com/smedrec/courier/storage"
)

type scriptedAdapter struct {
	mu       sync.Mutex
	results  []func() (*core.SendResult, error)
	calls    int
	payloads []core.DeliveryPayload
}

func (a *scriptedAdapter) Send(ctx context.Context, dest *core.Destination, payload *core.DeliveryPayload) (*core.SendResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	idx := a.calls
	a.calls++
	a.payloads = append(a.payloads, *payload)
	if idx < len(a.results) {
		return a.results[idx]()
	}
	return &core.SendResult{Success: true}, nil
}

func (a *scriptedAdapter) Probe(ctx context.Context, dest *core.Destination) (*core.ProbeResult, error) {
	return &core.ProbeResult{Success: true}, nil
}

func (a *scriptedAdapter) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func (a *scriptedAdapter) lastPayload() core.DeliveryPayload {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.payloads[len(a.payloads)-1]
}

type singleRegistry struct{ adapter core.TransportAdapter }

func (r *singleRegistry) AdapterFor(t core.DestinationType) (core.TransportAdapter, error) {
	return r.adapter, nil
}

type fixture struct {
	store     *storage.MemoryStore
	scheduler *Scheduler
	breaker   *resilience.CircuitBreaker
	adapter   *scriptedAdapter
}

func newFixture(t *testing.T, cfg *Config) *fixture {
	t.Helper()
	store := storage.NewMemoryStore()
	breaker := resilience.NewCircuitBreaker(store.Health(), nil)
	retryCfg := resilience.DefaultRetryConfig()
	retryCfg.JitterFactor = 0
	retry := resilience.NewRetryManager(retryCfg)
	adapter := &scriptedAdapter{}
	sched := NewScheduler(
		store.Queue(), store.DeliveryLogs(), store.Destinations(),
		breaker, retry, &singleRegistry{adapter: adapter}, cfg,
	)
	return &fixture{store: store, scheduler: sched, breaker: breaker, adapter: adapter}
}

// seedDelivery creates a destination, a delivery log, and one claimed
// (processing) queue item ready for processItem.
func (f *fixture) seedDelivery(t *testing.T) *core.QueueItem {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, f.store.Destinations().Create(ctx, &core.Destination{
		ID:             "dest-1",
		OrganizationID: "org-a",
		Type:           core.DestinationWebhook,
		Label:          "hook",
		Config: core.DestinationConfig{Webhook: &core.WebhookConfig{
			URL: "https://example.com/hook", Method: "POST", Timeout: 5 * time.Second,
		}},
		CreatedAt: time.Now(),
	}))

	log := &core.DeliveryLog{
		DeliveryID:     "del-1",
		OrganizationID: "org-a",
		Status:         core.DeliveryQueued,
		Payload:        core.DeliveryPayload{Type: "report", Data: json.RawMessage(`{}`)},
		IdempotencyKey: "idem-1",
		Destinations:   []core.DestinationDelivery{{DestinationID: "dest-1", Status: core.SubPending}},
		CreatedAt:      time.Now(),
	}
	require.NoError(t, f.store.DeliveryLogs().Create(ctx, log))

	items, err := f.scheduler.ScheduleDelivery(ctx, log, []string{"dest-1"}, 5, 3)
	require.NoError(t, err)
	require.Len(t, items, 1)

	claimed, err := f.store.Queue().DequeueBatch(ctx, 1, time.Now().Add(time.Second))
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	return claimed[0]
}

func TestProcessItemSuccess(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	item := f.seedDelivery(t)

	f.scheduler.processItem(ctx, item)

	got, err := f.store.Queue().Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, core.QueueItemCompleted, got.Status)
	require.NotNil(t, got.ProcessedAt)

	log, err := f.store.DeliveryLogs().GetAny(ctx, "del-1")
	require.NoError(t, err)
	assert.Equal(t, core.DeliveryCompleted, log.Status)
	assert.Equal(t, core.SubDelivered, log.Destinations[0].Status)
	assert.Equal(t, 1, log.Destinations[0].Attempts)

	health, err := f.breaker.GetMetrics(ctx, "dest-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), health.TotalDeliveries)
	assert.Equal(t, int64(0), health.TotalFailures)
}

func TestProcessItemPassesIdempotencyKeyToAdapter(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	item := f.seedDelivery(t)

	f.scheduler.processItem(ctx, item)

	require.Equal(t, 1, f.adapter.callCount())
	sent := f.adapter.lastPayload()
	assert.Equal(t, "idem-1", sent.Metadata["idempotency_key"])

	// The persisted snapshot keeps its original metadata.
	got, err := f.store.Queue().Get(ctx, item.ID)
	require.NoError(t, err)
	assert.NotContains(t, got.Payload.Metadata, "idempotency_key")
}

func TestProcessItemRetryableFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.adapter.results = []func() (*core.SendResult, error){
		func() (*core.SendResult, error) {
			return nil, &core.AdapterError{Class: core.ClassRetryable, StatusCode: 503, Message: "upstream down"}
		},
	}
	ctx := context.Background()
	item := f.seedDelivery(t)

	f.scheduler.processItem(ctx, item)

	got, err := f.store.Queue().Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, core.QueueItemPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	require.NotNil(t, got.NextRetryAt)
	assert.True(t, got.NextRetryAt.After(time.Now()))
	require.Len(t, got.Metadata.RetryAttempts, 1)
	assert.False(t, got.Metadata.RetryAttempts[0].Success)

	log, _ := f.store.DeliveryLogs().GetAny(ctx, "del-1")
	assert.Equal(t, core.DeliveryProcessing, log.Status)
	assert.Equal(t, core.SubPending, log.Destinations[0].Status)
	assert.Equal(t, 1, log.Destinations[0].Attempts)
}

func TestProcessItemNonRetryableFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.adapter.results = []func() (*core.SendResult, error){
		func() (*core.SendResult, error) {
			return nil, &core.AdapterError{Class: core.ClassAuthentication, StatusCode: 401, Message: "bad token"}
		},
	}
	ctx := context.Background()
	item := f.seedDelivery(t)

	f.scheduler.processItem(ctx, item)

	got, err := f.store.Queue().Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, core.QueueItemFailed, got.Status)
	assert.True(t, got.Metadata.NonRetryable)
	assert.Equal(t, 0, got.RetryCount)

	log, _ := f.store.DeliveryLogs().GetAny(ctx, "del-1")
	assert.Equal(t, core.DeliveryFailed, log.Status)
	assert.Equal(t, core.SubFailed, log.Destinations[0].Status)

	health, _ := f.breaker.GetMetrics(ctx, "dest-1")
	assert.Equal(t, 1, health.ConsecutiveFailures)
	assert.Equal(t, core.BreakerClosed, health.State)
}

func TestProcessItemOpenBreakerSkips(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	item := f.seedDelivery(t)
	require.NoError(t, f.breaker.ForceOpen(ctx, "dest-1", "maintenance"))

	f.scheduler.processItem(ctx, item)

	assert.Equal(t, 0, f.adapter.callCount(), "open breaker must not invoke the adapter")

	got, _ := f.store.Queue().Get(ctx, item.ID)
	assert.Equal(t, core.QueueItemFailed, got.Status)
	assert.Equal(t, "circuit_open", got.Metadata.LastFailureReason)

	log, _ := f.store.DeliveryLogs().GetAny(ctx, "del-1")
	assert.Equal(t, core.SubSkipped, log.Destinations[0].Status)
	assert.Equal(t, 0, log.Destinations[0].Attempts)
	assert.Equal(t, core.DeliveryFailed, log.Status)
}

func TestProcessItemDisabledDestinationFails(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	item := f.seedDelivery(t)

	dest, _ := f.store.Destinations().Get(ctx, "org-a", "dest-1")
	dest.Disabled = true
	require.NoError(t, f.store.Destinations().Update(ctx, dest))

	f.scheduler.processItem(ctx, item)

	assert.Equal(t, 0, f.adapter.callCount())
	got, _ := f.store.Queue().Get(ctx, item.ID)
	assert.Equal(t, core.QueueItemFailed, got.Status)
	assert.True(t, got.Metadata.NonRetryable)
}

func TestProcessItemCancelledMidFlightKeepsCancellation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	item := f.seedDelivery(t)

	// Cancel wins the transition race while the adapter call is in flight.
	_, err := f.store.Queue().CancelByDelivery(ctx, "del-1")
	require.NoError(t, err)

	f.scheduler.processItem(ctx, item)

	got, _ := f.store.Queue().Get(ctx, item.ID)
	assert.Equal(t, core.QueueItemCancelled, got.Status)
}

func TestRetryBoundExhaustsToFailed(t *testing.T) {
	f := newFixture(t, nil)
	fail := func() (*core.SendResult, error) {
		return nil, &core.AdapterError{Class: core.ClassRetryable, StatusCode: 503, Message: "down"}
	}
	f.adapter.results = []func() (*core.SendResult, error){fail, fail, fail, fail, fail}
	ctx := context.Background()
	item := f.seedDelivery(t)

	// maxRetries=3 allows 4 attempts total; drive the item until terminal.
	for attempts := 0; attempts < 10; attempts++ {
		f.scheduler.processItem(ctx, item)
		got, err := f.store.Queue().Get(ctx, item.ID)
		require.NoError(t, err)
		if got.Status.IsTerminal() {
			break
		}
		// Make the retry immediately ready and reclaim it.
		claimed, err := f.store.Queue().DequeueBatch(ctx, 1, time.Now().Add(time.Hour))
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		item = claimed[0]
	}

	got, _ := f.store.Queue().Get(ctx, item.ID)
	assert.Equal(t, core.QueueItemFailed, got.Status)
	assert.Equal(t, 3, got.RetryCount)
	assert.Equal(t, 4, f.adapter.callCount(), "attempts must be bounded by maxRetries+1")
}

func TestScheduleRetryRequeuesOnlyFailedItems(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	item := f.seedDelivery(t)

	// An open breaker fails the item without classifying it non-retryable.
	require.NoError(t, f.breaker.ForceOpen(ctx, "dest-1", "maintenance"))
	f.scheduler.processItem(ctx, item)
	require.NoError(t, f.breaker.ForceClose(ctx, "dest-1"))

	got, _ := f.store.Queue().Get(ctx, item.ID)
	require.Equal(t, core.QueueItemFailed, got.Status)

	requeued, err := f.scheduler.ScheduleRetry(ctx, "del-1")
	require.NoError(t, err)
	require.Len(t, requeued, 1)

	got, _ = f.store.Queue().Get(ctx, item.ID)
	assert.Equal(t, core.QueueItemPending, got.Status)
	assert.Equal(t, 0, got.RetryCount)

	// Nothing left to requeue on a second call.
	claimed, err := f.store.Queue().DequeueBatch(ctx, 1, time.Now().Add(time.Second))
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	requeued, err = f.scheduler.ScheduleRetry(ctx, "del-1")
	require.NoError(t, err)
	assert.Empty(t, requeued)
}

func TestScheduleRetrySkipsNonRetryableItems(t *testing.T) {
	f := newFixture(t, nil)
	f.adapter.results = []func() (*core.SendResult, error){
		func() (*core.SendResult, error) {
			return nil, &core.AdapterError{Class: core.ClassAuthentication, StatusCode: 401, Message: "bad token"}
		},
	}
	ctx := context.Background()
	item := f.seedDelivery(t)
	f.scheduler.processItem(ctx, item)

	got, _ := f.store.Queue().Get(ctx, item.ID)
	require.Equal(t, core.QueueItemFailed, got.Status)
	require.True(t, got.Metadata.NonRetryable)

	requeued, err := f.scheduler.ScheduleRetry(ctx, "del-1")
	require.NoError(t, err)
	assert.Empty(t, requeued, "non-retryable failures must not be re-armed")

	got, _ = f.store.Queue().Get(ctx, item.ID)
	assert.Equal(t, core.QueueItemFailed, got.Status)
	assert.True(t, got.Metadata.NonRetryable)
}

func TestProcessStuckItems(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ProcessingTimeout = time.Minute
	f := newFixture(t, cfg)
	ctx := context.Background()
	item := f.seedDelivery(t)
	_ = item

	// The claimed item looks abandoned once its deadline passes; with a
	// fresh claim timestamp nothing is rescued.
	n, err := f.scheduler.ProcessStuckItems(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestPerformCleanup(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxCompletedAge = time.Nanosecond
	f := newFixture(t, cfg)
	ctx := context.Background()
	item := f.seedDelivery(t)

	f.scheduler.processItem(ctx, item) // completes the item
	time.Sleep(2 * time.Millisecond)

	n, err := f.scheduler.PerformCleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = f.store.Queue().Get(ctx, item.ID)
	assert.ErrorIs(t, err, core.ErrQueueItemNotFound)
}

func TestGetQueueHealthGrading(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QueueDepthThreshold = 2
	f := newFixture(t, cfg)
	ctx := context.Background()

	health, err := f.scheduler.GetQueueHealth(ctx)
	require.NoError(t, err)
	assert.Equal(t, HealthHealthy, health.Status)
	assert.Empty(t, health.Alerts)

	log := &core.DeliveryLog{
		DeliveryID:     "del-1",
		OrganizationID: "org-a",
		Status:         core.DeliveryQueued,
		Payload:        core.DeliveryPayload{Type: "report", Data: json.RawMessage(`{}`)},
		CreatedAt:      time.Now(),
	}
	require.NoError(t, f.store.DeliveryLogs().Create(ctx, log))
	_, err = f.scheduler.ScheduleDelivery(ctx, log, []string{"d1", "d2", "d3"}, 5, 3)
	require.NoError(t, err)

	health, err = f.scheduler.GetQueueHealth(ctx)
	require.NoError(t, err)
	assert.Equal(t, HealthDegraded, health.Status)
	require.Len(t, health.Alerts, 1)
	assert.Equal(t, "queue_depth", health.Alerts[0].Type)
	assert.Equal(t, 3, health.Metrics.QueueDepth)
}

func TestStartStop(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ProcessingInterval = 10 * time.Millisecond
	cfg.WatchdogInterval = 10 * time.Millisecond
	cfg.CleanupInterval = 10 * time.Millisecond
	f := newFixture(t, cfg)
	ctx := context.Background()
	item := f.seedDelivery(t)

	// Put the claimed item back so the loop picks it up.
	item.Status = core.QueueItemPending
	require.NoError(t, f.store.Queue().Transition(ctx, item, core.QueueItemProcessing))

	require.NoError(t, f.scheduler.Start(ctx))
	assert.Error(t, f.scheduler.Start(ctx), "double start must fail")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, err := f.store.Queue().Get(ctx, item.ID)
		require.NoError(t, err)
		if got.Status == core.QueueItemCompleted {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	require.NoError(t, f.scheduler.Stop())
	got, _ := f.store.Queue().Get(ctx, item.ID)
	assert.Equal(t, core.QueueItemCompleted, got.Status)
}
