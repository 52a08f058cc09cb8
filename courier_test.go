package courier

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smedrec/courier/core"
	"github.com/smedrec/courier/destination"
)

func TestNewBuildsMemoryBackedDaemon(t *testing.T) {
	c, err := New(context.Background(), nil)
	require.NoError(t, err)

	assert.NotNil(t, c.Deliveries)
	assert.NotNil(t, c.Destinations)
	assert.NotNil(t, c.Scheduler)
	assert.NotNil(t, c.Breaker)
	assert.NotNil(t, c.Alerts)
	assert.NotNil(t, c.API)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := New(context.Background(), &Config{
		Storage: StorageConfig{Backend: "cassandra"},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrInvalidConfiguration)
}

func TestEndToEndDeliveryThroughContainer(t *testing.T) {
	c, err := New(context.Background(), nil)
	require.NoError(t, err)
	ctx := context.Background()

	dest, err := c.Destinations.Create(ctx, destinationInput("org-1"))
	require.NoError(t, err)

	resp, err := c.Deliveries.Deliver(ctx, &core.DeliveryRequest{
		OrganizationID: "org-1",
		Destinations:   []string{dest.ID},
		Payload: core.DeliveryPayload{
			Type: "report",
			Data: []byte(`{"report_id":"r-1"}`),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, core.DeliveryQueued, resp.Status)

	status, err := c.Deliveries.GetDeliveryStatus(ctx, "org-1", resp.DeliveryID)
	require.NoError(t, err)
	assert.Equal(t, resp.DeliveryID, status.DeliveryID)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HTTP.Addr = "127.0.0.1:0"
	cfg.Alerting.SweepInterval = Duration(50 * time.Millisecond)

	c, err := New(context.Background(), cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	time.Sleep(150 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}
}

func TestFanoutForwardsToAllSinks(t *testing.T) {
	a := &countingEvents{}
	b := &countingEvents{}
	fan := &fanoutEvents{sinks: []core.DeliveryEvents{a, b}}
	ctx := context.Background()
	item := &core.QueueItem{ID: "qi-1", OrganizationID: "org-1", DestinationID: "dest-1"}

	fan.OnAttempt(ctx, item, false, errors.New("boom"))
	fan.OnRetryScheduled(ctx, item, 1, "soon")
	fan.OnBreakerTransition("dest-1", core.BreakerClosed, core.BreakerOpen, "failures")
	fan.OnAlert(ctx, &core.Alert{ID: "al-1"})

	for _, sink := range []*countingEvents{a, b} {
		assert.Equal(t, 1, sink.attempts)
		assert.Equal(t, 1, sink.retries)
		assert.Equal(t, 1, sink.transitions)
		assert.Equal(t, 1, sink.alerts)
	}
}

func TestAlertTriggerTracksActiveOrganizations(t *testing.T) {
	c, err := New(context.Background(), nil)
	require.NoError(t, err)
	ctx := context.Background()

	item := &core.QueueItem{ID: "qi-1", OrganizationID: "org-1", DestinationID: "dest-1"}
	c.trigger.OnAttempt(ctx, item, true, nil)
	assert.ElementsMatch(t, []string{"org-1"}, c.trigger.activeOrganizations())

	// Idle entries age out.
	c.trigger.mu.Lock()
	c.trigger.orgs["org-1"] = time.Now().Add(-2 * organizationIdleTTL)
	c.trigger.mu.Unlock()
	assert.Empty(t, c.trigger.activeOrganizations())
}

func TestAlertTriggerChecksThresholdsOnFailure(t *testing.T) {
	c, err := New(context.Background(), nil)
	require.NoError(t, err)
	ctx := context.Background()

	// Push the destination past the default consecutive failure threshold
	// and let a failed attempt drive the check.
	require.NoError(t, c.store.Health().Upsert(ctx, &core.DestinationHealth{
		DestinationID:       "dest-1",
		State:               core.BreakerClosed,
		ConsecutiveFailures: 6,
		TotalDeliveries:     10,
		TotalFailures:       6,
	}))

	item := &core.QueueItem{ID: "qi-1", OrganizationID: "org-1", DestinationID: "dest-1"}
	c.trigger.OnAttempt(ctx, item, false, errors.New("receiver down"))

	alerts, err := c.store.Alerts().List(ctx, core.AlertFilter{OrganizationID: "org-1"})
	require.NoError(t, err)
	assert.NotEmpty(t, alerts)
}

func destinationInput(org string) destination.CreateInput {
	return destination.CreateInput{
		OrganizationID: org,
		Type:           core.DestinationWebhook,
		Label:          "primary hook",
		Config: core.DestinationConfig{
			Webhook: &core.WebhookConfig{
				URL:     "https://receiver.example.com/hook",
				Method:  "POST",
				Timeout: 5 * time.Second,
			},
		},
	}
}

type countingEvents struct {
	attempts    int
	retries     int
	transitions int
	alerts      int
}

func (c *countingEvents) OnAttempt(ctx context.Context, item *core.QueueItem, success bool, err error) {
	c.attempts++
}

func (c *countingEvents) OnRetryScheduled(ctx context.Context, item *core.QueueItem, attempt int, nextRetryAt string) {
	c.retries++
}

func (c *countingEvents) OnBreakerTransition(destinationID string, from, to core.BreakerState, reason string) {
	c.transitions++
}

func (c *countingEvents) OnAlert(ctx context.Context, alert *core.Alert) {
	c.alerts++
}
