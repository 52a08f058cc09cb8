package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smedrec/courier/core"
)

func webhookDest(url string) *core.Destination {
	return &core.Destination{
		ID:             "dest-1",
		OrganizationID: "org-a",
		Type:           core.DestinationWebhook,
		Config: core.DestinationConfig{
			Webhook: &core.WebhookConfig{
				URL:     url,
				Method:  http.MethodPost,
				Timeout: 5 * time.Second,
				Headers: map[string]string{"Authorization": "Bearer token-1"},
			},
		},
	}
}

func payload() *core.DeliveryPayload {
	return &core.DeliveryPayload{
		Type:     "report",
		Data:     []byte(`{"report_id":"r-1"}`),
		Metadata: map[string]interface{}{"idempotency_key": "idem-1"},
	}
}

func TestWebhookSendSuccess(t *testing.T) {
	var got *http.Request
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		body, _ = io.ReadAll(r.Body)
		w.Header().Set("X-Request-Id", "req-123")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := NewWebhookAdapter(&WebhookAdapterConfig{Transport: http.DefaultTransport})
	result, err := a.Send(context.Background(), webhookDest(srv.URL), payload())
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "req-123", result.CrossSystemReference)
	assert.Positive(t, result.Latency)

	require.NotNil(t, got)
	assert.Equal(t, http.MethodPost, got.Method)
	assert.Equal(t, "application/json", got.Header.Get("Content-Type"))
	assert.Equal(t, "Bearer token-1", got.Header.Get("Authorization"))
	assert.Equal(t, "idem-1", got.Header.Get("X-Idempotency-Key"))
	assert.Equal(t, "report", got.Header.Get("X-Courier-Payload-Type"))
	assert.JSONEq(t, `{"report_id":"r-1"}`, string(body))
}

func TestWebhookSendClassifiesStatus(t *testing.T) {
	cases := []struct {
		status int
		class  core.ErrorClass
	}{
		{http.StatusUnauthorized, core.ClassAuthentication},
		{http.StatusForbidden, core.ClassPermission},
		{http.StatusUnprocessableEntity, core.ClassNonRetryable},
		{http.StatusTooManyRequests, core.ClassRateLimited},
		{http.StatusServiceUnavailable, core.ClassRetryable},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		}))

		a := NewWebhookAdapter(&WebhookAdapterConfig{Transport: http.DefaultTransport})
		_, err := a.Send(context.Background(), webhookDest(srv.URL), payload())
		srv.Close()

		var ae *core.AdapterError
		require.ErrorAs(t, err, &ae, "status %d", tc.status)
		assert.Equal(t, tc.class, ae.Class, "status %d", tc.status)
		assert.Equal(t, tc.status, ae.StatusCode)
	}
}

func TestWebhookSendRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "45")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	a := NewWebhookAdapter(&WebhookAdapterConfig{Transport: http.DefaultTransport})
	_, err := a.Send(context.Background(), webhookDest(srv.URL), payload())

	var ae *core.AdapterError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, 45*time.Second, ae.RetryAfter)
	assert.Equal(t, 45*time.Second, core.RetryAfterOf(err))
}

func TestWebhookSendConnectionFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // nothing listens anymore

	a := NewWebhookAdapter(&WebhookAdapterConfig{Transport: http.DefaultTransport})
	_, err := a.Send(context.Background(), webhookDest(srv.URL), payload())

	var ae *core.AdapterError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, core.ClassRetryable, ae.Class)
}

func TestWebhookSendTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer func() {
		close(release)
		srv.Close()
	}()

	dest := webhookDest(srv.URL)
	dest.Config.Webhook.Timeout = 50 * time.Millisecond

	a := NewWebhookAdapter(&WebhookAdapterConfig{Transport: http.DefaultTransport})
	_, err := a.Send(context.Background(), dest, payload())

	var ae *core.AdapterError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, core.ClassRetryable, ae.Class)
}

func TestWebhookSendMissingConfig(t *testing.T) {
	a := NewWebhookAdapter(nil)
	dest := &core.Destination{ID: "dest-1", Type: core.DestinationWebhook}

	_, err := a.Send(context.Background(), dest, payload())

	var ae *core.AdapterError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, core.ClassValidation, ae.Class)
	assert.False(t, core.IsRetryableClass(ae.Class))
}

func TestWebhookMethodOverride(t *testing.T) {
	var method string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
	}))
	defer srv.Close()

	dest := webhookDest(srv.URL)
	dest.Config.Webhook.Method = http.MethodPut

	a := NewWebhookAdapter(&WebhookAdapterConfig{Transport: http.DefaultTransport})
	_, err := a.Send(context.Background(), dest, payload())
	require.NoError(t, err)
	assert.Equal(t, http.MethodPut, method)
}

func TestWebhookProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			// Receivers commonly reject probe bodies while accepting real
			// deliveries; 405 still proves reachability.
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := NewWebhookAdapter(&WebhookAdapterConfig{Transport: http.DefaultTransport})
	result, err := a.Probe(context.Background(), webhookDest(srv.URL))
	require.NoError(t, err)
	assert.True(t, result.Success)
}

func TestWebhookProbeServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	a := NewWebhookAdapter(&WebhookAdapterConfig{Transport: http.DefaultTransport})
	result, err := a.Probe(context.Background(), webhookDest(srv.URL))
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.NotEmpty(t, result.Error)
}

func TestWebhookProbeUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	a := NewWebhookAdapter(&WebhookAdapterConfig{Transport: http.DefaultTransport})
	result, err := a.Probe(context.Background(), webhookDest(srv.URL))
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.NotEmpty(t, result.Error)
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Now()

	assert.Zero(t, parseRetryAfter("", now))
	assert.Equal(t, 30*time.Second, parseRetryAfter("30", now))
	assert.Zero(t, parseRetryAfter("-5", now))
	assert.Zero(t, parseRetryAfter("soon", now))

	at := now.Add(90 * time.Second).UTC()
	d := parseRetryAfter(at.Format(http.TimeFormat), now)
	assert.InDelta(t, float64(90*time.Second), float64(d), float64(time.Second))

	past := now.Add(-time.Minute).UTC()
	assert.Zero(t, parseRetryAfter(past.Format(http.TimeFormat), now))
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	adapter := NewWebhookAdapter(nil)
	reg.Register(core.DestinationWebhook, adapter)

	got, err := reg.AdapterFor(core.DestinationWebhook)
	require.NoError(t, err)
	assert.Same(t, core.TransportAdapter(adapter), got)

	_, err = reg.AdapterFor(core.DestinationEmail)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrInvalidConfiguration))

	assert.ElementsMatch(t, []core.DestinationType{core.DestinationWebhook}, reg.Types())
}
