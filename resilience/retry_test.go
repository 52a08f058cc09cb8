package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/smedrec/courier/core"
)

func noJitterConfig() *RetryConfig {
	cfg := DefaultRetryConfig()
	cfg.JitterFactor = 0
	return cfg
}

func TestShouldRetryRespectsCeiling(t *testing.T) {
	rm := NewRetryManager(nil)
	item := &core.QueueItem{MaxRetries: 3}

	retryable := &core.AdapterError{Class: core.ClassRetryable, Message: "503"}
	for count := 0; count < 3; count++ {
		item.RetryCount = count
		if !rm.ShouldRetry(item, retryable) {
			t.Errorf("retry %d of 3 should be allowed", count)
		}
	}
	item.RetryCount = 3
	if rm.ShouldRetry(item, retryable) {
		t.Error("retry past the ceiling should be denied")
	}
}

func TestShouldRetryDeniesNonRetryableErrors(t *testing.T) {
	rm := NewRetryManager(nil)
	item := &core.QueueItem{MaxRetries: 3}

	cases := map[string]error{
		"validation":     &core.AdapterError{Class: core.ClassValidation},
		"authentication": &core.AdapterError{Class: core.ClassAuthentication},
		"permission":     &core.AdapterError{Class: core.ClassPermission},
		"not_found":      &core.AdapterError{Class: core.ClassNotFound},
		"non_retryable":  &core.AdapterError{Class: core.ClassNonRetryable},
	}
	for name, err := range cases {
		if rm.ShouldRetry(item, err) {
			t.Errorf("%s errors should not be retried", name)
		}
	}

	if !rm.ShouldRetry(item, &core.AdapterError{Class: core.ClassRateLimited}) {
		t.Error("rate limited errors should be retried")
	}
	if !rm.ShouldRetry(item, errors.New("opaque network failure")) {
		t.Error("unclassified errors should be retried")
	}
}

func TestShouldRetryDeniesMarkedItems(t *testing.T) {
	rm := NewRetryManager(nil)
	item := &core.QueueItem{MaxRetries: 3}
	rm.MarkAsNonRetryable(item, "payload rejected")

	if rm.ShouldRetry(item, &core.AdapterError{Class: core.ClassRetryable}) {
		t.Error("marked item must never be retried")
	}
	if item.Metadata.NonRetryableReason != "payload rejected" {
		t.Errorf("reason = %q", item.Metadata.NonRetryableReason)
	}
}

func TestCalculateBackoffGrowsExponentially(t *testing.T) {
	rm := NewRetryManager(noJitterConfig())

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}
	for attempt, expected := range want {
		if got := rm.CalculateBackoff(attempt, nil); got != expected {
			t.Errorf("backoff(%d) = %v, want %v", attempt, got, expected)
		}
	}
}

func TestCalculateBackoffCapsAtMaxDelay(t *testing.T) {
	rm := NewRetryManager(noJitterConfig())
	if got := rm.CalculateBackoff(10, nil); got != 30*time.Second {
		t.Errorf("backoff(10) = %v, want the 30s cap", got)
	}
}

func TestCalculateBackoffJitterStaysBounded(t *testing.T) {
	rm := NewRetryManager(nil) // default 0.2 jitter
	for i := 0; i < 100; i++ {
		got := rm.CalculateBackoff(1, nil) // nominal 2s
		if got < 2*time.Second || got > 2400*time.Millisecond {
			t.Fatalf("jittered backoff %v outside [2s, 2.4s]", got)
		}
	}
}

func TestCalculateBackoffHonorsRetryAfterHint(t *testing.T) {
	rm := NewRetryManager(noJitterConfig())

	hinted := &core.AdapterError{Class: core.ClassRateLimited, RetryAfter: 45 * time.Second}
	if got := rm.CalculateBackoff(0, hinted); got != 45*time.Second {
		t.Errorf("backoff = %v, want the 45s Retry-After hint", got)
	}

	// A hint smaller than the computed backoff does not shorten it.
	small := &core.AdapterError{Class: core.ClassRateLimited, RetryAfter: time.Millisecond}
	if got := rm.CalculateBackoff(2, small); got != 4*time.Second {
		t.Errorf("backoff = %v, want the computed 4s", got)
	}
}

func TestScheduleRetryStampsItem(t *testing.T) {
	rm := NewRetryManager(noJitterConfig())
	item := &core.QueueItem{ID: "q-1", MaxRetries: 3, Status: core.QueueItemProcessing}

	before := time.Now()
	next := rm.ScheduleRetry(context.Background(), item, nil)

	if item.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", item.RetryCount)
	}
	if item.Status != core.QueueItemPending {
		t.Errorf("Status = %s, want pending", item.Status)
	}
	if item.NextRetryAt == nil || !item.NextRetryAt.Equal(next) {
		t.Error("NextRetryAt not stamped with the returned time")
	}
	if next.Before(before.Add(time.Second)) {
		t.Errorf("next retry %v sooner than the base delay", next.Sub(before))
	}
}

func TestRecordAttemptAppendsHistory(t *testing.T) {
	rm := NewRetryManager(nil)
	item := &core.QueueItem{ID: "q-1"}
	ctx := context.Background()

	rm.RecordAttempt(ctx, item, false, errors.New("connection reset"))
	item.RetryCount = 1
	rm.RecordAttempt(ctx, item, true, nil)

	if len(item.Metadata.RetryAttempts) != 2 {
		t.Fatalf("history length = %d, want 2", len(item.Metadata.RetryAttempts))
	}
	first, second := item.Metadata.RetryAttempts[0], item.Metadata.RetryAttempts[1]
	if first.AttemptNumber != 1 || first.Success || first.Error != "connection reset" {
		t.Errorf("first attempt = %+v", first)
	}
	if second.AttemptNumber != 2 || !second.Success {
		t.Errorf("second attempt = %+v", second)
	}
	if item.Metadata.LastFailureReason != "connection reset" {
		t.Errorf("LastFailureReason = %q", item.Metadata.LastFailureReason)
	}
}

func TestResetRetryCount(t *testing.T) {
	rm := NewRetryManager(nil)
	next := time.Now()
	item := &core.QueueItem{RetryCount: 2, NextRetryAt: &next, MaxRetries: 3}

	rm.ResetRetryCount(item)
	if item.RetryCount != 0 || item.NextRetryAt != nil {
		t.Errorf("reset left counter state behind: %+v", item)
	}
}

func TestResetRetryCountKeepsNonRetryableMark(t *testing.T) {
	rm := NewRetryManager(nil)
	item := &core.QueueItem{RetryCount: 3, MaxRetries: 3}
	rm.MarkAsNonRetryable(item, "authentication failed")

	rm.ResetRetryCount(item)
	if !item.Metadata.NonRetryable {
		t.Fatal("reset must not clear the non-retryable classification")
	}
	if item.Metadata.NonRetryableReason != "authentication failed" {
		t.Errorf("reason = %q", item.Metadata.NonRetryableReason)
	}
	if rm.ShouldRetry(item, nil) {
		t.Error("a non-retryable item stays denied after a counter reset")
	}
}

func TestGetRetrySchedule(t *testing.T) {
	rm := NewRetryManager(noJitterConfig())
	item := &core.QueueItem{MaxRetries: 3, RetryCount: 1}

	schedule := rm.GetRetrySchedule(item)
	want := []time.Duration{2 * time.Second, 4 * time.Second}
	if len(schedule) != len(want) {
		t.Fatalf("schedule = %v, want %v", schedule, want)
	}
	for i := range want {
		if schedule[i] != want[i] {
			t.Errorf("schedule[%d] = %v, want %v", i, schedule[i], want[i])
		}
	}
}

func TestRetryStatisticsDisjointBuckets(t *testing.T) {
	rm := NewRetryManager(nil)

	nonRetryable := &core.QueueItem{Status: core.QueueItemFailed, RetryCount: 3}
	rm.MarkAsNonRetryable(nonRetryable, "validation")

	items := []*core.QueueItem{
		{Status: core.QueueItemPending, RetryCount: 1},   // active retry
		{Status: core.QueueItemCompleted, RetryCount: 2}, // succeeded on retry
		{Status: core.QueueItemFailed, RetryCount: 3},    // exhausted
		nonRetryable,                      // non-retryable only, never exhausted
		{Status: core.QueueItemCompleted}, // first-try success
	}

	stats := rm.GetRetryStatistics(items)
	if stats.TotalItems != 5 {
		t.Errorf("TotalItems = %d", stats.TotalItems)
	}
	if stats.ActiveRetries != 1 {
		t.Errorf("ActiveRetries = %d, want 1", stats.ActiveRetries)
	}
	if stats.SucceededOnRetry != 1 {
		t.Errorf("SucceededOnRetry = %d, want 1", stats.SucceededOnRetry)
	}
	if stats.ExhaustedRetries != 1 {
		t.Errorf("ExhaustedRetries = %d, want 1 (non-retryable is disjoint)", stats.ExhaustedRetries)
	}
	if stats.NonRetryableItems != 1 {
		t.Errorf("NonRetryableItems = %d, want 1", stats.NonRetryableItems)
	}
}
