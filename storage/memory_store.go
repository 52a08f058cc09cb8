// Package storage provides the durable repositories of the delivery
// orchestrator. The Redis implementations back production deployments; the
// in-memory implementations back tests and single-process development runs.
package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/smedrec/courier/core"
)

// MemoryStore bundles in-memory implementations of every repository
// interface. All repositories share one mutex: contention is irrelevant at
// test scale and a single lock keeps cross-table operations consistent.
type MemoryStore struct {
	mu sync.RWMutex

	destinations map[string]*core.Destination       // id -> destination
	deliveries   map[string]*core.DeliveryLog       // deliveryID -> log
	queue        map[string]*core.QueueItem         // id -> item
	health       map[string]*core.DestinationHealth // destinationID -> health
	alerts       map[string]*core.Alert             // id -> alert
	alertConfigs map[string]*core.AlertConfig       // organizationID -> config
	windows      map[string]*core.MaintenanceWindow // id -> window
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		destinations: make(map[string]*core.Destination),
		deliveries:   make(map[string]*core.DeliveryLog),
		queue:        make(map[string]*core.QueueItem),
		health:       make(map[string]*core.DestinationHealth),
		alerts:       make(map[string]*core.Alert),
		alertConfigs: make(map[string]*core.AlertConfig),
		windows:      make(map[string]*core.MaintenanceWindow),
	}
}

// Destinations returns the destination repository view of the store.
func (m *MemoryStore) Destinations() core.DestinationRepository { return (*memoryDestinations)(m) }

// DeliveryLogs returns the delivery log repository view of the store.
func (m *MemoryStore) DeliveryLogs() core.DeliveryLogRepository { return (*memoryDeliveryLogs)(m) }

// Queue returns the queue repository view of the store.
func (m *MemoryStore) Queue() core.QueueRepository { return (*memoryQueue)(m) }

// Health returns the destination health repository view of the store.
func (m *MemoryStore) Health() core.DestinationHealthRepository { return (*memoryHealth)(m) }

// Alerts returns the alert repository view of the store.
func (m *MemoryStore) Alerts() core.AlertRepository { return (*memoryAlerts)(m) }

// AlertConfigs returns the alert config repository view of the store.
func (m *MemoryStore) AlertConfigs() core.AlertConfigRepository { return (*memoryAlertConfigs)(m) }

// MaintenanceWindows returns the maintenance window repository view.
func (m *MemoryStore) MaintenanceWindows() core.MaintenanceWindowRepository {
	return (*memoryWindows)(m)
}

func copyDestination(d *core.Destination) *core.Destination {
	c := *d
	return &c
}

func copyDeliveryLog(l *core.DeliveryLog) *core.DeliveryLog {
	c := *l
	c.Destinations = append([]core.DestinationDelivery(nil), l.Destinations...)
	return &c
}

func copyQueueItem(q *core.QueueItem) *core.QueueItem {
	c := *q
	c.Metadata.RetryAttempts = append([]core.RetryAttempt(nil), q.Metadata.RetryAttempts...)
	return &c
}

func copyHealth(h *core.DestinationHealth) *core.DestinationHealth {
	c := *h
	return &c
}

func copyAlert(a *core.Alert) *core.Alert {
	c := *a
	if a.Metadata != nil {
		c.Metadata = make(map[string]interface{}, len(a.Metadata))
		for k, v := range a.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// ---- destinations ----

type memoryDestinations MemoryStore

func (m *memoryDestinations) Create(ctx context.Context, dest *core.Destination) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.destinations[dest.ID]; ok {
		return core.ErrAlreadyExists
	}
	m.destinations[dest.ID] = copyDestination(dest)
	return nil
}

func (m *memoryDestinations) Get(ctx context.Context, organizationID, id string) (*core.Destination, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.destinations[id]
	if !ok || d.OrganizationID != organizationID {
		return nil, core.ErrDestinationNotFound
	}
	return copyDestination(d), nil
}

func (m *memoryDestinations) Update(ctx context.Context, dest *core.Destination) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.destinations[dest.ID]
	if !ok || existing.OrganizationID != dest.OrganizationID {
		return core.ErrDestinationNotFound
	}
	m.destinations[dest.ID] = copyDestination(dest)
	return nil
}

func (m *memoryDestinations) Delete(ctx context.Context, organizationID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.destinations[id]
	if !ok || d.OrganizationID != organizationID {
		return core.ErrDestinationNotFound
	}
	delete(m.destinations, id)
	return nil
}

func (m *memoryDestinations) List(ctx context.Context, filter core.DestinationFilter) ([]*core.Destination, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*core.Destination
	for _, d := range m.destinations {
		if d.OrganizationID != filter.OrganizationID {
			continue
		}
		if filter.Type != "" && d.Type != filter.Type {
			continue
		}
		if filter.Disabled != nil && d.Disabled != *filter.Disabled {
			continue
		}
		if filter.DefaultOnly && !d.IsDefault {
			continue
		}
		out = append(out, copyDestination(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return page(out, filter.Offset, filter.Limit), nil
}

func (m *memoryDestinations) IncrementUsage(ctx context.Context, organizationID, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.destinations[id]
	if !ok || d.OrganizationID != organizationID {
		return core.ErrDestinationNotFound
	}
	d.CountUsage++
	t := at
	d.LastUsedAt = &t
	return nil
}

func page[T any](in []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(in) {
			return nil
		}
		in = in[offset:]
	}
	if limit > 0 && limit < len(in) {
		in = in[:limit]
	}
	return in
}

// ---- delivery logs ----

type memoryDeliveryLogs MemoryStore

func (m *memoryDeliveryLogs) Create(ctx context.Context, log *core.DeliveryLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.deliveries[log.DeliveryID]; ok {
		return core.ErrAlreadyExists
	}
	m.deliveries[log.DeliveryID] = copyDeliveryLog(log)
	return nil
}

func (m *memoryDeliveryLogs) Get(ctx context.Context, organizationID, deliveryID string) (*core.DeliveryLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.deliveries[deliveryID]
	if !ok || l.OrganizationID != organizationID {
		return nil, core.ErrDeliveryNotFound
	}
	return copyDeliveryLog(l), nil
}

func (m *memoryDeliveryLogs) GetAny(ctx context.Context, deliveryID string) (*core.DeliveryLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.deliveries[deliveryID]
	if !ok {
		return nil, core.ErrDeliveryNotFound
	}
	return copyDeliveryLog(l), nil
}

func (m *memoryDeliveryLogs) Update(ctx context.Context, log *core.DeliveryLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.deliveries[log.DeliveryID]; !ok {
		return core.ErrDeliveryNotFound
	}
	log.UpdatedAt = time.Now()
	m.deliveries[log.DeliveryID] = copyDeliveryLog(log)
	return nil
}

func (m *memoryDeliveryLogs) ApplyDestinationResult(ctx context.Context, deliveryID, destinationID string, result core.DestinationResult) (*core.DeliveryLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.deliveries[deliveryID]
	if !ok {
		return nil, core.ErrDeliveryNotFound
	}
	applyResult(l, destinationID, result)
	return copyDeliveryLog(l), nil
}

// applyResult mutates one substate and recomputes the aggregate status.
// Shared by the memory and Redis implementations.
func applyResult(l *core.DeliveryLog, destinationID string, result core.DestinationResult) {
	for i := range l.Destinations {
		if l.Destinations[i].DestinationID != destinationID {
			continue
		}
		d := &l.Destinations[i]
		d.Status = result.Status
		if result.CountAttempt {
			d.Attempts++
		}
		if result.Error != "" {
			d.LastError = result.Error
		}
		if result.CrossSystemReference != "" {
			d.CrossSystemReference = result.CrossSystemReference
		}
		if result.Status == core.SubDelivered {
			t := result.AttemptedAt
			d.DeliveredAt = &t
		}
		break
	}
	l.Status = core.AggregateStatus(l.Destinations)
	l.UpdatedAt = result.AttemptedAt
	if l.Status.IsTerminal() && l.CompletedAt == nil {
		t := result.AttemptedAt
		l.CompletedAt = &t
	}
}

func (m *memoryDeliveryLogs) List(ctx context.Context, filter core.DeliveryLogFilter) ([]*core.DeliveryLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*core.DeliveryLog
	for _, l := range m.deliveries {
		if l.OrganizationID != filter.OrganizationID {
			continue
		}
		if filter.Status != "" && l.Status != filter.Status {
			continue
		}
		if !filter.From.IsZero() && l.CreatedAt.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && l.CreatedAt.After(filter.To) {
			continue
		}
		out = append(out, copyDeliveryLog(l))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return page(out, filter.Offset, filter.Limit), nil
}

// ---- queue ----

type memoryQueue MemoryStore

func (m *memoryQueue) Enqueue(ctx context.Context, item *core.QueueItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.queue[item.ID]; ok {
		return core.ErrAlreadyExists
	}
	m.queue[item.ID] = copyQueueItem(item)
	return nil
}

func (m *memoryQueue) Get(ctx context.Context, id string) (*core.QueueItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q, ok := m.queue[id]
	if !ok {
		return nil, core.ErrQueueItemNotFound
	}
	return copyQueueItem(q), nil
}

func (m *memoryQueue) GetByDelivery(ctx context.Context, deliveryID string) ([]*core.QueueItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*core.QueueItem
	for _, q := range m.queue {
		if q.DeliveryID == deliveryID {
			out = append(out, copyQueueItem(q))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memoryQueue) DequeueBatch(ctx context.Context, limit int, now time.Time) ([]*core.QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ready []*core.QueueItem
	for _, q := range m.queue {
		if q.Status == core.QueueItemPending && !q.ReadyAt().After(now) {
			ready = append(ready, q)
		}
	}
	// priority DESC, createdAt ASC; ties within a priority are FIFO.
	sort.Slice(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority > ready[j].Priority
		}
		return ready[i].CreatedAt.Before(ready[j].CreatedAt)
	})

	if limit > 0 && len(ready) > limit {
		ready = ready[:limit]
	}

	out := make([]*core.QueueItem, 0, len(ready))
	for _, q := range ready {
		q.Status = core.QueueItemProcessing
		q.UpdatedAt = now
		out = append(out, copyQueueItem(q))
	}
	return out, nil
}

func (m *memoryQueue) Transition(ctx context.Context, item *core.QueueItem, from core.QueueItemStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.queue[item.ID]
	if !ok {
		return core.ErrQueueItemNotFound
	}
	if stored.Status != from {
		return core.ErrInvalidTransition
	}
	item.UpdatedAt = time.Now()
	m.queue[item.ID] = copyQueueItem(item)
	return nil
}

func (m *memoryQueue) ListByStatus(ctx context.Context, status core.QueueItemStatus, limit int) ([]*core.QueueItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*core.QueueItem
	for _, q := range m.queue {
		if q.Status == status {
			out = append(out, copyQueueItem(q))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memoryQueue) CancelByDelivery(ctx context.Context, deliveryID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	now := time.Now()
	for _, q := range m.queue {
		if q.DeliveryID == deliveryID && !q.Status.IsTerminal() {
			q.Status = core.QueueItemCancelled
			q.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (m *memoryQueue) ResetStuck(ctx context.Context, deadline time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	now := time.Now()
	for _, q := range m.queue {
		if q.Status == core.QueueItemProcessing && q.UpdatedAt.Before(deadline) {
			q.Status = core.QueueItemPending
			q.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (m *memoryQueue) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, q := range m.queue {
		if q.Status.IsTerminal() && q.UpdatedAt.Before(cutoff) {
			delete(m.queue, id)
			n++
		}
	}
	return n, nil
}

func (m *memoryQueue) Stats(ctx context.Context, organizationID string) (*core.QueueStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := &core.QueueStats{}
	now := time.Now()
	window := now.Add(-time.Minute)
	var waitTotal time.Duration
	var completed, failed int

	for _, q := range m.queue {
		if organizationID != "" && q.OrganizationID != organizationID {
			continue
		}
		switch q.Status {
		case core.QueueItemPending:
			stats.QueueDepth++
			waitTotal += now.Sub(q.CreatedAt)
		case core.QueueItemProcessing:
			stats.ProcessingCount++
		case core.QueueItemCompleted:
			completed++
			if q.UpdatedAt.After(window) {
				stats.RecentThroughput++
			}
		case core.QueueItemFailed:
			failed++
		}
	}
	if stats.QueueDepth > 0 {
		stats.AverageWaitTime = waitTotal / time.Duration(stats.QueueDepth)
	}
	if completed+failed > 0 {
		stats.FailureRate = float64(failed) / float64(completed+failed)
	}
	return stats, nil
}

// ---- destination health ----

type memoryHealth MemoryStore

func (m *memoryHealth) Get(ctx context.Context, destinationID string) (*core.DestinationHealth, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.health[destinationID]
	if !ok {
		return &core.DestinationHealth{
			DestinationID: destinationID,
			State:         core.BreakerClosed,
		}, nil
	}
	return copyHealth(h), nil
}

func (m *memoryHealth) Upsert(ctx context.Context, health *core.DestinationHealth) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.health[health.DestinationID] = copyHealth(health)
	return nil
}

func (m *memoryHealth) List(ctx context.Context) ([]*core.DestinationHealth, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*core.DestinationHealth, 0, len(m.health))
	for _, h := range m.health {
		out = append(out, copyHealth(h))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DestinationID < out[j].DestinationID })
	return out, nil
}

// ---- alerts ----

type memoryAlerts MemoryStore

func (m *memoryAlerts) Create(ctx context.Context, alert *core.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.alerts[alert.ID]; ok {
		return core.ErrAlreadyExists
	}
	m.alerts[alert.ID] = copyAlert(alert)
	return nil
}

func (m *memoryAlerts) Get(ctx context.Context, organizationID, id string) (*core.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.alerts[id]
	if !ok || a.OrganizationID != organizationID {
		return nil, core.ErrAlertNotFound
	}
	return copyAlert(a), nil
}

func (m *memoryAlerts) Update(ctx context.Context, alert *core.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.alerts[alert.ID]
	if !ok || existing.OrganizationID != alert.OrganizationID {
		return core.ErrAlertNotFound
	}
	m.alerts[alert.ID] = copyAlert(alert)
	return nil
}

func (m *memoryAlerts) List(ctx context.Context, filter core.AlertFilter) ([]*core.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*core.Alert
	for _, a := range m.alerts {
		if a.OrganizationID != filter.OrganizationID {
			continue
		}
		if filter.Status != "" && a.Status != filter.Status {
			continue
		}
		if filter.Severity != "" && a.Severity != filter.Severity {
			continue
		}
		if filter.Type != "" && a.Type != filter.Type {
			continue
		}
		if filter.DestinationID != "" && a.DestinationID != filter.DestinationID {
			continue
		}
		out = append(out, copyAlert(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return page(out, filter.Offset, filter.Limit), nil
}

// ---- alert configs ----

type memoryAlertConfigs MemoryStore

func (m *memoryAlertConfigs) Get(ctx context.Context, organizationID string) (*core.AlertConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.alertConfigs[organizationID]
	if !ok {
		return nil, nil
	}
	c := *cfg
	return &c, nil
}

func (m *memoryAlertConfigs) Upsert(ctx context.Context, cfg *core.AlertConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *cfg
	m.alertConfigs[cfg.OrganizationID] = &c
	return nil
}

// ---- maintenance windows ----

type memoryWindows MemoryStore

func (m *memoryWindows) Create(ctx context.Context, window *core.MaintenanceWindow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.windows[window.ID]; ok {
		return core.ErrAlreadyExists
	}
	w := *window
	w.SuppressAlertTypes = append([]core.AlertType(nil), window.SuppressAlertTypes...)
	m.windows[window.ID] = &w
	return nil
}

func (m *memoryWindows) ListActive(ctx context.Context, organizationID string, at time.Time) ([]*core.MaintenanceWindow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*core.MaintenanceWindow
	for _, w := range m.windows {
		if w.OrganizationID != organizationID {
			continue
		}
		if at.Before(w.StartTime) || at.After(w.EndTime) {
			continue
		}
		c := *w
		out = append(out, &c)
	}
	return out, nil
}

func (m *memoryWindows) List(ctx context.Context, organizationID string) ([]*core.MaintenanceWindow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*core.MaintenanceWindow
	for _, w := range m.windows {
		if w.OrganizationID == organizationID {
			c := *w
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

func (m *memoryWindows) Delete(ctx context.Context, organizationID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.windows[id]
	if !ok || w.OrganizationID != organizationID {
		return core.ErrAlertNotFound
	}
	delete(m.windows, id)
	return nil
}

func (m *memoryWindows) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, w := range m.windows {
		if w.EndTime.Before(cutoff) {
			delete(m.windows, id)
			n++
		}
	}
	return n, nil
}
