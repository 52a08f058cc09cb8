package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/smedrec/courier/core"
)

// redisQueue implements core.QueueRepository. Items are JSON values; a
// "ready" sorted set scored by readiness time feeds dequeue, a "processing"
// sorted set scored by claim time feeds the watchdog, and a "terminal"
// sorted set scored by resolution time feeds cleanup. Every status flip is a
// WATCH/MULTI compare-and-swap on the item key, which is the dequeue fencing
// the scheduler relies on: only pending items can be claimed, and only the
// claiming worker's processing->terminal flip can resolve them.
type redisQueue struct {
	store *RedisStore
}

func (r *redisQueue) Enqueue(ctx context.Context, item *core.QueueItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to serialize queue item: %w", err)
	}

	set, err := r.store.client.SetNX(ctx, r.store.queueItemKey(item.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to enqueue item: %w", err)
	}
	if !set {
		return core.ErrAlreadyExists
	}

	_, err = r.store.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, r.store.queueReadyKey(), &redis.Z{
			Score:  scoreMillis(item.ReadyAt()),
			Member: item.ID,
		})
		pipe.SAdd(ctx, r.store.queueAllKey(), item.ID)
		pipe.SAdd(ctx, r.store.queueDeliveryKey(item.DeliveryID), item.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to index queue item: %w", err)
	}

	r.store.logger.Info("Queue item enqueued", map[string]interface{}{
		"operation":      "queue_enqueue",
		"item_id":        item.ID,
		"delivery_id":    item.DeliveryID,
		"destination_id": item.DestinationID,
		"priority":       item.Priority,
	})
	return nil
}

func (r *redisQueue) load(ctx context.Context, id string) (*core.QueueItem, error) {
	data, err := r.store.client.Get(ctx, r.store.queueItemKey(id)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, core.ErrQueueItemNotFound
		}
		return nil, fmt.Errorf("failed to get queue item: %w", err)
	}
	var item core.QueueItem
	if err := json.Unmarshal([]byte(data), &item); err != nil {
		return nil, fmt.Errorf("failed to deserialize queue item: %w", err)
	}
	return &item, nil
}

func (r *redisQueue) Get(ctx context.Context, id string) (*core.QueueItem, error) {
	return r.load(ctx, id)
}

func (r *redisQueue) GetByDelivery(ctx context.Context, deliveryID string) ([]*core.QueueItem, error) {
	ids, err := r.store.client.SMembers(ctx, r.store.queueDeliveryKey(deliveryID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list delivery items: %w", err)
	}
	var out []*core.QueueItem
	for _, id := range ids {
		item, err := r.load(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *redisQueue) DequeueBatch(ctx context.Context, limit int, now time.Time) ([]*core.QueueItem, error) {
	if limit <= 0 {
		return nil, nil
	}

	// Over-fetch candidates: some will lose the claim race or turn out to
	// be stale index entries. The ready index is scored by readiness time,
	// so when more than limit*4 items are ready at once the window can miss
	// a higher-priority item that became ready later. The priority sort
	// below runs over the fetched window only; a missed item is picked up
	// on the next tick, so the inversion lasts at most one tick.
	candidateIDs, err := r.store.client.ZRangeByScore(ctx, r.store.queueReadyKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit * 4),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read ready queue: %w", err)
	}

	var candidates []*core.QueueItem
	for _, id := range candidateIDs {
		item, err := r.load(ctx, id)
		if err != nil {
			// Stale index entry; drop it.
			r.store.client.ZRem(ctx, r.store.queueReadyKey(), id)
			continue
		}
		if item.Status != core.QueueItemPending || item.ReadyAt().After(now) {
			continue
		}
		candidates = append(candidates, item)
	}

	// priority DESC, createdAt ASC; ties within a priority are FIFO.
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})

	var claimed []*core.QueueItem
	for _, item := range candidates {
		if len(claimed) >= limit {
			break
		}
		if err := r.claim(ctx, item, now); err != nil {
			continue // another worker won the race
		}
		claimed = append(claimed, item)
	}
	return claimed, nil
}

// claim flips one item pending -> processing under WATCH.
func (r *redisQueue) claim(ctx context.Context, item *core.QueueItem, now time.Time) error {
	key := r.store.queueItemKey(item.ID)
	return r.store.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Result()
		if err != nil {
			if err == redis.Nil {
				return core.ErrQueueItemNotFound
			}
			return err
		}
		var stored core.QueueItem
		if err := json.Unmarshal([]byte(data), &stored); err != nil {
			return fmt.Errorf("failed to deserialize queue item: %w", err)
		}
		if stored.Status != core.QueueItemPending {
			return core.ErrInvalidTransition
		}

		stored.Status = core.QueueItemProcessing
		stored.UpdatedAt = now
		payload, err := json.Marshal(&stored)
		if err != nil {
			return fmt.Errorf("failed to serialize queue item: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			pipe.ZRem(ctx, r.store.queueReadyKey(), item.ID)
			pipe.ZAdd(ctx, r.store.queueProcessingKey(), &redis.Z{
				Score:  scoreMillis(now),
				Member: item.ID,
			})
			return nil
		})
		if err != nil {
			return err
		}
		*item = stored
		return nil
	}, key)
}

func (r *redisQueue) Transition(ctx context.Context, item *core.QueueItem, from core.QueueItemStatus) error {
	key := r.store.queueItemKey(item.ID)
	now := time.Now()

	err := r.store.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Result()
		if err != nil {
			if err == redis.Nil {
				return core.ErrQueueItemNotFound
			}
			return err
		}
		var stored core.QueueItem
		if err := json.Unmarshal([]byte(data), &stored); err != nil {
			return fmt.Errorf("failed to deserialize queue item: %w", err)
		}
		if stored.Status != from {
			return core.ErrInvalidTransition
		}

		item.UpdatedAt = now
		payload, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("failed to serialize queue item: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			pipe.ZRem(ctx, r.store.queueReadyKey(), item.ID)
			pipe.ZRem(ctx, r.store.queueProcessingKey(), item.ID)
			switch {
			case item.Status == core.QueueItemPending:
				pipe.ZAdd(ctx, r.store.queueReadyKey(), &redis.Z{
					Score:  scoreMillis(item.ReadyAt()),
					Member: item.ID,
				})
			case item.Status == core.QueueItemProcessing:
				pipe.ZAdd(ctx, r.store.queueProcessingKey(), &redis.Z{
					Score:  scoreMillis(now),
					Member: item.ID,
				})
			case item.Status.IsTerminal():
				pipe.ZAdd(ctx, r.store.queueTerminalKey(), &redis.Z{
					Score:  scoreMillis(now),
					Member: item.ID,
				})
			}
			return nil
		})
		return err
	}, key)
	if err != nil {
		return err
	}

	r.store.logger.Debug("Queue item transitioned", map[string]interface{}{
		"operation": "queue_transition",
		"item_id":   item.ID,
		"from":      from,
		"to":        item.Status,
	})
	return nil
}

func (r *redisQueue) ListByStatus(ctx context.Context, status core.QueueItemStatus, limit int) ([]*core.QueueItem, error) {
	var out []*core.QueueItem
	var cursor uint64
	for {
		ids, next, err := r.store.client.SScan(ctx, r.store.queueAllKey(), cursor, "", 200).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue: %w", err)
		}
		for _, id := range ids {
			item, err := r.load(ctx, id)
			if err != nil {
				continue
			}
			if item.Status == status {
				out = append(out, item)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *redisQueue) CancelByDelivery(ctx context.Context, deliveryID string) (int, error) {
	ids, err := r.store.client.SMembers(ctx, r.store.queueDeliveryKey(deliveryID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list delivery items: %w", err)
	}

	cancelled := 0
	for _, id := range ids {
		item, err := r.load(ctx, id)
		if err != nil || item.Status.IsTerminal() {
			continue
		}
		from := item.Status
		item.Status = core.QueueItemCancelled
		if err := r.Transition(ctx, item, from); err != nil {
			continue // raced with a worker; its resolution stands
		}
		cancelled++
	}
	return cancelled, nil
}

func (r *redisQueue) ResetStuck(ctx context.Context, deadline time.Time) (int, error) {
	ids, err := r.store.client.ZRangeByScore(ctx, r.store.queueProcessingKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(deadline.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read processing set: %w", err)
	}

	reset := 0
	for _, id := range ids {
		item, err := r.load(ctx, id)
		if err != nil {
			r.store.client.ZRem(ctx, r.store.queueProcessingKey(), id)
			continue
		}
		if item.Status != core.QueueItemProcessing || !item.UpdatedAt.Before(deadline) {
			continue
		}
		item.Status = core.QueueItemPending
		if err := r.Transition(ctx, item, core.QueueItemProcessing); err != nil {
			continue
		}
		reset++
	}

	if reset > 0 {
		r.store.logger.Warn("Stuck queue items reset to pending", map[string]interface{}{
			"operation": "queue_reset_stuck",
			"count":     reset,
		})
	}
	return reset, nil
}

func (r *redisQueue) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error) {
	ids, err := r.store.client.ZRangeByScore(ctx, r.store.queueTerminalKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read terminal set: %w", err)
	}

	deleted := 0
	for _, id := range ids {
		item, err := r.load(ctx, id)
		if err == nil {
			r.store.client.SRem(ctx, r.store.queueDeliveryKey(item.DeliveryID), id)
		}
		_, err = r.store.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, r.store.queueItemKey(id))
			pipe.ZRem(ctx, r.store.queueTerminalKey(), id)
			pipe.SRem(ctx, r.store.queueAllKey(), id)
			return nil
		})
		if err != nil {
			return deleted, fmt.Errorf("failed to delete queue item: %w", err)
		}
		deleted++
	}
	return deleted, nil
}

func (r *redisQueue) Stats(ctx context.Context, organizationID string) (*core.QueueStats, error) {
	stats := &core.QueueStats{}
	now := time.Now()
	window := now.Add(-time.Minute)
	var waitTotal time.Duration
	var completed, failed int

	var cursor uint64
	for {
		ids, next, err := r.store.client.SScan(ctx, r.store.queueAllKey(), cursor, "", 200).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue: %w", err)
		}
		for _, id := range ids {
			item, err := r.load(ctx, id)
			if err != nil {
				continue
			}
			if organizationID != "" && item.OrganizationID != organizationID {
				continue
			}
			switch item.Status {
			case core.QueueItemPending:
				stats.QueueDepth++
				waitTotal += now.Sub(item.CreatedAt)
			case core.QueueItemProcessing:
				stats.ProcessingCount++
			case core.QueueItemCompleted:
				completed++
				if item.UpdatedAt.After(window) {
					stats.RecentThroughput++
				}
			case core.QueueItemFailed:
				failed++
			}
		}
		cursor = next
		if cursor == 0 {
			break
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
