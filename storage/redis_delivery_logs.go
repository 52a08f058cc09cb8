package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/smedrec/courier/core"
)

// redisDeliveryLogs implements core.DeliveryLogRepository. Logs are JSON
// values expiring at DeliveryTTL; a per-organization sorted set (scored by
// creation time) serves the date-ranged listings.
type redisDeliveryLogs struct {
	store *RedisStore
}

func (r *redisDeliveryLogs) Create(ctx context.Context, log *core.DeliveryLog) error {
	data, err := json.Marshal(log)
	if err != nil {
		return fmt.Errorf("failed to serialize delivery log: %w", err)
	}

	set, err := r.store.client.SetNX(ctx, r.store.deliveryKey(log.DeliveryID), data, r.store.config.DeliveryTTL).Result()
	if err != nil {
		return fmt.Errorf("failed to create delivery log: %w", err)
	}
	if !set {
		return core.ErrAlreadyExists
	}

	err = r.store.client.ZAdd(ctx, r.store.deliveryOrgKey(log.OrganizationID), &redis.Z{
		Score:  scoreMillis(log.CreatedAt),
		Member: log.DeliveryID,
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to index delivery log: %w", err)
	}

	r.store.logger.Info("Delivery log created", map[string]interface{}{
		"operation":       "delivery_log_create",
		"delivery_id":     log.DeliveryID,
		"organization_id": log.OrganizationID,
		"destinations":    len(log.Destinations),
	})
	return nil
}

func (r *redisDeliveryLogs) GetAny(ctx context.Context, deliveryID string) (*core.DeliveryLog, error) {
	data, err := r.store.client.Get(ctx, r.store.deliveryKey(deliveryID)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, core.ErrDeliveryNotFound
		}
		return nil, fmt.Errorf("failed to get delivery log: %w", err)
	}
	var log core.DeliveryLog
	if err := json.Unmarshal([]byte(data), &log); err != nil {
		return nil, fmt.Errorf("failed to deserialize delivery log: %w", err)
	}
	return &log, nil
}

func (r *redisDeliveryLogs) Get(ctx context.Context, organizationID, deliveryID string) (*core.DeliveryLog, error) {
	log, err := r.GetAny(ctx, deliveryID)
	if err != nil {
		return nil, err
	}
	if log.OrganizationID != organizationID {
		return nil, core.ErrDeliveryNotFound
	}
	return log, nil
}

func (r *redisDeliveryLogs) Update(ctx context.Context, log *core.DeliveryLog) error {
	key := r.store.deliveryKey(log.DeliveryID)
	return r.store.client.Watch(ctx, func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if exists == 0 {
			return core.ErrDeliveryNotFound
		}
		log.UpdatedAt = time.Now()
		data, err := json.Marshal(log)
		if err != nil {
			return fmt.Errorf("failed to serialize delivery log: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, r.store.config.DeliveryTTL)
			return nil
		})
		return err
	}, key)
}

func (r *redisDeliveryLogs) ApplyDestinationResult(ctx context.Context, deliveryID, destinationID string, result core.DestinationResult) (*core.DeliveryLog, error) {
	key := r.store.deliveryKey(deliveryID)
	var updated *core.DeliveryLog

	err := r.store.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Result()
		if err != nil {
			if err == redis.Nil {
				return core.ErrDeliveryNotFound
			}
			return err
		}
		var log core.DeliveryLog
		if err := json.Unmarshal([]byte(data), &log); err != nil {
			return fmt.Errorf("failed to deserialize delivery log: %w", err)
		}

		applyResult(&log, destinationID, result)

		payload, err := json.Marshal(&log)
		if err != nil {
			return fmt.Errorf("failed to serialize delivery log: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, r.store.config.DeliveryTTL)
			return nil
		})
		if err != nil {
			return err
		}
		updated = &log
		return nil
	}, key)
	if err != nil {
		return nil, err
	}

	r.store.logger.Debug("Destination result applied", map[string]interface{}{
		"operation":      "delivery_log_apply_result",
		"delivery_id":    deliveryID,
		"destination_id": destinationID,
		"sub_status":     result.Status,
		"overall_status": updated.Status,
	})
	return updated, nil
}

func (r *redisDeliveryLogs) List(ctx context.Context, filter core.DeliveryLogFilter) ([]*core.DeliveryLog, error) {
	min, max := "-inf", "+inf"
	if !filter.From.IsZero() {
		min = fmt.Sprintf("%d", filter.From.UnixMilli())
	}
	if !filter.To.IsZero() {
		max = fmt.Sprintf("%d", filter.To.UnixMilli())
	}

	// Newest first; over-fetch when a status filter will drop entries.
	ids, err := r.store.client.ZRevRangeByScore(ctx, r.store.deliveryOrgKey(filter.OrganizationID), &redis.ZRangeBy{
		Min: min,
		Max: max,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list delivery logs: %w", err)
	}

	var out []*core.DeliveryLog
	for _, id := range ids {
		log, err := r.GetAny(ctx, id)
		if err != nil {
			continue // expired between index read and GET
		}
		if filter.Status != "" && log.Status != filter.Status {
			continue
		}
		out = append(out, log)
	}
	return page(out, filter.Offset, filter.Limit), nil
}
