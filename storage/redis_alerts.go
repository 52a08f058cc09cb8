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

// redisAlerts implements core.AlertRepository. Alerts are JSON values with a
// per-organization sorted set (scored by creation time) serving listings.
// Update runs under WATCH so concurrent acknowledge/resolve calls are
// serialized per alert.
type redisAlerts struct {
	store *RedisStore
}

func (r *redisAlerts) Create(ctx context.Context, alert *core.Alert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to serialize alert: %w", err)
	}

	set, err := r.store.client.SetNX(ctx, r.store.alertKey(alert.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to create alert: %w", err)
	}
	if !set {
		return core.ErrAlreadyExists
	}

	err = r.store.client.ZAdd(ctx, r.store.alertOrgKey(alert.OrganizationID), &redis.Z{
		Score:  scoreMillis(alert.CreatedAt),
		Member: alert.ID,
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to index alert: %w", err)
	}

	r.store.logger.Info("Alert created", map[string]interface{}{
		"operation":       "alert_create",
		"alert_id":        alert.ID,
		"organization_id": alert.OrganizationID,
		"type":            alert.Type,
		"severity":        alert.Severity,
	})
	return nil
}

func (r *redisAlerts) load(ctx context.Context, id string) (*core.Alert, error) {
	data, err := r.store.client.Get(ctx, r.store.alertKey(id)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, core.ErrAlertNotFound
		}
		return nil, fmt.Errorf("failed to get alert: %w", err)
	}
	var alert core.Alert
	if err := json.Unmarshal([]byte(data), &alert); err != nil {
		return nil, fmt.Errorf("failed to deserialize alert: %w", err)
	}
	return &alert, nil
}

func (r *redisAlerts) Get(ctx context.Context, organizationID, id string) (*core.Alert, error) {
	alert, err := r.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if alert.OrganizationID != organizationID {
		return nil, core.ErrAlertNotFound
	}
	return alert, nil
}

func (r *redisAlerts) Update(ctx context.Context, alert *core.Alert) error {
	key := r.store.alertKey(alert.ID)
	return r.store.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Result()
		if err != nil {
			if err == redis.Nil {
				return core.ErrAlertNotFound
			}
			return err
		}
		var existing core.Alert
		if err := json.Unmarshal([]byte(data), &existing); err != nil {
			return fmt.Errorf("failed to deserialize alert: %w", err)
		}
		if existing.OrganizationID != alert.OrganizationID {
			return core.ErrAlertNotFound
		}
		payload, err := json.Marshal(alert)
		if err != nil {
			return fmt.Errorf("failed to serialize alert: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			return nil
		})
		return err
	}, key)
}

func (r *redisAlerts) List(ctx context.Context, filter core.AlertFilter) ([]*core.Alert, error) {
	// Newest first.
	ids, err := r.store.client.ZRevRange(ctx, r.store.alertOrgKey(filter.OrganizationID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}

	var out []*core.Alert
	for _, id := range ids {
		alert, err := r.load(ctx, id)
		if err != nil {
			continue
		}
		if filter.Status != "" && alert.Status != filter.Status {
			continue
		}
		if filter.Severity != "" && alert.Severity != filter.Severity {
			continue
		}
		if filter.Type != "" && alert.Type != filter.Type {
			continue
		}
		if filter.DestinationID != "" && alert.DestinationID != filter.DestinationID {
			continue
		}
		out = append(out, alert)
	}
	return page(out, filter.Offset, filter.Limit), nil
}

// redisAlertConfigs implements core.AlertConfigRepository.
type redisAlertConfigs struct {
	store *RedisStore
}

func (r *redisAlertConfigs) Get(ctx context.Context, organizationID string) (*core.AlertConfig, error) {
	data, err := r.store.client.Get(ctx, r.store.alertConfigKey(organizationID)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get alert config: %w", err)
	}
	var cfg core.AlertConfig
	if err := json.Unmarshal([]byte(data), &cfg); err != nil {
		return nil, fmt.Errorf("failed to deserialize alert config: %w", err)
	}
	return &cfg, nil
}

func (r *redisAlertConfigs) Upsert(ctx context.Context, cfg *core.AlertConfig) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to serialize alert config: %w", err)
	}
	if err := r.store.client.Set(ctx, r.store.alertConfigKey(cfg.OrganizationID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to upsert alert config: %w", err)
	}
	return nil
}

// redisWindows implements core.MaintenanceWindowRepository. Windows are JSON
// values; a per-organization set serves tenant listings and a global sorted
// set scored by end time serves expiry cleanup.
type redisWindows struct {
	store *RedisStore
}

func (r *redisWindows) Create(ctx context.Context, window *core.MaintenanceWindow) error {
	data, err := json.Marshal(window)
	if err != nil {
		return fmt.Errorf("failed to serialize maintenance window: %w", err)
	}
	_, err = r.store.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.store.windowKey(window.ID), data, 0)
		pipe.SAdd(ctx, r.store.windowOrgKey(window.OrganizationID), window.ID)
		pipe.ZAdd(ctx, r.store.windowAllKey(), &redis.Z{
			Score:  scoreMillis(window.EndTime),
			Member: window.ID,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to create maintenance window: %w", err)
	}

	r.store.logger.Info("Maintenance window created", map[string]interface{}{
		"operation":       "maintenance_window_create",
		"window_id":       window.ID,
		"organization_id": window.OrganizationID,
		"start_time":      window.StartTime,
		"end_time":        window.EndTime,
	})
	return nil
}

func (r *redisWindows) load(ctx context.Context, id string) (*core.MaintenanceWindow, error) {
	data, err := r.store.client.Get(ctx, r.store.windowKey(id)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, redis.Nil
		}
		return nil, fmt.Errorf("failed to get maintenance window: %w", err)
	}
	var window core.MaintenanceWindow
	if err := json.Unmarshal([]byte(data), &window); err != nil {
		return nil, fmt.Errorf("failed to deserialize maintenance window: %w", err)
	}
	return &window, nil
}

func (r *redisWindows) List(ctx context.Context, organizationID string) ([]*core.MaintenanceWindow, error) {
	ids, err := r.store.client.SMembers(ctx, r.store.windowOrgKey(organizationID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list maintenance windows: %w", err)
	}
	var out []*core.MaintenanceWindow
	for _, id := range ids {
		window, err := r.load(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, window)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

func (r *redisWindows) ListActive(ctx context.Context, organizationID string, at time.Time) ([]*core.MaintenanceWindow, error) {
	all, err := r.List(ctx, organizationID)
	if err != nil {
		return nil, err
	}
	var out []*core.MaintenanceWindow
	for _, window := range all {
		if !at.Before(window.StartTime) && !at.After(window.EndTime) {
			out = append(out, window)
		}
	}
	return out, nil
}

func (r *redisWindows) Delete(ctx context.Context, organizationID, id string) error {
	window, err := r.load(ctx, id)
	if err != nil {
		if err == redis.Nil {
			return nil
		}
		return err
	}
	if window.OrganizationID != organizationID {
		return nil
	}
	_, err = r.store.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.store.windowKey(id))
		pipe.SRem(ctx, r.store.windowOrgKey(organizationID), id)
		pipe.ZRem(ctx, r.store.windowAllKey(), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete maintenance window: %w", err)
	}
	return nil
}

func (r *redisWindows) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int, error) {
	ids, err := r.store.client.ZRangeByScore(ctx, r.store.windowAllKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read window index: %w", err)
	}

	deleted := 0
	for _, id := range ids {
		window, err := r.load(ctx, id)
		if err == nil {
			if err := r.Delete(ctx, window.OrganizationID, id); err != nil {
				return deleted, err
			}
			deleted++
			continue
		}
		// Dangling index entry.
		r.store.client.ZRem(ctx, r.store.windowAllKey(), id)
	}
	return deleted, nil
}
