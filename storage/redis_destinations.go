package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/smedrec/courier/core"
)

// redisDestinations implements core.DestinationRepository on Redis. Each
// destination is a JSON value; a per-organization set indexes the ids so
// listings never scan the keyspace.
type redisDestinations struct {
	store *RedisStore
}

func (r *redisDestinations) Create(ctx context.Context, dest *core.Destination) error {
	data, err := json.Marshal(dest)
	if err != nil {
		return fmt.Errorf("failed to serialize destination: %w", err)
	}

	set, err := r.store.client.SetNX(ctx, r.store.destKey(dest.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to create destination: %w", err)
	}
	if !set {
		return core.ErrAlreadyExists
	}

	if err := r.store.client.SAdd(ctx, r.store.destOrgKey(dest.OrganizationID), dest.ID).Err(); err != nil {
		return fmt.Errorf("failed to index destination: %w", err)
	}

	r.store.logger.Info("Destination created", map[string]interface{}{
		"operation":       "destination_create",
		"destination_id":  dest.ID,
		"organization_id": dest.OrganizationID,
		"type":            dest.Type,
	})
	return nil
}

// load fetches and decodes a destination without tenant scoping.
func (r *redisDestinations) load(ctx context.Context, id string) (*core.Destination, error) {
	data, err := r.store.client.Get(ctx, r.store.destKey(id)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, core.ErrDestinationNotFound
		}
		return nil, fmt.Errorf("failed to get destination: %w", err)
	}
	var dest core.Destination
	if err := json.Unmarshal([]byte(data), &dest); err != nil {
		return nil, fmt.Errorf("failed to deserialize destination: %w", err)
	}
	return &dest, nil
}

func (r *redisDestinations) Get(ctx context.Context, organizationID, id string) (*core.Destination, error) {
	dest, err := r.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if dest.OrganizationID != organizationID {
		// Cross-tenant reads look identical to missing rows.
		return nil, core.ErrDestinationNotFound
	}
	return dest, nil
}

func (r *redisDestinations) Update(ctx context.Context, dest *core.Destination) error {
	key := r.store.destKey(dest.ID)
	err := r.store.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Result()
		if err != nil {
			if err == redis.Nil {
				return core.ErrDestinationNotFound
			}
			return err
		}
		var existing core.Destination
		if err := json.Unmarshal([]byte(data), &existing); err != nil {
			return fmt.Errorf("failed to deserialize destination: %w", err)
		}
		if existing.OrganizationID != dest.OrganizationID {
			return core.ErrDestinationNotFound
		}
		payload, err := json.Marshal(dest)
		if err != nil {
			return fmt.Errorf("failed to serialize destination: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			return nil
		})
		return err
	}, key)
	if err != nil {
		return err
	}

	r.store.logger.Debug("Destination updated", map[string]interface{}{
		"operation":      "destination_update",
		"destination_id": dest.ID,
	})
	return nil
}

func (r *redisDestinations) Delete(ctx context.Context, organizationID, id string) error {
	dest, err := r.Get(ctx, organizationID, id)
	if err != nil {
		return err
	}
	if err := r.store.client.Del(ctx, r.store.destKey(id)).Err(); err != nil {
		return fmt.Errorf("failed to delete destination: %w", err)
	}
	if err := r.store.client.SRem(ctx, r.store.destOrgKey(dest.OrganizationID), id).Err(); err != nil {
		return fmt.Errorf("failed to unindex destination: %w", err)
	}

	r.store.logger.Info("Destination deleted", map[string]interface{}{
		"operation":       "destination_delete",
		"destination_id":  id,
		"organization_id": organizationID,
	})
	return nil
}

func (r *redisDestinations) List(ctx context.Context, filter core.DestinationFilter) ([]*core.Destination, error) {
	ids, err := r.store.client.SMembers(ctx, r.store.destOrgKey(filter.OrganizationID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list destinations: %w", err)
	}

	var out []*core.Destination
	for _, id := range ids {
		dest, err := r.load(ctx, id)
		if err != nil {
			continue // id disappeared between SMEMBERS and GET
		}
		if filter.Type != "" && dest.Type != filter.Type {
			continue
		}
		if filter.Disabled != nil && dest.Disabled != *filter.Disabled {
			continue
		}
		if filter.DefaultOnly && !dest.IsDefault {
			continue
		}
		out = append(out, dest)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return page(out, filter.Offset, filter.Limit), nil
}

func (r *redisDestinations) IncrementUsage(ctx context.Context, organizationID, id string, at time.Time) error {
	key := r.store.destKey(id)
	return r.store.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Result()
		if err != nil {
			if err == redis.Nil {
				return core.ErrDestinationNotFound
			}
			return err
		}
		var dest core.Destination
		if err := json.Unmarshal([]byte(data), &dest); err != nil {
			return fmt.Errorf("failed to deserialize destination: %w", err)
		}
		if dest.OrganizationID != organizationID {
			return core.ErrDestinationNotFound
		}
		dest.CountUsage++
		t := at
		dest.LastUsedAt = &t
		payload, err := json.Marshal(&dest)
		if err != nil {
			return fmt.Errorf("failed to serialize destination: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			return nil
		})
		return err
	}, key)
}
