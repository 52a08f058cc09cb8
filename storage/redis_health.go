package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/smedrec/courier/core"
)

// redisHealth implements core.DestinationHealthRepository. One JSON value per
// destination plus a set of known destination ids for listing.
type redisHealth struct {
	store *RedisStore
}

func (r *redisHealth) Get(ctx context.Context, destinationID string) (*core.DestinationHealth, error) {
	data, err := r.store.client.Get(ctx, r.store.healthKey(destinationID)).Result()
	if err != nil {
		if err == redis.Nil {
			// Unknown destinations start closed with zeroed counters.
			return &core.DestinationHealth{
				DestinationID: destinationID,
				State:         core.BreakerClosed,
			}, nil
		}
		return nil, fmt.Errorf("failed to get destination health: %w", err)
	}
	var health core.DestinationHealth
	if err := json.Unmarshal([]byte(data), &health); err != nil {
		return nil, fmt.Errorf("failed to deserialize destination health: %w", err)
	}
	return &health, nil
}

func (r *redisHealth) Upsert(ctx context.Context, health *core.DestinationHealth) error {
	data, err := json.Marshal(health)
	if err != nil {
		return fmt.Errorf("failed to serialize destination health: %w", err)
	}
	_, err = r.store.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.store.healthKey(health.DestinationID), data, 0)
		pipe.SAdd(ctx, r.store.healthIndexKey(), health.DestinationID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to upsert destination health: %w", err)
	}
	return nil
}

func (r *redisHealth) List(ctx context.Context) ([]*core.DestinationHealth, error) {
	ids, err := r.store.client.SMembers(ctx, r.store.healthIndexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list destination health: %w", err)
	}
	var out []*core.DestinationHealth
	for _, id := range ids {
		health, err := r.Get(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, health)
	}
	return out, nil
}
