package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/smedrec/courier/core"
)

// RedisStoreConfig configures the Redis-backed repositories.
type RedisStoreConfig struct {
	// KeyPrefix namespaces every key. Default: "courier".
	KeyPrefix string `json:"key_prefix"`

	// DeliveryTTL is how long delivery logs and terminal queue items are
	// retained before Redis expires them. Cleanup deletes terminal queue
	// items earlier; the TTL is the backstop. Default: 7 days.
	DeliveryTTL time.Duration `json:"delivery_ttl"`

	// Logger is an optional logger for store operations.
	Logger core.Logger `json:"-"`
}

// DefaultRedisStoreConfig returns default configuration.
func DefaultRedisStoreConfig() RedisStoreConfig {
	return RedisStoreConfig{
		KeyPrefix:   "courier",
		DeliveryTTL: 7 * 24 * time.Hour,
	}
}

// RedisStore implements every repository interface on a shared Redis client.
// Values are stored as JSON strings; secondary indexes are sets and sorted
// sets. Compare-and-swap paths (dequeue fencing, queue transitions, alert
// mutations) use WATCH/MULTI so status flips are serialized per key.
type RedisStore struct {
	client *redis.Client
	config RedisStoreConfig
	logger core.Logger
}

// NewRedisStore creates a store on an already connected client.
func NewRedisStore(client *redis.Client, config *RedisStoreConfig) *RedisStore {
	if config == nil {
		defaultConfig := DefaultRedisStoreConfig()
		config = &defaultConfig
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "courier"
	}
	if config.DeliveryTTL <= 0 {
		config.DeliveryTTL = 7 * 24 * time.Hour
	}

	s := &RedisStore{
		client: client,
		config: *config,
		logger: config.Logger,
	}
	if s.logger == nil {
		s.logger = &core.NoOpLogger{}
	} else if cal, ok := s.logger.(core.ComponentAwareLogger); ok {
		s.logger = cal.WithComponent("courier/storage")
	}
	return s
}

// NewRedisStoreFromURL connects to redisURL and verifies the connection with
// a ping before returning the store.
func NewRedisStoreFromURL(ctx context.Context, redisURL string, config *RedisStoreConfig) (*RedisStore, error) {
	if redisURL == "" {
		return nil, fmt.Errorf("redis URL is required: %w", core.ErrMissingConfiguration)
	}
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", core.ErrInvalidConfiguration)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewRedisStore(client, config), nil
}

// Close releases the underlying client connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Destinations returns the destination repository view of the store.
func (s *RedisStore) Destinations() core.DestinationRepository { return &redisDestinations{s} }

// DeliveryLogs returns the delivery log repository view of the store.
func (s *RedisStore) DeliveryLogs() core.DeliveryLogRepository { return &redisDeliveryLogs{s} }

// Queue returns the queue repository view of the store.
func (s *RedisStore) Queue() core.QueueRepository { return &redisQueue{s} }

// Health returns the destination health repository view of the store.
func (s *RedisStore) Health() core.DestinationHealthRepository { return &redisHealth{s} }

// Alerts returns the alert repository view of the store.
func (s *RedisStore) Alerts() core.AlertRepository { return &redisAlerts{s} }

// AlertConfigs returns the alert config repository view of the store.
func (s *RedisStore) AlertConfigs() core.AlertConfigRepository { return &redisAlertConfigs{s} }

// MaintenanceWindows returns the maintenance window repository view.
func (s *RedisStore) MaintenanceWindows() core.MaintenanceWindowRepository {
	return &redisWindows{s}
}

// key builders

func (s *RedisStore) destKey(id string) string { return s.config.KeyPrefix + ":dest:" + id }
func (s *RedisStore) destOrgKey(org string) string {
	return s.config.KeyPrefix + ":dest:org:" + org
}
func (s *RedisStore) deliveryKey(id string) string { return s.config.KeyPrefix + ":delivery:" + id }
func (s *RedisStore) deliveryOrgKey(org string) string {
	return s.config.KeyPrefix + ":delivery:org:" + org
}
func (s *RedisStore) queueItemKey(id string) string {
	return s.config.KeyPrefix + ":queue:item:" + id
}
func (s *RedisStore) queueReadyKey() string { return s.config.KeyPrefix + ":queue:ready" }
func (s *RedisStore) queueProcessingKey() string {
	return s.config.KeyPrefix + ":queue:processing"
}
func (s *RedisStore) queueTerminalKey() string { return s.config.KeyPrefix + ":queue:terminal" }
func (s *RedisStore) queueAllKey() string      { return s.config.KeyPrefix + ":queue:all" }
func (s *RedisStore) queueDeliveryKey(deliveryID string) string {
	return s.config.KeyPrefix + ":queue:delivery:" + deliveryID
}
func (s *RedisStore) healthKey(destID string) string {
	return s.config.KeyPrefix + ":health:" + destID
}
func (s *RedisStore) healthIndexKey() string    { return s.config.KeyPrefix + ":health:index" }
func (s *RedisStore) alertKey(id string) string { return s.config.KeyPrefix + ":alert:" + id }
func (s *RedisStore) alertOrgKey(org string) string {
	return s.config.KeyPrefix + ":alert:org:" + org
}
func (s *RedisStore) alertConfigKey(org string) string {
	return s.config.KeyPrefix + ":alertcfg:" + org
}
func (s *RedisStore) windowKey(id string) string { return s.config.KeyPrefix + ":window:" + id }
func (s *RedisStore) windowOrgKey(org string) string {
	return s.config.KeyPrefix + ":window:org:" + org
}
func (s *RedisStore) windowAllKey() string { return s.config.KeyPrefix + ":window:all" }

func scoreMillis(t time.Time) float64 {
	return float64(t.UnixMilli())
}
