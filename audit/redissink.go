// Package audit provides AuditSink implementations that require an
// external store, kept separate from package tempest so the core
// library doesn't pull in a database driver it doesn't need.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tempestnet/tempest/tempest"
)

// RedisSinkConfig configures RedisSink.
type RedisSinkConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	TTL      time.Duration // how long an event list entry survives
}

// RedisSink records connection lifecycle events into a Redis list, so
// multiple tempest.Server instances behind a load balancer can be
// audited from one place.
type RedisSink struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisSink dials addr and verifies the connection with a Ping, the
// way shadowmesh's persistence.NewRedisCache does.
func NewRedisSink(ctx context.Context, cfg RedisSinkConfig) (*RedisSink, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("audit: redis connect failed: %w", err)
	}
	ttl := cfg.TTL
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	return &RedisSink{client: client, ttl: ttl}, nil
}

type redisEvent struct {
	Kind         string `json:"kind"`
	ConnectionID uint32 `json:"connection_id"`
	Reason       byte   `json:"reason"`
	Custom       string `json:"custom,omitempty"`
	At           int64  `json:"at"`
}

// Record pushes event onto a per-connection Redis list and refreshes
// its TTL, matching tempest.AuditSink.
func (s *RedisSink) Record(event tempest.AuditEvent) error {
	data, err := json.Marshal(redisEvent{
		Kind:         event.Kind.String(),
		ConnectionID: event.ConnectionID,
		Reason:       byte(event.Reason),
		Custom:       event.Custom,
		At:           event.At.Unix(),
	})
	if err != nil {
		return fmt.Errorf("audit: marshal event: %w", err)
	}
	key := fmt.Sprintf("tempest:audit:%d", event.ConnectionID)
	ctx := context.Background()
	if err := s.client.RPush(ctx, key, data).Err(); err != nil {
		return fmt.Errorf("audit: redis rpush: %w", err)
	}
	return s.client.Expire(ctx, key, s.ttl).Err()
}

// Close closes the underlying Redis client.
func (s *RedisSink) Close() error {
	return s.client.Close()
}
