// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package status

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisMirror republishes status events to Redis so external dashboards can
// follow them: every event goes to a pub/sub channel and the latest state of
// each stream is kept in a hash keyed by stream id.
type RedisMirror struct {
	client  *redis.Client
	channel string
	key     string
	logger  zerolog.Logger
}

// RedisConfig holds the mirror connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Channel  string
}

// NewRedisMirror connects and verifies the server is reachable.
func NewRedisMirror(cfg RedisConfig, logger zerolog.Logger) (*RedisMirror, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     4,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	logger.Info().
		Str("addr", cfg.Addr).
		Int("db", cfg.DB).
		Str("channel", cfg.Channel).
		Msg("status mirror connected to Redis")
	return newRedisMirror(client, cfg.Channel, logger), nil
}

func newRedisMirror(client *redis.Client, channel string, logger zerolog.Logger) *RedisMirror {
	if channel == "" {
		channel = "webtuner:status"
	}
	return &RedisMirror{
		client:  client,
		channel: channel,
		key:     channel + ":streams",
		logger:  logger,
	}
}

// Attach subscribes the mirror to e. The returned func detaches it.
func (m *RedisMirror) Attach(e *Emitter) func() {
	return e.Subscribe(m.Handle)
}

// Handle mirrors one event.
func (m *RedisMirror) Handle(ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	data, err := json.Marshal(ev)
	if err != nil {
		m.logger.Warn().Err(err).Str("event", ev.Name).Msg("json marshal failed")
		return
	}

	pipe := m.client.Pipeline()
	pipe.Publish(ctx, m.channel, data)
	switch ev.Name {
	case EventSnapshot:
		pipe.Del(ctx, m.key)
		for _, st := range ev.Snapshot.Streams {
			if b, err := json.Marshal(st); err == nil {
				pipe.HSet(ctx, m.key, strconv.FormatInt(st.ID, 10), b)
			}
		}
	case EventStream:
		b, err := json.Marshal(ev.Stream)
		if err == nil {
			pipe.HSet(ctx, m.key, strconv.FormatInt(ev.Stream.ID, 10), b)
		}
	case EventStreamRemoved:
		pipe.HDel(ctx, m.key, strconv.FormatInt(ev.StreamID, 10))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		m.logger.Warn().Err(err).Str("event", ev.Name).Msg("redis mirror write failed")
	}
}

// Close closes the Redis connection.
func (m *RedisMirror) Close() error {
	return m.client.Close()
}

// HealthCheck checks if Redis is available.
func (m *RedisMirror) HealthCheck(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}
