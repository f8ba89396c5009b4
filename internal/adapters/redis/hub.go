// Package redis backs the storage and broadcast ports with a Redis server,
// for deployments where sessions live on different devices and the
// in-process hub cannot reach them. Key TTLs map directly onto the
// announcement expiry; pub/sub plays the instant channel.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/egemennuss/zerenn/internal/core"
	"github.com/egemennuss/zerenn/internal/domain"
)

// Hub mirrors memory.Hub over a Redis client.
type Hub struct {
	client *goredis.Client
}

func NewHub(addr string) *Hub {
	return &Hub{client: goredis.NewClient(&goredis.Options{Addr: addr})}
}

// Ping verifies connectivity before a session relies on the hub.
func (h *Hub) Ping(ctx context.Context) error {
	if err := h.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func (h *Hub) Close() error { return h.client.Close() }

func (h *Hub) Storage() core.Storage     { return &storage{client: h.client} }
func (h *Hub) Broadcast() core.Broadcast { return &broadcast{client: h.client} }

type storage struct {
	client *goredis.Client
}

func (s *storage) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, core.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: redis get: %v", domain.ErrStorageUnavailable, err)
	}
	return data, nil
}

func (s *storage) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("%w: redis set: %v", domain.ErrStorageUnavailable, err)
	}
	return nil
}

func (s *storage) Remove(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("%w: redis del: %v", domain.ErrStorageUnavailable, err)
	}
	return nil
}

func (s *storage) Keys(ctx context.Context, prefix string) ([]string, error) {
	var out []string
	iter := s.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		out = append(out, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("%w: redis scan: %v", domain.ErrStorageUnavailable, err)
	}
	return out, nil
}

type broadcast struct {
	client *goredis.Client
}

func (b *broadcast) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := b.client.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

func (b *broadcast) Subscribe(ctx context.Context, topic string, h func(payload []byte)) (func(), error) {
	sub := b.client.Subscribe(ctx, topic)
	// Force the subscription to be established before returning so a
	// publish right after Subscribe is not lost.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}
	go func() {
		for msg := range sub.Channel() {
			h([]byte(msg.Payload))
		}
	}()
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			if err := sub.Close(); err != nil {
				log.Warn().Err(err).Str("module", "redis").Str("topic", topic).Msg("close subscription")
			}
		})
	}
	return cancel, nil
}
