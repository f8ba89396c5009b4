// Package memory is the in-process substrate: one Hub plays the role of a
// shared browser origin, each session attached to it the role of a tab. It
// doubles as the test double for the storage and broadcast ports.
package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/egemennuss/zerenn/internal/core"
)

type entry struct {
	value     []byte
	expiresAt time.Time
}

type subscriber struct {
	ch   chan []byte
	done chan struct{}
}

// Hub is the shared key-value map plus topic fan-out.
type Hub struct {
	mu     sync.Mutex
	data   map[string]entry
	subs   map[string]map[int]*subscriber
	nextID int
}

func NewHub() *Hub {
	return &Hub{
		data: make(map[string]entry),
		subs: make(map[string]map[int]*subscriber),
	}
}

func (h *Hub) Storage() core.Storage     { return (*hubStorage)(h) }
func (h *Hub) Broadcast() core.Broadcast { return (*hubBroadcast)(h) }

type hubStorage Hub

func (s *hubStorage) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.data[key]
	if !ok || expired(e) {
		delete(s.data, key)
		return nil, core.ErrKeyNotFound
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

func (s *hubStorage) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	v := make([]byte, len(value))
	copy(v, value)
	e := entry{value: v}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	s.mu.Lock()
	s.data[key] = e
	s.mu.Unlock()
	return nil
}

func (s *hubStorage) Remove(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()
	return nil
}

func (s *hubStorage) Keys(_ context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for key, e := range s.data {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if expired(e) {
			delete(s.data, key)
			continue
		}
		out = append(out, key)
	}
	return out, nil
}

func expired(e entry) bool {
	return !e.expiresAt.IsZero() && time.Now().After(e.expiresAt)
}

type hubBroadcast Hub

const subscriberBuffer = 32

func (b *hubBroadcast) Publish(_ context.Context, topic string, payload []byte) error {
	p := make([]byte, len(payload))
	copy(p, payload)
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs[topic] {
		select {
		case sub.ch <- p:
		default:
			// Slow subscriber; drop rather than block the publisher.
			log.Warn().Str("module", "memory").Str("topic", topic).Msg("subscriber buffer full, dropping")
		}
	}
	return nil
}

func (b *hubBroadcast) Subscribe(ctx context.Context, topic string, h func(payload []byte)) (func(), error) {
	sub := &subscriber{
		ch:   make(chan []byte, subscriberBuffer),
		done: make(chan struct{}),
	}
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[int]*subscriber)
	}
	b.subs[topic][id] = sub
	b.mu.Unlock()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-sub.done:
				return
			case payload := <-sub.ch:
				h(payload)
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[topic], id)
			if len(b.subs[topic]) == 0 {
				delete(b.subs, topic)
			}
			b.mu.Unlock()
			close(sub.done)
		})
	}
	return cancel, nil
}
