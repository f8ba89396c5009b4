// Package announce fans out transient join events over two redundant paths:
// the instant broadcast channel and a store-visible fallback for listeners
// that attach after the instant message was already sent.
package announce

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/egemennuss/zerenn/internal/core"
)

type Bus struct {
	bc      core.Broadcast
	storage core.Storage
}

func NewBus(bc core.Broadcast, storage core.Storage) *Bus {
	return &Bus{bc: bc, storage: storage}
}

// Publish sends the event on the instant channel and mirrors it into storage
// under a self-expiring key so late subscribers can still see it.
func (b *Bus) Publish(ctx context.Context, ev core.AnnouncementEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal announcement: %w", err)
	}
	if err := b.bc.Publish(ctx, core.AnnounceTopic(ev.RoomID), data); err != nil {
		log.Warn().Err(err).Str("module", "announce").Str("room", ev.RoomID).Msg("instant publish failed")
	}
	key := core.AnnounceKey(ev.RoomID, ev.SentAt)
	if err := b.storage.Set(ctx, key, data, core.AnnounceTTL); err != nil {
		log.Warn().Err(err).Str("module", "announce").Str("key", key).Msg("fallback write failed")
	}
	return nil
}

// Subscribe registers a handler for a room. Events that reach the listener
// over both paths are delivered at most once, keyed by participant and
// send time. Recent fallback entries are replayed on attach. The returned
// function cancels the subscription.
func (b *Bus) Subscribe(ctx context.Context, roomID string, h func(core.AnnouncementEvent)) (func(), error) {
	var (
		mu   sync.Mutex
		seen = make(map[string]time.Time)
	)
	deliver := func(data []byte) {
		var ev core.AnnouncementEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			log.Warn().Err(err).Str("module", "announce").Str("room", roomID).Msg("dropping malformed announcement")
			return
		}
		if ev.RoomID != roomID {
			return
		}
		if time.Since(ev.SentAt) > core.AnnounceTTL {
			return
		}
		key := fmt.Sprintf("%s@%d", ev.ParticipantID, ev.SentAt.UnixMilli())
		mu.Lock()
		if _, dup := seen[key]; dup {
			mu.Unlock()
			return
		}
		seen[key] = ev.SentAt
		for k, at := range seen {
			if time.Since(at) > 2*core.AnnounceTTL {
				delete(seen, k)
			}
		}
		mu.Unlock()
		h(ev)
	}

	unsub, err := b.bc.Subscribe(ctx, core.AnnounceTopic(roomID), deliver)
	if err != nil {
		return nil, fmt.Errorf("subscribe announcements: %w", err)
	}
	b.replay(ctx, roomID, deliver)
	return unsub, nil
}

// replay surfaces still-visible fallback entries to a fresh subscriber.
func (b *Bus) replay(ctx context.Context, roomID string, deliver func([]byte)) {
	keys, err := b.storage.Keys(ctx, core.AnnouncePrefix(roomID))
	if err != nil {
		log.Warn().Err(err).Str("module", "announce").Str("room", roomID).Msg("fallback replay scan failed")
		return
	}
	for _, key := range keys {
		data, err := b.storage.Get(ctx, key)
		if err != nil {
			continue
		}
		deliver(data)
	}
}
