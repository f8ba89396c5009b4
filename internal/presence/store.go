// Package presence keeps the shared roomwise liveness records. The store is
// the only mutable state shared across processes; each process writes only
// the record keyed by its own identity.
package presence

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/egemennuss/zerenn/internal/core"
)

// Store reads and writes ParticipantRecords through the shared storage port.
// When storage writes fail, records are kept in a process-local fallback so
// the session keeps working without reliable cross-process discovery.
type Store struct {
	storage core.Storage

	mu       sync.Mutex
	fallback map[string]core.ParticipantRecord
}

func NewStore(storage core.Storage) *Store {
	return &Store{
		storage:  storage,
		fallback: make(map[string]core.ParticipantRecord),
	}
}

// Upsert writes or refreshes a participant record. Storage failure is logged
// and degraded, never returned as fatal.
func (s *Store) Upsert(ctx context.Context, rec core.ParticipantRecord) {
	key := core.PresenceKey(rec.RoomID, rec.ParticipantID)
	data, err := json.Marshal(rec)
	if err != nil {
		log.Error().Err(err).Str("module", "presence").Str("key", key).Msg("marshal record")
		return
	}
	if err := s.storage.Set(ctx, key, data, 0); err != nil {
		log.Warn().Err(err).Str("module", "presence").Str("key", key).Msg("storage write failed, keeping record in memory only")
		s.mu.Lock()
		s.fallback[key] = rec
		s.mu.Unlock()
		return
	}
	s.mu.Lock()
	delete(s.fallback, key)
	s.mu.Unlock()
}

// Scan returns all non-expired records for a room, purging expired and
// unreadable entries as a side effect. Expiry is lazy: no background sweep
// is required for correctness.
func (s *Store) Scan(ctx context.Context, roomID string) []core.ParticipantRecord {
	now := time.Now()
	out := make([]core.ParticipantRecord, 0, 4)

	keys, err := s.storage.Keys(ctx, core.PresencePrefix(roomID))
	if err != nil {
		log.Warn().Err(err).Str("module", "presence").Str("room", roomID).Msg("storage scan failed")
		keys = nil
	}
	for _, key := range keys {
		data, err := s.storage.Get(ctx, key)
		if err != nil {
			continue
		}
		var rec core.ParticipantRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			log.Warn().Err(err).Str("module", "presence").Str("key", key).Msg("dropping unreadable record")
			_ = s.storage.Remove(ctx, key)
			continue
		}
		if rec.Expired(now) {
			_ = s.storage.Remove(ctx, key)
			log.Debug().Str("module", "presence").Str("key", key).Msg("purged expired record")
			continue
		}
		out = append(out, rec)
	}

	s.mu.Lock()
	for key, rec := range s.fallback {
		if rec.RoomID != roomID {
			continue
		}
		if rec.Expired(now) {
			delete(s.fallback, key)
			continue
		}
		out = append(out, rec)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ParticipantID < out[j].ParticipantID })
	return out
}

// Remove deletes a record on graceful leave. Idempotent.
func (s *Store) Remove(ctx context.Context, roomID, participantID string) {
	key := core.PresenceKey(roomID, participantID)
	if err := s.storage.Remove(ctx, key); err != nil {
		log.Warn().Err(err).Str("module", "presence").Str("key", key).Msg("storage remove failed")
	}
	s.mu.Lock()
	delete(s.fallback, key)
	s.mu.Unlock()
}
