package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/egemennuss/zerenn/internal/core"
	"github.com/egemennuss/zerenn/internal/domain"
)

const maxHistoryEntries = 10

type HistoryEntry struct {
	Code         domain.RoomCode `json:"code"`
	Name         domain.RoomName `json:"name"`
	LastJoinedAt time.Time       `json:"last_joined_at"`
}

// History keeps the last joined rooms, most-recent-first, deduped by code and
// capped at ten. Storage failures only cost the convenience list.
type History struct {
	storage core.Storage
}

func NewHistory(storage core.Storage) *History {
	return &History{storage: storage}
}

func (h *History) Save(ctx context.Context, room domain.Room) {
	entries := h.List(ctx)
	kept := make([]HistoryEntry, 0, len(entries)+1)
	kept = append(kept, HistoryEntry{Code: room.Code, Name: room.Name, LastJoinedAt: time.Now()})
	for _, e := range entries {
		if e.Code == room.Code {
			continue
		}
		kept = append(kept, e)
	}
	if len(kept) > maxHistoryEntries {
		kept = kept[:maxHistoryEntries]
	}
	data, err := json.Marshal(kept)
	if err != nil {
		log.Warn().Err(err).Str("module", "session").Msg("marshal room history")
		return
	}
	if err := h.storage.Set(ctx, core.RoomHistoryKey, data, 0); err != nil {
		log.Warn().Err(err).Str("module", "session").Msg("save room history")
	}
}

func (h *History) List(ctx context.Context) []HistoryEntry {
	data, err := h.storage.Get(ctx, core.RoomHistoryKey)
	if err != nil {
		return nil
	}
	var entries []HistoryEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		log.Warn().Err(err).Str("module", "session").Msg("unreadable room history")
		return nil
	}
	return entries
}

func (h *History) Clear(ctx context.Context) {
	if err := h.storage.Remove(ctx, core.RoomHistoryKey); err != nil {
		log.Warn().Err(err).Str("module", "session").Msg("clear room history")
	}
}
