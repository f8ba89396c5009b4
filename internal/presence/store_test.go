package presence

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/egemennuss/zerenn/internal/adapters/memory"
	"github.com/egemennuss/zerenn/internal/core"
)

func record(room, pid, name string, seen time.Time) core.ParticipantRecord {
	return core.ParticipantRecord{
		RoomID:        room,
		ParticipantID: pid,
		DisplayName:   name,
		LastSeenAt:    seen,
		Online:        true,
	}
}

func TestStoreUpsertScanRemove(t *testing.T) {
	ctx := context.Background()
	store := NewStore(memory.NewHub().Storage())

	store.Upsert(ctx, record("XJ3K9P", "p1", "Alice", time.Now()))
	store.Upsert(ctx, record("XJ3K9P", "p2", "Bob", time.Now()))
	store.Upsert(ctx, record("OTHER1", "p3", "Carol", time.Now()))

	got := store.Scan(ctx, "XJ3K9P")
	require.Len(t, got, 2)
	assert.Equal(t, "p1", got[0].ParticipantID)
	assert.Equal(t, "p2", got[1].ParticipantID)

	store.Remove(ctx, "XJ3K9P", "p1")
	got = store.Scan(ctx, "XJ3K9P")
	require.Len(t, got, 1)
	assert.Equal(t, "Bob", got[0].DisplayName)

	// Remove is idempotent.
	store.Remove(ctx, "XJ3K9P", "p1")
}

func TestStoreUpsertRefreshesLastSeen(t *testing.T) {
	ctx := context.Background()
	store := NewStore(memory.NewHub().Storage())

	early := time.Now().Add(-time.Minute)
	store.Upsert(ctx, record("XJ3K9P", "p1", "Alice", early))
	store.Upsert(ctx, record("XJ3K9P", "p1", "Alice", time.Now()))

	got := store.Scan(ctx, "XJ3K9P")
	require.Len(t, got, 1)
	assert.True(t, got[0].LastSeenAt.After(early))
}

func TestStoreExpiresStaleRecords(t *testing.T) {
	ctx := context.Background()
	storage := memory.NewHub().Storage()
	store := NewStore(storage)

	stale := record("XJ3K9P", "p1", "Ghost", time.Now().Add(-core.StaleAfter-time.Second))
	data, err := json.Marshal(stale)
	require.NoError(t, err)
	require.NoError(t, storage.Set(ctx, core.PresenceKey("XJ3K9P", "p1"), data, 0))
	store.Upsert(ctx, record("XJ3K9P", "p2", "Alive", time.Now()))

	got := store.Scan(ctx, "XJ3K9P")
	require.Len(t, got, 1)
	assert.Equal(t, "Alive", got[0].DisplayName)

	// Expiry purges the key; a second scan never resurrects it.
	_, err = storage.Get(ctx, core.PresenceKey("XJ3K9P", "p1"))
	assert.ErrorIs(t, err, core.ErrKeyNotFound)
	got = store.Scan(ctx, "XJ3K9P")
	require.Len(t, got, 1)
}

func TestStoreDropsUnreadableRecords(t *testing.T) {
	ctx := context.Background()
	storage := memory.NewHub().Storage()
	store := NewStore(storage)

	require.NoError(t, storage.Set(ctx, core.PresenceKey("XJ3K9P", "bad"), []byte("{not json"), 0))
	got := store.Scan(ctx, "XJ3K9P")
	assert.Empty(t, got)
	_, err := storage.Get(ctx, core.PresenceKey("XJ3K9P", "bad"))
	assert.ErrorIs(t, err, core.ErrKeyNotFound)
}

// brokenStorage fails every operation, simulating quota exhaustion.
type brokenStorage struct{}

var errBroken = errors.New("quota exceeded")

func (brokenStorage) Get(context.Context, string) ([]byte, error) { return nil, errBroken }
func (brokenStorage) Set(context.Context, string, []byte, time.Duration) error {
	return errBroken
}
func (brokenStorage) Remove(context.Context, string) error           { return errBroken }
func (brokenStorage) Keys(context.Context, string) ([]string, error) { return nil, errBroken }

func TestStoreDegradesToMemoryOnStorageFailure(t *testing.T) {
	ctx := context.Background()
	store := NewStore(brokenStorage{})

	store.Upsert(ctx, record("XJ3K9P", "p1", "Alice", time.Now()))
	got := store.Scan(ctx, "XJ3K9P")
	require.Len(t, got, 1)
	assert.Equal(t, "Alice", got[0].DisplayName)

	store.Remove(ctx, "XJ3K9P", "p1")
	assert.Empty(t, store.Scan(ctx, "XJ3K9P"))
}
