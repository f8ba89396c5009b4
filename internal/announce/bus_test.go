package announce

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/egemennuss/zerenn/internal/adapters/memory"
	"github.com/egemennuss/zerenn/internal/core"
)

func joined(room, pid, name string) core.AnnouncementEvent {
	return core.AnnouncementEvent{
		Kind:          core.AnnouncementKindJoined,
		RoomID:        room,
		ParticipantID: pid,
		DisplayName:   name,
		SentAt:        time.Now(),
	}
}

type collector struct {
	mu     sync.Mutex
	events []core.AnnouncementEvent
}

func (c *collector) handle(ev core.AnnouncementEvent) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func (c *collector) first() core.AnnouncementEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.events[0]
}

func TestBusDeliversToSubscriber(t *testing.T) {
	ctx := context.Background()
	hub := memory.NewHub()
	bus := NewBus(hub.Broadcast(), hub.Storage())

	var got collector
	unsub, err := bus.Subscribe(ctx, "XJ3K9P", got.handle)
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, bus.Publish(ctx, joined("XJ3K9P", "p1", "Alice")))
	require.Eventually(t, func() bool { return got.count() == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, "p1", got.first().ParticipantID)
}

func TestBusLateSubscriberSeesFallback(t *testing.T) {
	ctx := context.Background()
	hub := memory.NewHub()
	bus := NewBus(hub.Broadcast(), hub.Storage())

	// Nobody listening when this is published; only the fallback entry
	// remains visible.
	require.NoError(t, bus.Publish(ctx, joined("XJ3K9P", "p1", "Alice")))

	var got collector
	unsub, err := bus.Subscribe(ctx, "XJ3K9P", got.handle)
	require.NoError(t, err)
	defer unsub()

	require.Eventually(t, func() bool { return got.count() == 1 }, time.Second, 10*time.Millisecond)
}

func TestBusDedupesAcrossPaths(t *testing.T) {
	ctx := context.Background()
	hub := memory.NewHub()
	bus := NewBus(hub.Broadcast(), hub.Storage())

	ev := joined("XJ3K9P", "p1", "Alice")
	// Fallback entry exists before the subscriber attaches, and the same
	// event is re-published on the instant path afterwards.
	require.NoError(t, bus.Publish(ctx, ev))

	var got collector
	unsub, err := bus.Subscribe(ctx, "XJ3K9P", got.handle)
	require.NoError(t, err)
	defer unsub()
	require.Eventually(t, func() bool { return got.count() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, bus.Publish(ctx, ev))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, got.count(), "same event over both paths must reach the handler once")

	// A genuinely new event still comes through.
	require.NoError(t, bus.Publish(ctx, joined("XJ3K9P", "p2", "Bob")))
	require.Eventually(t, func() bool { return got.count() == 2 }, time.Second, 10*time.Millisecond)
}

func TestBusIgnoresOtherRoomsAndGarbage(t *testing.T) {
	ctx := context.Background()
	hub := memory.NewHub()
	bus := NewBus(hub.Broadcast(), hub.Storage())

	var got collector
	unsub, err := bus.Subscribe(ctx, "XJ3K9P", got.handle)
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, hub.Broadcast().Publish(ctx, core.AnnounceTopic("XJ3K9P"), []byte("{garbage")))
	require.NoError(t, bus.Publish(ctx, joined("OTHER1", "p9", "Eve")))
	require.NoError(t, bus.Publish(ctx, joined("XJ3K9P", "p1", "Alice")))

	require.Eventually(t, func() bool { return got.count() == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, "p1", got.first().ParticipantID)
}

func TestBusSkipsExpiredFallbackEntries(t *testing.T) {
	ctx := context.Background()
	hub := memory.NewHub()
	bus := NewBus(hub.Broadcast(), hub.Storage())

	old := joined("XJ3K9P", "p1", "Alice")
	old.SentAt = time.Now().Add(-core.AnnounceTTL - time.Second)
	require.NoError(t, bus.Publish(ctx, old))

	var got collector
	unsub, err := bus.Subscribe(ctx, "XJ3K9P", got.handle)
	require.NoError(t, err)
	defer unsub()

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, got.count())
}
