package peer

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/egemennuss/zerenn/internal/adapters/pipe"
	"github.com/egemennuss/zerenn/internal/core"
	"github.com/egemennuss/zerenn/internal/domain"
)

func bobRecord() core.ParticipantRecord {
	return core.ParticipantRecord{
		RoomID:        "XJ3K9P",
		ParticipantID: "bob",
		DisplayName:   "Bob",
		LastSeenAt:    time.Now(),
		Online:        true,
	}
}

// dialCounterpart opens bob's end of the pair by hand so tests can poke the
// raw link.
func dialCounterpart(t *testing.T, net *pipe.Network) core.PeerConn {
	t.Helper()
	conn, err := net.Dial(context.Background(), "bob", "alice")
	require.NoError(t, err)
	return conn
}

type events struct {
	mu     sync.Mutex
	joined []string
	left   []string
	msgs   []domain.Message
	states []core.LinkState
}

func wire(m *Manager, ev *events) {
	m.OnPeerJoined = func(info core.ParticipantRecord) {
		ev.mu.Lock()
		ev.joined = append(ev.joined, info.ParticipantID)
		ev.mu.Unlock()
	}
	m.OnPeerLeft = func(pid string) {
		ev.mu.Lock()
		ev.left = append(ev.left, pid)
		ev.mu.Unlock()
	}
	m.OnMessage = func(_ string, msg domain.Message) {
		ev.mu.Lock()
		ev.msgs = append(ev.msgs, msg)
		ev.mu.Unlock()
	}
	m.OnConnectionStateChange = func(_ string, st core.LinkState) {
		ev.mu.Lock()
		ev.states = append(ev.states, st)
		ev.mu.Unlock()
	}
}

func (e *events) joinedCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.joined)
}

func (e *events) leftCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.left)
}

func (e *events) msgCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.msgs)
}

func TestManagerConnectLifecycle(t *testing.T) {
	ctx := context.Background()
	net := pipe.NewNetwork()
	m := NewManager("alice", net)
	var ev events
	wire(m, &ev)

	bob := dialCounterpart(t, net)
	require.NoError(t, bob.Open(ctx))
	require.NoError(t, m.Connect(ctx, bobRecord()))

	require.Eventually(t, func() bool { return ev.joinedCount() == 1 }, time.Second, 10*time.Millisecond)
	assert.True(t, m.Has("bob"))
	assert.Equal(t, 1, m.Count())

	// Connect is idempotent.
	require.NoError(t, m.Connect(ctx, bobRecord()))
	assert.Equal(t, 1, m.Count())

	m.Disconnect("bob")
	require.Eventually(t, func() bool { return ev.leftCount() == 1 }, time.Second, 10*time.Millisecond)
	assert.False(t, m.Has("bob"))

	// Disconnect is idempotent too.
	m.Disconnect("bob")
	assert.Equal(t, 1, ev.leftCount())
}

func TestManagerSendAndReceive(t *testing.T) {
	ctx := context.Background()
	net := pipe.NewNetwork()
	m := NewManager("alice", net)
	var ev events
	wire(m, &ev)

	bob := dialCounterpart(t, net)
	var fromAlice [][]byte
	var mu sync.Mutex
	bob.OnMessage(func(p []byte) {
		mu.Lock()
		fromAlice = append(fromAlice, p)
		mu.Unlock()
	})
	require.NoError(t, bob.Open(ctx))
	require.NoError(t, m.Connect(ctx, bobRecord()))
	require.Eventually(t, func() bool { return ev.joinedCount() == 1 }, time.Second, 10*time.Millisecond)

	msg, err := domain.NewMessage("hello bob", "alice", "XJ3K9P")
	require.NoError(t, err)
	assert.Equal(t, 1, m.Send(*msg))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(fromAlice) == 1
	}, time.Second, 10*time.Millisecond)

	// Inbound path decodes valid messages...
	reply, err := domain.NewMessage("hi alice", "bob", "XJ3K9P")
	require.NoError(t, err)
	data, err := json.Marshal(reply)
	require.NoError(t, err)
	require.NoError(t, bob.Send(data))
	require.Eventually(t, func() bool { return ev.msgCount() == 1 }, time.Second, 10*time.Millisecond)

	// ...and drops malformed payloads without killing the link.
	require.NoError(t, bob.Send([]byte("{broken")))
	require.NoError(t, bob.Send([]byte(`{"text":"no id"}`)))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, ev.msgCount())
	assert.True(t, m.Has("bob"))
}

func TestManagerRemoteCloseTearsDownLink(t *testing.T) {
	ctx := context.Background()
	net := pipe.NewNetwork()
	m := NewManager("alice", net)
	var ev events
	wire(m, &ev)

	bob := dialCounterpart(t, net)
	require.NoError(t, bob.Open(ctx))
	require.NoError(t, m.Connect(ctx, bobRecord()))
	require.Eventually(t, func() bool { return ev.joinedCount() == 1 }, time.Second, 10*time.Millisecond)

	bob.Close()
	require.Eventually(t, func() bool { return ev.leftCount() == 1 }, time.Second, 10*time.Millisecond)
	assert.False(t, m.Has("bob"))
	assert.Zero(t, m.Count())
}

func TestManagerSendSkipsUnconnectedLinks(t *testing.T) {
	ctx := context.Background()
	net := pipe.NewNetwork()
	m := NewManager("alice", net)
	var ev events
	wire(m, &ev)

	// Bob never opens his end, so the link stays connecting.
	_ = dialCounterpart(t, net)
	require.NoError(t, m.Connect(ctx, bobRecord()))

	msg, err := domain.NewMessage("anyone there", "alice", "XJ3K9P")
	require.NoError(t, err)
	assert.Zero(t, m.Send(*msg))
}

func TestManagerCloseAll(t *testing.T) {
	ctx := context.Background()
	net := pipe.NewNetwork()
	m := NewManager("alice", net)
	var ev events
	wire(m, &ev)

	for _, pid := range []string{"bob", "carol"} {
		rec := bobRecord()
		rec.ParticipantID = pid
		peerEnd, err := net.Dial(ctx, pid, "alice")
		require.NoError(t, err)
		require.NoError(t, peerEnd.Open(ctx))
		require.NoError(t, m.Connect(ctx, rec))
	}
	require.Eventually(t, func() bool { return ev.joinedCount() == 2 }, time.Second, 10*time.Millisecond)

	m.CloseAll()
	assert.Zero(t, m.Count())
	require.Eventually(t, func() bool { return ev.leftCount() == 2 }, time.Second, 10*time.Millisecond)
}
