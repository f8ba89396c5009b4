// Package rtc is the real peer transport: one RTCPeerConnection per remote
// with a reliable ordered "messages" data channel. SDP and ICE ride the same
// broadcast substrate as announcements, which is what stands in for a
// signaling server.
package rtc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/egemennuss/zerenn/internal/core"
)

const (
	envelopeOffer     = "offer"
	envelopeAnswer    = "answer"
	envelopeCandidate = "candidate"

	// Envelopes arriving before we discovered the sender are buffered until
	// Dial, then held on the conn until Open; discovery catches up within
	// one poll interval.
	maxPendingEnvelopes = 32
)

type envelope struct {
	Type    string          `json:"type"`
	From    string          `json:"from"`
	To      string          `json:"to"`
	Payload json.RawMessage `json:"payload"`
}

func DefaultConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
			{URLs: []string{"stun:stun1.l.google.com:19302"}},
		},
	}
}

// Transport creates pion-backed peer connections for one session in one room.
type Transport struct {
	bc      core.Broadcast
	cfg     webrtc.Configuration
	roomID  string
	localID string

	mu      sync.Mutex
	conns   map[string]*Conn
	pending map[string][]envelope
	unsub   func()
}

// NewTransport subscribes to the room's signaling topic. Close the transport
// when the session leaves the room.
func NewTransport(ctx context.Context, bc core.Broadcast, cfg webrtc.Configuration, roomID, localID string) (*Transport, error) {
	t := &Transport{
		bc:      bc,
		cfg:     cfg,
		roomID:  roomID,
		localID: localID,
		conns:   make(map[string]*Conn),
		pending: make(map[string][]envelope),
	}
	unsub, err := bc.Subscribe(ctx, core.SignalTopic(roomID), t.handleSignal)
	if err != nil {
		return nil, fmt.Errorf("subscribe signaling: %w", err)
	}
	t.unsub = unsub
	return t, nil
}

func (t *Transport) Close() {
	t.mu.Lock()
	unsub := t.unsub
	t.unsub = nil
	t.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

func (t *Transport) Dial(ctx context.Context, local, remote string) (core.PeerConn, error) {
	pc, err := webrtc.NewPeerConnection(t.cfg)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	// Glare avoidance: the lexicographically smaller id makes the offer.
	c := &Conn{
		t:         t,
		pc:        pc,
		remote:    remote,
		initiator: local < remote,
	}
	t.mu.Lock()
	// Envelopes buffered for this sender move onto the conn and stay queued
	// until Open, after the caller has registered its callbacks.
	c.pending = t.pending[remote]
	delete(t.pending, remote)
	t.conns[remote] = c
	t.mu.Unlock()

	c.bindCallbacks()
	return c, nil
}

// handleSignal routes envelopes addressed to us. Unknown senders get their
// envelopes buffered until discovery dials them.
func (t *Transport) handleSignal(payload []byte) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		log.Warn().Err(err).Str("module", "rtc").Msg("dropping malformed signal")
		return
	}
	if env.To != t.localID || env.From == t.localID {
		return
	}
	t.mu.Lock()
	c, ok := t.conns[env.From]
	if !ok {
		if len(t.pending[env.From]) < maxPendingEnvelopes {
			t.pending[env.From] = append(t.pending[env.From], env)
		}
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	c.handleEnvelope(env)
}

func (t *Transport) publish(env envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Str("module", "rtc").Msg("marshal signal")
		return
	}
	if err := t.bc.Publish(context.Background(), core.SignalTopic(t.roomID), data); err != nil {
		log.Warn().Err(err).Str("module", "rtc").Str("type", env.Type).Msg("publish signal")
	}
}

func (t *Transport) drop(remote string, c *Conn) {
	t.mu.Lock()
	if t.conns[remote] == c {
		delete(t.conns, remote)
	}
	t.mu.Unlock()
}
