package peer

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/egemennuss/zerenn/internal/core"
	"github.com/egemennuss/zerenn/internal/domain"
)

// Manager owns every peer link of one session. Callbacks are assigned once,
// before the first Connect, and invoked from transport goroutines.
type Manager struct {
	selfID    string
	transport core.PeerTransport

	mu    sync.RWMutex
	links map[string]*link
	track core.MediaTrack

	OnPeerJoined            func(info core.ParticipantRecord)
	OnPeerLeft              func(participantID string)
	OnMessage               func(participantID string, msg domain.Message)
	OnVoiceStream           func(participantID string, stream core.VoiceStream)
	OnConnectionStateChange func(participantID string, state core.LinkState)
}

func NewManager(selfID string, transport core.PeerTransport) *Manager {
	return &Manager{
		selfID:    selfID,
		transport: transport,
		links:     make(map[string]*link),
	}
}

// Connect establishes a link toward a discovered participant. Idempotent:
// an existing link for the same id is left alone.
func (m *Manager) Connect(ctx context.Context, info core.ParticipantRecord) error {
	pid := info.ParticipantID
	m.mu.Lock()
	if _, ok := m.links[pid]; ok {
		m.mu.Unlock()
		log.Debug().Str("module", "peer").Str("pid", pid).Msg("already linked")
		return nil
	}
	conn, err := m.transport.Dial(ctx, m.selfID, pid)
	if err != nil {
		m.mu.Unlock()
		log.Error().Err(err).Str("module", "peer").Str("pid", pid).Msg("dial failed")
		return domain.ErrTransportFailed
	}
	l := newLink(info, conn)
	m.links[pid] = l
	track := m.track
	m.mu.Unlock()

	conn.OnStateChange(func(state core.LinkState) { m.handleState(l, state) })
	conn.OnMessage(func(payload []byte) { m.handleMessage(pid, payload) })
	conn.OnTrack(func(stream core.VoiceStream) {
		log.Info().Str("module", "peer").Str("pid", pid).Str("stream", stream.ID()).Msg("inbound voice stream")
		if m.OnVoiceStream != nil {
			m.OnVoiceStream(pid, stream)
		}
	})

	if track != nil {
		if err := conn.AttachTrack(track); err != nil {
			log.Warn().Err(err).Str("module", "peer").Str("pid", pid).Msg("attach local track")
		}
	}

	if l.transition(core.LinkStateConnecting) {
		m.emitState(pid, core.LinkStateConnecting)
	}
	log.Info().Str("module", "peer").Str("pid", pid).Str("name", info.DisplayName).Msg("connecting")

	if err := conn.Open(ctx); err != nil {
		log.Error().Err(err).Str("module", "peer").Str("pid", pid).Msg("open failed")
		m.teardown(pid, core.LinkStateFailed)
		return domain.ErrTransportFailed
	}
	return nil
}

// Disconnect closes the link and releases its resources. Idempotent.
func (m *Manager) Disconnect(participantID string) {
	m.teardown(participantID, core.LinkStateClosed)
}

// Send fans one message out to every connected link and returns how many
// accepted it. Per-link failures are logged, never propagated.
func (m *Manager) Send(msg domain.Message) int {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Str("module", "peer").Msg("marshal outbound message")
		return 0
	}
	m.mu.RLock()
	targets := make(map[string]*link, len(m.links))
	for pid, l := range m.links {
		targets[pid] = l
	}
	m.mu.RUnlock()

	sent := 0
	for pid, l := range targets {
		if l.State() != core.LinkStateConnected {
			continue
		}
		if err := l.conn.Send(data); err != nil {
			log.Warn().Err(err).Str("module", "peer").Str("pid", pid).Msg("send failed")
			continue
		}
		sent++
	}
	return sent
}

// SetLocalTrack attaches a track to all current links and to links created
// later. A nil track only stops future attachment; senders on live links are
// silenced via the track's enabled flag instead.
func (m *Manager) SetLocalTrack(track core.MediaTrack) {
	m.mu.Lock()
	m.track = track
	targets := make(map[string]*link, len(m.links))
	for pid, l := range m.links {
		targets[pid] = l
	}
	m.mu.Unlock()
	if track == nil {
		return
	}
	for pid, l := range targets {
		if err := l.conn.AttachTrack(track); err != nil {
			log.Warn().Err(err).Str("module", "peer").Str("pid", pid).Msg("attach local track")
		}
	}
}

func (m *Manager) Has(participantID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.links[participantID]
	return ok
}

// State reports the current state of a tracked link, if any.
func (m *Manager) State(participantID string) (core.LinkState, bool) {
	m.mu.RLock()
	l, ok := m.links[participantID]
	m.mu.RUnlock()
	if !ok {
		return "", false
	}
	return l.State(), true
}

func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.links)
}

// CloseAll tears down every link deterministically. Used on leave.
func (m *Manager) CloseAll() {
	m.mu.RLock()
	pids := make([]string, 0, len(m.links))
	for pid := range m.links {
		pids = append(pids, pid)
	}
	m.mu.RUnlock()
	for _, pid := range pids {
		m.teardown(pid, core.LinkStateClosed)
	}
}

func (m *Manager) handleState(l *link, state core.LinkState) {
	pid := l.info.ParticipantID
	if !l.transition(state) {
		return
	}
	log.Info().Str("module", "peer").Str("pid", pid).Str("state", string(state)).Msg("link state")
	m.emitState(pid, state)

	switch {
	case state == core.LinkStateConnected:
		if m.OnPeerJoined != nil {
			m.OnPeerJoined(l.info)
		}
	case state.Terminal():
		m.teardown(pid, state)
	}
}

// handleMessage parses a data-channel payload. Malformed payloads are dropped
// and logged; they never crash the link.
func (m *Manager) handleMessage(pid string, payload []byte) {
	var msg domain.Message
	if err := json.Unmarshal(payload, &msg); err != nil || msg.ID == "" {
		log.Warn().Str("module", "peer").Str("pid", pid).Msg(domain.ErrMalformedMessage.Error())
		return
	}
	if m.OnMessage != nil {
		m.OnMessage(pid, msg)
	}
}

// teardown removes the link, closes its transport and notifies. Safe to call
// multiple times and from state callbacks.
func (m *Manager) teardown(pid string, state core.LinkState) {
	m.mu.Lock()
	l, ok := m.links[pid]
	if ok {
		delete(m.links, pid)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	l.transition(state)
	l.conn.Close()
	log.Info().Str("module", "peer").Str("pid", pid).Str("state", string(state)).Msg("link removed")
	if m.OnPeerLeft != nil {
		m.OnPeerLeft(pid)
	}
}

func (m *Manager) emitState(pid string, state core.LinkState) {
	if m.OnConnectionStateChange != nil {
		m.OnConnectionStateChange(pid, state)
	}
}
