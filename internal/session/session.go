// Package session is the user-facing aggregate: room identity, roster, voice
// state. It composes the presence store, announcement bus, discovery loop,
// heartbeat and peer manager over injected platform ports.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/egemennuss/zerenn/internal/announce"
	"github.com/egemennuss/zerenn/internal/core"
	"github.com/egemennuss/zerenn/internal/domain"
	"github.com/egemennuss/zerenn/internal/peer"
	"github.com/egemennuss/zerenn/internal/presence"
)

// Events are the callbacks the UI layer consumes. Assign before joining;
// they may be invoked from background goroutines.
type Events struct {
	RoomJoined            func(room domain.Room)
	RoomLeft              func(room domain.Room)
	PeerJoined            func(info core.ParticipantRecord)
	PeerLeft              func(participantID string)
	Message               func(msg domain.Message)
	VoiceStream           func(participantID string, stream core.VoiceStream)
	ConnectionStateChange func(participantID string, state core.LinkState)
}

// ParticipantInfo is a roster entry as seen by the UI.
type ParticipantInfo struct {
	core.ParticipantRecord
	State core.LinkState `json:"state"`
}

// Stats is a snapshot for diagnostics displays.
type Stats struct {
	ParticipantID  string          `json:"participant_id"`
	RoomCode       domain.RoomCode `json:"room_code,omitempty"`
	ConnectedPeers int             `json:"connected_peers"`
	VoiceActive    bool            `json:"voice_active"`
	Muted          bool            `json:"muted"`
}

// RoomSession drives one participant's membership in at most one room.
type RoomSession struct {
	storage   core.Storage
	bc        core.Broadcast
	transport core.PeerTransport
	media     core.MediaSource
	store     *presence.Store
	history   *History

	Events Events

	mu       sync.RWMutex
	self     *domain.Participant
	room     *domain.Room
	isHost   bool
	peers    *peer.Manager
	roster   map[string]*ParticipantInfo
	messages []domain.Message
	seen     map[domain.MessageID]struct{}
	track    core.MediaTrack
	muted    bool
	cancel   context.CancelFunc
	unsub    func()
}

func New(storage core.Storage, bc core.Broadcast, transport core.PeerTransport, media core.MediaSource) *RoomSession {
	return &RoomSession{
		storage:   storage,
		bc:        bc,
		transport: transport,
		media:     media,
		store:     presence.NewStore(storage),
		history:   NewHistory(storage),
	}
}

// CreateRoom generates a fresh code and joins it as host.
func (s *RoomSession) CreateRoom(displayName string, roomName domain.RoomName) (*domain.Room, error) {
	name, err := domain.ValidateDisplayName(displayName)
	if err != nil {
		return nil, err
	}
	if roomName == "" {
		roomName = domain.RoomName(name + "'s Room")
	}
	code := domain.GenerateRoomCode()
	room := domain.Room{Code: code, Name: roomName, Host: name, CreatedAt: time.Now()}
	if err := s.join(room, name, true); err != nil {
		return nil, err
	}
	return &room, nil
}

// JoinRoom normalizes the entered code and joins. Invalid codes are rejected
// before any store write happens.
func (s *RoomSession) JoinRoom(rawCode, displayName string) error {
	code, err := domain.NormalizeRoomCode(rawCode)
	if err != nil {
		return err
	}
	name, err := domain.ValidateDisplayName(displayName)
	if err != nil {
		return err
	}
	room := domain.Room{Code: code, Name: domain.RoomName("Room " + string(code)), CreatedAt: time.Now()}
	return s.join(room, name, false)
}

func (s *RoomSession) join(room domain.Room, displayName string, host bool) error {
	// One room per session: joining while joined leaves first, like a tab
	// navigating between rooms.
	s.LeaveRoom()

	self, err := domain.NewParticipant(displayName)
	if err != nil {
		return err
	}
	roomID := string(room.Code)
	ctx, cancel := context.WithCancel(context.Background())

	m := peer.NewManager(string(self.ID), s.transport)
	m.OnPeerJoined = func(info core.ParticipantRecord) {
		s.setRosterState(info.ParticipantID, core.LinkStateConnected)
		if s.Events.PeerJoined != nil {
			s.Events.PeerJoined(info)
		}
	}
	m.OnPeerLeft = func(pid string) {
		s.dropRosterEntry(pid)
		if s.Events.PeerLeft != nil {
			s.Events.PeerLeft(pid)
		}
	}
	m.OnMessage = func(pid string, msg domain.Message) { s.handleRemoteMessage(msg) }
	m.OnVoiceStream = func(pid string, stream core.VoiceStream) {
		if s.Events.VoiceStream != nil {
			s.Events.VoiceStream(pid, stream)
		}
	}
	m.OnConnectionStateChange = func(pid string, state core.LinkState) {
		if !state.Terminal() {
			s.setRosterState(pid, state)
		}
		if s.Events.ConnectionStateChange != nil {
			s.Events.ConnectionStateChange(pid, state)
		}
	}

	s.mu.Lock()
	s.self = self
	s.room = &room
	s.isHost = host
	s.peers = m
	s.cancel = cancel
	s.roster = map[string]*ParticipantInfo{
		string(self.ID): {
			ParticipantRecord: core.ParticipantRecord{
				RoomID:        roomID,
				ParticipantID: string(self.ID),
				DisplayName:   displayName,
				LastSeenAt:    time.Now(),
				Online:        true,
			},
			State: core.LinkStateLocal,
		},
	}
	s.messages = nil
	s.seen = make(map[domain.MessageID]struct{})
	s.mu.Unlock()

	// Presence first so other contexts can poll us up even if the
	// announcement is missed.
	s.store.Upsert(ctx, s.selfRecord())

	bus := announce.NewBus(s.bc, s.storage)
	unsub, err := bus.Subscribe(ctx, roomID, func(ev core.AnnouncementEvent) {
		if ev.ParticipantID == string(self.ID) || ev.Kind != core.AnnouncementKindJoined {
			return
		}
		log.Info().Str("module", "session").Str("pid", ev.ParticipantID).Str("name", ev.DisplayName).Msg("peer announced")
		s.connectTo(ctx, core.ParticipantRecord{
			RoomID:        ev.RoomID,
			ParticipantID: ev.ParticipantID,
			DisplayName:   ev.DisplayName,
			LastSeenAt:    ev.SentAt,
			Online:        true,
		})
	})
	if err != nil {
		log.Warn().Err(err).Str("module", "session").Str("room", roomID).Msg("announce subscribe failed, discovery poll only")
		unsub = func() {}
	}
	s.mu.Lock()
	s.unsub = unsub
	s.mu.Unlock()

	if err := bus.Publish(ctx, core.AnnouncementEvent{
		Kind:          core.AnnouncementKindJoined,
		RoomID:        roomID,
		ParticipantID: string(self.ID),
		DisplayName:   displayName,
		SentAt:        time.Now(),
	}); err != nil {
		log.Warn().Err(err).Str("module", "session").Str("room", roomID).Msg("announce publish failed")
	}

	s.discoverOnce(ctx, roomID)
	go s.heartbeatLoop(ctx)
	go s.discoveryLoop(ctx, roomID)

	s.history.Save(ctx, room)
	log.Info().Str("module", "session").Str("room", roomID).Str("pid", string(self.ID)).Bool("host", host).Msg("joined room")
	if s.Events.RoomJoined != nil {
		s.Events.RoomJoined(room)
	}
	return nil
}

// LeaveRoom cancels the heartbeat and discovery timers, closes every peer
// link and removes own presence before returning. Idempotent: calling it
// twice, or without ever joining, is a no-op.
func (s *RoomSession) LeaveRoom() {
	s.mu.Lock()
	if s.room == nil {
		s.mu.Unlock()
		return
	}
	room := *s.room
	self := s.self
	peers := s.peers
	cancel := s.cancel
	unsub := s.unsub
	s.room = nil
	s.self = nil
	s.peers = nil
	s.cancel = nil
	s.unsub = nil
	s.isHost = false
	s.roster = nil
	s.seen = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if unsub != nil {
		unsub()
	}
	if peers != nil {
		peers.CloseAll()
	}
	s.releaseVoice()
	s.store.Remove(context.Background(), string(room.Code), string(self.ID))
	log.Info().Str("module", "session").Str("room", string(room.Code)).Msg("left room")
	if s.Events.RoomLeft != nil {
		s.Events.RoomLeft(room)
	}
}

// SendMessage validates, records and fans out one chat message.
func (s *RoomSession) SendMessage(text string) (*domain.Message, error) {
	s.mu.RLock()
	room := s.room
	self := s.self
	peers := s.peers
	s.mu.RUnlock()
	if room == nil {
		return nil, domain.ErrNotInRoom
	}
	msg, err := domain.NewMessage(text, self.ID, room.Code)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.seen == nil {
		s.mu.Unlock()
		return nil, domain.ErrNotInRoom
	}
	s.seen[msg.ID] = struct{}{}
	s.messages = append(s.messages, *msg)
	s.mu.Unlock()
	sent := peers.Send(*msg)
	log.Debug().Str("module", "session").Str("msg", string(msg.ID)).Int("sent_to", sent).Msg("message sent")
	if s.Events.Message != nil {
		s.Events.Message(*msg)
	}
	return msg, nil
}

// StartVoice acquires the local capture track and attaches it to all links.
// Failure leaves text chat fully usable.
func (s *RoomSession) StartVoice(ctx context.Context) error {
	s.mu.RLock()
	room := s.room
	peers := s.peers
	s.mu.RUnlock()
	if room == nil {
		return domain.ErrNotInRoom
	}
	track, err := s.media.Acquire(ctx)
	if err != nil {
		log.Warn().Err(err).Str("module", "session").Msg("media acquire failed")
		return domain.ErrMediaAccessDenied
	}
	s.mu.Lock()
	s.track = track
	s.muted = false
	s.mu.Unlock()
	peers.SetLocalTrack(track)
	log.Info().Str("module", "session").Str("track", track.ID()).Msg("voice started")
	return nil
}

// StopVoice releases the capture device.
func (s *RoomSession) StopVoice() {
	s.mu.RLock()
	peers := s.peers
	s.mu.RUnlock()
	if peers != nil {
		peers.SetLocalTrack(nil)
	}
	s.releaseVoice()
}

func (s *RoomSession) releaseVoice() {
	s.mu.Lock()
	had := s.track != nil
	s.track = nil
	s.muted = false
	s.mu.Unlock()
	if had {
		s.media.Release()
		log.Info().Str("module", "session").Msg("voice stopped")
	}
}

// ToggleMute flips the local track's enabled flag and returns the new muted
// state. Without an active track it reports unmuted.
func (s *RoomSession) ToggleMute() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.track == nil {
		return false
	}
	s.muted = !s.muted
	s.track.SetEnabled(!s.muted)
	return s.muted
}

func (s *RoomSession) Room() *domain.Room {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.room == nil {
		return nil
	}
	room := *s.room
	return &room
}

func (s *RoomSession) InRoom() bool { return s.Room() != nil }

func (s *RoomSession) IsHost() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isHost
}

// Participants returns the roster snapshot, self included.
func (s *RoomSession) Participants() []ParticipantInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ParticipantInfo, 0, len(s.roster))
	for _, p := range s.roster {
		out = append(out, *p)
	}
	return out
}

// ParticipantCount is always derived from the roster, never stored.
func (s *RoomSession) ParticipantCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.roster)
}

func (s *RoomSession) Messages() []domain.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// RoomLink renders the shareable join URL for the current room.
func (s *RoomSession) RoomLink(base string) string {
	room := s.Room()
	if room == nil {
		return ""
	}
	return domain.RoomLink(base, room.Code)
}

func (s *RoomSession) History(ctx context.Context) []HistoryEntry {
	return s.history.List(ctx)
}

func (s *RoomSession) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Stats{VoiceActive: s.track != nil, Muted: s.muted}
	if s.self != nil {
		st.ParticipantID = string(s.self.ID)
	}
	if s.room != nil {
		st.RoomCode = s.room.Code
	}
	if s.peers != nil {
		st.ConnectedPeers = s.peers.Count()
	}
	return st
}

// heartbeatLoop refreshes own presence every HeartbeatInterval until the
// session context is cancelled. Cancellation on leave is what keeps a ghost
// record from resurrecting after Remove.
func (s *RoomSession) heartbeatLoop(ctx context.Context) {
	t := time.NewTicker(core.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			rec := s.selfRecord()
			if rec.ParticipantID == "" {
				return
			}
			s.store.Upsert(ctx, rec)
		}
	}
}

// discoveryLoop polls presence every DiscoveryInterval and links up any
// online record not yet tracked. It covers contexts that were not listening
// at announce time and recovers missed announcements.
func (s *RoomSession) discoveryLoop(ctx context.Context, roomID string) {
	t := time.NewTicker(core.DiscoveryInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.discoverOnce(ctx, roomID)
		}
	}
}

func (s *RoomSession) discoverOnce(ctx context.Context, roomID string) {
	s.mu.RLock()
	self := s.self
	peers := s.peers
	s.mu.RUnlock()
	if self == nil {
		return
	}
	records := s.store.Scan(ctx, roomID)
	present := make(map[string]struct{}, len(records))
	for _, rec := range records {
		present[rec.ParticipantID] = struct{}{}
		if rec.ParticipantID == string(self.ID) || !rec.Online {
			continue
		}
		if peers.Has(rec.ParticipantID) {
			continue
		}
		log.Info().Str("module", "session").Str("pid", rec.ParticipantID).Str("name", rec.DisplayName).Msg("discovered participant")
		s.connectTo(ctx, rec)
	}
	s.reapExpired(peers, present)
}

// reapExpired tears down tracked peers whose presence record has expired
// before their link ever connected, so a remote that crashed mid-negotiation
// does not sit in the roster as connecting forever. Connected links are left
// to the transport's own disconnect detection.
func (s *RoomSession) reapExpired(peers *peer.Manager, present map[string]struct{}) {
	s.mu.RLock()
	var gone []string
	for pid, p := range s.roster {
		if p.State == core.LinkStateLocal {
			continue
		}
		if _, ok := present[pid]; !ok {
			gone = append(gone, pid)
		}
	}
	s.mu.RUnlock()
	for _, pid := range gone {
		if st, tracked := peers.State(pid); tracked {
			if st == core.LinkStateConnected {
				continue
			}
			log.Info().Str("module", "session").Str("pid", pid).Str("state", string(st)).Msg("reaping peer with expired presence")
			peers.Disconnect(pid)
			continue
		}
		log.Info().Str("module", "session").Str("pid", pid).Msg("reaping roster entry with expired presence")
		s.dropRosterEntry(pid)
		if s.Events.PeerLeft != nil {
			s.Events.PeerLeft(pid)
		}
	}
}

// connectTo links toward a remote and seeds its roster entry. Duplicate
// deliveries across the announce paths collapse here: an already tracked
// peer is a no-op.
func (s *RoomSession) connectTo(ctx context.Context, rec core.ParticipantRecord) {
	s.mu.Lock()
	if s.peers == nil || s.roster == nil {
		s.mu.Unlock()
		return
	}
	peers := s.peers
	if _, ok := s.roster[rec.ParticipantID]; !ok {
		s.roster[rec.ParticipantID] = &ParticipantInfo{ParticipantRecord: rec, State: core.LinkStateConnecting}
	}
	s.mu.Unlock()
	// Connect is idempotent; concurrent attempts for the same id are safe.
	if err := peers.Connect(ctx, rec); err != nil {
		log.Warn().Err(err).Str("module", "session").Str("pid", rec.ParticipantID).Msg("connect failed")
	}
}

func (s *RoomSession) handleRemoteMessage(msg domain.Message) {
	s.mu.Lock()
	if s.seen == nil {
		s.mu.Unlock()
		return
	}
	if _, dup := s.seen[msg.ID]; dup {
		s.mu.Unlock()
		return
	}
	s.seen[msg.ID] = struct{}{}
	s.messages = append(s.messages, msg)
	s.mu.Unlock()
	if s.Events.Message != nil {
		s.Events.Message(msg)
	}
}

func (s *RoomSession) setRosterState(pid string, state core.LinkState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.roster[pid]; ok {
		p.State = state
	}
}

func (s *RoomSession) dropRosterEntry(pid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.roster != nil {
		delete(s.roster, pid)
	}
}

func (s *RoomSession) selfRecord() core.ParticipantRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.self == nil || s.room == nil {
		return core.ParticipantRecord{}
	}
	return core.ParticipantRecord{
		RoomID:        string(s.room.Code),
		ParticipantID: string(s.self.ID),
		DisplayName:   s.self.DisplayName,
		LastSeenAt:    time.Now(),
		Online:        true,
	}
}
