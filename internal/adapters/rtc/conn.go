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

// Conn is one pion peer connection plus its "messages" data channel.
type Conn struct {
	t         *Transport
	pc        *webrtc.PeerConnection
	remote    string
	initiator bool

	mu         sync.Mutex
	dc         *webrtc.DataChannel
	candidates []webrtc.ICECandidateInit
	pending    []envelope
	opened     bool
	haveRemote bool
	closed     bool

	onMsg   func([]byte)
	onTrack func(core.VoiceStream)
	onState func(core.LinkState)
}

func (c *Conn) OnMessage(fn func([]byte))         { c.mu.Lock(); c.onMsg = fn; c.mu.Unlock() }
func (c *Conn) OnTrack(fn func(core.VoiceStream)) { c.mu.Lock(); c.onTrack = fn; c.mu.Unlock() }
func (c *Conn) OnStateChange(fn func(core.LinkState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

func (c *Conn) bindCallbacks() {
	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		payload, err := json.Marshal(cand.ToJSON())
		if err != nil {
			return
		}
		c.t.publish(envelope{Type: envelopeCandidate, From: c.t.localID, To: c.remote, Payload: payload})
	})

	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "rtc").Str("remote", c.remote).Str("peer_connection_state", s.String()).Msg("peer state")
		c.emitState(mapState(s))
	})

	c.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "rtc").
			Str("remote", c.remote).
			Str("kind", track.Kind().String()).
			Str("stream_id", track.StreamID()).
			Msg("remote track")
		c.mu.Lock()
		fn := c.onTrack
		c.mu.Unlock()
		if fn != nil {
			fn(&RemoteStream{track: track})
		}
	})

	if !c.initiator {
		c.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			if dc.Label() != messagesLabel {
				return
			}
			c.bindDataChannel(dc)
		})
	}
}

const messagesLabel = "messages"

// Open starts negotiation. Envelopes queued before Open are processed first,
// then the initiator creates the data channel and the offer; the other side
// waits for them.
func (c *Conn) Open(_ context.Context) error {
	c.mu.Lock()
	c.opened = true
	queued := c.pending
	c.pending = nil
	c.mu.Unlock()
	for _, env := range queued {
		c.process(env)
	}
	if !c.initiator {
		return nil
	}
	dc, err := c.pc.CreateDataChannel(messagesLabel, nil)
	if err != nil {
		return fmt.Errorf("create data channel: %w", err)
	}
	c.bindDataChannel(dc)

	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	payload, err := json.Marshal(offer)
	if err != nil {
		return fmt.Errorf("marshal offer: %w", err)
	}
	c.t.publish(envelope{Type: envelopeOffer, From: c.t.localID, To: c.remote, Payload: payload})
	return nil
}

func (c *Conn) bindDataChannel(dc *webrtc.DataChannel) {
	c.mu.Lock()
	c.dc = dc
	c.mu.Unlock()
	dc.OnOpen(func() {
		log.Info().Str("module", "rtc").Str("remote", c.remote).Msg("data channel open")
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		c.mu.Lock()
		fn := c.onMsg
		c.mu.Unlock()
		if fn != nil {
			fn(msg.Data)
		}
	})
}

// handleEnvelope queues until Open so no negotiation outruns the caller's
// callback registration.
func (c *Conn) handleEnvelope(env envelope) {
	c.mu.Lock()
	if !c.opened {
		if len(c.pending) < maxPendingEnvelopes {
			c.pending = append(c.pending, env)
		}
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.process(env)
}

func (c *Conn) process(env envelope) {
	switch env.Type {
	case envelopeOffer:
		var offer webrtc.SessionDescription
		if err := json.Unmarshal(env.Payload, &offer); err != nil {
			log.Warn().Err(err).Str("module", "rtc").Msg("bad offer payload")
			return
		}
		if err := c.applyOffer(offer); err != nil {
			log.Error().Err(err).Str("module", "rtc").Str("remote", c.remote).Msg("apply offer")
		}
	case envelopeAnswer:
		var answer webrtc.SessionDescription
		if err := json.Unmarshal(env.Payload, &answer); err != nil {
			log.Warn().Err(err).Str("module", "rtc").Msg("bad answer payload")
			return
		}
		if err := c.applyRemote(answer); err != nil {
			log.Error().Err(err).Str("module", "rtc").Str("remote", c.remote).Msg("apply answer")
		}
	case envelopeCandidate:
		var cand webrtc.ICECandidateInit
		if err := json.Unmarshal(env.Payload, &cand); err != nil {
			log.Warn().Err(err).Str("module", "rtc").Msg("bad candidate payload")
			return
		}
		c.addCandidate(cand)
	default:
		log.Warn().Str("module", "rtc").Str("type", env.Type).Msg("unknown signal")
	}
}

func (c *Conn) applyOffer(offer webrtc.SessionDescription) error {
	if err := c.applyRemote(offer); err != nil {
		return err
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	payload, err := json.Marshal(answer)
	if err != nil {
		return fmt.Errorf("marshal answer: %w", err)
	}
	c.t.publish(envelope{Type: envelopeAnswer, From: c.t.localID, To: c.remote, Payload: payload})
	return nil
}

func (c *Conn) applyRemote(desc webrtc.SessionDescription) error {
	if err := c.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	// Flush candidates that arrived before the remote description.
	c.mu.Lock()
	c.haveRemote = true
	buffered := c.candidates
	c.candidates = nil
	c.mu.Unlock()
	for _, cand := range buffered {
		if err := c.pc.AddICECandidate(cand); err != nil {
			log.Warn().Err(err).Str("module", "rtc").Str("remote", c.remote).Msg("add buffered candidate")
		}
	}
	return nil
}

func (c *Conn) addCandidate(cand webrtc.ICECandidateInit) {
	c.mu.Lock()
	if !c.haveRemote {
		c.candidates = append(c.candidates, cand)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	if err := c.pc.AddICECandidate(cand); err != nil {
		log.Warn().Err(err).Str("module", "rtc").Str("remote", c.remote).Msg("add candidate")
	}
}

func (c *Conn) Send(payload []byte) error {
	c.mu.Lock()
	dc := c.dc
	c.mu.Unlock()
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return fmt.Errorf("data channel not open")
	}
	return dc.Send(payload)
}

func (c *Conn) AttachTrack(track core.MediaTrack) error {
	lt, ok := track.(*LocalTrack)
	if !ok {
		return fmt.Errorf("rtc transport requires an rtc.LocalTrack, got %T", track)
	}
	if _, err := c.pc.AddTrack(lt.track); err != nil {
		return fmt.Errorf("add track: %w", err)
	}
	return nil
}

func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	c.t.drop(c.remote, c)
	if err := c.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "rtc").Str("remote", c.remote).Msg("close error")
	}
}

func (c *Conn) emitState(state core.LinkState) {
	c.mu.Lock()
	fn := c.onState
	c.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}

func mapState(s webrtc.PeerConnectionState) core.LinkState {
	switch s {
	case webrtc.PeerConnectionStateNew:
		return core.LinkStateNew
	case webrtc.PeerConnectionStateConnecting:
		return core.LinkStateConnecting
	case webrtc.PeerConnectionStateConnected:
		return core.LinkStateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return core.LinkStateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return core.LinkStateFailed
	default:
		return core.LinkStateClosed
	}
}

// RemoteStream wraps an inbound pion track for playback by the UI layer.
type RemoteStream struct {
	track *webrtc.TrackRemote
}

func (s *RemoteStream) ID() string { return s.track.StreamID() }

// Track exposes the underlying pion track to audio players.
func (s *RemoteStream) Track() *webrtc.TrackRemote { return s.track }
