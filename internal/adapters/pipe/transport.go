// Package pipe is an in-memory peer transport: both ends of a link live in
// the same process and are matched by participant pair. It stands in for the
// WebRTC stack in tests and demos.
package pipe

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/egemennuss/zerenn/internal/core"
)

var errNotConnected = errors.New("pipe: link not connected")

// Network matches Dial calls from both sides of a pair and wires the
// resulting connections together.
type Network struct {
	mu      sync.Mutex
	waiting map[string]*Conn
}

func NewNetwork() *Network {
	return &Network{waiting: make(map[string]*Conn)}
}

func pairKey(a, b string) string {
	if a < b {
		return a + "|" + b
	}
	return b + "|" + a
}

func (n *Network) Dial(_ context.Context, local, remote string) (core.PeerConn, error) {
	c := &Conn{local: local, remote: remote, net: n}
	key := pairKey(local, remote)
	n.mu.Lock()
	defer n.mu.Unlock()
	if other, ok := n.waiting[key]; ok && other.remote == local {
		delete(n.waiting, key)
		c.peer = other
		other.peer = c
	} else {
		n.waiting[key] = c
	}
	return c, nil
}

func (n *Network) forget(c *Conn) {
	key := pairKey(c.local, c.remote)
	n.mu.Lock()
	if n.waiting[key] == c {
		delete(n.waiting, key)
	}
	n.mu.Unlock()
}

// Conn is one endpoint of a paired in-memory link.
type Conn struct {
	net           *Network
	local, remote string

	mu      sync.Mutex
	peer    *Conn
	opened  bool
	state   core.LinkState
	onMsg   func([]byte)
	onTrack func(core.VoiceStream)
	onState func(core.LinkState)
}

func (c *Conn) OnMessage(fn func([]byte))          { c.mu.Lock(); c.onMsg = fn; c.mu.Unlock() }
func (c *Conn) OnTrack(fn func(core.VoiceStream))  { c.mu.Lock(); c.onTrack = fn; c.mu.Unlock() }
func (c *Conn) OnStateChange(fn func(core.LinkState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

// Open marks this end ready; once both ends are open the pair connects.
func (c *Conn) Open(_ context.Context) error {
	c.mu.Lock()
	c.opened = true
	peer := c.peer
	c.mu.Unlock()
	if peer != nil {
		peer.mu.Lock()
		ready := peer.opened
		peer.mu.Unlock()
		if ready {
			c.setState(core.LinkStateConnected)
			peer.setState(core.LinkStateConnected)
		}
	}
	return nil
}

func (c *Conn) Send(payload []byte) error {
	c.mu.Lock()
	peer := c.peer
	state := c.state
	c.mu.Unlock()
	if peer == nil || state != core.LinkStateConnected {
		return errNotConnected
	}
	p := make([]byte, len(payload))
	copy(p, payload)
	go peer.deliver(p)
	return nil
}

func (c *Conn) AttachTrack(track core.MediaTrack) error {
	c.mu.Lock()
	peer := c.peer
	c.mu.Unlock()
	if peer == nil {
		return errNotConnected
	}
	go peer.deliverTrack(Stream{id: track.ID()})
	return nil
}

func (c *Conn) Close() {
	c.net.forget(c)
	c.mu.Lock()
	peer := c.peer
	c.peer = nil
	c.mu.Unlock()
	c.setState(core.LinkStateClosed)
	if peer != nil {
		peer.mu.Lock()
		peer.peer = nil
		peer.mu.Unlock()
		peer.setState(core.LinkStateDisconnected)
	}
}

func (c *Conn) deliver(payload []byte) {
	c.mu.Lock()
	fn := c.onMsg
	c.mu.Unlock()
	if fn != nil {
		fn(payload)
	}
}

func (c *Conn) deliverTrack(s Stream) {
	c.mu.Lock()
	fn := c.onTrack
	c.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (c *Conn) setState(state core.LinkState) {
	c.mu.Lock()
	if c.state == state || c.state.Terminal() {
		c.mu.Unlock()
		return
	}
	c.state = state
	fn := c.onState
	c.mu.Unlock()
	log.Debug().Str("module", "pipe").Str("local", c.local).Str("remote", c.remote).Str("state", string(state)).Msg("state")
	if fn != nil {
		fn(state)
	}
}

// Stream is the fake inbound voice feed.
type Stream struct {
	id string
}

func (s Stream) ID() string { return s.id }
