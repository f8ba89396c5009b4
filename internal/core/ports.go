// Package core defines the platform ports the session stack is built on and
// the record types shared across processes. Adapters own the resources they
// hand out and must close them.
package core

import (
	"context"
	"errors"
	"time"
)

var ErrKeyNotFound = errors.New("key not found")

// Storage is the shared key-value substrate standing in for a signaling
// server. Values are JSON. Every writer writes only its own keys, so
// cross-process write conflicts cannot occur by construction.
type Storage interface {
	Get(ctx context.Context, key string) ([]byte, error)
	// Set writes a value; ttl of zero means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Remove(ctx context.Context, key string) error
	// Keys returns all live keys with the given prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// Broadcast is the instant same-origin fan-out channel. Delivery is
// best-effort, unordered and at-most-once per subscriber.
type Broadcast interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe registers a handler for a topic and returns an unsubscribe
	// function. The handler may be invoked from another goroutine.
	Subscribe(ctx context.Context, topic string, h func(payload []byte)) (func(), error)
}

// LinkState is the per-peer-link lifecycle.
// Terminal states trigger roster removal and resource release.
type LinkState string

const (
	LinkStateNew          LinkState = "new"
	LinkStateConnecting   LinkState = "connecting"
	LinkStateConnected    LinkState = "connected"
	LinkStateDisconnected LinkState = "disconnected"
	LinkStateFailed       LinkState = "failed"
	LinkStateClosed       LinkState = "closed"
	// LinkStateLocal marks the roster entry for this participant itself.
	LinkStateLocal LinkState = "local"
)

// Terminal reports whether a link in this state must be torn down.
func (s LinkState) Terminal() bool {
	return s == LinkStateDisconnected || s == LinkStateFailed || s == LinkStateClosed
}

// VoiceStream is an inbound audio feed. The peer manager owns it until the
// link is disconnected; consumers only render it.
type VoiceStream interface {
	ID() string
}

// MediaTrack is a locally produced audio track attachable to peer links.
type MediaTrack interface {
	ID() string
	Kind() string
	// SetEnabled toggles whether the track actually emits media (mute).
	SetEnabled(enabled bool)
	Enabled() bool
}

// MediaSource acquires and releases the local capture device.
type MediaSource interface {
	Acquire(ctx context.Context) (MediaTrack, error)
	Release()
}

// PeerConn is one negotiated transport toward a remote participant: a
// reliable ordered "messages" data channel plus optional media tracks.
// Callbacks must be set before Open.
type PeerConn interface {
	// Open begins negotiation and binds the connection lifetime to ctx.
	Open(ctx context.Context) error
	// Send delivers one payload over the data channel.
	Send(payload []byte) error
	AttachTrack(track MediaTrack) error
	OnMessage(func(payload []byte))
	OnTrack(func(stream VoiceStream))
	OnStateChange(func(state LinkState))
	Close()
}

// PeerTransport creates link endpoints. Both sides Dial toward each other;
// the transport decides which side takes the negotiation initiative.
type PeerTransport interface {
	Dial(ctx context.Context, local, remote string) (PeerConn, error)
}
