// Package peer owns one negotiated transport per remote participant: the
// "messages" data channel plus optional media. Links never abort the session;
// a failed link is torn down and left for discovery to re-attempt.
package peer

import (
	"sync"

	"github.com/egemennuss/zerenn/internal/core"
)

// link pairs a remote's record with its transport endpoint. State transitions
// for one link are serialized under mu.
type link struct {
	mu    sync.Mutex
	info  core.ParticipantRecord
	conn  core.PeerConn
	state core.LinkState
}

func newLink(info core.ParticipantRecord, conn core.PeerConn) *link {
	return &link{info: info, conn: conn, state: core.LinkStateNew}
}

// transition moves the link to next and reports whether anything changed.
// Terminal states are sticky: once failed or closed, no further transitions.
func (l *link) transition(next core.LinkState) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == next || l.state.Terminal() {
		return false
	}
	l.state = next
	return true
}

func (l *link) State() core.LinkState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}
