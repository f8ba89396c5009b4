package pipe

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/egemennuss/zerenn/internal/core"
	"github.com/egemennuss/zerenn/internal/domain"
)

// MediaSource is the capture stand-in. Deny makes Acquire fail, which is how
// tests exercise the media-denied path.
type MediaSource struct {
	Deny bool

	mu    sync.Mutex
	track *Track
}

func (m *MediaSource) Acquire(_ context.Context) (core.MediaTrack, error) {
	if m.Deny {
		return nil, domain.ErrMediaAccessDenied
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.track == nil {
		m.track = NewTrack()
	}
	return m.track, nil
}

func (m *MediaSource) Release() {
	m.mu.Lock()
	m.track = nil
	m.mu.Unlock()
}

// Track is a fake local audio track with just the enabled flag.
type Track struct {
	id      string
	enabled atomic.Bool
}

func NewTrack() *Track {
	t := &Track{id: uuid.NewString()}
	t.enabled.Store(true)
	return t
}

func (t *Track) ID() string               { return t.id }
func (t *Track) Kind() string             { return "audio" }
func (t *Track) SetEnabled(enabled bool)  { t.enabled.Store(enabled) }
func (t *Track) Enabled() bool            { return t.enabled.Load() }
