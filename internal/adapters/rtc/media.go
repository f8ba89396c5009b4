package rtc

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/egemennuss/zerenn/internal/core"
)

// MediaSource produces one local Opus track per acquisition. The embedding
// application feeds captured samples through LocalTrack.WriteSample; the
// enabled flag gates them, which is how mute works.
type MediaSource struct {
	mu    sync.Mutex
	track *LocalTrack
}

func NewMediaSource() *MediaSource { return &MediaSource{} }

func (m *MediaSource) Acquire(_ context.Context) (core.MediaTrack, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.track != nil {
		return m.track, nil
	}
	t, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio-"+uuid.NewString(),
		"zeren-voice",
	)
	if err != nil {
		return nil, fmt.Errorf("new local track: %w", err)
	}
	m.track = &LocalTrack{track: t}
	m.track.enabled.Store(true)
	return m.track, nil
}

func (m *MediaSource) Release() {
	m.mu.Lock()
	m.track = nil
	m.mu.Unlock()
}

// LocalTrack wraps a pion static sample track with an enabled flag.
type LocalTrack struct {
	track   *webrtc.TrackLocalStaticSample
	enabled atomic.Bool
}

func (t *LocalTrack) ID() string              { return t.track.ID() }
func (t *LocalTrack) Kind() string            { return t.track.Kind().String() }
func (t *LocalTrack) SetEnabled(enabled bool) { t.enabled.Store(enabled) }
func (t *LocalTrack) Enabled() bool           { return t.enabled.Load() }

// WriteSample forwards one captured audio sample unless muted.
func (t *LocalTrack) WriteSample(data []byte, duration time.Duration) error {
	if !t.enabled.Load() {
		return nil
	}
	return t.track.WriteSample(media.Sample{Data: data, Duration: duration})
}
