package core

import (
	"fmt"
	"time"
)

// Timing constants of the discovery protocol. These are fixed by design;
// no operation takes a caller-configurable timeout beyond them.
const (
	// StaleAfter is how long an unrefreshed presence record stays visible.
	StaleAfter = 2 * time.Minute
	// AnnounceTTL bounds how long a fallback announcement stays readable.
	AnnounceTTL = 30 * time.Second
	// DiscoveryInterval is the presence poll period.
	DiscoveryInterval = 5 * time.Second
	// HeartbeatInterval is the self-refresh period for own presence.
	HeartbeatInterval = 15 * time.Second
)

// Well-known storage keys. Room codes and presence records are readable by
// any same-origin context; the serverless design offers no privacy here.
const (
	RoomHistoryKey = "room-history"
	SettingsKey    = "settings"
)

// ParticipantRecord is a participant's liveness entry for a room, keyed by
// (room, participant). LastSeenAt increases monotonically while online.
type ParticipantRecord struct {
	RoomID        string    `json:"room_id"`
	ParticipantID string    `json:"participant_id"`
	DisplayName   string    `json:"display_name"`
	LastSeenAt    time.Time `json:"last_seen_at"`
	Online        bool      `json:"online"`
}

// Expired reports whether the record is past the staleness threshold.
func (r ParticipantRecord) Expired(now time.Time) bool {
	return now.Sub(r.LastSeenAt) > StaleAfter
}

// AnnouncementEvent is a transient join notification used only to wake up
// listeners faster than the discovery poll.
type AnnouncementEvent struct {
	Kind          string    `json:"kind"`
	RoomID        string    `json:"room_id"`
	ParticipantID string    `json:"participant_id"`
	DisplayName   string    `json:"display_name"`
	SentAt        time.Time `json:"sent_at"`
}

const AnnouncementKindJoined = "joined"

func PresenceKey(roomID, participantID string) string {
	return fmt.Sprintf("presence:%s:%s", roomID, participantID)
}

func PresencePrefix(roomID string) string {
	return fmt.Sprintf("presence:%s:", roomID)
}

func AnnounceKey(roomID string, at time.Time) string {
	return fmt.Sprintf("announce:%s:%d", roomID, at.UnixMilli())
}

func AnnouncePrefix(roomID string) string {
	return fmt.Sprintf("announce:%s:", roomID)
}

func AnnounceTopic(roomID string) string {
	return "announce:" + roomID
}

func SignalTopic(roomID string) string {
	return "signal:" + roomID
}
