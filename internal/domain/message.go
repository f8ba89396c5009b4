package domain

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

const MaxMessageLen = 500

var (
	ErrMessageEmpty   = errors.New("message is empty")
	ErrMessageTooLong = errors.New("message too long")
)

type MessageID string

// Message is immutable once sent. It may arrive twice over the redundant
// delivery paths; consumers deduplicate by ID.
type Message struct {
	ID       MessageID     `json:"id"`
	Text     string        `json:"text"`
	SenderID ParticipantID `json:"sender_id"`
	RoomCode RoomCode      `json:"room_code"`
	SentAt   time.Time     `json:"sent_at"`
}

func NewMessage(text string, sender ParticipantID, room RoomCode) (*Message, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrMessageEmpty
	}
	if len(text) > MaxMessageLen {
		return nil, ErrMessageTooLong
	}
	return &Message{
		ID:       MessageID(uuid.NewString()),
		Text:     text,
		SenderID: sender,
		RoomCode: room,
		SentAt:   time.Now(),
	}, nil
}
