// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

const (
	MinDisplayNameLen = 2
	MaxDisplayNameLen = 20
)

var (
	ErrDisplayNameTooShort = errors.New("display name too short")
	ErrDisplayNameTooLong  = errors.New("display name too long")
	ErrDisplayNameCharset  = errors.New("display name may only contain letters, numbers, underscores and hyphens")
)

var displayNameRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

type ParticipantID string

type Participant struct {
	ID          ParticipantID `json:"id"`
	DisplayName string        `json:"display_name"`
}

// NewParticipant is a tiny helper to avoid ad-hoc struct literals in adapters.
func NewParticipant(displayName string) (*Participant, error) {
	name, err := ValidateDisplayName(displayName)
	if err != nil {
		return nil, err
	}
	id := ParticipantID(uuid.NewString())
	return &Participant{ID: id, DisplayName: name}, nil
}

// ValidateDisplayName trims and checks a user-entered name.
func ValidateDisplayName(raw string) (string, error) {
	name := strings.TrimSpace(raw)
	if len(name) < MinDisplayNameLen {
		return "", ErrDisplayNameTooShort
	}
	if len(name) > MaxDisplayNameLen {
		return "", ErrDisplayNameTooLong
	}
	if !displayNameRe.MatchString(name) {
		return "", ErrDisplayNameCharset
	}
	return name, nil
}
