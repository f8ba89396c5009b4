package domain

import (
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"strings"
	"time"
)

const (
	RoomCodeLen    = 6
	MinRoomCodeLen = 4

	roomCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

var ErrInvalidRoomCode = errors.New("invalid room code")

type (
	RoomCode string
	RoomName string
)

type Room struct {
	Code      RoomCode  `json:"code"`
	Name      RoomName  `json:"name"`
	Host      string    `json:"host,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// GenerateRoomCode returns a fresh 6-character code from the restricted alphabet.
func GenerateRoomCode() RoomCode {
	b := make([]byte, RoomCodeLen)
	for i := range b {
		b[i] = roomCodeAlphabet[rand.Intn(len(roomCodeAlphabet))]
	}
	return RoomCode(b)
}

// NormalizeRoomCode applies the lenient entry policy: trim, upper-case, reject
// anything shorter than 4 characters, truncate to 6 and left-pad shorter codes
// with zeros. Padding means two different user-intended codes can collide
// ("AB1234" vs a padded "0AB123"); that hazard is accepted for entry friction.
func NormalizeRoomCode(raw string) (RoomCode, error) {
	code := strings.ToUpper(strings.TrimSpace(raw))
	if len(code) < MinRoomCodeLen {
		return "", ErrInvalidRoomCode
	}
	if len(code) > RoomCodeLen {
		code = code[:RoomCodeLen]
	}
	for len(code) < RoomCodeLen {
		code = "0" + code
	}
	return RoomCode(code), nil
}

// RoomLink builds a shareable join URL: base plus a "room" query parameter.
func RoomLink(base string, code RoomCode) string {
	return fmt.Sprintf("%s?room=%s", base, code)
}

// RoomCodeFromLink extracts the "room" query parameter from a join URL, if any.
func RoomCodeFromLink(raw string) (RoomCode, bool) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	v := u.Query().Get("room")
	if v == "" {
		return "", false
	}
	code, err := NormalizeRoomCode(v)
	if err != nil {
		return "", false
	}
	return code, true
}
