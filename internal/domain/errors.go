package domain

import "errors"

// Failure taxonomy for the session core. None of these are fatal to the
// process; see the propagation rules on each component.
var (
	// ErrStorageUnavailable marks a failed write to the shared presence
	// substrate. Presence degrades to in-memory only, the session continues.
	ErrStorageUnavailable = errors.New("shared storage unavailable")

	// ErrMediaAccessDenied is surfaced to StartVoice callers; text chat
	// remains usable.
	ErrMediaAccessDenied = errors.New("media access denied")

	// ErrTransportFailed marks an unrecoverable peer link. The link is torn
	// down without retry; discovery re-attempts while the remote stays present.
	ErrTransportFailed = errors.New("peer transport failed")

	// ErrMalformedMessage is dropped at the data-channel boundary.
	ErrMalformedMessage = errors.New("malformed message payload")

	// ErrNotInRoom rejects operations that require a joined room.
	ErrNotInRoom = errors.New("not in a room")
)
