package conversation

import "errors"

var (
	// ErrSessionNotFound is returned for an unknown or evicted session ID.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionEnded is returned when operating on an explicitly ended session.
	ErrSessionEnded = errors.New("session ended")
	// ErrTurnInFlight is returned when a send arrives while one is outstanding.
	// Sends are serialized per session, never queued.
	ErrTurnInFlight = errors.New("a turn is already in flight")
	// ErrMessageNotFound is returned when a replay target does not exist.
	ErrMessageNotFound = errors.New("message not found")
	// ErrEmptyMessage is returned for a blank outbound send.
	ErrEmptyMessage = errors.New("message text is empty")
)
