package chat

import "errors"

var (
	// ErrInvalidMessage rejects a frame that carries no message at all.
	ErrInvalidMessage = errors.New("chat: invalid message")

	// ErrRoomUnavailable means the target room could not be resolved or
	// created. The message is dropped.
	ErrRoomUnavailable = errors.New("chat: room unavailable")

	// ErrDispatchFailed means a publish did not reach the broker. Persistence
	// that already happened stands.
	ErrDispatchFailed = errors.New("chat: dispatch failed")

	// ErrPresenceInconsistency flags a disconnect for a connection the
	// tracker never saw. Callers treat it as a no-op.
	ErrPresenceInconsistency = errors.New("chat: presence inconsistency")
)
