package broker

import "errors"

var (
	// ErrStopped is returned when the broker loop is no longer running.
	ErrStopped = errors.New("broker stopped")

	// ErrTargetOffline is returned when a direct request names a connection that is not registered.
	ErrTargetOffline = errors.New("target not online")

	// ErrTargetBusy is returned when the chosen counterpart is already in a session.
	ErrTargetBusy = errors.New("target is busy")

	// ErrAlreadyInSession is returned when the requester already has a session.
	ErrAlreadyInSession = errors.New("already in a chat")

	// ErrSelfTarget is returned when a client targets its own connection id.
	ErrSelfTarget = errors.New("cannot chat with yourself")

	// ErrBadPayload is returned when an envelope payload cannot be decoded.
	ErrBadPayload = errors.New("invalid payload")
)

// errorCode maps broker errors to stable wire codes.
func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrTargetOffline):
		return "target_offline"
	case errors.Is(err, ErrTargetBusy):
		return "target_busy"
	case errors.Is(err, ErrAlreadyInSession):
		return "already_in_session"
	case errors.Is(err, ErrSelfTarget):
		return "self_target"
	case errors.Is(err, ErrBadPayload):
		return "bad_payload"
	default:
		return "internal"
	}
}
