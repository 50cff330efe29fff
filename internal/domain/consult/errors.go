package consult

import "errors"

var (
	ErrMediaAccessDenied = errors.New("media device access denied")
	ErrSignalingFailure  = errors.New("signaling transport unreachable")
	ErrInvalidState      = errors.New("operation not valid in current session state")
	ErrNotConfirmed      = errors.New("appointment is not confirmed")
	ErrNotParticipant    = errors.New("caller is not a participant of this appointment")
	ErrSessionActive     = errors.New("a consultation session is already active")
)
