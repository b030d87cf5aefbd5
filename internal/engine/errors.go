package engine

import "errors"

var (
	// ErrInvalidSessionTransition rejects a transition the state machine
	// does not allow. State is left untouched.
	ErrInvalidSessionTransition = errors.New("invalid session transition")

	// ErrExposureNotFlat rejects a live stop while net quantity is non-zero
	// and the caller did not request a combined flatten.
	ErrExposureNotFlat = errors.New("live exposure not flat")

	// ErrUnresolvedHalt blocks Idle -> Live while a halt event is still
	// unacknowledged.
	ErrUnresolvedHalt = errors.New("unresolved halt event on record")

	// ErrLiveClientMissing blocks live sessions when no execution client is
	// configured.
	ErrLiveClientMissing = errors.New("live execution client not configured")

	// ErrLimitsInvalid keeps every session in Idle when the risk
	// configuration failed validation at boot.
	ErrLimitsInvalid = errors.New("risk limits invalid")

	// ErrEngineStopped is returned when a command is sent after shutdown.
	ErrEngineStopped = errors.New("engine stopped")

	// ErrMalformedIntent rejects an order intent that fails basic
	// validation before any guardrail runs.
	ErrMalformedIntent = errors.New("malformed order intent")
)
