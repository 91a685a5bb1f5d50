package mining

import "errors"

// Typed errors surfaced to callers. The API layer maps these onto
// protocol error codes; nothing below it speaks HTTP.
var (
	// ErrSessionInProgress is returned by Start when the user already
	// has an in_progress session.
	ErrSessionInProgress = errors.New("mining session already in progress")

	// ErrNoActiveSession is returned by Finalize when there is no
	// in_progress session to stop.
	ErrNoActiveSession = errors.New("no active mining session")

	// ErrWalletMissing is returned when a referenced wallet record does
	// not exist. The session is marked failed when this is detected.
	ErrWalletMissing = errors.New("wallet not found")

	// ErrOverrideNotAllowed is returned by Start when the caller supplies
	// session parameters but overrides are disabled in config.
	ErrOverrideNotAllowed = errors.New("session parameter overrides are disabled")
)
