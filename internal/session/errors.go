package session

import "errors"

var (
	// ErrChallengeRequired means the vendor asked for a two-factor code.
	// Requests stay held until Login is called with a code.
	ErrChallengeRequired = errors.New("two-factor code required")

	// ErrAuthFailed is terminal for the current cycle: tokens are cleared and
	// the user must re-enter credentials or a two-factor code.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrRateLimited means the vendor throttled the account (HTTP 429).
	ErrRateLimited = errors.New("rate limited")

	// ErrRequestsHeld is returned while the session hold flag is set.
	ErrRequestsHeld = errors.New("requests held")
)
