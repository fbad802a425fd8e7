package api

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthExpired marks a 401 from a non-auth endpoint. It is recovered
	// by one re-authentication and one replay; when that fails the error
	// also wraps session.ErrAuthFailed.
	ErrAuthExpired = errors.New("auth expired")

	// ErrTransport covers network failures and unexpected statuses. The
	// dispatcher never retries these.
	ErrTransport = errors.New("transport failure")

	// ErrUnknownOperation is returned for names missing from the table.
	ErrUnknownOperation = errors.New("unknown operation")
)

// StatusError is an unexpected HTTP status from a vendor call.
type StatusError struct {
	Op   string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d", e.Op, e.Code)
}

func (e *StatusError) Unwrap() error { return ErrTransport }
