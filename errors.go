package authbff

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionNotFound is returned by session stores when no live
	// session exists for an identifier. Expired-but-not-yet-swept
	// sessions are reported with this error too.
	ErrSessionNotFound = errors.New("session not found")

	// ErrStateMismatch signals that the state returned by the provider
	// does not match the one bound to the login transaction. Possible
	// CSRF; the login attempt is discarded.
	ErrStateMismatch = errors.New("oauth state mismatch")

	// ErrLoginExpired signals a login transaction presented outside its
	// validity window.
	ErrLoginExpired = errors.New("login transaction expired")

	// ErrRateLimited is returned when a client identity has exhausted its
	// request window.
	ErrRateLimited = errors.New("rate limit exceeded")
)

// ExchangeError describes a non-success response from the provider's token
// endpoint. Its contents are logged server-side only and are never surfaced
// to the browser.
type ExchangeError struct {
	StatusCode int
	Body       string
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("token endpoint returned %d: %s", e.StatusCode, e.Body)
}

// Flow error kinds carried back to the application root as ?error=<kind>.
// These are the only failure details the browser ever sees.
const (
	FlowErrInvalidRequest = "invalid_request"
	FlowErrInvalidState   = "invalid_state"
	FlowErrAuthFailed     = "auth_failed"
)
