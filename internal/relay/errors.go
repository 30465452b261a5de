package relay

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors forming the §7 taxonomy. Carrying types below wrap these
// so errors.Is still matches after a layer adds context with %w.
var (
	// ErrAuth is a missing or invalid token (401).
	ErrAuth = errors.New("relay: authentication failed")
	// ErrNoEligibleKey means no key matched the model/provider/protocol for
	// this user (500, no retries).
	ErrNoEligibleKey = errors.New("relay: no eligible key")
	// ErrThrottled is the sentinel behind ThrottledError.
	ErrThrottled = errors.New("relay: upstream rate limited")
	// ErrPermanentKeyFailure is the sentinel behind PermanentKeyFailure.
	ErrPermanentKeyFailure = errors.New("relay: key permanently failed")
	// ErrTransientUpstream is a non-2xx or transport fault that counts
	// toward the consecutive-failure threshold.
	ErrTransientUpstream = errors.New("relay: transient upstream error")
	// ErrAdapter is a protocol conversion that produced unrepresentable
	// content.
	ErrAdapter = errors.New("relay: adapter error")
)

// ThrottledError reports an upstream 429, optionally carrying a parsed
// reset time for a more precise backoff than the engine's own arithmetic
// would compute.
type ThrottledError struct {
	Provider  string
	ResetTime *time.Time
	Detail    string
}

func (e *ThrottledError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", ErrThrottled, e.Provider, e.Detail)
	}
	return fmt.Sprintf("%s: %s", ErrThrottled, e.Provider)
}

func (e *ThrottledError) Unwrap() error { return ErrThrottled }

// PermanentKeyFailure reports invalid_grant or a persistent upstream 401;
// the router marks the key sticky-failed and excludes it from then on.
type PermanentKeyFailure struct {
	Provider string
	Reason   string
}

func (e *PermanentKeyFailure) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrPermanentKeyFailure, e.Provider, e.Reason)
}

func (e *PermanentKeyFailure) Unwrap() error { return ErrPermanentKeyFailure }

// HTTPStatuser is implemented by errors that carry their own HTTP status,
// letting the router map an aggregated error set without a type-switch
// that has to know every concrete error type.
type HTTPStatuser interface {
	HTTPStatus() int
}

func (e *ThrottledError) HTTPStatus() int { return 429 }

// AttemptsError aggregates the per-attempt failure messages from a router
// attempt loop behind the identity of the last failure. errors.Is/As still
// sees through to Last (a ThrottledError's HTTPStatus still resolves, for
// instance), while the HTTP layer can list every attempt in the error
// envelope's details instead of only the final one.
type AttemptsError struct {
	Last     error
	Messages []string
}

func (e *AttemptsError) Error() string     { return e.Last.Error() }
func (e *AttemptsError) Unwrap() error     { return e.Last }
func (e *AttemptsError) Details() []string { return e.Messages }

// AdapterError reports a protocol conversion that could not represent the
// source content in the target wire format.
type AdapterError struct {
	From, To Protocol
	Detail   string
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("%s: %s->%s: %s", ErrAdapter, e.From, e.To, e.Detail)
}

func (e *AdapterError) Unwrap() error { return ErrAdapter }
