// Package matchd is the root package for the PSIRT/bug matching service: it
// holds the domain types shared across every internal package (errors,
// severity, durations) so that none of them need to import each other's
// internals.
package matchd

import (
	"errors"
	"strings"
)

// Error is the service's error domain type.
//
// Errors coming from matchd components should be inspectable as ([errors.As])
// an *Error at some point in the error chain. Components should create an
// Error at the system boundary (DB driver, SSH session, HTTP decode) and
// intermediate layers should wrap with "%w" rather than nesting another
// Error, except to narrow the Kind.
type Error struct {
	Inner   error
	Kind    ErrorKind
	Message string
	Op      string
}

var (
	_ error                       = (*Error)(nil)
	_ interface{ Is(error) bool } = (*Error)(nil)
	_ interface{ Unwrap() error } = (*Error)(nil)
)

// Error implements error.
func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(" ")
	}
	b.WriteString("[")
	switch e.Kind {
	case ErrBadInput, ErrNotFound, ErrUnauthorized, ErrRateLimited,
		ErrTimeout, ErrUpstream, ErrTransient, ErrCorrupt, ErrInternal:
		b.WriteString(string(e.Kind))
	default:
		b.WriteString("???")
	}
	b.WriteString("]: ")
	if e.Message != "" {
		b.WriteString(e.Message)
	}
	if e.Message != "" && e.Inner != nil {
		b.WriteString(": ")
	}
	if e.Op == "" && e.Message == "" {
		b.Reset()
	}
	if e.Inner != nil {
		b.WriteString(e.Inner.Error())
	}
	return b.String()
}

// Is enables [errors.Is] against a declared [ErrorKind].
func (e *Error) Is(kind error) bool {
	return errors.Is(e.Kind, kind)
}

// Unwrap enables [errors.Unwrap].
func (e *Error) Unwrap() error {
	return e.Inner
}

// ErrorKind represents classes of failure, per spec §7. Handlers map these to
// HTTP status codes; nothing below the handler boundary should know about
// HTTP at all.
type ErrorKind string

// Error implements error so an ErrorKind can be compared with [errors.Is]
// directly.
func (k ErrorKind) Error() string { return string(k) }

// Defined error kinds, see spec §7 "Taxonomy of failures".
var (
	ErrBadInput     = ErrorKind("bad-input")     // 400: unknown platform, bad version string, invalid snapshot
	ErrNotFound     = ErrorKind("not-found")     // 404: unknown analysis/vulnerability/device id
	ErrUnauthorized = ErrorKind("unauthorized")  // 401/403: missing/invalid admin secret
	ErrRateLimited  = ErrorKind("rate-limited")  // 429: sliding-window exceeded
	ErrTimeout      = ErrorKind("timeout")       // 504, or 200 w/ needs_review for inference
	ErrUpstream     = ErrorKind("upstream")      // 502: model call or SSH failure
	ErrTransient    = ErrorKind("transient")     // retried internally (DB locked); surfaced as 500 if retries exhausted
	ErrCorrupt      = ErrorKind("corrupt")       // 400: offline-update manifest/hash/schema invalid
	ErrInternal     = ErrorKind("internal")      // non-specific internal error
)
