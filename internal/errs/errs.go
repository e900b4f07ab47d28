// Package errs defines the failure classes shared by the store, transport,
// session coordinator and caches. Every error produced by those layers
// matches exactly one sentinel through errors.Is.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrStorageUnavailable means the local store could not be opened, read
	// or written. Callers degrade to in-memory state.
	ErrStorageUnavailable = errors.New("local store unavailable")
	// ErrNetwork covers transport failures and timeouts.
	ErrNetwork = errors.New("network failure")
	// ErrAuthExpired means the server rejected the access token. It is
	// recoverable through a token refresh.
	ErrAuthExpired = errors.New("auth expired")
	// ErrAuthInvalid is terminal: the session has been cleared and the user
	// must sign in again.
	ErrAuthInvalid = errors.New("auth invalid")
	// ErrValidation rejects a local mutation before any effect happens.
	ErrValidation = errors.New("validation failed")
)

// Token error codes carried in the response envelope.
const (
	CodeTokenExpired = 20002
	CodeTokenInvalid = 20003
)

type classified struct {
	kind error
	err  error
}

func (e *classified) Error() string   { return e.kind.Error() + ": " + e.err.Error() }
func (e *classified) Unwrap() []error { return []error{e.kind, e.err} }

func wrap(kind, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, kind) {
		return err
	}
	return &classified{kind: kind, err: err}
}

// Storage classifies err as ErrStorageUnavailable.
func Storage(err error) error { return wrap(ErrStorageUnavailable, err) }

// Network classifies err as ErrNetwork.
func Network(err error) error { return wrap(ErrNetwork, err) }

// Validation builds an ErrValidation error.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// AuthInvalid builds an ErrAuthInvalid error.
func AuthInvalid(reason string) error {
	return fmt.Errorf("%w: %s", ErrAuthInvalid, reason)
}

// BizError is a non-zero business code returned inside a successful HTTP
// response envelope.
type BizError struct {
	Code    int
	Message string
	TraceID string
}

func (e *BizError) Error() string {
	if e.TraceID != "" {
		return fmt.Sprintf("business error %d: %s (trace %s)", e.Code, e.Message, e.TraceID)
	}
	return fmt.Sprintf("business error %d: %s", e.Code, e.Message)
}

// Is makes token error codes match ErrAuthExpired.
func (e *BizError) Is(target error) bool {
	return target == ErrAuthExpired && IsTokenCode(e.Code)
}

// IsTokenCode reports whether code signals a rejected access token.
func IsTokenCode(code int) bool {
	return code == CodeTokenExpired || code == CodeTokenInvalid
}
