// Package chat holds the domain policies of the session hub: the error
// taxonomy, role capabilities, content filtering, presence tracking, and
// reaction normalization. Everything here is pure policy with no transport
// or storage dependencies.
package chat

import "errors"

// Kind classifies a domain error for handling decisions. Every rejection a
// client can cause maps to exactly one kind.
type Kind int

const (
	KindInvalidInput Kind = iota + 1
	KindPermissionDenied
	KindRateLimited
	KindInappropriate
	KindNotFound
	KindConflict
	KindUnauthorized
	KindTransient
	KindFatal
)

// Stable machine codes carried on error frames. Clients key on these, so
// they never change.
const (
	CodeInvalidInput     = "invalid_input"
	CodePermissionDenied = "permission_denied"
	CodeRateLimit        = "rate_limit"
	CodeInappropriate    = "inappropriate_content"
	CodeNotFound         = "not_found"
	CodeConflict         = "conflict"
	CodeLimitReached     = "limit_reached"
	CodeUnauthorized     = "unauthorized"
	CodeTransient        = "temporary_failure"
)

// Error is a domain error with a classification and a wire code.
type Error struct {
	Kind    Kind
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Message }

// Retryable reports whether the client may retry the same intent unchanged.
func (e *Error) Retryable() bool { return e.Kind == KindTransient || e.Kind == KindRateLimited }

// As extracts a domain error from an error chain.
func As(err error) (*Error, bool) {
	var de *Error
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

func ErrInvalidInput(msg string) *Error {
	return &Error{Kind: KindInvalidInput, Code: CodeInvalidInput, Message: msg}
}

func ErrPermissionDenied(msg string) *Error {
	return &Error{Kind: KindPermissionDenied, Code: CodePermissionDenied, Message: msg}
}

func ErrRateLimited(msg string) *Error {
	return &Error{Kind: KindRateLimited, Code: CodeRateLimit, Message: msg}
}

func ErrInappropriate(msg string) *Error {
	return &Error{Kind: KindInappropriate, Code: CodeInappropriate, Message: msg}
}

func ErrNotFound(msg string) *Error {
	return &Error{Kind: KindNotFound, Code: CodeNotFound, Message: msg}
}

func ErrConflict(msg string) *Error {
	return &Error{Kind: KindConflict, Code: CodeConflict, Message: msg}
}

// ErrLimitReached is a Conflict with its own wire code, used when a hard cap
// (such as the per-room pin limit) is already exhausted.
func ErrLimitReached(msg string) *Error {
	return &Error{Kind: KindConflict, Code: CodeLimitReached, Message: msg}
}

func ErrUnauthorized(msg string) *Error {
	return &Error{Kind: KindUnauthorized, Code: CodeUnauthorized, Message: msg}
}

func ErrTransient(msg string) *Error {
	return &Error{Kind: KindTransient, Code: CodeTransient, Message: msg}
}
