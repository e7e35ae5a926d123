// Package errs defines the error-kind taxonomy the core reports across its
// request surface, and sanitizes upstream error text before it reaches a
// transport response.
package errs

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Kind classifies a failure so transports can map it to a status code.
type Kind string

const (
	KindInvalidInput Kind = "invalid_input"
	KindNotFound     Kind = "not_found"
	KindConflict     Kind = "conflict"
	KindUpstream     Kind = "upstream"
	KindCommit       Kind = "commit"
)

// Error wraps a cause with a Kind and, for validator aggregates, the full
// list of distinct issue strings that contributed to it.
type Error struct {
	Kind   Kind
	Msg    string
	Issues []string
	Cause  error
}

func (e *Error) Error() string {
	if len(e.Issues) > 0 {
		return strings.Join(e.Issues, "\n")
	}
	if e.Msg != "" && e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Cause)
	}
	if e.Cause != nil {
		return e.Cause.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a plain kinded error.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap attaches a kind to an existing error, sanitizing its text.
func Wrap(kind Kind, cause error) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Cause: errors.New(Sanitize(cause.Error()))}
}

// Invalid builds the single aggregate InvalidInput error the validator
// produces from every collected issue, joined by newlines per the
// propagation policy.
func Invalid(issues []string) *Error {
	return &Error{Kind: KindInvalidInput, Issues: issues}
}

// NotFound, Conflict, Upstream, Commit are convenience constructors for the
// remaining kinds.
func NotFound(msg string) *Error { return New(KindNotFound, msg) }
func Conflict(msg string) *Error { return New(KindConflict, msg) }
func Upstream(cause error) *Error { return Wrap(KindUpstream, cause) }
func Commit(cause error) *Error   { return Wrap(KindCommit, cause) }

// KindOf extracts the Kind of err, defaulting to KindUpstream for anything
// not produced by this package (an unclassified failure is treated as an
// upstream/internal error, never surfaced as the caller's fault).
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUpstream
}

// secretPatterns catches things that must never reach a transport response:
// connection strings, bearer tokens, API keys. UUIDs are structural
// identifiers the caller already supplied, not secrets, so they are never
// redacted here.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)password\s*[:=]\s*\S+`),
	regexp.MustCompile(`(?i)(api[_-]?key|secret|token)\s*[:=]\s*\S+`),
	regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9\-._~+/]+=*`),
	regexp.MustCompile(`[a-zA-Z][a-zA-Z0-9+.-]*://[^:]+:[^@]+@\S+`),
}

// Sanitize strips secret-shaped substrings from a message before it is
// attached to an error that may be rendered to a caller or logged.
func Sanitize(msg string) string {
	result := msg
	for _, p := range secretPatterns {
		result = p.ReplaceAllString(result, "[REDACTED]")
	}
	return strings.TrimSpace(result)
}
