// Package errs defines the error taxonomy shared across specmux.
// Every error carries a stable machine-readable kind so callers and the
// dashboard can branch without string matching.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

// Kind identifies a class of failure.
type Kind string

const (
	KindConfiguration      Kind = "configuration"
	KindResourceNotFound   Kind = "resource_not_found"
	KindAuth               Kind = "auth"
	KindPlugin             Kind = "plugin"
	KindReporterResolution Kind = "reporter_resolution"
)

// Error is a classified error. Paths holds the filesystem locations that
// were searched when the failure is about a missing file or module.
type Error struct {
	Kind    Kind
	Message string
	Paths   []string
	Status  int // HTTP status for auth/remote failures, 0 otherwise
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if len(e.Paths) > 0 {
		msg = fmt.Sprintf("%s (searched: %s)", msg, strings.Join(e.Paths, ", "))
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Configuration reports an invalid or missing configuration value.
func Configuration(format string, args ...any) *Error {
	return &Error{Kind: KindConfiguration, Message: fmt.Sprintf(format, args...)}
}

// NotFound reports a missing filesystem resource, recording the paths searched.
func NotFound(message string, paths ...string) *Error {
	return &Error{Kind: KindResourceNotFound, Message: message, Paths: paths}
}

// Auth reports a token or remote-API failure with the HTTP status when known.
func Auth(status int, message string, err error) *Error {
	return &Error{Kind: KindAuth, Message: message, Status: status, Err: err}
}

// Plugin wraps a failure raised during plugin host init or re-init.
func Plugin(message string, err error) *Error {
	return &Error{Kind: KindPlugin, Message: message, Err: err}
}

// ReporterNotFound reports a reporter module that could not be resolved on
// any search path. Distinguished from other reporter load failures by kind
// plus the recorded paths.
func ReporterNotFound(name string, paths []string) *Error {
	return &Error{
		Kind:    KindReporterResolution,
		Message: fmt.Sprintf("reporter not found: %s", name),
		Paths:   paths,
	}
}

// KindOf returns the kind of err, or "" when err carries no taxonomy.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// StatusOf returns the HTTP status attached to err, or 0.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	return 0
}
