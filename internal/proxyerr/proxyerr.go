// Package proxyerr defines the proxy's error kinds so callers can branch
// on failure category instead of matching on error strings, following the
// teacher corpus's MakeError/IsError convention.
package proxyerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error per the proxy's error taxonomy (spec §7).
type Kind int

const (
	// KindTransport covers upstream TCP/SOCKS failures; always logged and
	// triggers reconnect, never surfaced to miners.
	KindTransport Kind = iota
	// KindProtocol covers malformed JSON or overlong lines.
	KindProtocol
	// KindNotConnected is returned synchronously by an rpc call on a
	// client that has never completed a connection.
	KindNotConnected
	// KindNoJob means the registry has no cached job yet.
	KindNoJob
	// KindStaleJob means the cached job has exceeded the coin timeout.
	KindStaleJob
	// KindUnsupportedMethod covers a getwork request naming a method the
	// endpoint doesn't serve.
	KindUnsupportedMethod
	// KindRemote wraps an error reported by the upstream pool itself.
	KindRemote
	// KindConfig covers fatal configuration problems (wrong wallet
	// length, unparseable config file).
	KindConfig
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindNotConnected:
		return "not_connected"
	case KindNoJob:
		return "no_job"
	case KindStaleJob:
		return "stale_job"
	case KindUnsupportedMethod:
		return "unsupported_method"
	case KindRemote:
		return "remote"
	case KindConfig:
		return "config"
	default:
		return "unknown"
	}
}

// Error is the proxy's typed error. It wraps an optional underlying cause
// so errors.Is/errors.As still traverse to it.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a Kind-tagged error with no underlying cause.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf is New with fmt.Sprintf-style formatting.
func Newf(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap tags err with kind, preserving it as the cause. Returns nil for a
// nil err, matching errors.Wrap-family conventions used across the pack.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: err.Error(), Err: err}
}

// Is reports whether err is a *Error of the given Kind, unwrapping through
// any wrapper chain.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
