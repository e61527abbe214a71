package imap

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies engine failures so callers can react without
// string matching. The kind survives fmt.Errorf("%w") wrapping.
type ErrorKind int

const (
	// KindProtocol means the tokenizer or response parser rejected input.
	KindProtocol ErrorKind = iota
	// KindTransport means stream I/O failed or the connection closed unexpectedly.
	KindTransport
	// KindServerRejection means a tagged NO or BAD completion.
	KindServerRejection
	// KindAuthentication means credential rejection or an unsupported mechanism.
	KindAuthentication
	// KindCancelled means a cancellation token fired.
	KindCancelled
	// KindOffline means an operation was attempted while offline.
	KindOffline
	// KindNotFound means a referenced UID or folder is absent.
	KindNotFound
	// KindInternal means an invariant was violated.
	KindInternal
)

func (k ErrorKind) String() string {
	switch k {
	case KindProtocol:
		return "protocol"
	case KindTransport:
		return "transport"
	case KindServerRejection:
		return "server-rejection"
	case KindAuthentication:
		return "authentication"
	case KindCancelled:
		return "cancelled"
	case KindOffline:
		return "offline"
	case KindNotFound:
		return "not-found"
	case KindInternal:
		return "internal"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// Error is the engine's error type. StatusText carries the server's
// human-readable text for tagged NO/BAD completions.
type Error struct {
	Kind       ErrorKind
	StatusText string
	wrapped    error
	msg        string
}

func (e *Error) Error() string {
	switch {
	case e.msg != "" && e.wrapped != nil:
		return fmt.Sprintf("imap: %s: %v", e.msg, e.wrapped)
	case e.msg != "":
		return fmt.Sprintf("imap: %s", e.msg)
	case e.wrapped != nil:
		return fmt.Sprintf("imap: %s: %v", e.Kind, e.wrapped)
	default:
		return fmt.Sprintf("imap: %s", e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.wrapped }

// Is matches two engine errors by kind, so
// errors.Is(err, &Error{Kind: KindCancelled}) works on wrapped chains.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.msg == "" || t.msg == e.msg)
}

// Common sentinels for errors.Is checks.
var (
	ErrDisconnected = &Error{Kind: KindTransport, msg: "disconnected"}
	ErrCancelled    = &Error{Kind: KindCancelled}
	ErrOffline      = &Error{Kind: KindOffline}
	ErrNotFound     = &Error{Kind: KindNotFound}
	ErrShutdown     = &Error{Kind: KindTransport, msg: "server shut down"}
)

func protocolErrorf(format string, args ...any) error {
	return &Error{Kind: KindProtocol, msg: fmt.Sprintf(format, args...)}
}

func transportError(err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Kind: KindTransport, wrapped: err}
}

func internalErrorf(format string, args ...any) error {
	return &Error{Kind: KindInternal, msg: fmt.Sprintf(format, args...)}
}

func authError(err error) error {
	return &Error{Kind: KindAuthentication, wrapped: err}
}

// serverError builds a KindServerRejection error from a tagged NO/BAD
// completion status.
func serverError(st *StatusInfo) error {
	text := st.Text
	if text == "" {
		text = st.Result.String()
	}
	return &Error{Kind: KindServerRejection, StatusText: st.Text, msg: text}
}

// ErrKind extracts the ErrorKind from an error chain. The second return
// is false if the chain contains no engine error.
func ErrKind(err error) (ErrorKind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// IsCancelled reports whether the error chain is a cancellation, either
// an engine cancel or a context cancellation.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
