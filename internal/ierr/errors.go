// Package ierr defines the error taxonomy shared by the iproto front end.
package ierr

import (
	"errors"
	"fmt"
)

// Kind classifies an error by how it propagates.
type Kind string

const (
	// KindConfig marks invalid configuration (thread count, msg_max, readahead).
	KindConfig Kind = "config"
	// KindNetwork marks bind, accept and socket I/O failures.
	KindNetwork Kind = "network"
	// KindProtocol marks malformed frames. Connection fatal.
	KindProtocol Kind = "protocol"
	// KindUnsupported marks a request type without a handler.
	KindUnsupported Kind = "unsupported_request"
	// KindHandler marks a failure reported by a request handler.
	KindHandler Kind = "handler"
	// KindInvalidThread marks a statistics query for an unknown thread.
	KindInvalidThread Kind = "invalid_thread_id"
)

// Error carries a kind, an optional wire error code and detail. Errors
// compare equal to the sentinels below via errors.Is when their kinds match.
type Error struct {
	Kind   Kind
	Code   uint32
	Detail string
	Err    error

	tooLarge bool
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.tooLarge {
		msg = "frame too large"
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches sentinels by kind. ErrFrameTooLarge only matches errors created
// by FrameTooLarge, while ErrProtocol matches every protocol error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Kind != e.Kind {
		return false
	}
	if t.tooLarge {
		return e.tooLarge
	}
	return t.Detail == "" && t.Err == nil
}

// Sentinels for errors.Is.
var (
	ErrConfig             = &Error{Kind: KindConfig}
	ErrNetwork            = &Error{Kind: KindNetwork}
	ErrProtocol           = &Error{Kind: KindProtocol}
	ErrFrameTooLarge      = &Error{Kind: KindProtocol, tooLarge: true}
	ErrUnsupportedRequest = &Error{Kind: KindUnsupported}
	ErrHandler            = &Error{Kind: KindHandler}
	ErrInvalidThreadID    = &Error{Kind: KindInvalidThread}
)

// Config returns a configuration error.
func Config(format string, args ...any) error {
	return &Error{Kind: KindConfig, Detail: fmt.Sprintf(format, args...)}
}

// Network wraps err as a network error naming addr.
func Network(addr string, err error) error {
	return &Error{Kind: KindNetwork, Detail: addr, Err: err}
}

// Protocol returns a connection-fatal protocol error.
func Protocol(format string, args ...any) error {
	return &Error{Kind: KindProtocol, Detail: fmt.Sprintf(format, args...)}
}

// FrameTooLarge reports unconsumed input that outgrew the readahead limit.
func FrameTooLarge(size, limit int) error {
	return &Error{Kind: KindProtocol, tooLarge: true, Detail: fmt.Sprintf("%d bytes buffered, readahead %d", size, limit)}
}

// Unsupported reports a request type nobody handles.
func Unsupported(code, reqType uint32) error {
	return &Error{Kind: KindUnsupported, Code: code, Detail: fmt.Sprintf("Unknown request type %d", reqType)}
}

// Handler wraps an error returned by a request handler. When err carries its
// own code (ErrorCode() uint32) the code is preserved.
func Handler(code uint32, err error) error {
	var coded interface{ ErrorCode() uint32 }
	if errors.As(err, &coded) {
		code = coded.ErrorCode()
	}
	return &Error{Kind: KindHandler, Code: code, Err: err}
}

// InvalidThread reports an out-of-range thread id.
func InvalidThread(id, count int) error {
	return &Error{Kind: KindInvalidThread, Detail: fmt.Sprintf("thread %d out of range [0, %d)", id, count)}
}

// CodeOf extracts the wire error code from err, or fallback when none is set.
func CodeOf(err error, fallback uint32) uint32 {
	var e *Error
	if errors.As(err, &e) && e.Code != 0 {
		return e.Code
	}
	return fallback
}
