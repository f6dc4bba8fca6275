package iprotod

import (
	"errors"

	"pkt.systems/iprotod/internal/handler"
	"pkt.systems/iprotod/internal/ierr"
	"pkt.systems/iprotod/internal/iothread"
)

// Error kinds. Match with errors.Is.
var (
	ErrConfig             = ierr.ErrConfig
	ErrNetwork            = ierr.ErrNetwork
	ErrProtocol           = ierr.ErrProtocol
	ErrFrameTooLarge      = ierr.ErrFrameTooLarge
	ErrUnsupportedRequest = ierr.ErrUnsupportedRequest
	ErrHandler            = ierr.ErrHandler
	ErrInvalidThreadID    = ierr.ErrInvalidThreadID
)

var (
	// ErrFallback may be returned by an override to run the built-in handler.
	ErrFallback = handler.ErrFallback
	// ErrConnNotFound is returned by Send for an unknown connection id.
	ErrConnNotFound = iothread.ErrConnNotFound
	// ErrServerClosed is returned by operations on a shut down server.
	ErrServerClosed = errors.New("iprotod: server closed")
)
