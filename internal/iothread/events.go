package iothread

import (
	"net"

	"pkt.systems/iprotod/internal/streams"
)

// event is a state change applied by the owning loop.
type event interface{}

type acceptEvent struct {
	nc net.Conn
}

type readEvent struct {
	c    *Conn
	data []byte
	err  error
}

type writeEvent struct {
	c   *Conn
	n   int
	err error
}

type completeEvent struct {
	c   *Conn
	req *streams.Request
	err error
}

type pushEvent struct {
	c      *Conn
	connID string
	data   []byte
	done   chan error
}

type drainEvent struct{}
