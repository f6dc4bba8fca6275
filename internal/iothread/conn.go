package iothread

import (
	"net"

	"github.com/rs/xid"

	"pkt.systems/iprotod/internal/streams"
)

// Conn is one client connection. Every field is owned by the thread loop;
// the reader and writer goroutines only move bytes between the socket and
// the loop.
type Conn struct {
	id     string
	nc     net.Conn
	remote string
	thread *Thread

	inbuf   []byte
	outbuf  []byte
	wlen    int
	mem     int
	streams *streams.Manager

	grant chan int
	wq    chan []byte

	reading     bool
	writing     bool
	paused      bool
	readClosed  bool
	closing     bool
	socketShut  bool
	finalized   bool
	inflight    int
	closeReason error
}

func newConn(t *Thread, nc net.Conn) *Conn {
	c := &Conn{
		id:     xid.New().String(),
		nc:     nc,
		thread: t,
		grant:  make(chan int, 1),
		wq:     make(chan []byte, 1),
	}
	if addr := nc.RemoteAddr(); addr != nil {
		c.remote = addr.String()
	}
	c.streams = streams.NewManager(t.counters, c.dispatch)
	return c
}

// ID returns the connection identifier used by Server.Send.
func (c *Conn) ID() string {
	return c.id
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() string {
	return c.remote
}

func (c *Conn) start() {
	go c.readLoop()
	go c.writeLoop()
}

// readLoop performs one socket read per grant.
func (c *Conn) readLoop() {
	for n := range c.grant {
		buf := make([]byte, n)
		k, err := c.nc.Read(buf)
		if !c.thread.post(readEvent{c: c, data: buf[:k], err: err}) {
			return
		}
		if err != nil {
			return
		}
	}
}

// writeLoop writes each handed over batch in full.
func (c *Conn) writeLoop() {
	for batch := range c.wq {
		n, err := c.nc.Write(batch)
		if !c.thread.post(writeEvent{c: c, n: n, err: err}) {
			return
		}
		if err != nil {
			return
		}
	}
}

func (c *Conn) dispatch(req *streams.Request) bool {
	return c.thread.dispatch(c, req)
}

// syncMem reports buffer growth or shrinkage to the thread counters.
func (c *Conn) syncMem() {
	cur := len(c.inbuf) + len(c.outbuf) + c.wlen
	if c.finalized {
		cur = 0
	}
	c.thread.counters.AddMem(cur - c.mem)
	c.mem = cur
}

// shutSocket closes the socket and stops the reader and writer.
func (c *Conn) shutSocket() {
	if c.socketShut {
		return
	}
	c.socketShut = true
	_ = c.nc.Close()
	close(c.grant)
	close(c.wq)
}
