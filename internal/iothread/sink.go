package iothread

import (
	"fmt"

	"pkt.systems/iprotod/internal/wire"
)

// sink routes handler output back to the owning loop.
type sink struct {
	t      *Thread
	c      *Conn
	sync   uint64
	schema uint64
}

func (s *sink) Reply(body []byte) error {
	if len(body) > 0 {
		if err := wire.ValidateMap(body); err != nil {
			return fmt.Errorf("reply body: %w", err)
		}
	}
	return s.push(wire.AppendReply(nil, s.sync, s.schema, body))
}

func (s *sink) Send(header, body []byte) error {
	if err := wire.ValidateMap(header); err != nil {
		return fmt.Errorf("send header: %w", err)
	}
	if len(body) > 0 {
		if err := wire.ValidateMap(body); err != nil {
			return fmt.Errorf("send body: %w", err)
		}
	}
	return s.push(wire.AppendPacket(nil, header, body))
}

func (s *sink) push(data []byte) error {
	if !s.t.post(pushEvent{c: s.c, connID: s.c.id, data: data}) {
		return ErrStopped
	}
	return nil
}
