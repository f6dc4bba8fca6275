package iprotod

import (
	"context"

	"pkt.systems/iprotod/internal/handler"
	"pkt.systems/iprotod/internal/wire"
)

// builtinHandlers answers the requests every server understands regardless
// of overrides.
func builtinHandlers() map[uint32]handler.Func {
	return map[uint32]handler.Func{
		wire.TypePing: handlePing,
		wire.TypeID:   handleID,
	}
}

func handlePing(_ context.Context, _ handler.Request, out handler.Sink, _ any) error {
	return out.Reply(nil)
}

func handleID(_ context.Context, _ handler.Request, out handler.Sink, _ any) error {
	return out.Reply(wire.AppendIDBody(nil, wire.ProtocolVersion, []uint64{wire.FeatureStreams}))
}
