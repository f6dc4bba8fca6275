// Package iprotod is an embeddable binary-protocol request front end.
//
// A Server accepts client connections on one or more listen addresses, frames
// MessagePack encoded requests, and hands them to handlers registered per
// request type. Requests run on a bounded pool of execution contexts
// (5 × msg_max); requests that share a stream id run one at a time in arrival
// order, while requests on different streams run concurrently. Replies are
// buffered per connection and flushed asynchronously by the owning network
// thread.
//
// # Running a server
//
//	cfg := iprotod.Config{Listen: []string{":3301"}, Threads: 4}
//	srv, stop, err := iprotod.StartServer(ctx, cfg, iprotod.WithLogger(logger))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer stop(context.Background())
//
// # Handlers
//
// PING and ID are answered by built-in handlers. Everything else is routed
// through Server.Override:
//
//	err := srv.Override(wire.TypeCall, func(ctx context.Context, req handler.Request, out handler.Sink, hctx any) error {
//	    return out.Reply(encodeResult(req.Body))
//	}, nil, nil)
//
// A handler returning an error produces an error reply on the same sync; the
// connection stays open. Returning handler.ErrFallback hands the request to
// the built-in handler for its type.
//
// # Statistics
//
// Server.Stats sums the live gauges and cumulative totals of every network
// thread; Server.RmeanForeach reports per-second rates averaged over a five
// second window.
package iprotod
