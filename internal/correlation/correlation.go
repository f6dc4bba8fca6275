// Package correlation carries the identity of the request being executed
// through the handler context.
package correlation

import (
	"context"
	"strconv"
)

type contextKey struct{}

// Request names one request: the connection it arrived on, its stream and
// its sync number.
type Request struct {
	ConnID   string
	StreamID uint64
	Sync     uint64
	Thread   int
}

// ID renders r as "<conn>/<sync>", or "<conn>/<stream>/<sync>" for requests
// on a non-zero stream.
func (r Request) ID() string {
	if r.ConnID == "" {
		return ""
	}
	id := r.ConnID + "/"
	if r.StreamID != 0 {
		id += strconv.FormatUint(r.StreamID, 10) + "/"
	}
	return id + strconv.FormatUint(r.Sync, 10)
}

// With returns ctx carrying r.
func With(ctx context.Context, r Request) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, contextKey{}, r)
}

// FromContext returns the request carried by ctx.
func FromContext(ctx context.Context) (Request, bool) {
	if ctx == nil {
		return Request{}, false
	}
	r, ok := ctx.Value(contextKey{}).(Request)
	return r, ok
}

// ID returns the correlation id of the request carried by ctx, or "".
func ID(ctx context.Context) string {
	r, _ := FromContext(ctx)
	return r.ID()
}
