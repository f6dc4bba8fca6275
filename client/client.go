package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"pkt.systems/iprotod/internal/svcfields"
	"pkt.systems/iprotod/internal/wire"
	"pkt.systems/pslog"
)

const (
	defaultDialTimeout = 5 * time.Second
	pushBuffer         = 64
	readChunk          = 16 << 10
)

// ErrClosed is returned for requests on a closed client.
var ErrClosed = errors.New("client: closed")

// ServerError is an error reply.
type ServerError struct {
	Code    uint32
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error %d: %s", e.Code, e.Message)
}

// Response is one decoded reply or pushed packet.
type Response struct {
	// Code is the header request-type field: 0 for OK, error bit plus code
	// for errors.
	Code   uint32
	Sync   uint64
	Schema uint64
	Header []byte
	Body   []byte
}

// Err returns the server error carried by r, if any.
func (r Response) Err() error {
	code, isErr := wire.IsError(r.Code)
	if !isErr {
		return nil
	}
	return &ServerError{Code: code, Message: wire.ErrorMessage(r.Body)}
}

// Greeting is the banner sent by the server on connect.
type Greeting struct {
	Banner string
	Salt   []byte
}

// Option configures a Client.
type Option func(*Client)

// WithLogger supplies a logger for client diagnostics.
func WithLogger(logger pslog.Logger) Option {
	return func(c *Client) {
		c.logger = svcfields.WithSubsystem(logger, "client.conn")
	}
}

// WithDialTimeout bounds connection setup including the greeting.
func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.dialTimeout = d
		}
	}
}

// Client is a pipelined connection to one server.
type Client struct {
	conn        net.Conn
	greeting    Greeting
	logger      pslog.Logger
	dialTimeout time.Duration

	nextSync atomic.Uint64
	writeMu  sync.Mutex

	mu      sync.Mutex
	pending map[uint64]chan Response
	err     error

	pushes    chan Response
	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to addr and reads the greeting.
func Dial(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	c := &Client{
		logger:      pslog.NoopLogger(),
		dialTimeout: defaultDialTimeout,
		pending:     make(map[uint64]chan Response),
		pushes:      make(chan Response, pushBuffer),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	network, address := splitAddress(addr)
	dialCtx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()
	var d net.Dialer
	conn, err := d.DialContext(dialCtx, network, address)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", addr, err)
	}
	if deadline, ok := dialCtx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}
	raw := make([]byte, wire.GreetingSize)
	if _, err := io.ReadFull(conn, raw); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("client: read greeting: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})
	banner, salt, err := wire.ParseGreeting(raw)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("client: %w", err)
	}
	c.conn = conn
	c.greeting = Greeting{Banner: banner, Salt: salt}
	c.logger = c.logger.With("remote", addr)
	c.logger.Debug("client.conn.connected", "banner", banner)
	go c.readLoop()
	return c, nil
}

func splitAddress(addr string) (network, address string) {
	addr = strings.TrimSpace(addr)
	switch {
	case strings.HasPrefix(addr, "unix/:"):
		return "unix", strings.TrimPrefix(addr, "unix/:")
	case strings.HasPrefix(addr, "unix://"):
		return "unix", strings.TrimPrefix(addr, "unix://")
	case strings.HasPrefix(addr, "/"):
		return "unix", addr
	}
	return "tcp", addr
}

// Greeting returns the banner and salt read on connect.
func (c *Client) Greeting() Greeting {
	return c.greeting
}

// Pushes delivers packets whose sync matches no pending request, such as
// those queued with Server.Send. Packets are dropped while the channel is
// full.
func (c *Client) Pushes() <-chan Response {
	return c.pushes
}

// Do sends one request and waits for its reply. An error reply is returned
// both as the Response and as a *ServerError.
func (c *Client) Do(ctx context.Context, reqType uint32, streamID uint64, body []byte) (Response, error) {
	id := c.nextSync.Add(1)
	ch := make(chan Response, 1)
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return Response{}, err
	}
	c.pending[id] = ch
	c.mu.Unlock()

	packet := wire.AppendRequest(nil, reqType, id, streamID, body)
	c.writeMu.Lock()
	_, err := c.conn.Write(packet)
	c.writeMu.Unlock()
	if err != nil {
		c.forget(id)
		c.fail(fmt.Errorf("client: write: %w", err))
		return Response{}, err
	}
	select {
	case resp, ok := <-ch:
		if !ok {
			return Response{}, c.failure()
		}
		return resp, resp.Err()
	case <-ctx.Done():
		c.forget(id)
		return Response{}, ctx.Err()
	}
}

// Ping checks the server responds.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Do(ctx, wire.TypePing, 0, nil)
	return err
}

// ID exchanges protocol versions and returns the server's version and
// feature list.
func (c *Client) ID(ctx context.Context) (uint64, []uint64, error) {
	resp, err := c.Do(ctx, wire.TypeID, 0, wire.AppendIDBody(nil, wire.ProtocolVersion, []uint64{wire.FeatureStreams}))
	if err != nil {
		return 0, nil, err
	}
	return wire.ParseIDBody(resp.Body)
}

// Close closes the connection and fails pending requests.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
		c.fail(ErrClosed)
		<-c.done
	})
	return err
}

func (c *Client) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) failure() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		return ErrClosed
	}
	return c.err
}

// fail records the first terminal error and releases every waiter.
func (c *Client) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return
	}
	c.err = err
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

func (c *Client) readLoop() {
	defer close(c.done)
	defer close(c.pushes)
	var buf []byte
	chunk := make([]byte, readChunk)
	for {
		n, err := c.conn.Read(chunk)
		buf = append(buf, chunk[:n]...)
		for len(buf) > 0 {
			pkt, used, derr := wire.Decode(buf, 0)
			if derr != nil && used == 0 {
				c.fail(fmt.Errorf("client: decode reply: %w", derr))
				_ = c.conn.Close()
				return
			}
			if used == 0 {
				break
			}
			buf = buf[used:]
			if derr != nil {
				c.logger.Warn("client.conn.bad_reply", "error", derr)
				continue
			}
			c.deliver(Response{Code: pkt.Type, Sync: pkt.Sync, Schema: pkt.Schema, Header: pkt.Header, Body: pkt.Body})
		}
		if len(buf) == 0 {
			buf = nil
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				c.fail(ErrClosed)
			} else {
				c.fail(fmt.Errorf("client: read: %w", err))
			}
			c.logger.Debug("client.conn.closed", "error", err)
			return
		}
	}
}

func (c *Client) deliver(resp Response) {
	c.mu.Lock()
	ch, ok := c.pending[resp.Sync]
	if ok {
		delete(c.pending, resp.Sync)
	}
	c.mu.Unlock()
	if ok {
		ch <- resp
		return
	}
	select {
	case c.pushes <- resp:
	default:
		c.logger.Warn("client.conn.push_dropped", "sync", resp.Sync)
	}
}
