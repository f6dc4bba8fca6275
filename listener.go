package iprotod

import (
	"context"
	"errors"
	"net"
	"os"
	"strings"
	"time"

	"pkt.systems/iprotod/internal/ierr"
	"pkt.systems/pslog"
)

// endpoint is a parsed listen address.
type endpoint struct {
	network string
	address string
}

// key identifies the endpoint across Listen calls.
func (e endpoint) key() string {
	return e.network + "|" + e.address
}

// parseEndpoint understands host:port, unix/:/path and unix:///path.
func parseEndpoint(raw string) (endpoint, error) {
	raw = strings.TrimSpace(raw)
	switch {
	case raw == "":
		return endpoint{}, errors.New("empty address")
	case strings.HasPrefix(raw, "unix/:"):
		path := strings.TrimPrefix(raw, "unix/:")
		if path == "" {
			return endpoint{}, errors.New("empty unix socket path")
		}
		return endpoint{network: "unix", address: path}, nil
	case strings.HasPrefix(raw, "unix://"):
		path := strings.TrimPrefix(raw, "unix://")
		if path == "" {
			return endpoint{}, errors.New("empty unix socket path")
		}
		return endpoint{network: "unix", address: path}, nil
	case strings.HasPrefix(raw, "/"):
		return endpoint{network: "unix", address: raw}, nil
	}
	if _, _, err := net.SplitHostPort(raw); err != nil {
		return endpoint{}, err
	}
	return endpoint{network: "tcp", address: raw}, nil
}

// boundListener is one bound address plus its accept loop.
type boundListener struct {
	ep     endpoint
	ln     net.Listener
	logger pslog.Logger
	done   chan struct{}
}

// String renders the bound address in listen syntax.
func (b *boundListener) String() string {
	if b.ep.network == "unix" {
		return "unix/:" + b.ep.address
	}
	return b.ln.Addr().String()
}

func (s *Server) bind(ep endpoint) (*boundListener, error) {
	if ep.network == "unix" {
		if err := os.Remove(ep.address); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, ierr.Network(ep.address, err)
		}
	}
	lc := listenConfig()
	ln, err := lc.Listen(context.Background(), ep.network, ep.address)
	if err != nil {
		return nil, ierr.Network(ep.address, err)
	}
	ln = s.guard.WrapListener(ln)
	return &boundListener{
		ep:     ep,
		ln:     ln,
		logger: s.listenerLogger.With("address", ep.address, "network", ep.network),
		done:   make(chan struct{}),
	}, nil
}

// close stops accepting and waits for the accept loop to exit.
func (b *boundListener) close() {
	_ = b.ln.Close()
	<-b.done
	if b.ep.network == "unix" {
		if err := os.Remove(b.ep.address); err != nil && !errors.Is(err, os.ErrNotExist) {
			b.logger.Warn("iproto.listener.unlink_failed", "error", err)
		}
	}
	b.logger.Info("iproto.listener.closed")
}

// discard releases a listener whose accept loop never started.
func (b *boundListener) discard() {
	_ = b.ln.Close()
	close(b.done)
	if b.ep.network == "unix" {
		_ = os.Remove(b.ep.address)
	}
}

// acceptLoop hands accepted sockets to the network threads round-robin.
func (s *Server) acceptLoop(b *boundListener) {
	defer close(b.done)
	var backoff time.Duration
	for {
		nc, err := b.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			backoff *= 2
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			}
			if backoff > time.Second {
				backoff = time.Second
			}
			b.logger.Warn("iproto.listener.accept_failed", "error", err, "retry_in", backoff)
			s.clock.Sleep(backoff)
			continue
		}
		backoff = 0
		th := s.threads[int(s.nextThread.Add(1)-1)%len(s.threads)]
		if err := th.Accept(nc); err != nil {
			b.logger.Debug("iproto.listener.handoff_failed", "thread", th.ID(), "error", err)
		}
	}
}
