package vsock

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/ops-vsock/pkg/address"
	"github.com/ops-vsock/pkg/modules"
	"github.com/ops-vsock/pkg/protocol"
)

// Conn is a virtual connection. It is a plain net.Conn carrying the virtual
// addresses of both ends and, on the connecting side, how it was made.
type Conn struct {
	net.Conn
	local    address.VirtualSocketAddress
	remote   address.VirtualSocketAddress
	module   string
	attempts []modules.Attempt
}

// Local is the virtual address of this end.
func (c *Conn) Local() address.VirtualSocketAddress { return c.local }

// Remote is the virtual address of the other end. For accepted connections it
// is what the initiator reported about itself.
func (c *Conn) Remote() address.VirtualSocketAddress { return c.remote }

// Module names the connection module that produced the connection, empty on
// the accepting side.
func (c *Conn) Module() string { return c.module }

// Attempts are the per-module diagnostics of the connect.
func (c *Conn) Attempts() []modules.Attempt { return c.attempts }

// ServerSocket is a bound virtual port with a bounded accept queue.
// Capacity is reserved before a handshake is answered, so a full backlog
// answers SERVER_OVERLOAD instead of accepting and dropping.
type ServerSocket struct {
	f       *Factory
	addr    address.VirtualSocketAddress
	backlog int

	mu       sync.Mutex
	reserved int // slots handed out and not yet accepted or cancelled
	closed   bool
	queue    chan *Conn
	done     chan struct{}
}

func newServerSocket(f *Factory, addr address.VirtualSocketAddress, backlog int) *ServerSocket {
	return &ServerSocket{
		f:       f,
		addr:    addr,
		backlog: backlog,
		queue:   make(chan *Conn, backlog),
		done:    make(chan struct{}),
	}
}

// Address is the virtual address peers connect to.
func (s *ServerSocket) Address() address.VirtualSocketAddress {
	return s.addr
}

// Accept waits for the next connection.
func (s *ServerSocket) Accept(ctx context.Context) (*Conn, error) {
	select {
	case c := <-s.queue:
		s.release()
		return c, nil
	case <-s.done:
		return nil, ErrSocketClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close unbinds the port and closes every queued connection.
func (s *ServerSocket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()

	s.f.unbind(s)
	for {
		select {
		case c := <-s.queue:
			_ = c.Close()
		default:
			return nil
		}
	}
}

func (s *ServerSocket) reserve() (modules.Slot, protocol.ResultCode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, protocol.ResultConnectionRejected
	}
	if s.reserved >= s.backlog {
		return nil, protocol.ResultServerOverload
	}
	s.reserved++
	return &slot{s: s}, protocol.ResultAccept
}

func (s *ServerSocket) release() {
	s.mu.Lock()
	s.reserved--
	s.mu.Unlock()
}

func (s *ServerSocket) deliver(conn net.Conn, source string) {
	c := &Conn{Conn: conn, local: s.addr, remote: remoteOf(conn, source)}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.reserved--
		_ = conn.Close()
		return
	}
	// never blocks: reserved never exceeds the queue capacity
	s.queue <- c
}

// slot is one reserved place in a ServerSocket queue.
type slot struct {
	s    *ServerSocket
	once sync.Once
}

func (sl *slot) Deliver(conn net.Conn, source string) {
	delivered := false
	sl.once.Do(func() {
		delivered = true
		sl.s.deliver(conn, source)
	})
	if !delivered {
		_ = conn.Close()
	}
}

func (sl *slot) Cancel() {
	sl.once.Do(sl.s.release)
}

// remoteOf parses the initiator's self-reported address, falling back to the
// transport peer.
func remoteOf(conn net.Conn, source string) address.VirtualSocketAddress {
	if a, err := address.Parse(source); err == nil {
		return a
	}
	return address.VirtualSocketAddress{Machine: conn.RemoteAddr().String()}
}

// handshakeTimeout bounds an incoming VIRTUAL_CONNECT exchange.
func (f *Factory) handshakeTimeout() time.Duration {
	if t := f.cfg.Modules.DirectTimeout; t > 0 {
		return t
	}
	return 5 * time.Second
}
