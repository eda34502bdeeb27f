package servicelink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ops-vsock/pkg/logging"
	"github.com/ops-vsock/pkg/protocol"
	"github.com/ops-vsock/pkg/transport"
	"github.com/ops-vsock/pkg/types"
)

var (
	// ErrRefused the hub refused the client identity
	ErrRefused = errors.New("service link refused")

	// ErrClosed the link is closed
	ErrClosed = errors.New("service link closed")

	// ErrRejected the hub rejected a property operation
	ErrRejected = errors.New("property operation rejected")
)

// Handler receives the messages addressed to one module. Handlers run on
// the link's read loop and must hand blocking work to their own goroutine.
type Handler func(m protocol.Envelope)

type reply struct {
	property protocol.PropertyResult
	lookup   protocol.LookupResult
}

// Link is the client side of a service link: one control connection to the
// local hub, multiplexed between modules by name.
type Link struct {
	clientID string
	hub      string
	conn     net.Conn
	dec      *protocol.Decoder
	timeout  time.Duration

	wmu sync.Mutex
	enc *protocol.Encoder

	mu       sync.Mutex
	handlers map[string]Handler
	pending  map[uint64]chan reply
	closed   bool
	err      error

	nextID    atomic.Uint64
	done      chan struct{}
	closeOnce sync.Once
}

// Dial opens a service link to hubAddr under clientID. timeout bounds the
// handshake and later request round trips.
func Dial(ctx context.Context, tf transport.Factory, hubAddr, clientID string, timeout time.Duration) (*Link, error) {
	if tf == nil {
		tf = transport.NewTCP()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	conn, err := tf.Dial(ctx, hubAddr, timeout)
	if err != nil {
		return nil, err
	}

	_ = conn.SetDeadline(time.Now().Add(timeout))
	l := &Link{
		clientID: clientID,
		conn:     conn,
		dec:      protocol.NewDecoder(conn),
		enc:      protocol.NewEncoder(conn),
		timeout:  timeout,
		handlers: make(map[string]Handler),
		pending:  make(map[uint64]chan reply),
		done:     make(chan struct{}),
	}

	l.enc.Opcode(protocol.OpServiceConnect).String(clientID)
	if err := l.enc.Flush(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send SERVICE_CONNECT to %s: %w", hubAddr, err)
	}
	op, err := l.dec.Opcode()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("read reply from %s: %w", hubAddr, err)
	}
	arg := l.dec.String()
	if err := l.dec.Err(); err != nil {
		_ = conn.Close()
		return nil, err
	}

	switch op {
	case protocol.OpServiceAccepted:
		l.hub = arg
	case protocol.OpServiceRefused:
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %s", ErrRefused, arg)
	default:
		_ = conn.Close()
		return nil, protocol.Unexpected(op)
	}

	_ = conn.SetDeadline(time.Time{})
	go l.readLoop()
	logging.Logf("[servicelink] attached client=%s hub=%s", clientID, l.hub)
	return l, nil
}

func (l *Link) ClientID() string {
	return l.clientID
}

// Hub is the address the hub advertises for itself.
func (l *Link) Hub() string {
	return l.hub
}

// Done is closed when the link stops.
func (l *Link) Done() <-chan struct{} {
	return l.done
}

// Err returns why the link stopped, nil for a clean Disconnect.
func (l *Link) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Register installs the handler for module. The first registration wins.
func (l *Link) Register(module string, h Handler) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.handlers[module]; exists {
		logging.Warnf("[servicelink] handler for module %s already registered", module)
		return false
	}
	l.handlers[module] = h
	return true
}

func (l *Link) Unregister(module string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.handlers, module)
}

// Send sends a message to client target. targetHub is a hint and may be empty.
func (l *Link) Send(target, targetHub, module string, opcode int, payload []byte) error {
	return l.write(func(e *protocol.Encoder) error {
		return protocol.WriteMessage(e, protocol.Envelope{
			Source:    l.clientID,
			SourceHub: l.hub,
			Target:    target,
			TargetHub: targetHub,
			Module:    module,
			Opcode:    opcode,
			Payload:   payload,
		})
	})
}

// RegisterProperty binds key to value; it fails if key is already bound.
func (l *Link) RegisterProperty(ctx context.Context, key, value string) error {
	_, err := l.property(ctx, protocol.OpPropertyRegister, protocol.PropertyRequest{Key: key, Value: value})
	return err
}

// UpdateProperty rebinds an existing key.
func (l *Link) UpdateProperty(ctx context.Context, key, value string) error {
	_, err := l.property(ctx, protocol.OpPropertyUpdate, protocol.PropertyRequest{Key: key, Value: value})
	return err
}

func (l *Link) RemoveProperty(ctx context.Context, key string) error {
	_, err := l.property(ctx, protocol.OpPropertyRemove, protocol.PropertyRequest{Key: key})
	return err
}

// QueryProperty reads key of client, or of this client when client is empty.
func (l *Link) QueryProperty(ctx context.Context, client, key string) (string, error) {
	return l.property(ctx, protocol.OpPropertyQuery, protocol.PropertyRequest{Client: client, Key: key})
}

// Lookup lists every client advertising name, closest hubs first.
func (l *Link) Lookup(ctx context.Context, name string) ([]types.ServiceRecord, error) {
	id, ch, err := l.request(func(e *protocol.Encoder, id uint64) error {
		return protocol.WriteLookup(e, id, name)
	})
	if err != nil {
		return nil, err
	}
	r, err := l.await(ctx, id, ch)
	if err != nil {
		return nil, err
	}
	return r.lookup.Records, nil
}

// Disconnect tells the hub to drop this client, then closes the link.
func (l *Link) Disconnect() error {
	err := l.write(func(e *protocol.Encoder) error {
		e.Opcode(protocol.OpDisconnect)
		return e.Flush()
	})
	l.shutdown(nil)
	if errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}

// Close drops the connection without DISCONNECT.
func (l *Link) Close() error {
	l.shutdown(nil)
	return nil
}

func (l *Link) property(ctx context.Context, op protocol.Opcode, r protocol.PropertyRequest) (string, error) {
	id, ch, err := l.request(func(e *protocol.Encoder, id uint64) error {
		r.ID = id
		return protocol.WritePropertyRequest(e, op, r)
	})
	if err != nil {
		return "", err
	}
	res, err := l.await(ctx, id, ch)
	if err != nil {
		return "", err
	}
	if !res.property.OK {
		return "", fmt.Errorf("%w: %s %s: %s", ErrRejected, op, r.Key, res.property.Reason)
	}
	return res.property.Value, nil
}

func (l *Link) request(write func(e *protocol.Encoder, id uint64) error) (uint64, chan reply, error) {
	id := l.nextID.Add(1)
	ch := make(chan reply, 1)

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return 0, nil, ErrClosed
	}
	l.pending[id] = ch
	l.mu.Unlock()

	if err := l.write(func(e *protocol.Encoder) error { return write(e, id) }); err != nil {
		l.forget(id)
		return 0, nil, err
	}
	return id, ch, nil
}

func (l *Link) await(ctx context.Context, id uint64, ch chan reply) (reply, error) {
	timer := time.NewTimer(l.timeout)
	defer timer.Stop()
	select {
	case r, ok := <-ch:
		if !ok {
			return reply{}, ErrClosed
		}
		return r, nil
	case <-ctx.Done():
		l.forget(id)
		return reply{}, ctx.Err()
	case <-timer.C:
		l.forget(id)
		return reply{}, fmt.Errorf("request %d: %w", id, context.DeadlineExceeded)
	}
}

func (l *Link) forget(id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.pending, id)
}

func (l *Link) resolve(id uint64, r reply) {
	l.mu.Lock()
	ch, ok := l.pending[id]
	delete(l.pending, id)
	l.mu.Unlock()
	if ok {
		ch <- r
	}
}

func (l *Link) write(fn func(e *protocol.Encoder) error) error {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return ErrClosed
	}

	l.wmu.Lock()
	defer l.wmu.Unlock()
	_ = l.conn.SetWriteDeadline(time.Now().Add(l.timeout))
	if err := fn(l.enc); err != nil {
		l.shutdown(err)
		return err
	}
	return nil
}

func (l *Link) readLoop() {
	var err error
	defer func() { l.shutdown(err) }()

	for {
		var op protocol.Opcode
		op, err = l.dec.Opcode()
		if err != nil {
			return
		}

		switch op {
		case protocol.OpMessage:
			var m protocol.Envelope
			if m, err = protocol.ReadMessage(l.dec); err != nil {
				return
			}
			l.dispatch(m)

		case protocol.OpPropertyResult:
			var r protocol.PropertyResult
			if r, err = protocol.ReadPropertyResult(l.dec); err != nil {
				return
			}
			l.resolve(r.ID, reply{property: r})

		case protocol.OpLookupResult:
			var r protocol.LookupResult
			if r, err = protocol.ReadLookupResult(l.dec); err != nil {
				return
			}
			l.resolve(r.ID, reply{lookup: r})

		default:
			err = protocol.Unexpected(op)
			logging.Warnf("[servicelink] protocol error client=%s: %v", l.clientID, err)
			return
		}
	}
}

func (l *Link) dispatch(m protocol.Envelope) {
	l.mu.Lock()
	h, ok := l.handlers[m.Module]
	l.mu.Unlock()
	if !ok {
		logging.Debugf("[servicelink] no handler for module %s, dropping message from %s", m.Module, m.Source)
		return
	}
	h(m)
}

func (l *Link) shutdown(err error) {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
			l.err = err
		}
		pending := l.pending
		l.pending = make(map[uint64]chan reply)
		l.mu.Unlock()

		_ = l.conn.Close()
		for _, ch := range pending {
			close(ch)
		}
		close(l.done)
		logging.Logf("[servicelink] detached client=%s hub=%s", l.clientID, l.hub)
	})
}
