package modules

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ops-vsock/pkg/address"
	"github.com/ops-vsock/pkg/config"
	"github.com/ops-vsock/pkg/logging"
	"github.com/ops-vsock/pkg/protocol"
	"github.com/ops-vsock/pkg/transport"
)

// ReverseModule is the service link module name reverse requests travel under.
const ReverseModule = "reverse"

const (
	opReverseRequest = 1 // (id, callback, port, source)
	opReverseRefused = 2 // (id, reason)
)

// Messenger sends client messages over the service link.
type Messenger interface {
	Send(target, targetHub, module string, opcode int, payload []byte) error
}

// Reverse asks the target, through the service link, to dial back to a
// temporary listener. It works when only the initiator is reachable.
type Reverse struct {
	Transport transport.Factory
	Link      func() Messenger // nil result when no service link is up
	Acceptor  Acceptor         // local server sockets, for requests from others
	Source    func() string
	BindHost  string // host temporary listeners bind and advertise
	Timeout   time.Duration

	mu      sync.Mutex
	waiting map[string]chan string
}

func (r *Reverse) Name() string              { return "reverse" }
func (r *Reverse) Type() Type                { return TypeDirect }
func (r *Reverse) RequiresServiceLink() bool { return true }

func (r *Reverse) Connect(ctx context.Context, target address.VirtualSocketAddress, timeout time.Duration, _ config.Properties) Result {
	link := r.messenger()
	if link == nil {
		return NotSuitableBecause(ErrNoServiceLink)
	}
	timeout = clamp(r.Timeout, timeout)

	host := r.BindHost
	if host == "" {
		host = "127.0.0.1"
	}
	ln, err := r.Transport.Listen(net.JoinHostPort(host, "0"))
	if err != nil {
		return NotSuitableBecause(err)
	}
	defer ln.Close()
	callback := transport.AdvertiseAddr(ln, host)

	id := uuid.NewString()
	refused := make(chan string, 1)
	r.mu.Lock()
	if r.waiting == nil {
		r.waiting = make(map[string]chan string)
	}
	r.waiting[id] = refused
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.waiting, id)
		r.mu.Unlock()
	}()

	done := make(chan struct{})
	defer close(done)
	accepted := make(chan net.Conn, 1)
	go r.acceptCallback(ln, callback, id, timeout, accepted, done)

	payload, err := protocol.MarshalFields(func(e *protocol.Encoder) {
		e.String(id).String(callback).Int(int64(target.Port)).String(r.source())
	})
	if err != nil {
		return NotSuitableBecause(err)
	}
	if err := link.Send(target.Machine, target.Hub, ReverseModule, opReverseRequest, payload); err != nil {
		return NotSuitableBecause(err)
	}
	logging.Debugf("[reverse] request id=%s target=%s callback=%s", id, target, callback)

	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	select {
	case conn := <-accepted:
		return ConnectedWith(conn)
	case reason := <-refused:
		return RefusedBecause(errors.New(reason))
	case <-expired:
		return NotSuitableBecause(fmt.Errorf("no callback within %s", timeout))
	case <-ctx.Done():
		return NotSuitableBecause(ctx.Err())
	}
}

// acceptCallback waits on the temporary listener for the target to dial back
// with the request id.
func (r *Reverse) acceptCallback(ln net.Listener, callback, id string, timeout time.Duration, accepted chan<- net.Conn, done <-chan struct{}) {
	for {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		slot := &callbackSlot{id: id, accepted: accepted, done: done}
		if code, _ := ServeVirtualConnect(c, callback, slot, timeout); code == protocol.ResultAccept {
			return
		}
	}
}

// callbackSlot accepts exactly the connection that carries its token.
type callbackSlot struct {
	id       string
	accepted chan<- net.Conn
	done     <-chan struct{}
}

func (s *callbackSlot) Reserve(req protocol.VirtualConnect) (Slot, protocol.ResultCode) {
	if req.Token != s.id {
		return nil, protocol.ResultConnectionRejected
	}
	return s, protocol.ResultAccept
}

func (s *callbackSlot) Deliver(conn net.Conn, _ string) {
	select {
	case s.accepted <- conn:
	case <-s.done:
		_ = conn.Close()
	}
}

func (s *callbackSlot) Cancel() {}

// Handle is the service link handler for ReverseModule.
func (r *Reverse) Handle(m protocol.Envelope) {
	switch m.Opcode {
	case opReverseRequest:
		var id, callback, source string
		var port int64
		err := protocol.UnmarshalFields(m.Payload, func(d *protocol.Decoder) {
			id, callback, port, source = d.String(), d.String(), d.Int(), d.String()
		})
		if err != nil {
			logging.Warnf("[reverse] bad request from %s: %v", m.Source, err)
			return
		}
		go r.answer(m.Source, m.SourceHub, id, callback, int(port), source)

	case opReverseRefused:
		var id, reason string
		err := protocol.UnmarshalFields(m.Payload, func(d *protocol.Decoder) {
			id, reason = d.String(), d.String()
		})
		if err != nil {
			logging.Warnf("[reverse] bad refusal from %s: %v", m.Source, err)
			return
		}
		r.mu.Lock()
		ch, ok := r.waiting[id]
		r.mu.Unlock()
		if ok {
			select {
			case ch <- reason:
			default:
			}
		}

	default:
		logging.Debugf("[reverse] unknown opcode %d from %s", m.Opcode, m.Source)
	}
}

// answer serves a reverse request: reserve a slot on the local port, then
// dial the requester's callback.
func (r *Reverse) answer(requester, requesterHub, id, callback string, port int, source string) {
	if r.Acceptor == nil {
		r.refuse(requester, requesterHub, id, protocol.ResultPortNotFound.String())
		return
	}
	slot, code := r.Acceptor.Reserve(protocol.VirtualConnect{Port: port, Source: source, Token: id})
	if code != protocol.ResultAccept {
		r.refuse(requester, requesterHub, id, code.String())
		return
	}

	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	cb := address.VirtualSocketAddress{Machine: callback, Port: port}
	conn, err := Handshake(ctx, r.Transport, cb, r.source(), id, timeout)
	if err != nil {
		slot.Cancel()
		logging.Warnf("[reverse] callback to %s for %s failed: %v", callback, requester, err)
		return
	}
	slot.Deliver(conn, source)
	logging.Debugf("[reverse] connected back id=%s callback=%s port=%d", id, callback, port)
}

func (r *Reverse) refuse(requester, requesterHub, id, reason string) {
	link := r.messenger()
	if link == nil {
		return
	}
	payload, err := protocol.MarshalFields(func(e *protocol.Encoder) {
		e.String(id).String(reason)
	})
	if err != nil {
		return
	}
	if err := link.Send(requester, requesterHub, ReverseModule, opReverseRefused, payload); err != nil {
		logging.Debugf("[reverse] refusal to %s not sent: %v", requester, err)
	}
}

func (r *Reverse) messenger() Messenger {
	if r.Link == nil {
		return nil
	}
	return r.Link()
}

func (r *Reverse) source() string {
	if r.Source == nil {
		return ""
	}
	return r.Source()
}
