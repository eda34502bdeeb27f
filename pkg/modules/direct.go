package modules

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/ops-vsock/pkg/address"
	"github.com/ops-vsock/pkg/config"
	"github.com/ops-vsock/pkg/logging"
	"github.com/ops-vsock/pkg/protocol"
	"github.com/ops-vsock/pkg/proxy"
	"github.com/ops-vsock/pkg/transport"
)

// Slot is a place reserved in a server socket's accept queue.
type Slot interface {
	Deliver(conn net.Conn, source string)
	Cancel()
}

// Acceptor decides on an incoming VIRTUAL_CONNECT and hands out an accept
// slot when it is accepted.
type Acceptor interface {
	Reserve(req protocol.VirtualConnect) (Slot, protocol.ResultCode)
}

// ResultError is a non-ACCEPT answer to VIRTUAL_CONNECT.
type ResultError struct {
	Code protocol.ResultCode
}

func (e *ResultError) Error() string {
	return "virtual connect: " + e.Code.String()
}

// Handshake dials target.Machine and opens target.Port on it. token is empty
// for plain connects and carries the request id when answering a reverse
// request. Any bytes the remote sent after its answer stay readable on the
// returned connection.
func Handshake(ctx context.Context, tf transport.Factory, target address.VirtualSocketAddress, source, token string, timeout time.Duration) (net.Conn, error) {
	conn, err := tf.Dial(ctx, target.Machine, timeout)
	if err != nil {
		return nil, err
	}
	if timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(timeout))
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	enc := protocol.NewEncoder(conn)
	dec := protocol.NewDecoder(conn)
	if err := protocol.WriteVirtualConnect(enc, protocol.VirtualConnect{
		Machine: target.Machine,
		Port:    target.Port,
		Source:  source,
		Token:   token,
	}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send VIRTUAL_CONNECT to %s: %w", target.Machine, err)
	}
	code, err := protocol.ReadResultCode(dec)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("read result from %s: %w", target.Machine, err)
	}
	if code != protocol.ResultAccept {
		_ = conn.Close()
		return nil, &ResultError{Code: code}
	}
	if !stop() {
		_ = conn.Close()
		return nil, ctx.Err()
	}
	_ = conn.SetDeadline(time.Time{})
	return proxy.Wrap(conn, dec.Buffered()), nil
}

// ServeVirtualConnect answers one VIRTUAL_CONNECT on an accepted transport
// connection. machine is the identity the initiator must have addressed.
// The slot is reserved before ACCEPT is written so an accepted connection
// always has a place in the queue.
func ServeVirtualConnect(conn net.Conn, machine string, acceptor Acceptor, timeout time.Duration) (protocol.ResultCode, error) {
	if timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(timeout))
	}
	dec := protocol.NewDecoder(conn)
	enc := protocol.NewEncoder(conn)

	req, err := protocol.ReadVirtualConnect(dec)
	if err != nil {
		_ = conn.Close()
		return 0, err
	}

	reject := func(code protocol.ResultCode) (protocol.ResultCode, error) {
		_ = protocol.WriteResultCode(enc, code)
		_ = conn.Close()
		return code, nil
	}

	if req.Machine != machine {
		return reject(protocol.ResultWrongMachine)
	}
	slot, code := acceptor.Reserve(req)
	if code != protocol.ResultAccept {
		return reject(code)
	}
	if err := protocol.WriteResultCode(enc, protocol.ResultAccept); err != nil {
		slot.Cancel()
		_ = conn.Close()
		return 0, err
	}
	_ = conn.SetDeadline(time.Time{})
	slot.Deliver(proxy.Wrap(conn, dec.Buffered()), req.Source)
	return protocol.ResultAccept, nil
}

// Direct dials the target machine and runs the handshake.
type Direct struct {
	Transport transport.Factory
	Source    func() string
	Timeout   time.Duration
}

func (d *Direct) Name() string              { return "direct" }
func (d *Direct) Type() Type                { return TypeDirect }
func (d *Direct) RequiresServiceLink() bool { return false }

func (d *Direct) Connect(ctx context.Context, target address.VirtualSocketAddress, timeout time.Duration, _ config.Properties) Result {
	conn, err := Handshake(ctx, d.Transport, target, d.source(), "", clamp(d.Timeout, timeout))
	if err == nil {
		return ConnectedWith(conn)
	}

	var re *ResultError
	if errors.As(err, &re) && re.Code != protocol.ResultWrongMachine {
		return RefusedBecause(err)
	}
	logging.Debugf("[direct] target=%s: %v", target, err)
	return NotSuitableBecause(err)
}

func (d *Direct) source() string {
	if d.Source == nil {
		return ""
	}
	return d.Source()
}
