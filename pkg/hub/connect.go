package hub

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/ops-vsock/pkg/directory"
	"github.com/ops-vsock/pkg/logging"
	"github.com/ops-vsock/pkg/protocol"
	"github.com/ops-vsock/pkg/transport"
)

var (
	// ErrRefused the remote hub refused the gossip link
	ErrRefused = errors.New("connection refused by hub")

	// ErrLinkConflict a link appeared on the entry while the handshake was running
	ErrLinkConflict = errors.New("link already established")
)

// track closes conn when the hub stops. The returned func detaches it.
func (h *Hub) track(conn net.Conn) func() bool {
	h.mu.Lock()
	ctx := h.ctx
	h.mu.Unlock()
	if ctx == nil {
		return func() bool { return false }
	}
	return context.AfterFunc(ctx, func() { _ = conn.Close() })
}

// serveConn dispatches an accepted connection on its first frame.
func (h *Hub) serveConn(conn net.Conn) {
	stop := h.track(conn)
	defer stop()

	_ = conn.SetReadDeadline(h.clk.Now().Add(h.cfg.Hub.ConnectTimeout))
	dec := protocol.NewDecoder(conn)
	enc := protocol.NewEncoder(conn)

	op, err := dec.Opcode()
	if err != nil {
		logging.Debugf("[accept] no opcode from %s: %v", transport.RemoteAddr(conn), err)
		_ = conn.Close()
		return
	}

	switch op {
	case protocol.OpConnect:
		h.handleConnect(conn, dec, enc)
	case protocol.OpPing:
		h.handlePing(conn, dec, enc)
	case protocol.OpServiceConnect:
		h.handleServiceConnect(conn, dec, enc)
	default:
		logging.Warnf("[accept] protocol error from %s: %v", transport.RemoteAddr(conn), protocol.Unexpected(op))
		_ = conn.Close()
	}
}

func (h *Hub) handleConnect(conn net.Conn, dec *protocol.Decoder, enc *protocol.Encoder) {
	remote := dec.String()
	if err := dec.Err(); err != nil {
		logging.Warnf("[link] bad CONNECT from %s: %v", transport.RemoteAddr(conn), err)
		_ = conn.Close()
		return
	}

	refuse := func(reason string) {
		_ = conn.SetWriteDeadline(h.clk.Now().Add(h.cfg.Hub.ConnectTimeout))
		enc.Opcode(protocol.OpConnectionRefused).String(reason)
		_ = enc.Flush()
		_ = conn.Close()
		h.collector.RecordLinkRefused()
		logging.Debugf("[link] refused remote=%s reason=%s", remote, reason)
	}

	if remote == "" || remote == h.address {
		refuse("bad address")
		return
	}

	p := h.dir.Get(remote)
	l := newGossipLink(h, p, conn, dec, enc)
	if !p.AcceptLink(l) {
		refuse("link exists")
		return
	}

	_ = conn.SetWriteDeadline(h.clk.Now().Add(h.cfg.Hub.ConnectTimeout))
	enc.Opcode(protocol.OpConnectionAccepted)
	if err := enc.Flush(); err != nil {
		logging.Debugf("[link] accept write to %s failed: %v", remote, err)
		_ = conn.Close()
		p.DetachLink(l)
		return
	}

	h.established(l)
	l.run()
}

// handlePing answers a probe and learns the sender's address.
func (h *Hub) handlePing(conn net.Conn, dec *protocol.Decoder, enc *protocol.Encoder) {
	defer conn.Close()

	sender := dec.String()
	if err := dec.Err(); err != nil {
		return
	}
	if sender != "" && sender != h.address {
		p := h.dir.Get(sender)
		p.SetCanReachMe(directory.Reachable)
		p.Touch()
	}

	_ = conn.SetWriteDeadline(h.clk.Now().Add(h.cfg.Hub.ConnectTimeout))
	enc.Opcode(protocol.OpPing).String(h.address)
	_ = enc.Flush()
}

// established finishes the handshake on either side.
func (h *Hub) established(l *gossipLink) {
	_ = l.conn.SetDeadline(time.Time{})
	l.peer.Touch()
	h.collector.RecordLinkEstablished()
	logging.Logf("[link] established remote=%s local=%s", l.remote, h.address)

	h.spawn(func() {
		if _, err := l.sweep(); err != nil {
			logging.Debugf("[gossip] initial sweep to %s failed: %v", l.remote, err)
		}
	})
}

// Connect opens a gossip link to addr, or probes it when a link already
// exists or is being created.
func (h *Hub) Connect(ctx context.Context, addr string) error {
	if addr == "" || addr == h.address {
		return fmt.Errorf("connect to %q: not a remote hub", addr)
	}
	return h.connectPeer(ctx, h.dir.Get(addr))
}

// connectPeer runs the initiating side of the link handshake. The hub with
// the smaller address is the master and claims the entry before sending
// CONNECT; a slave sends CONNECT unconditionally and attaches on ACCEPTED.
func (h *Hub) connectPeer(ctx context.Context, p *directory.PeerDescription) error {
	remote := p.Address()
	master := h.address < remote

	if p.Link() != nil {
		return h.ping(ctx, p)
	}
	if master && !p.ClaimLink() {
		return h.ping(ctx, p)
	}
	release := func() {
		if master {
			p.ReleaseClaim()
		}
	}

	conn, err := h.tf.Dial(ctx, remote, h.cfg.Hub.ConnectTimeout)
	if err != nil {
		release()
		p.SetReachable(directory.Unreachable)
		h.collector.RecordProbe("unreachable")
		return err
	}
	stop := h.track(conn)

	fail := func(err error) error {
		stop()
		_ = conn.Close()
		release()
		return err
	}

	_ = conn.SetDeadline(h.clk.Now().Add(h.cfg.Hub.ConnectTimeout))
	dec := protocol.NewDecoder(conn)
	enc := protocol.NewEncoder(conn)
	enc.Opcode(protocol.OpConnect).String(h.address)
	if err := enc.Flush(); err != nil {
		h.collector.RecordProbe("error")
		return fail(fmt.Errorf("send CONNECT to %s: %w", remote, err))
	}

	op, err := dec.Opcode()
	if err != nil {
		h.collector.RecordProbe("error")
		return fail(fmt.Errorf("read reply from %s: %w", remote, err))
	}

	switch op {
	case protocol.OpConnectionAccepted:
		l := newGossipLink(h, p, conn, dec, enc)
		if !p.AttachLink(l, master) {
			logging.Warnf("[link] protocol violation: remote=%s accepted but a link exists", remote)
			h.collector.RecordProbe("conflict")
			return fail(ErrLinkConflict)
		}
		h.collector.RecordProbe("linked")
		h.established(l)
		if !h.spawn(func() {
			defer stop()
			l.run()
		}) {
			_ = l.Close()
			p.DetachLink(l)
			stop()
			return ErrClosed
		}
		return nil

	case protocol.OpConnectionRefused:
		reason := dec.String()
		p.SetReachable(directory.Reachable)
		h.collector.RecordProbe("refused")
		return fail(fmt.Errorf("%w: %s: %s", ErrRefused, remote, reason))
	}

	h.collector.RecordProbe("error")
	logging.Warnf("[link] protocol error from %s: %v", remote, protocol.Unexpected(op))
	return fail(protocol.Unexpected(op))
}

// ping checks that remote answers without creating a link.
func (h *Hub) ping(ctx context.Context, p *directory.PeerDescription) error {
	remote := p.Address()
	conn, err := h.tf.Dial(ctx, remote, h.cfg.Hub.ConnectTimeout)
	if err != nil {
		if p.Link() == nil {
			p.SetReachable(directory.Unreachable)
		}
		h.collector.RecordProbe("unreachable")
		return err
	}
	defer conn.Close()

	_ = conn.SetDeadline(h.clk.Now().Add(h.cfg.Hub.ConnectTimeout))
	enc := protocol.NewEncoder(conn)
	dec := protocol.NewDecoder(conn)
	enc.Opcode(protocol.OpPing).String(h.address)
	if err := enc.Flush(); err != nil {
		h.collector.RecordProbe("error")
		return err
	}
	op, err := dec.Opcode()
	if err != nil {
		h.collector.RecordProbe("error")
		return err
	}
	if op != protocol.OpPing {
		h.collector.RecordProbe("error")
		return protocol.Unexpected(op)
	}
	_ = dec.String()

	p.SetReachable(directory.Reachable)
	p.Touch()
	h.collector.RecordProbe("ping")
	return nil
}
