package hub

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/ops-vsock/pkg/directory"
	"github.com/ops-vsock/pkg/logging"
	"github.com/ops-vsock/pkg/protocol"
)

// gossipLink is an established link to another hub. Reads happen only in
// run; writes are serialized by wmu.
type gossipLink struct {
	h      *Hub
	remote string
	peer   *directory.PeerDescription
	conn   net.Conn
	dec    *protocol.Decoder

	wmu       sync.Mutex
	enc       *protocol.Encoder
	watermark uint64

	closeOnce   sync.Once
	closeReason string
}

func newGossipLink(h *Hub, peer *directory.PeerDescription, conn net.Conn, dec *protocol.Decoder, enc *protocol.Encoder) *gossipLink {
	return &gossipLink{
		h:      h,
		remote: peer.Address(),
		peer:   peer,
		conn:   conn,
		dec:    dec,
		enc:    enc,
	}
}

func (l *gossipLink) Remote() string {
	return l.remote
}

// SendMessage relays a client message over the link.
func (l *gossipLink) SendMessage(m protocol.Envelope) error {
	l.wmu.Lock()
	defer l.wmu.Unlock()
	l.setWriteDeadline()
	if err := protocol.WriteClientMessage(l.enc, m); err != nil {
		l.closeLocked()
		return fmt.Errorf("send to %s: %w", l.remote, err)
	}
	return nil
}

func (l *gossipLink) Close() error {
	l.closeWith("")
	return nil
}

func (l *gossipLink) closeLocked() {
	l.closeWith("")
}

// closeWith closes the transport. The first non-empty reason is reported
// when the receive loop exits.
func (l *gossipLink) closeWith(reason string) {
	l.closeOnce.Do(func() {
		l.closeReason = reason
		_ = l.conn.Close()
	})
}

func (l *gossipLink) setWriteDeadline() {
	_ = l.conn.SetWriteDeadline(l.h.clk.Now().Add(l.h.cfg.Hub.ConnectTimeout))
}

// sweep sends every entry changed since the last sweep, or a PING when there
// is nothing new. The watermark advances to the clock read at sweep start.
func (l *gossipLink) sweep() (int, error) {
	l.wmu.Lock()
	defer l.wmu.Unlock()

	start := l.h.dir.LogicalClock().Now()
	frames := l.h.dir.GossipSince(l.remote, l.watermark)

	l.setWriteDeadline()
	if len(frames) == 0 {
		l.enc.Opcode(protocol.OpPing).String(l.h.address)
		if err := l.enc.Flush(); err != nil {
			l.closeLocked()
			return 0, err
		}
		l.h.collector.RecordPing()
		l.watermark = start
		return 0, nil
	}

	for _, g := range frames {
		if err := protocol.WriteGossip(l.enc, g); err != nil {
			l.closeLocked()
			return 0, err
		}
	}
	l.watermark = start
	l.h.collector.RecordGossipSent(len(frames))
	return len(frames), nil
}

// run is the link's receive loop. It returns when the transport fails or the
// remote violates the protocol; the entry is then detached.
func (l *gossipLink) run() {
	reason := "closed"
	defer func() {
		l.closeWith(reason)
		if l.closeReason != "" {
			reason = l.closeReason
		}
		if l.peer.DetachLink(l) {
			l.h.collector.RecordLinkClosed(reason)
			logging.Logf("[link] closed remote=%s reason=%s", l.remote, reason)
		}
	}()

	for {
		op, err := l.dec.Opcode()
		if err != nil {
			reason = readFailure(err)
			return
		}
		l.peer.Touch()

		switch op {
		case protocol.OpGossip:
			g, err := protocol.ReadGossip(l.dec)
			if err != nil {
				reason = readFailure(err)
				return
			}
			res := l.h.dir.ApplyGossip(l.remote, g)
			l.h.collector.RecordGossipReceived(res.Stale)
			if res.Stale {
				logging.Debugf("[gossip] stale remote=%s about=%s state=%d", l.remote, g.Address, g.State)
			}

		case protocol.OpPing:
			_ = l.dec.String()
			if err := l.dec.Err(); err != nil {
				reason = readFailure(err)
				return
			}

		case protocol.OpClientMessage:
			m, err := protocol.ReadClientMessage(l.dec)
			if err != nil {
				reason = readFailure(err)
				return
			}
			l.h.forwarder.Forward(m, l.remote)

		default:
			logging.Warnf("[link] protocol error remote=%s: %v", l.remote, protocol.Unexpected(op))
			reason = "protocol"
			return
		}
	}
}

func readFailure(err error) string {
	switch {
	case errors.Is(err, protocol.ErrMalformedFrame):
		return "protocol"
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		return "eof"
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return "timeout"
	}
	return "io"
}

// idleFor reports how long the link's peer has been silent.
func (l *gossipLink) idleFor(now time.Time) time.Duration {
	return now.Sub(l.peer.LastContact())
}
