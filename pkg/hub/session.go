package hub

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/ops-vsock/pkg/logging"
	"github.com/ops-vsock/pkg/protocol"
	"github.com/ops-vsock/pkg/types"
)

// session is the hub side of one client's service link.
type session struct {
	h    *Hub
	id   string
	conn net.Conn
	dec  *protocol.Decoder

	wmu sync.Mutex
	enc *protocol.Encoder

	closeOnce sync.Once
}

func (s *session) Identifier() string {
	return s.id
}

func (s *session) Close() error {
	s.closeOnce.Do(func() {
		_ = s.conn.Close()
	})
	return nil
}

// Deliver hands a client message to the attached client.
func (s *session) Deliver(m protocol.Envelope) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	_ = s.conn.SetWriteDeadline(s.h.clk.Now().Add(s.h.cfg.Hub.ConnectTimeout))
	if err := protocol.WriteMessage(s.enc, m); err != nil {
		_ = s.Close()
		return fmt.Errorf("deliver to client %s: %w", s.id, err)
	}
	return nil
}

func (s *session) write(fn func(e *protocol.Encoder) error) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	_ = s.conn.SetWriteDeadline(s.h.clk.Now().Add(s.h.cfg.Hub.ConnectTimeout))
	return fn(s.enc)
}

func (h *Hub) handleServiceConnect(conn net.Conn, dec *protocol.Decoder, enc *protocol.Encoder) {
	id := dec.String()
	if err := dec.Err(); err != nil {
		logging.Warnf("[session] bad SERVICE_CONNECT from %s: %v", conn.RemoteAddr(), err)
		_ = conn.Close()
		return
	}

	s := &session{h: h, id: id, conn: conn, dec: dec, enc: enc}
	_ = conn.SetWriteDeadline(h.clk.Now().Add(h.cfg.Hub.ConnectTimeout))

	if reason, ok := h.attach(s); !ok {
		enc.Opcode(protocol.OpServiceRefused).String(reason)
		_ = enc.Flush()
		_ = conn.Close()
		h.collector.RecordSessionRefused()
		logging.Warnf("[session] refused client=%s remote=%s reason=%s", id, conn.RemoteAddr(), reason)
		return
	}

	err := s.write(func(e *protocol.Encoder) error {
		e.Opcode(protocol.OpServiceAccepted).String(h.address)
		return e.Flush()
	})
	if err != nil {
		s.teardown("io")
		return
	}
	_ = conn.SetDeadline(time.Time{})
	logging.Logf("[session] attached client=%s remote=%s", id, conn.RemoteAddr())

	s.run()
}

// attach registers s and adds its client to the local directory record. It
// returns the refusal reason when the id is empty or already attached.
func (h *Hub) attach(s *session) (string, bool) {
	if s.id == "" {
		return "empty client id", false
	}
	if !h.registry.Add(s) {
		return "duplicate client id", false
	}
	h.dir.UpdateLocal(func(clients []types.ClientDescription) ([]types.ClientDescription, bool) {
		for _, c := range clients {
			if c.ID == s.id {
				return clients, false
			}
		}
		return append(clients, types.ClientDescription{ID: s.id}), true
	})
	return "", true
}

func (s *session) run() {
	reason := "eof"
	defer func() { s.teardown(reason) }()

	for {
		op, err := s.dec.Opcode()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				reason = "io"
			}
			return
		}

		switch op {
		case protocol.OpMessage:
			m, err := protocol.ReadMessage(s.dec)
			if err != nil {
				reason = "protocol"
				return
			}
			m.Source = s.id
			m.SourceHub = s.h.address
			m.HopsLeft = s.h.cfg.Hub.DefaultHops
			s.h.forwarder.Forward(m, "")

		case protocol.OpPropertyRegister, protocol.OpPropertyUpdate, protocol.OpPropertyRemove, protocol.OpPropertyQuery:
			r, err := protocol.ReadPropertyRequest(s.dec, op)
			if err != nil {
				reason = "protocol"
				return
			}
			res := s.property(op, r)
			if err := s.write(func(e *protocol.Encoder) error { return protocol.WritePropertyResult(e, res) }); err != nil {
				reason = "io"
				return
			}

		case protocol.OpLookup:
			id, name, err := protocol.ReadLookup(s.dec)
			if err != nil {
				reason = "protocol"
				return
			}
			res := protocol.LookupResult{ID: id, Records: s.h.dir.Services(name)}
			if err := s.write(func(e *protocol.Encoder) error { return protocol.WriteLookupResult(e, res) }); err != nil {
				reason = "io"
				return
			}

		case protocol.OpDisconnect:
			reason = "disconnect"
			return

		default:
			logging.Warnf("[session] protocol error client=%s: %v", s.id, protocol.Unexpected(op))
			reason = "protocol"
			return
		}
	}
}

// property applies a property operation to this client's entry in the local
// directory record. Register requires the key to be absent, update and
// remove require it present; updating to the same value succeeds without a
// new home state.
func (s *session) property(op protocol.Opcode, r protocol.PropertyRequest) protocol.PropertyResult {
	res := protocol.PropertyResult{ID: r.ID}

	if op == protocol.OpPropertyQuery {
		target := r.Client
		if target == "" {
			target = s.id
		}
		var desc types.ClientDescription
		var found bool
		for _, c := range s.h.dir.Local().Snapshot().Clients {
			if c.ID == target {
				desc, found = c, true
				break
			}
		}
		if !found {
			desc, _, found = s.h.dir.Client(target)
		}
		if !found {
			res.Reason = "unknown client"
		} else if v, ok := desc.Get(r.Key); ok {
			res.OK, res.Value = true, v
		} else {
			res.Reason = "missing"
		}
		s.h.collector.RecordPropertyOp("query", res.OK)
		return res
	}

	s.h.dir.UpdateLocal(func(clients []types.ClientDescription) ([]types.ClientDescription, bool) {
		idx := -1
		for i := range clients {
			if clients[i].ID == s.id {
				idx = i
				break
			}
		}
		if idx == -1 {
			res.Reason = "not attached"
			return clients, false
		}
		c := &clients[idx]
		cur, exists := c.Get(r.Key)

		switch op {
		case protocol.OpPropertyRegister:
			if exists {
				res.Reason = "exists"
				return clients, false
			}
			c.Set(r.Key, r.Value)
		case protocol.OpPropertyUpdate:
			if !exists {
				res.Reason = "missing"
				return clients, false
			}
			if cur == r.Value {
				res.OK, res.Value = true, cur
				return clients, false
			}
			c.Set(r.Key, r.Value)
		case protocol.OpPropertyRemove:
			if !exists {
				res.Reason = "missing"
				return clients, false
			}
			c.Remove(r.Key)
		}
		res.OK, res.Value = true, r.Value
		return clients, true
	})

	s.h.collector.RecordPropertyOp(propertyOpName(op), res.OK)
	return res
}

func propertyOpName(op protocol.Opcode) string {
	switch op {
	case protocol.OpPropertyRegister:
		return "register"
	case protocol.OpPropertyUpdate:
		return "update"
	case protocol.OpPropertyRemove:
		return "remove"
	}
	return "query"
}

// teardown withdraws the client from the local directory record and then
// unregisters the session, before closing. The id stays taken until the
// record is gone, so a reconnect under the same identity always re-adds it.
func (s *session) teardown(reason string) {
	defer s.Close()
	if cur, ok := s.h.registry.Get(s.id); !ok || cur != s {
		return
	}
	s.h.dir.UpdateLocal(func(clients []types.ClientDescription) ([]types.ClientDescription, bool) {
		for i, c := range clients {
			if c.ID == s.id {
				return append(clients[:i:i], clients[i+1:]...), true
			}
		}
		return clients, false
	})
	s.h.registry.Remove(s)
	logging.Logf("[session] detached client=%s reason=%s", s.id, reason)
}
