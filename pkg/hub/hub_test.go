package hub

import (
	"context"
	"net"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ops-vsock/pkg/config"
	"github.com/ops-vsock/pkg/directory"
	"github.com/ops-vsock/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Hub.BindAddr = "127.0.0.1:0"
	// background loops stay quiet; tests drive gossip by hand
	cfg.Hub.GossipInterval = time.Hour
	cfg.Hub.ProbeInterval = time.Hour
	cfg.Hub.ConnectTimeout = 2 * time.Second
	return cfg
}

func startHub(t *testing.T) *Hub {
	t.Helper()
	h, err := New(testConfig())
	require.NoError(t, err)
	require.NoError(t, h.Start(context.Background()))
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func linked(a, b *Hub) bool {
	p, ok := a.Directory().Lookup(b.Address())
	return ok && p.Snapshot().Linked
}

func gossipRounds(n int, hubs ...*Hub) {
	for i := 0; i < n; i++ {
		for _, h := range hubs {
			h.GossipNow()
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// testClient is a raw service link.
type testClient struct {
	conn net.Conn
	enc  *protocol.Encoder
	dec  *protocol.Decoder
}

func dialClient(t *testing.T, h *Hub, id string) (*testClient, protocol.Opcode) {
	t.Helper()
	conn, err := net.Dial("tcp", h.Address())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	c := &testClient{conn: conn, enc: protocol.NewEncoder(conn), dec: protocol.NewDecoder(conn)}
	c.enc.Opcode(protocol.OpServiceConnect).String(id)
	require.NoError(t, c.enc.Flush())

	op, err := c.dec.Opcode()
	require.NoError(t, err)
	_ = c.dec.String()
	require.NoError(t, c.dec.Err())
	return c, op
}

func (c *testClient) property(t *testing.T, op protocol.Opcode, r protocol.PropertyRequest) protocol.PropertyResult {
	t.Helper()
	require.NoError(t, protocol.WritePropertyRequest(c.enc, op, r))
	got, err := c.dec.Opcode()
	require.NoError(t, err)
	require.Equal(t, protocol.OpPropertyResult, got)
	res, err := protocol.ReadPropertyResult(c.dec)
	require.NoError(t, err)
	require.Equal(t, r.ID, res.ID)
	return res
}

func TestConnectRaceEndsWithOneLink(t *testing.T) {
	a := startHub(t)
	b := startHub(t)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = a.Connect(context.Background(), b.Address())
	}()
	go func() {
		defer wg.Done()
		_ = b.Connect(context.Background(), a.Address())
	}()
	wg.Wait()

	require.Eventually(t, func() bool { return linked(a, b) && linked(b, a) }, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, 1, a.Stats().Links)
	assert.Equal(t, 1, b.Stats().Links)

	p, _ := a.Directory().Lookup(b.Address())
	assert.Equal(t, 1, p.Hops())
}

func TestConnectToSelfRejected(t *testing.T) {
	a := startHub(t)
	assert.Error(t, a.Connect(context.Background(), a.Address()))
}

func TestGossipIndirection(t *testing.T) {
	// a - b - c
	a := startHub(t)
	b := startHub(t)
	c := startHub(t)
	require.NoError(t, a.Connect(context.Background(), b.Address()))
	require.NoError(t, c.Connect(context.Background(), b.Address()))

	require.Eventually(t, func() bool {
		gossipRounds(1, a, b, c)
		p, ok := a.Directory().Lookup(c.Address())
		return ok && p.Hops() == 2
	}, 5*time.Second, 50*time.Millisecond)

	p, _ := a.Directory().Lookup(c.Address())
	assert.Equal(t, b.Address(), p.Indirection())
	assert.False(t, p.Snapshot().Linked)
}

func TestDuplicateServiceLinkRefusedUntilDisconnect(t *testing.T) {
	h := startHub(t)

	first, op := dialClient(t, h, "client-1")
	require.Equal(t, protocol.OpServiceAccepted, op)

	_, op = dialClient(t, h, "client-1")
	assert.Equal(t, protocol.OpServiceRefused, op)

	first.enc.Opcode(protocol.OpDisconnect)
	require.NoError(t, first.enc.Flush())
	_, err := first.dec.Opcode()
	require.Error(t, err)

	_, op = dialClient(t, h, "client-1")
	assert.Equal(t, protocol.OpServiceAccepted, op)
}

func TestSessionAdvertisesClient(t *testing.T) {
	h := startHub(t)
	_, op := dialClient(t, h, "client-1")
	require.Equal(t, protocol.OpServiceAccepted, op)

	hub, ok := h.Directory().FindClient("client-1")
	require.True(t, ok)
	assert.Equal(t, h.Address(), hub)
	assert.Equal(t, 1, h.Stats().Sessions)
}

func TestPropertySemantics(t *testing.T) {
	h := startHub(t)
	c, op := dialClient(t, h, "client-1")
	require.Equal(t, protocol.OpServiceAccepted, op)

	res := c.property(t, protocol.OpPropertyRegister, protocol.PropertyRequest{ID: 1, Key: "web", Value: "v1"})
	assert.True(t, res.OK)

	res = c.property(t, protocol.OpPropertyRegister, protocol.PropertyRequest{ID: 2, Key: "web", Value: "v2"})
	assert.False(t, res.OK)
	assert.Equal(t, "exists", res.Reason)

	res = c.property(t, protocol.OpPropertyUpdate, protocol.PropertyRequest{ID: 3, Key: "ssh", Value: "x"})
	assert.False(t, res.OK)
	assert.Equal(t, "missing", res.Reason)

	state := h.Directory().Local().Snapshot().HomeState
	res = c.property(t, protocol.OpPropertyUpdate, protocol.PropertyRequest{ID: 4, Key: "web", Value: "v1"})
	assert.True(t, res.OK)
	assert.Equal(t, state, h.Directory().Local().Snapshot().HomeState)

	res = c.property(t, protocol.OpPropertyUpdate, protocol.PropertyRequest{ID: 5, Key: "web", Value: "v3"})
	assert.True(t, res.OK)

	res = c.property(t, protocol.OpPropertyQuery, protocol.PropertyRequest{ID: 6, Key: "web"})
	assert.True(t, res.OK)
	assert.Equal(t, "v3", res.Value)

	res = c.property(t, protocol.OpPropertyRemove, protocol.PropertyRequest{ID: 7, Key: "web"})
	assert.True(t, res.OK)

	res = c.property(t, protocol.OpPropertyRemove, protocol.PropertyRequest{ID: 8, Key: "web"})
	assert.False(t, res.OK)

	res = c.property(t, protocol.OpPropertyQuery, protocol.PropertyRequest{ID: 9, Client: "nobody", Key: "web"})
	assert.False(t, res.OK)
	assert.Equal(t, "unknown client", res.Reason)
}

func TestLookupAcrossHubs(t *testing.T) {
	a := startHub(t)
	b := startHub(t)
	require.NoError(t, a.Connect(context.Background(), b.Address()))

	cb, op := dialClient(t, b, "router-1")
	require.Equal(t, protocol.OpServiceAccepted, op)
	res := cb.property(t, protocol.OpPropertyRegister, protocol.PropertyRequest{ID: 1, Key: "router", Value: "addr-1"})
	require.True(t, res.OK)

	require.Eventually(t, func() bool {
		gossipRounds(1, a, b)
		return len(a.Directory().Services("router")) == 1
	}, 5*time.Second, 50*time.Millisecond)

	ca, op := dialClient(t, a, "client-1")
	require.Equal(t, protocol.OpServiceAccepted, op)
	require.NoError(t, protocol.WriteLookup(ca.enc, 42, "router"))
	got, err := ca.dec.Opcode()
	require.NoError(t, err)
	require.Equal(t, protocol.OpLookupResult, got)
	lr, err := protocol.ReadLookupResult(ca.dec)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), lr.ID)
	require.Len(t, lr.Records, 1)
	assert.Equal(t, "router-1", lr.Records[0].Client)
	assert.Equal(t, b.Address(), lr.Records[0].Hub)
	assert.Equal(t, "addr-1", lr.Records[0].Value)
}

func TestMessageRelayedOverOneLink(t *testing.T) {
	a := startHub(t)
	b := startHub(t)
	require.NoError(t, a.Connect(context.Background(), b.Address()))

	x, op := dialClient(t, a, "x")
	require.Equal(t, protocol.OpServiceAccepted, op)
	y, op := dialClient(t, b, "y")
	require.Equal(t, protocol.OpServiceAccepted, op)

	require.Eventually(t, func() bool {
		gossipRounds(1, a, b)
		hub, ok := a.Directory().FindClient("y")
		return ok && hub == b.Address()
	}, 5*time.Second, 50*time.Millisecond)

	require.NoError(t, protocol.WriteMessage(x.enc, protocol.Envelope{
		Target:  "y",
		Module:  "test",
		Opcode:  7,
		Payload: []byte("hello"),
	}))

	got, err := y.dec.Opcode()
	require.NoError(t, err)
	require.Equal(t, protocol.OpMessage, got)
	m, err := protocol.ReadMessage(y.dec)
	require.NoError(t, err)
	assert.Equal(t, "x", m.Source)
	assert.Equal(t, a.Address(), m.SourceHub)
	assert.Equal(t, []byte("hello"), m.Payload)

	require.Eventually(t, func() bool {
		return a.Collector().Forwarded("relayed") == 1 && b.Collector().Forwarded("delivered") == 1
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, float64(0), a.Collector().Forwarded("broadcast"))
	assert.Equal(t, float64(0), b.Collector().Forwarded("broadcast"))
}

func TestLinkDetachedWhenPeerStops(t *testing.T) {
	a := startHub(t)
	b, err := New(testConfig())
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background()))
	require.NoError(t, a.Connect(context.Background(), b.Address()))
	require.Eventually(t, func() bool { return linked(a, b) }, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, b.Close())

	require.Eventually(t, func() bool { return !linked(a, b) }, 5*time.Second, 20*time.Millisecond)
	p, _ := a.Directory().Lookup(b.Address())
	assert.Greater(t, p.Hops(), 1)
}

func hasLocalClient(h *Hub, id string) bool {
	for _, c := range h.Directory().Local().Snapshot().Clients {
		if c.ID == id {
			return true
		}
	}
	return false
}

func TestReconnectDuringTeardownKeepsRecord(t *testing.T) {
	h, err := New(testConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })

	newSession := func() *session {
		a, b := net.Pipe()
		t.Cleanup(func() { _ = a.Close(); _ = b.Close() })
		return &session{h: h, id: "c1", conn: a}
	}

	for i := 0; i < 500; i++ {
		old := newSession()
		_, ok := h.attach(old)
		require.True(t, ok)

		fresh := newSession()
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			old.teardown("eof")
		}()
		go func() {
			defer wg.Done()
			for {
				if _, ok := h.attach(fresh); ok {
					return
				}
				runtime.Gosched()
			}
		}()
		wg.Wait()

		require.True(t, hasLocalClient(h, "c1"), "record lost in round %d", i)
		fresh.teardown("eof")
		require.False(t, hasLocalClient(h, "c1"))
		require.Equal(t, 0, h.Registry().Len())
	}
}

// fakePeer speaks the link protocol from the remote side over raw TCP.
type fakePeer struct {
	conn net.Conn
	enc  *protocol.Encoder
	dec  *protocol.Decoder
}

func linkFakePeer(t *testing.T, h *Hub, self string) *fakePeer {
	t.Helper()
	conn, err := net.Dial("tcp", h.Address())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	p := &fakePeer{conn: conn, enc: protocol.NewEncoder(conn), dec: protocol.NewDecoder(conn)}
	p.enc.Opcode(protocol.OpConnect).String(self)
	require.NoError(t, p.enc.Flush())
	op, err := p.dec.Opcode()
	require.NoError(t, err)
	require.Equal(t, protocol.OpConnectionAccepted, op)
	return p
}

// next reads one link frame and returns its opcode and the address it names.
func (p *fakePeer) next(t *testing.T) (protocol.Opcode, string) {
	t.Helper()
	op, err := p.dec.Opcode()
	require.NoError(t, err)
	switch op {
	case protocol.OpGossip:
		g, err := protocol.ReadGossip(p.dec)
		require.NoError(t, err)
		return op, g.Address
	case protocol.OpPing:
		addr := p.dec.String()
		require.NoError(t, p.dec.Err())
		return op, addr
	}
	t.Fatalf("unexpected frame %s", op)
	return op, ""
}

func mockClockHub(t *testing.T) (*Hub, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	// deadlines are derived from the hub clock
	mock.Set(time.Now())
	cfg := testConfig()
	cfg.Hub.ConnectTimeout = time.Minute
	cfg.Hub.LinkTimeout = 10 * time.Second
	h, err := New(cfg, WithClock(mock))
	require.NoError(t, err)
	require.NoError(t, h.Start(context.Background()))
	t.Cleanup(func() { _ = h.Close() })
	return h, mock
}

func TestEmptySweepSendsPing(t *testing.T) {
	h, _ := mockClockHub(t)
	const remote = "10.9.9.9:17878"
	peer := linkFakePeer(t, h, remote)

	// the initial sweep carries both entries
	seen := map[string]bool{}
	for len(seen) < 2 {
		op, addr := peer.next(t)
		require.Equal(t, protocol.OpGossip, op)
		seen[addr] = true
	}
	assert.True(t, seen[h.Address()])
	assert.True(t, seen[remote])

	h.GossipNow()
	op, addr := peer.next(t)
	assert.Equal(t, protocol.OpPing, op)
	assert.Equal(t, h.Address(), addr)
}

func TestIdleLinkClosed(t *testing.T) {
	h, mock := mockClockHub(t)
	const remote = "10.9.9.9:17878"
	peer := linkFakePeer(t, h, remote)
	for i := 0; i < 2; i++ {
		op, _ := peer.next(t)
		require.Equal(t, protocol.OpGossip, op)
	}
	p, _ := h.Directory().Lookup(remote)

	// within the timeout the link survives a round
	mock.Add(5 * time.Second)
	h.GossipNow()
	op, _ := peer.next(t)
	require.Equal(t, protocol.OpPing, op)
	assert.True(t, p.Snapshot().Linked)

	mock.Add(6 * time.Second)
	h.GossipNow()
	_, err := peer.dec.Opcode()
	assert.Error(t, err)
	require.Eventually(t, func() bool { return !p.Snapshot().Linked }, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, directory.Infinite, p.Hops())
}
