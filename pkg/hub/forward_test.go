package hub

import (
	"fmt"
	"sync"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/ops-vsock/pkg/directory"
	"github.com/ops-vsock/pkg/protocol"
	"github.com/ops-vsock/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// meshNode is a hub reduced to its directory and forwarder.
type meshNode struct {
	addr string
	dir  *directory.Directory
	reg  *Registry
	fwd  *Forwarder
}

type meshRecorder struct {
	mu       sync.Mutex
	received map[string]int
	minHops  int
}

// memLink delivers synchronously into the remote node's forwarder.
type memLink struct {
	from, to *meshNode
	rec      *meshRecorder
}

func (l *memLink) Remote() string { return l.to.addr }

func (l *memLink) SendMessage(m protocol.Envelope) error {
	l.rec.mu.Lock()
	l.rec.received[l.to.addr]++
	if m.HopsLeft < l.rec.minHops {
		l.rec.minHops = m.HopsLeft
	}
	l.rec.mu.Unlock()
	l.to.fwd.Forward(m, l.from.addr)
	return nil
}

func (l *memLink) Close() error { return nil }

type localSink struct {
	id  string
	got []protocol.Envelope
}

func (s *localSink) Identifier() string { return s.id }
func (s *localSink) Close() error       { return nil }
func (s *localSink) Deliver(m protocol.Envelope) error {
	s.got = append(s.got, m)
	return nil
}

func newMesh(n int) ([]*meshNode, *meshRecorder) {
	rec := &meshRecorder{received: make(map[string]int), minHops: 1 << 30}
	nodes := make([]*meshNode, n)
	for i := range nodes {
		addr := fmt.Sprintf("10.0.0.%d:17878", i+1)
		dir := directory.New(addr, clock.NewMock())
		reg := NewRegistry()
		nodes[i] = &meshNode{addr: addr, dir: dir, reg: reg, fwd: NewForwarder(dir, reg, nil)}
	}
	return nodes, rec
}

func wire(a, b *meshNode, rec *meshRecorder) {
	a.dir.Get(b.addr).AttachLink(&memLink{from: a, to: b, rec: rec}, false)
	b.dir.Get(a.addr).AttachLink(&memLink{from: b, to: a, rec: rec}, false)
}

func TestForwardFullMeshIsHopBounded(t *testing.T) {
	nodes, rec := newMesh(4)
	for i := range nodes {
		for j := i + 1; j < len(nodes); j++ {
			wire(nodes[i], nodes[j], rec)
		}
	}

	const hops = 3
	out := nodes[0].fwd.Forward(protocol.Envelope{Source: "x", Target: "nobody", HopsLeft: hops}, "")
	assert.Equal(t, Broadcast, out)

	total := 0
	for _, n := range rec.received {
		total += n
	}
	// 3 first-hop receptions, each rebroadcast to the 2 hubs other than the sender
	assert.Equal(t, 9, total)
	assert.GreaterOrEqual(t, rec.minHops, 1)
}

func TestForwardDeliversLocally(t *testing.T) {
	nodes, rec := newMesh(2)
	wire(nodes[0], nodes[1], rec)

	sink := &localSink{id: "y"}
	require.True(t, nodes[0].reg.Add(sink))

	out := nodes[0].fwd.Forward(protocol.Envelope{Source: "x", Target: "y", HopsLeft: 5}, "")
	assert.Equal(t, Delivered, out)
	assert.Len(t, sink.got, 1)
	assert.Empty(t, rec.received)
}

func TestForwardSingleHopWithoutBroadcast(t *testing.T) {
	nodes, rec := newMesh(3)
	wire(nodes[0], nodes[1], rec)
	wire(nodes[0], nodes[2], rec)

	sink := &localSink{id: "y"}
	require.True(t, nodes[1].reg.Add(sink))
	nodes[0].dir.Update(nodes[0].dir.Get(nodes[1].addr), []types.ClientDescription{{ID: "y"}}, 10)

	out := nodes[0].fwd.Forward(protocol.Envelope{Source: "x", Target: "y", HopsLeft: 5}, "")
	assert.Equal(t, Relayed, out)
	require.Len(t, sink.got, 1)
	assert.Equal(t, 4, sink.got[0].HopsLeft)
	assert.Equal(t, map[string]int{nodes[1].addr: 1}, rec.received)
}

func TestForwardThroughIndirection(t *testing.T) {
	// a - b - c, a knows c through b
	nodes, rec := newMesh(3)
	a, b, c := nodes[0], nodes[1], nodes[2]
	wire(a, b, rec)
	wire(b, c, rec)
	a.dir.Get(c.addr).OfferIndirection(b.addr, 2)

	sink := &localSink{id: "z"}
	require.True(t, c.reg.Add(sink))

	out := a.fwd.Forward(protocol.Envelope{Source: "x", Target: "z", TargetHub: c.addr, HopsLeft: 5}, "")
	assert.Equal(t, Relayed, out)
	require.Len(t, sink.got, 1)
	assert.Equal(t, 3, sink.got[0].HopsLeft)
}

func TestForwardStaleHintNamingSelfBroadcasts(t *testing.T) {
	// the client moved from a to b; senders still name a
	nodes, rec := newMesh(2)
	a, b := nodes[0], nodes[1]
	wire(a, b, rec)

	sink := &localSink{id: "moved"}
	require.True(t, b.reg.Add(sink))

	out := a.fwd.Forward(protocol.Envelope{Target: "moved", TargetHub: a.addr, HopsLeft: 5}, "")
	assert.Equal(t, Broadcast, out)
	assert.Equal(t, 1, rec.received[b.addr])
	require.Len(t, sink.got, 1)
	assert.Equal(t, 4, sink.got[0].HopsLeft)
}

func TestForwardLastHopDrops(t *testing.T) {
	nodes, rec := newMesh(2)
	wire(nodes[0], nodes[1], rec)

	out := nodes[0].fwd.Forward(protocol.Envelope{Target: "nobody", HopsLeft: 1}, "")
	assert.Equal(t, Dropped, out)
	assert.Empty(t, rec.received)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	a := &localSink{id: "a"}
	a2 := &localSink{id: "a"}

	require.True(t, r.Add(a))
	assert.False(t, r.Add(a2))
	assert.False(t, r.Remove(a2))
	assert.Equal(t, 1, r.Len())

	require.True(t, r.Remove(a))
	require.True(t, r.Add(a2))

	r.CloseAll()
	assert.False(t, r.Add(&localSink{id: "b"}))
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "delivered", Delivered.String())
	assert.Equal(t, "relayed", Relayed.String())
	assert.Equal(t, "broadcast", Broadcast.String())
	assert.Equal(t, "dropped", Dropped.String())
}
