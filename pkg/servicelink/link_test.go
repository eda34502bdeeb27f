package servicelink

import (
	"context"
	"testing"
	"time"

	"github.com/ops-vsock/pkg/config"
	"github.com/ops-vsock/pkg/hub"
	"github.com/ops-vsock/pkg/protocol"
	"github.com/ops-vsock/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startHub(t *testing.T) *hub.Hub {
	t.Helper()
	cfg := config.Default()
	cfg.Hub.BindAddr = "127.0.0.1:0"
	cfg.Hub.GossipInterval = time.Hour
	cfg.Hub.ProbeInterval = time.Hour
	h, err := hub.New(cfg)
	require.NoError(t, err)
	require.NoError(t, h.Start(context.Background()))
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func dial(t *testing.T, h *hub.Hub, id string) *Link {
	t.Helper()
	l, err := Dial(context.Background(), nil, h.Address(), id, 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestDialReportsHub(t *testing.T) {
	h := startHub(t)
	l := dial(t, h, "client-1")
	assert.Equal(t, h.Address(), l.Hub())
	assert.Equal(t, "client-1", l.ClientID())
}

func TestDuplicateIdentityRefused(t *testing.T) {
	h := startHub(t)
	first := dial(t, h, "client-1")

	_, err := Dial(context.Background(), nil, h.Address(), "client-1", 5*time.Second)
	require.ErrorIs(t, err, ErrRefused)

	require.NoError(t, first.Disconnect())
	<-first.Done()

	require.Eventually(t, func() bool {
		l, err := Dial(context.Background(), nil, h.Address(), "client-1", 5*time.Second)
		if err != nil {
			return false
		}
		_ = l.Close()
		return true
	}, 5*time.Second, 20*time.Millisecond)
}

func TestProperties(t *testing.T) {
	h := startHub(t)
	l := dial(t, h, "client-1")
	ctx := context.Background()

	require.NoError(t, l.RegisterProperty(ctx, "web", "v1"))
	assert.ErrorIs(t, l.RegisterProperty(ctx, "web", "v2"), ErrRejected)
	assert.ErrorIs(t, l.UpdateProperty(ctx, "ssh", "x"), ErrRejected)
	require.NoError(t, l.UpdateProperty(ctx, "web", "v3"))

	v, err := l.QueryProperty(ctx, "", "web")
	require.NoError(t, err)
	assert.Equal(t, "v3", v)

	other := dial(t, h, "client-2")
	v, err = other.QueryProperty(ctx, "client-1", "web")
	require.NoError(t, err)
	assert.Equal(t, "v3", v)

	require.NoError(t, l.RemoveProperty(ctx, "web"))
	_, err = l.QueryProperty(ctx, "", "web")
	assert.ErrorIs(t, err, ErrRejected)
}

func TestLookup(t *testing.T) {
	h := startHub(t)
	ctx := context.Background()
	r1 := dial(t, h, "router-1")
	r2 := dial(t, h, "router-2")
	require.NoError(t, r1.RegisterProperty(ctx, "router", "a"))
	require.NoError(t, r2.RegisterProperty(ctx, "router", "b"))

	c := dial(t, h, "client-1")
	recs, err := c.Lookup(ctx, "router")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	values := []string{recs[0].Value, recs[1].Value}
	assert.ElementsMatch(t, []string{"a", "b"}, values)
	assert.Equal(t, h.Address(), recs[0].Hub)

	recs, err = c.Lookup(ctx, "nothing")
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestSendDispatchesToModuleHandler(t *testing.T) {
	h := startHub(t)
	a := dial(t, h, "a")
	b := dial(t, h, "b")

	got := make(chan protocol.Envelope, 1)
	require.True(t, b.Register("echo", func(m protocol.Envelope) { got <- m }))
	assert.False(t, b.Register("echo", func(protocol.Envelope) {}))

	require.NoError(t, a.Send("b", "", "echo", 3, []byte("ping")))

	select {
	case m := <-got:
		assert.Equal(t, "a", m.Source)
		assert.Equal(t, h.Address(), m.SourceHub)
		assert.Equal(t, 3, m.Opcode)
		assert.Equal(t, []byte("ping"), m.Payload)
	case <-time.After(5 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestClosedLinkFailsRequests(t *testing.T) {
	h := startHub(t)
	l := dial(t, h, "client-1")
	require.NoError(t, l.Close())

	assert.ErrorIs(t, l.RegisterProperty(context.Background(), "k", "v"), ErrClosed)
	assert.ErrorIs(t, l.Send("x", "", "m", 0, nil), ErrClosed)
}

func TestKeeperRegistersServices(t *testing.T) {
	h := startHub(t)
	k := NewKeeper(KeeperConfig{
		HubAddr:           h.Address(),
		ClientID:          "svc-1",
		Timeout:           5 * time.Second,
		ReconnectInterval: 50 * time.Millisecond,
		Services:          []types.ServiceBinding{{Name: "web", Value: "addr-1"}},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- k.Run(ctx) }()

	wctx, wcancel := context.WithTimeout(ctx, 5*time.Second)
	defer wcancel()
	l, err := k.WaitLink(wctx)
	require.NoError(t, err)
	assert.Equal(t, h.Address(), l.Hub())

	require.Eventually(t, func() bool {
		return len(h.Directory().Services("web")) == 1
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("keeper did not stop")
	}
	require.Eventually(t, func() bool {
		_, ok := h.Directory().FindClient("svc-1")
		return !ok
	}, 5*time.Second, 20*time.Millisecond)
}
