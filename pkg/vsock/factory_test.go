package vsock

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/ops-vsock/pkg/address"
	"github.com/ops-vsock/pkg/config"
	"github.com/ops-vsock/pkg/hub"
	"github.com/ops-vsock/pkg/modules"
	"github.com/ops-vsock/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Hub.BindAddr = "127.0.0.1:0"
	cfg.Hub.GossipInterval = time.Hour
	cfg.Hub.ProbeInterval = time.Hour
	cfg.Hub.ConnectTimeout = 2 * time.Second
	cfg.Client.BindAddr = "127.0.0.1:0"
	cfg.Client.ConnectTimeout = 10 * time.Second
	cfg.Modules.DirectTimeout = 2 * time.Second
	cfg.Modules.ReverseTimeout = 5 * time.Second
	return cfg
}

func startHub(t *testing.T) *hub.Hub {
	t.Helper()
	h, err := hub.New(testConfig())
	require.NoError(t, err)
	require.NoError(t, h.Start(context.Background()))
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func newFactory(t *testing.T, cfg *config.Config) *Factory {
	t.Helper()
	f, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func linkedFactory(t *testing.T, h *hub.Hub, mutate func(*config.Config)) *Factory {
	t.Helper()
	cfg := testConfig()
	cfg.Client.HubAddr = h.Address()
	if mutate != nil {
		mutate(cfg)
	}
	f := newFactory(t, cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := f.WaitServiceLink(ctx)
	require.NoError(t, err)
	return f
}

func deadAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func accept(t *testing.T, s *ServerSocket) *Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := s.Accept(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func exchange(t *testing.T, a, b net.Conn) {
	t.Helper()
	_ = a.SetDeadline(time.Now().Add(5 * time.Second))
	_ = b.SetDeadline(time.Now().Add(5 * time.Second))

	_, err := a.Write([]byte("hello"))
	require.NoError(t, err)
	buf := make([]byte, 5)
	_, err = io.ReadFull(b, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf))

	_, err = b.Write([]byte("world"))
	require.NoError(t, err)
	_, err = io.ReadFull(a, buf)
	require.NoError(t, err)
	assert.Equal(t, "world", string(buf))
}

func TestDirectConnect(t *testing.T) {
	server := newFactory(t, testConfig())
	client := newFactory(t, testConfig())

	ss, err := server.Listen(80, 0)
	require.NoError(t, err)

	c, err := client.Connect(context.Background(), ss.Address(), 0, nil)
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, "direct", c.Module())
	assert.Equal(t, ss.Address(), c.Remote())

	in := accept(t, ss)
	assert.Equal(t, client.Machine(), in.Remote().Machine)
	assert.Equal(t, ss.Address(), in.Local())
	exchange(t, c, in)
	assert.Equal(t, float64(1), client.Collector().Attempts("direct", "connected"))
}

func TestConnectUnboundPortRefused(t *testing.T) {
	server := newFactory(t, testConfig())
	client := newFactory(t, testConfig())

	_, err := client.Connect(context.Background(), server.Address(99), 0, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, modules.ErrRefused)

	var re *modules.ResultError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, protocol.ResultPortNotFound, re.Code)
}

func TestBacklogFullOverloads(t *testing.T) {
	server := newFactory(t, testConfig())
	client := newFactory(t, testConfig())

	ss, err := server.Listen(81, 1)
	require.NoError(t, err)

	first, err := client.Connect(context.Background(), ss.Address(), 0, nil)
	require.NoError(t, err)
	defer first.Close()

	_, err = client.Connect(context.Background(), ss.Address(), 0, nil)
	var re *modules.ResultError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, protocol.ResultServerOverload, re.Code)

	// accepting frees the slot
	accept(t, ss)
	second, err := client.Connect(context.Background(), ss.Address(), 0, nil)
	require.NoError(t, err)
	_ = second.Close()
}

func TestListenPorts(t *testing.T) {
	f := newFactory(t, testConfig())

	a, err := f.Listen(0, 0)
	require.NoError(t, err)
	b, err := f.Listen(0, 0)
	require.NoError(t, err)
	assert.NotEqual(t, a.Address().Port, b.Address().Port)

	_, err = f.Listen(a.Address().Port, 0)
	assert.ErrorIs(t, err, ErrPortInUse)

	require.NoError(t, a.Close())
	_, err = a.Accept(context.Background())
	assert.ErrorIs(t, err, ErrSocketClosed)

	again, err := f.Listen(a.Address().Port, 0)
	require.NoError(t, err)
	assert.Equal(t, a.Address().Port, again.Address().Port)

	require.NoError(t, f.Close())
	_, err = f.Listen(7, 0)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestUnknownModule(t *testing.T) {
	cfg := testConfig()
	cfg.Modules.Order = []string{"direct", "teleport"}
	_, err := New(cfg)
	assert.ErrorIs(t, err, ErrUnknownModule)
}

func TestReverseThroughHub(t *testing.T) {
	h := startHub(t)

	// the server advertises an address nobody can dial
	server := linkedFactory(t, h, func(cfg *config.Config) {
		cfg.Client.AdvertiseAddr = deadAddr(t)
	})
	client := linkedFactory(t, h, nil)

	ss, err := server.Listen(80, 0)
	require.NoError(t, err)
	target := server.Address(80)
	assert.Equal(t, h.Address(), target.Hub)

	c, err := client.Connect(context.Background(), target, 0, nil)
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, "reverse", c.Module())
	attempts := c.Attempts()
	require.GreaterOrEqual(t, len(attempts), 2)
	assert.Equal(t, "direct", attempts[0].Module)
	assert.Equal(t, modules.NotSuitable, attempts[0].Outcome)

	exchange(t, c, accept(t, ss))
}

func TestReverseRefusedWithoutServerSocket(t *testing.T) {
	h := startHub(t)
	server := linkedFactory(t, h, func(cfg *config.Config) {
		cfg.Client.AdvertiseAddr = deadAddr(t)
	})
	client := linkedFactory(t, h, nil)

	_, err := client.Connect(context.Background(), server.Address(80), 0, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, modules.ErrRefused)
	assert.Contains(t, err.Error(), "PORT_NOT_FOUND")
}

func TestSkipFilterLeavesNothing(t *testing.T) {
	client := newFactory(t, testConfig())
	target := address.VirtualSocketAddress{Machine: deadAddr(t), Port: 1}

	_, err := client.Connect(context.Background(), target, time.Second, config.NewProperties(modules.PropSkip, "direct,routed"))
	require.Error(t, err)

	var ce *modules.ConnectError
	require.ErrorAs(t, err, &ce)
	for _, a := range ce.Attempts {
		assert.True(t, a.Filtered, a.String())
	}
	assert.True(t, errors.Is(err, modules.ErrNoModules))
}

func TestPropertiesAndLookup(t *testing.T) {
	h := startHub(t)
	f := linkedFactory(t, h, func(cfg *config.Config) {
		cfg.Client.Services = "echo=" + address.VirtualSocketAddress{Machine: "127.0.0.1:1", Port: 7}.String()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, f.RegisterProperty(ctx, "router", "r1"))
	require.NoError(t, f.RegisterProperty(ctx, "router", "r2"))

	require.Eventually(t, func() bool {
		recs, err := f.Lookup(ctx, "router")
		return err == nil && len(recs) == 1 && recs[0].Value == "r2"
	}, 5*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		recs, err := f.Lookup(ctx, "echo")
		return err == nil && len(recs) == 1 && recs[0].Client == f.Machine()
	}, 5*time.Second, 20*time.Millisecond)
}

func TestNoServiceLink(t *testing.T) {
	f := newFactory(t, testConfig())
	assert.Nil(t, f.ServiceLink())
	_, err := f.Lookup(context.Background(), "router")
	assert.ErrorIs(t, err, modules.ErrNoServiceLink)
}
