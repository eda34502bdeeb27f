package router

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/ops-vsock/pkg/config"
	"github.com/ops-vsock/pkg/hub"
	"github.com/ops-vsock/pkg/modules"
	"github.com/ops-vsock/pkg/vsock"
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
	cfg.Modules.DirectTimeout = 2 * time.Second
	cfg.Router.ConnectTimeout = 5 * time.Second
	return cfg
}

func factory(t *testing.T, cfg *config.Config) *vsock.Factory {
	t.Helper()
	f, err := vsock.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	if cfg.Client.HubAddr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, err := f.WaitServiceLink(ctx)
		require.NoError(t, err)
	}
	return f
}

func TestRoutedThroughRouter(t *testing.T) {
	h, err := hub.New(testConfig())
	require.NoError(t, err)
	require.NoError(t, h.Start(context.Background()))
	t.Cleanup(func() { _ = h.Close() })

	routerCfg := testConfig()
	routerCfg.Client.HubAddr = h.Address()
	rf := factory(t, routerCfg)

	r, err := New(rf, routerCfg.Router, routerCfg.Modules.RouterService)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, r.Advertise(ctx))
	served := make(chan error, 1)
	go func() { served <- r.Serve(ctx) }()

	server := factory(t, testConfig())
	ss, err := server.Listen(80, 0)
	require.NoError(t, err)

	clientCfg := testConfig()
	clientCfg.Client.HubAddr = h.Address()
	clientCfg.Modules.Order = []string{"routed"}
	client := factory(t, clientCfg)

	c, err := client.Connect(context.Background(), ss.Address(), 5*time.Second, nil)
	require.NoError(t, err)
	assert.Equal(t, "routed", c.Module())

	actx, acancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer acancel()
	in, err := ss.Accept(actx)
	require.NoError(t, err)

	_ = c.SetDeadline(time.Now().Add(5 * time.Second))
	_ = in.SetDeadline(time.Now().Add(5 * time.Second))

	_, err = c.Write([]byte("through"))
	require.NoError(t, err)
	buf := make([]byte, 7)
	_, err = io.ReadFull(in, buf)
	require.NoError(t, err)
	assert.Equal(t, "through", string(buf))

	_, err = in.Write([]byte("back"))
	require.NoError(t, err)
	_, err = io.ReadFull(c, buf[:4])
	require.NoError(t, err)
	assert.Equal(t, "back", string(buf[:4]))

	require.NoError(t, c.Close())
	require.Eventually(t, func() bool {
		return rf.Collector().Splices(true) == 1
	}, 5*time.Second, 20*time.Millisecond)
	_ = in.Close()

	require.NoError(t, r.Close())
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("router did not stop")
	}
}

func TestRouteToUnboundPortFails(t *testing.T) {
	routerCfg := testConfig()
	rf := factory(t, routerCfg)
	r, err := New(rf, routerCfg.Router, "router")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Serve(ctx) }()
	defer r.Close()

	server := factory(t, testConfig())

	clientCfg := testConfig()
	clientCfg.Modules.Order = []string{"routed"}
	clientCfg.Modules.Routers = r.Address().String()
	client := factory(t, clientCfg)

	_, err = client.Connect(context.Background(), server.Address(99), 5*time.Second, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, modules.ErrNotSuitable)
	assert.Contains(t, err.Error(), "PORT_NOT_FOUND")

	require.Eventually(t, func() bool {
		return rf.Collector().Splices(false) == 1
	}, 5*time.Second, 20*time.Millisecond)
}
