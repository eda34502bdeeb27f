package hub

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/ops-vsock/pkg/config"
	"github.com/ops-vsock/pkg/directory"
	"github.com/ops-vsock/pkg/logging"
	"github.com/ops-vsock/pkg/metrics"
	"github.com/ops-vsock/pkg/transport"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// ErrClosed is returned by operations on a stopped hub.
var ErrClosed = errors.New("hub closed")

// Hub maintains the directory, gossips it over links to other hubs, serves
// client service links and forwards client messages.
type Hub struct {
	cfg     *config.Config
	tf      transport.Factory
	clk     clock.Clock
	address string

	listener  net.Listener
	dir       *directory.Directory
	registry  *Registry
	forwarder *Forwarder
	collector *metrics.Collector
	promReg   *prometheus.Registry
	limiter   *rate.Limiter

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
	closed bool
}

// Option customizes a Hub.
type Option func(*Hub)

// WithTransport replaces the TCP transport factory.
func WithTransport(tf transport.Factory) Option {
	return func(h *Hub) { h.tf = tf }
}

// WithClock replaces the wall clock driving gossip and idle checks.
func WithClock(clk clock.Clock) Option {
	return func(h *Hub) { h.clk = clk }
}

// New binds the hub listener and builds the directory. Start launches the
// background tasks.
func New(cfg *config.Config, opts ...Option) (*Hub, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	h := &Hub{
		cfg: cfg,
		tf:  transport.NewTCP(),
		clk: clock.New(),
	}
	for _, opt := range opts {
		opt(h)
	}

	ln, err := h.tf.Listen(cfg.Hub.BindAddr)
	if err != nil {
		return nil, err
	}
	if cfg.Hub.ProxyProtocol {
		ln = transport.WithProxyProtocol(ln)
	}
	h.listener = ln
	h.address = cfg.Hub.AdvertiseAddr
	if h.address == "" {
		h.address = transport.AdvertiseAddr(ln, "127.0.0.1")
	}

	h.dir = directory.New(h.address, h.clk)
	h.registry = NewRegistry()
	h.promReg = prometheus.NewRegistry()
	h.collector = metrics.NewCollector(h.address, h.Stats)
	h.promReg.MustRegister(h.collector)
	h.forwarder = NewForwarder(h.dir, h.registry, h.collector)
	h.limiter = rate.NewLimiter(rate.Every(cfg.Hub.ProbeInterval), cfg.Hub.ProbeBurst)

	for _, peer := range cfg.GetPeers() {
		h.AddPeer(peer)
	}
	return h, nil
}

// Address is the identity of this hub as seen by others.
func (h *Hub) Address() string {
	return h.address
}

func (h *Hub) Directory() *directory.Directory {
	return h.dir
}

func (h *Hub) Registry() *Registry {
	return h.registry
}

func (h *Hub) Forwarder() *Forwarder {
	return h.forwarder
}

func (h *Hub) Collector() *metrics.Collector {
	return h.collector
}

// AddPeer seeds the directory with another hub address.
func (h *Hub) AddPeer(addr string) {
	if addr == "" || addr == h.address {
		return
	}
	h.dir.Get(addr)
}

// Stats gathers gauges for the metrics collector.
func (h *Hub) Stats() metrics.HubStats {
	var s metrics.HubStats
	for _, p := range h.dir.All() {
		st := p.Snapshot()
		s.HubsKnown++
		if st.Hops < directory.Infinite {
			s.HubsReachable++
		}
		if st.Linked {
			s.Links++
		}
		s.Clients += len(st.Clients)
	}
	s.Sessions = h.registry.Len()
	return s
}

// Start launches the accept loop, the prober and the gossiper.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	if h.group != nil {
		return nil
	}

	h.ctx, h.cancel = context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(h.ctx)
	h.group = g

	g.Go(func() error { return h.acceptLoop(gctx) })
	g.Go(func() error { return h.probeLoop(gctx) })
	g.Go(func() error { return h.gossipLoop(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		h.shutdown()
		return nil
	})

	logging.Logf("[listen] hub addr=%s bind=%s peers=%d", h.address, h.listener.Addr(), h.dir.Len()-1)
	return nil
}

// Run starts the hub and blocks until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	if err := h.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return h.Close()
}

// Close stops every task and waits for them.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	g, cancel := h.group, h.cancel
	h.mu.Unlock()

	if cancel == nil {
		return h.listener.Close()
	}
	cancel()
	return g.Wait()
}

func (h *Hub) shutdown() {
	_ = h.listener.Close()
	for _, l := range h.dir.Links() {
		_ = l.Close()
	}
	h.registry.CloseAll()
	logging.Logf("[listen] hub stopped addr=%s", h.address)
}

// spawn runs fn in the hub task group, or not at all once stopped.
func (h *Hub) spawn(fn func()) bool {
	h.mu.Lock()
	g := h.group
	stopped := h.closed || g == nil || h.ctx.Err() != nil
	h.mu.Unlock()
	if stopped {
		return false
	}
	g.Go(func() error {
		fn()
		return nil
	})
	return true
}

func (h *Hub) acceptLoop(ctx context.Context) error {
	for {
		conn, err := h.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			logging.Warnf("[accept] error accepting connection: %v", err)
			continue
		}
		if !h.spawn(func() { h.serveConn(conn) }) {
			_ = conn.Close()
		}
	}
}

// StartMetricsServer starts the metrics server
func (h *Hub) StartMetricsServer(metricsAddr, metricsPath string) error {
	return metrics.Serve(metricsAddr, metricsPath, "Ops VSock Hub Exporter", h.promReg)
}

// Gatherer exposes the hub's metrics registry.
func (h *Hub) Gatherer() prometheus.Gatherer {
	return h.promReg
}
