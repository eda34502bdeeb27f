package vsock

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ops-vsock/pkg/address"
	"github.com/ops-vsock/pkg/config"
	"github.com/ops-vsock/pkg/logging"
	"github.com/ops-vsock/pkg/metrics"
	"github.com/ops-vsock/pkg/modules"
	"github.com/ops-vsock/pkg/protocol"
	"github.com/ops-vsock/pkg/servicelink"
	"github.com/ops-vsock/pkg/transport"
	"github.com/ops-vsock/pkg/types"
)

var (
	// ErrClosed the factory was closed
	ErrClosed = errors.New("virtual socket factory closed")

	// ErrSocketClosed the server socket was closed
	ErrSocketClosed = errors.New("server socket closed")

	// ErrPortInUse another server socket is bound to the port
	ErrPortInUse = errors.New("virtual port in use")

	// ErrUnknownModule a configured module name is not known
	ErrUnknownModule = errors.New("unknown connection module")
)

// firstEphemeralPort is where automatic port allocation starts.
const firstEphemeralPort = 1024

// Factory creates virtual server sockets and virtual connections. It owns
// the direct listener that other machines dial, and optionally a service
// link to a hub.
type Factory struct {
	cfg       *config.Config
	tf        transport.Factory
	clk       clock.Clock
	collector *metrics.ClientCollector

	listener net.Listener
	identity string
	keeper   *servicelink.Keeper
	reverse  *modules.Reverse
	chain    *modules.Chain

	mu       sync.Mutex
	sockets  map[int]*ServerSocket
	nextPort int
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option customizes a Factory.
type Option func(*Factory)

// WithTransport replaces the TCP transport factory.
func WithTransport(tf transport.Factory) Option {
	return func(f *Factory) { f.tf = tf }
}

// WithClock replaces the clock pacing service link reconnects.
func WithClock(clk clock.Clock) Option {
	return func(f *Factory) { f.clk = clk }
}

// WithCollector records client metrics into c.
func WithCollector(c *metrics.ClientCollector) Option {
	return func(f *Factory) { f.collector = c }
}

// New opens the direct listener, builds the module chain and, when a hub is
// configured, starts keeping a service link to it.
func New(cfg *config.Config, opts ...Option) (*Factory, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	f := &Factory{
		cfg:      cfg,
		tf:       transport.NewTCP(),
		clk:      clock.New(),
		sockets:  make(map[int]*ServerSocket),
		nextPort: firstEphemeralPort,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.collector == nil {
		f.collector = metrics.NewClientCollector()
	}

	ln, err := f.tf.Listen(cfg.Client.BindAddr)
	if err != nil {
		return nil, err
	}
	f.listener = ln
	f.identity = cfg.Client.AdvertiseAddr
	if f.identity == "" {
		f.identity = transport.AdvertiseAddr(ln, "127.0.0.1")
	}

	chain, err := f.buildChain()
	if err != nil {
		_ = ln.Close()
		return nil, err
	}
	f.chain = chain

	f.ctx, f.cancel = context.WithCancel(context.Background())
	if cfg.Client.HubAddr != "" {
		f.keeper = servicelink.NewKeeper(servicelink.KeeperConfig{
			HubAddr:   cfg.Client.HubAddr,
			ClientID:  f.identity,
			Timeout:   cfg.Hub.ConnectTimeout,
			Services:  cfg.GetServices(),
			Transport: f.tf,
			Clock:     f.clk,
		})
		f.keeper.Register(modules.ReverseModule, f.reverse.Handle)
		f.wg.Add(1)
		go func() {
			defer f.wg.Done()
			if err := f.keeper.Run(f.ctx); err != nil {
				logging.Errorf("[vsock] service link to %s given up: %v", cfg.Client.HubAddr, err)
			}
		}()
	}

	f.wg.Add(1)
	go f.acceptLoop()

	names := make([]string, 0, len(f.chain.Modules()))
	for _, m := range f.chain.Modules() {
		names = append(names, m.Name())
	}
	logging.Logf("[listen] vsock machine=%s hub=%s modules=%s", f.identity, cfg.Client.HubAddr, strings.Join(names, ","))
	return f, nil
}

func (f *Factory) buildChain() (*modules.Chain, error) {
	host, _, err := net.SplitHostPort(f.identity)
	if err != nil {
		host = "127.0.0.1"
	}
	// the responder half of reverse answers requests whether or not the
	// module is in the local chain
	f.reverse = &modules.Reverse{
		Transport: f.tf,
		Link:      f.messenger,
		Acceptor:  f,
		Source:    f.source,
		BindHost:  host,
		Timeout:   f.cfg.Modules.ReverseTimeout,
	}

	var mods []modules.Module
	for _, name := range f.cfg.Modules.Order {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "direct":
			mods = append(mods, &modules.Direct{
				Transport: f.tf,
				Source:    f.source,
				Timeout:   f.cfg.ModuleTimeout("direct", 0),
			})
		case "reverse":
			mods = append(mods, f.reverse)
		case "routed":
			mods = append(mods, &modules.Routed{
				Transport: f.tf,
				Finder:    f.finder,
				Static:    f.cfg.GetRouters(),
				Service:   f.cfg.Modules.RouterService,
				Source:    f.source,
				Timeout:   f.cfg.ModuleTimeout("routed", 0),
			})
		default:
			return nil, fmt.Errorf("%w: %s", ErrUnknownModule, name)
		}
	}
	return modules.NewChain(f.hasLink, f.collector, mods...), nil
}

// Machine is the transport endpoint identifying this factory.
func (f *Factory) Machine() string {
	return f.identity
}

// Address returns the virtual address of port on this machine, qualified
// with the hub when a service link is up.
func (f *Factory) Address(port int) address.VirtualSocketAddress {
	a := address.VirtualSocketAddress{Machine: f.identity, Port: port}
	if l := f.ServiceLink(); l != nil {
		a.Hub = l.Hub()
	}
	return a
}

func (f *Factory) Collector() *metrics.ClientCollector {
	return f.collector
}

// ServiceLink returns the current service link, nil while there is none.
func (f *Factory) ServiceLink() *servicelink.Link {
	if f.keeper == nil {
		return nil
	}
	return f.keeper.Link()
}

// WaitServiceLink blocks until the service link is up.
func (f *Factory) WaitServiceLink(ctx context.Context) (*servicelink.Link, error) {
	if f.keeper == nil {
		return nil, modules.ErrNoServiceLink
	}
	return f.keeper.WaitLink(ctx)
}

// RegisterProperty registers key=value for this client on its hub. An
// existing value for key is replaced.
func (f *Factory) RegisterProperty(ctx context.Context, key, value string) error {
	l, err := f.WaitServiceLink(ctx)
	if err != nil {
		return err
	}
	err = l.RegisterProperty(ctx, key, value)
	if errors.Is(err, servicelink.ErrRejected) {
		err = l.UpdateProperty(ctx, key, value)
	}
	return err
}

// Publish registers key=value now and again on every later service link.
func (f *Factory) Publish(ctx context.Context, key, value string) error {
	if f.keeper == nil {
		return modules.ErrNoServiceLink
	}
	f.keeper.AddService(types.ServiceBinding{Name: key, Value: value})
	return f.RegisterProperty(ctx, key, value)
}

// Lookup finds service bindings called name across the directory.
func (f *Factory) Lookup(ctx context.Context, name string) ([]types.ServiceRecord, error) {
	l, err := f.WaitServiceLink(ctx)
	if err != nil {
		return nil, err
	}
	return l.Lookup(ctx, name)
}

// Listen binds a server socket to port; 0 picks a free port. backlog <= 0
// uses the configured default.
func (f *Factory) Listen(port, backlog int) (*ServerSocket, error) {
	if port < 0 || port > 0xFFFF {
		return nil, fmt.Errorf("%w: port %d out of range", address.ErrInvalidAddress, port)
	}
	if backlog <= 0 {
		backlog = f.cfg.Client.Backlog
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrClosed
	}
	if port == 0 {
		p, ok := f.freePortLocked()
		if !ok {
			return nil, ErrPortInUse
		}
		port = p
	} else if _, exists := f.sockets[port]; exists {
		return nil, fmt.Errorf("%w: %d", ErrPortInUse, port)
	}

	s := newServerSocket(f, address.VirtualSocketAddress{Machine: f.identity, Port: port}, backlog)
	f.sockets[port] = s
	logging.Debugf("[vsock] listening port=%d backlog=%d", port, backlog)
	return s, nil
}

func (f *Factory) freePortLocked() (int, bool) {
	for i := 0; i <= 0xFFFF-firstEphemeralPort; i++ {
		p := f.nextPort
		f.nextPort++
		if f.nextPort > 0xFFFF {
			f.nextPort = firstEphemeralPort
		}
		if _, used := f.sockets[p]; !used {
			return p, true
		}
	}
	return 0, false
}

func (f *Factory) unbind(s *ServerSocket) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sockets[s.addr.Port] == s {
		delete(f.sockets, s.addr.Port)
	}
}

// Reserve implements modules.Acceptor for the direct listener and for
// reverse requests.
func (f *Factory) Reserve(req protocol.VirtualConnect) (modules.Slot, protocol.ResultCode) {
	f.mu.Lock()
	s, ok := f.sockets[req.Port]
	f.mu.Unlock()
	if !ok {
		return nil, protocol.ResultPortNotFound
	}
	return s.reserve()
}

// Connect opens a virtual connection to target through the module chain.
// timeout <= 0 uses the configured default.
func (f *Factory) Connect(ctx context.Context, target address.VirtualSocketAddress, timeout time.Duration, props config.Properties) (*Conn, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}
	if f.ctx.Err() != nil {
		return nil, ErrClosed
	}
	if timeout <= 0 {
		timeout = f.cfg.Client.ConnectTimeout
	}

	conn, attempts, err := f.chain.Connect(ctx, target, timeout, props)
	if err != nil {
		return nil, err
	}
	c := &Conn{
		Conn:     conn,
		local:    f.Address(0),
		remote:   target,
		attempts: attempts,
	}
	if n := len(attempts); n > 0 {
		c.module = attempts[n-1].Module
	}
	logging.Debugf("[vsock] connected target=%s module=%s", target, c.module)
	return c, nil
}

// Close stops the service link, the direct listener and every server socket.
func (f *Factory) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	sockets := make([]*ServerSocket, 0, len(f.sockets))
	for _, s := range f.sockets {
		sockets = append(sockets, s)
	}
	f.mu.Unlock()

	f.cancel()
	err := f.listener.Close()
	for _, s := range sockets {
		_ = s.Close()
	}
	f.wg.Wait()
	logging.Logf("[listen] vsock stopped machine=%s", f.identity)
	return err
}

func (f *Factory) acceptLoop() {
	defer f.wg.Done()
	for {
		conn, err := f.listener.Accept()
		if err != nil {
			if f.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			logging.Warnf("[vsock] error accepting connection: %v", err)
			continue
		}
		f.wg.Add(1)
		go f.serve(conn)
	}
}

func (f *Factory) serve(conn net.Conn) {
	defer f.wg.Done()
	stop := context.AfterFunc(f.ctx, func() { _ = conn.Close() })
	code, err := modules.ServeVirtualConnect(conn, f.identity, f, f.handshakeTimeout())
	stop()
	if err != nil {
		logging.Debugf("[vsock] handshake from %s failed: %v", transport.RemoteAddr(conn), err)
		f.collector.RecordAccept("error")
		return
	}
	f.collector.RecordAccept(code.String())
	if code != protocol.ResultAccept {
		logging.Debugf("[vsock] rejected %s: %s", transport.RemoteAddr(conn), code)
	}
}

func (f *Factory) hasLink() bool {
	return f.ServiceLink() != nil
}

// messenger and finder return an untyped nil while disconnected so the
// modules see a nil interface.
func (f *Factory) messenger() modules.Messenger {
	if l := f.ServiceLink(); l != nil {
		return l
	}
	return nil
}

func (f *Factory) finder() modules.Finder {
	if l := f.ServiceLink(); l != nil {
		return l
	}
	return nil
}

func (f *Factory) source() string {
	return f.Address(0).String()
}
