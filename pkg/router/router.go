package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ops-vsock/pkg/address"
	"github.com/ops-vsock/pkg/config"
	"github.com/ops-vsock/pkg/logging"
	"github.com/ops-vsock/pkg/modules"
	"github.com/ops-vsock/pkg/protocol"
	"github.com/ops-vsock/pkg/proxy"
	"github.com/ops-vsock/pkg/vsock"
)

// Router relays virtual connections. A caller opens the first leg to the
// router's virtual port and names the target; the router opens the second
// leg itself and splices the two.
type Router struct {
	f       *vsock.Factory
	socket  *vsock.ServerSocket
	service string
	timeout time.Duration

	wg sync.WaitGroup
}

// New binds the router port on f. service is the property name the router
// advertises itself under.
func New(f *vsock.Factory, cfg config.RouterConfig, service string) (*Router, error) {
	socket, err := f.Listen(cfg.Port, 0)
	if err != nil {
		return nil, fmt.Errorf("router listen: %w", err)
	}
	return &Router{
		f:       f,
		socket:  socket,
		service: service,
		timeout: cfg.ConnectTimeout,
	}, nil
}

// Address is where callers reach the router.
func (r *Router) Address() address.VirtualSocketAddress {
	return r.f.Address(r.socket.Address().Port)
}

// Advertise registers the router in the directory through the service link,
// and again whenever the link is re-established.
func (r *Router) Advertise(ctx context.Context) error {
	addr := r.Address()
	if err := r.f.Publish(ctx, r.service, addr.String()); err != nil {
		return fmt.Errorf("advertise router: %w", err)
	}
	logging.Logf("[router] advertised %s=%s", r.service, addr)
	return nil
}

// Serve accepts route requests until ctx is done or the socket is closed.
func (r *Router) Serve(ctx context.Context) error {
	logging.Logf("[listen] router addr=%s", r.Address())
	defer r.wg.Wait()
	for {
		conn, err := r.socket.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, vsock.ErrSocketClosed) {
				return nil
			}
			return err
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.handle(ctx, conn)
		}()
	}
}

// Close unbinds the router port. Splices in progress run to completion.
func (r *Router) Close() error {
	return r.socket.Close()
}

func (r *Router) handle(ctx context.Context, conn *vsock.Conn) {
	if r.timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(r.timeout))
	}
	dec := protocol.NewDecoder(conn)
	enc := protocol.NewEncoder(conn)

	text, timeout, err := protocol.ReadRouteRequest(dec)
	if err != nil {
		logging.Debugf("[router] bad request from %s: %v", conn.Remote(), err)
		_ = conn.Close()
		return
	}
	fail := func(reason string) {
		logging.Logf("[router] route %s -> %s failed: %s", conn.Remote(), text, reason)
		_ = protocol.WriteRouteReply(enc, reason)
		_ = conn.Close()
		r.f.Collector().RecordSplice(0, 0, false)
	}

	target, err := address.Parse(text)
	if err != nil {
		fail(err.Error())
		return
	}
	if timeout <= 0 || (r.timeout > 0 && r.timeout < timeout) {
		timeout = r.timeout
	}

	// the second leg never goes through another router
	props := config.NewProperties(modules.PropSkip, "routed")
	out, err := r.f.Connect(ctx, target, timeout, props)
	if err != nil {
		fail(err.Error())
		return
	}
	if err := protocol.WriteRouteReply(enc, ""); err != nil {
		_ = conn.Close()
		_ = out.Close()
		return
	}
	_ = conn.SetDeadline(time.Time{})

	logging.Debugf("[router] splicing %s -> %s module=%s", conn.Remote(), target, out.Module())
	res := proxy.Splice(proxy.Wrap(conn, dec.Buffered()), out)
	r.f.Collector().RecordSplice(res.BytesTx, res.BytesRx, res.Err == nil)
	logging.Debugf("[router] done %s -> %s tx=%d rx=%d err=%v", conn.Remote(), target, res.BytesTx, res.BytesRx, res.Err)
}
