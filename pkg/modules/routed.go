package modules

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/ops-vsock/pkg/address"
	"github.com/ops-vsock/pkg/config"
	"github.com/ops-vsock/pkg/logging"
	"github.com/ops-vsock/pkg/protocol"
	"github.com/ops-vsock/pkg/proxy"
	"github.com/ops-vsock/pkg/transport"
	"github.com/ops-vsock/pkg/types"
	"go.uber.org/multierr"
)

// ErrNoRouters no router is known
var ErrNoRouters = errors.New("no router available")

// Finder looks up service bindings across the directory.
type Finder interface {
	Lookup(ctx context.Context, name string) ([]types.ServiceRecord, error)
}

// Routed connects through a router that splices the caller to the target.
// Routers come from the directory under Service plus the Static list; they
// are tried round robin and a router that fails is not retried within the
// same attempt.
type Routed struct {
	Transport transport.Factory
	Finder    func() Finder // nil result when no service link is up
	Static    []string      // router addresses in virtual socket text form
	Service   string        // property name routers register under
	Source    func() string
	Timeout   time.Duration

	mu   sync.Mutex
	next int
}

func (r *Routed) Name() string              { return "routed" }
func (r *Routed) Type() Type                { return TypeIndirect }
func (r *Routed) RequiresServiceLink() bool { return false }

func (r *Routed) Connect(ctx context.Context, target address.VirtualSocketAddress, timeout time.Duration, _ config.Properties) Result {
	timeout = clamp(r.Timeout, timeout)
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	routers := r.routers(ctx)
	if len(routers) == 0 {
		return NotSuitableBecause(ErrNoRouters)
	}

	var errs error
	start := r.rotate(len(routers))
	for i := 0; i < len(routers); i++ {
		router := routers[(start+i)%len(routers)]
		if ctx.Err() != nil {
			errs = multierr.Append(errs, ctx.Err())
			break
		}
		conn, err := r.through(ctx, router, target, timeout)
		if err == nil {
			return ConnectedWith(conn)
		}
		logging.Debugf("[routed] router=%s target=%s: %v", router, target, err)
		errs = multierr.Append(errs, fmt.Errorf("router %s: %w", router, err))
	}
	return NotSuitableBecause(errs)
}

// through opens the first leg to router and asks it for the second.
func (r *Routed) through(ctx context.Context, router address.VirtualSocketAddress, target address.VirtualSocketAddress, timeout time.Duration) (conn net.Conn, err error) {
	conn, err = Handshake(ctx, r.Transport, router, r.source(), "", timeout)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = conn.Close()
		}
	}()

	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	enc := protocol.NewEncoder(conn)
	dec := protocol.NewDecoder(conn)
	if err := protocol.WriteRouteRequest(enc, target.String(), timeout); err != nil {
		return nil, err
	}
	reason, err := protocol.ReadRouteReply(dec)
	if err != nil {
		return nil, err
	}
	if reason != "" {
		return nil, fmt.Errorf("route failed: %s", reason)
	}
	if !stop() {
		return nil, ctx.Err()
	}
	_ = conn.SetDeadline(time.Time{})
	return proxy.Wrap(conn, dec.Buffered()), nil
}

func (r *Routed) routers(ctx context.Context) []address.VirtualSocketAddress {
	var out []address.VirtualSocketAddress
	seen := make(map[address.VirtualSocketAddress]bool)
	add := func(s string) {
		a, err := address.Parse(s)
		if err != nil {
			logging.Debugf("[routed] ignoring router %q: %v", s, err)
			return
		}
		if !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}

	if r.Finder != nil && r.Service != "" {
		if f := r.Finder(); f != nil {
			recs, err := f.Lookup(ctx, r.Service)
			if err != nil {
				logging.Debugf("[routed] lookup %s: %v", r.Service, err)
			}
			for _, rec := range recs {
				add(rec.Value)
			}
		}
	}
	for _, s := range r.Static {
		add(s)
	}
	return out
}

func (r *Routed) rotate(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.next % n
	r.next++
	return i
}

func (r *Routed) source() string {
	if r.Source == nil {
		return ""
	}
	return r.Source()
}
