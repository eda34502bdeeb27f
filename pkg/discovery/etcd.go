package discovery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ops-vsock/pkg/logging"
	"github.com/ops-vsock/pkg/routing"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// ErrNoEndpoints discovery is disabled
var ErrNoEndpoints = errors.New("no etcd endpoints")

// Registry publishes hub addresses under a key prefix in etcd and feeds the
// addresses of the other hubs into the local directory.
type Registry struct {
	cli    *clientv3.Client
	prefix string
	ttl    int64
}

// New connects to etcd.
func New(endpoints []string, prefix string, ttl int64) (*Registry, error) {
	if len(endpoints) == 0 {
		return nil, ErrNoEndpoints
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("etcd client: %w", err)
	}
	if ttl <= 0 {
		ttl = 10
	}
	return &Registry{cli: cli, prefix: normalizePrefix(prefix), ttl: ttl}, nil
}

// Register puts addr under a lease kept alive until ctx is done.
func (r *Registry) Register(ctx context.Context, addr string) error {
	lease, err := r.cli.Grant(ctx, r.ttl)
	if err != nil {
		return fmt.Errorf("grant lease: %w", err)
	}
	if _, err := r.cli.Put(ctx, r.keyFor(addr), addr, clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("register %s: %w", addr, err)
	}
	ch, err := r.cli.KeepAlive(ctx, lease.ID)
	if err != nil {
		return fmt.Errorf("keepalive: %w", err)
	}
	go func() {
		// drained so the client does not warn about a full channel
		for range ch {
		}
		logging.Debugf("[discovery] keepalive for %s stopped", addr)
	}()
	logging.Logf("[discovery] registered %s ttl=%ds", addr, r.ttl)
	return nil
}

// Seeds lists every registered hub address.
func (r *Registry) Seeds(ctx context.Context) ([]string, error) {
	resp, err := r.cli.Get(ctx, r.prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("list hubs: %w", err)
	}
	addrs := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		addrs = append(addrs, string(kv.Value))
	}
	return routing.NormalizeHubAddrs(addrs, "127.0.0.1"), nil
}

// Watch calls add for every hub registered after the call, until ctx is done.
func (r *Registry) Watch(ctx context.Context, add func(addr string)) {
	for resp := range r.cli.Watch(ctx, r.prefix, clientv3.WithPrefix()) {
		if err := resp.Err(); err != nil {
			logging.Warnf("[discovery] watch: %v", err)
			continue
		}
		for _, ev := range resp.Events {
			if ev.Type != clientv3.EventTypePut {
				continue
			}
			if addr := routing.NormalizeHubAddr(string(ev.Kv.Value), "127.0.0.1"); addr != "" {
				add(addr)
			}
		}
	}
}

// Run registers self, seeds add with the known hubs and keeps watching for
// new ones until ctx is done.
func (r *Registry) Run(ctx context.Context, self string, add func(addr string)) error {
	if err := r.Register(ctx, self); err != nil {
		return err
	}
	seeds, err := r.Seeds(ctx)
	if err != nil {
		return err
	}
	for _, addr := range seeds {
		if addr != self {
			add(addr)
		}
	}
	logging.Logf("[discovery] seeded %d hubs from %s", len(seeds), r.prefix)
	r.Watch(ctx, func(addr string) {
		if addr != self {
			add(addr)
		}
	})
	return nil
}

func (r *Registry) Close() error {
	return r.cli.Close()
}

func (r *Registry) keyFor(addr string) string {
	return r.prefix + addr
}

func normalizePrefix(prefix string) string {
	if prefix == "" {
		prefix = "/ops-vsock/hubs/"
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return prefix
}
