package servicelink

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ops-vsock/pkg/logging"
	"github.com/ops-vsock/pkg/transport"
	"github.com/ops-vsock/pkg/types"
)

// KeeperConfig describes the service link a Keeper maintains.
type KeeperConfig struct {
	HubAddr           string
	ClientID          string
	Timeout           time.Duration
	ReconnectInterval time.Duration
	MaxReconnect      int                    // 0 retries forever
	Services          []types.ServiceBinding // registered after every (re)connect
	Transport         transport.Factory
	Clock             clock.Clock
}

// Keeper keeps a service link to one hub up, reconnecting after failures
// and registering the configured services on every new link.
type Keeper struct {
	cfg KeeperConfig

	mu       sync.Mutex
	link     *Link
	handlers map[string]Handler
	services []types.ServiceBinding
	changed  chan struct{}
}

func NewKeeper(cfg KeeperConfig) *Keeper {
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = 5 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Keeper{
		cfg:      cfg,
		handlers: make(map[string]Handler),
		services: append([]types.ServiceBinding(nil), cfg.Services...),
		changed:  make(chan struct{}),
	}
}

// Link returns the current link, nil while disconnected.
func (k *Keeper) Link() *Link {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.link
}

// WaitLink blocks until a link is up or ctx is done.
func (k *Keeper) WaitLink(ctx context.Context) (*Link, error) {
	for {
		k.mu.Lock()
		l, changed := k.link, k.changed
		k.mu.Unlock()
		if l != nil {
			return l, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Register installs a module handler on the current and every future link.
func (k *Keeper) Register(module string, h Handler) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, exists := k.handlers[module]; exists {
		logging.Warnf("[servicelink] handler for module %s already registered", module)
		return false
	}
	k.handlers[module] = h
	if k.link != nil {
		k.link.Register(module, h)
	}
	return true
}

// AddService adds a binding registered on every future link, replacing one
// with the same name. The current link is not touched.
func (k *Keeper) AddService(b types.ServiceBinding) {
	k.mu.Lock()
	defer k.mu.Unlock()
	for i, s := range k.services {
		if s.Name == b.Name {
			k.services[i] = b
			return
		}
	}
	k.services = append(k.services, b)
}

// Run maintains the link until ctx is done or MaxReconnect consecutive
// attempts have failed.
func (k *Keeper) Run(ctx context.Context) error {
	reconnectCount := 0
	for {
		l, err := Dial(ctx, k.cfg.Transport, k.cfg.HubAddr, k.cfg.ClientID, k.cfg.Timeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logging.Logf("[servicelink] failed to connect to hub %s: %v", k.cfg.HubAddr, err)
			if k.cfg.MaxReconnect > 0 && reconnectCount >= k.cfg.MaxReconnect {
				return err
			}
			reconnectCount++
			if !k.sleep(ctx, reconnectCount) {
				return nil
			}
			continue
		}

		reconnectCount = 0
		k.attach(l)
		k.registerServices(ctx, l)

		select {
		case <-l.Done():
			if err := l.Err(); err != nil {
				logging.Logf("[servicelink] link to %s closed: %v", k.cfg.HubAddr, err)
			}
			k.detach(l)
		case <-ctx.Done():
			_ = l.Disconnect()
			k.detach(l)
			return nil
		}

		reconnectCount++
		if !k.sleep(ctx, reconnectCount) {
			return nil
		}
	}
}

func (k *Keeper) sleep(ctx context.Context, attempt int) bool {
	logging.Logf("[servicelink] reconnecting to %s in %v (attempt %d)...", k.cfg.HubAddr, k.cfg.ReconnectInterval, attempt)
	t := k.cfg.Clock.Timer(k.cfg.ReconnectInterval)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (k *Keeper) attach(l *Link) {
	k.mu.Lock()
	defer k.mu.Unlock()
	for module, h := range k.handlers {
		l.Register(module, h)
	}
	k.link = l
	close(k.changed)
	k.changed = make(chan struct{})
}

func (k *Keeper) detach(l *Link) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.link == l {
		k.link = nil
	}
}

func (k *Keeper) registerServices(ctx context.Context, l *Link) {
	k.mu.Lock()
	services := append([]types.ServiceBinding(nil), k.services...)
	k.mu.Unlock()
	for _, s := range services {
		err := l.RegisterProperty(ctx, s.Name, s.Value)
		if errors.Is(err, ErrRejected) {
			err = l.UpdateProperty(ctx, s.Name, s.Value)
		}
		if err != nil {
			logging.Warnf("[servicelink] register %s=%s failed: %v", s.Name, s.Value, err)
			continue
		}
		logging.Logf("[servicelink] registered %s=%s client=%s", s.Name, s.Value, k.cfg.ClientID)
	}
}
