package modules

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/ops-vsock/pkg/address"
	"github.com/ops-vsock/pkg/config"
	"github.com/ops-vsock/pkg/logging"
	"github.com/ops-vsock/pkg/metrics"
	"go.uber.org/multierr"
)

// ErrNoModules no module was allowed to try
var ErrNoModules = errors.New("no usable connection module")

// Attempt records one module's part in a connect.
type Attempt struct {
	Module   string
	Outcome  Outcome
	Err      error
	Filtered bool // skipped by properties or missing service link, never tried
	Duration time.Duration
}

func (a Attempt) String() string {
	if a.Filtered {
		return fmt.Sprintf("%s: skipped: %v", a.Module, a.Err)
	}
	if a.Err != nil {
		return fmt.Sprintf("%s: %s: %v", a.Module, a.Outcome, a.Err)
	}
	return fmt.Sprintf("%s: %s", a.Module, a.Outcome)
}

// ConnectError is returned when no module produced a connection. It wraps
// the reason of every module that was tried.
type ConnectError struct {
	Target   address.VirtualSocketAddress
	Attempts []Attempt
	err      error
}

func (e *ConnectError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, a.String())
	}
	return fmt.Sprintf("connect to %s failed: [%s]", e.Target, strings.Join(parts, "; "))
}

func (e *ConnectError) Unwrap() error {
	return e.err
}

// Reasons lists the individual module errors.
func (e *ConnectError) Reasons() []error {
	return multierr.Errors(e.err)
}

// Chain tries modules in order until one connects or one is refused.
type Chain struct {
	modules   []Module
	hasLink   func() bool
	collector *metrics.ClientCollector
}

// NewChain builds a chain. hasLink reports whether a service link is up;
// nil means never.
func NewChain(hasLink func() bool, collector *metrics.ClientCollector, modules ...Module) *Chain {
	if hasLink == nil {
		hasLink = func() bool { return false }
	}
	return &Chain{modules: modules, hasLink: hasLink, collector: collector}
}

// Modules returns the configured modules in order.
func (c *Chain) Modules() []Module {
	out := make([]Module, len(c.modules))
	copy(out, c.modules)
	return out
}

// Connect runs the chain. timeout bounds the whole chain; each module gets
// what is left. The attempts are returned on success too.
func (c *Chain) Connect(ctx context.Context, target address.VirtualSocketAddress, timeout time.Duration, props config.Properties) (net.Conn, []Attempt, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var attempts []Attempt
	var errs error
	tried := 0

	for _, m := range c.modules {
		if ok, why := Allowed(m, props); !ok {
			attempts = append(attempts, Attempt{Module: m.Name(), Filtered: true, Err: errors.New(why)})
			c.collector.RecordAttempt(m.Name(), "filtered")
			continue
		}
		if m.RequiresServiceLink() && !c.hasLink() {
			attempts = append(attempts, Attempt{Module: m.Name(), Filtered: true, Err: ErrNoServiceLink})
			c.collector.RecordAttempt(m.Name(), "filtered")
			continue
		}
		if err := ctx.Err(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", m.Name(), err))
			break
		}

		remaining := time.Duration(0)
		if dl, ok := ctx.Deadline(); ok {
			remaining = time.Until(dl)
		}

		tried++
		start := time.Now()
		res := m.Connect(ctx, target, remaining, props)
		a := Attempt{Module: m.Name(), Outcome: res.Outcome, Err: res.Err, Duration: time.Since(start)}
		attempts = append(attempts, a)
		c.collector.RecordAttempt(m.Name(), res.Outcome.String())

		switch res.Outcome {
		case Connected:
			logging.Debugf("[connect] target=%s module=%s took=%s", target, m.Name(), a.Duration)
			c.collector.RecordConnect(m.Name())
			return res.Conn, attempts, nil
		case Refused:
			logging.Debugf("[connect] target=%s refused by %s: %v", target, m.Name(), res.Err)
			c.collector.RecordConnect("")
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", m.Name(), res.Err))
			return nil, attempts, &ConnectError{Target: target, Attempts: attempts, err: errs}
		default:
			logging.Debugf("[connect] target=%s %s not suitable: %v", target, m.Name(), res.Err)
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", m.Name(), res.Err))
		}
	}

	c.collector.RecordConnect("")
	if tried == 0 {
		errs = multierr.Append(errs, ErrNoModules)
	}
	return nil, attempts, &ConnectError{Target: target, Attempts: attempts, err: errs}
}
