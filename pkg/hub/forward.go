package hub

import (
	"github.com/ops-vsock/pkg/directory"
	"github.com/ops-vsock/pkg/logging"
	"github.com/ops-vsock/pkg/metrics"
	"github.com/ops-vsock/pkg/protocol"
)

// Outcome is what Forward did with a message.
type Outcome int

const (
	Dropped Outcome = iota
	Delivered
	Relayed
	Broadcast
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case Relayed:
		return "relayed"
	case Broadcast:
		return "broadcast"
	}
	return "dropped"
}

// Deliverer is a local endpoint that accepts client messages.
type Deliverer interface {
	Deliver(m protocol.Envelope) error
}

// Forwarder routes client messages to a local session, over the link to the
// target's hub, or by bounded broadcast. Delivery is at-least-once: a
// broadcast can reach the target more than once and nothing deduplicates.
type Forwarder struct {
	dir       *directory.Directory
	registry  *Registry
	collector *metrics.Collector
}

func NewForwarder(dir *directory.Directory, registry *Registry, collector *metrics.Collector) *Forwarder {
	return &Forwarder{dir: dir, registry: registry, collector: collector}
}

// Forward routes m. from is the hub the message arrived from, empty when it
// came from a local service link; it is never sent back there.
func (f *Forwarder) Forward(m protocol.Envelope, from string) Outcome {
	outcome := f.forward(m, from)
	if f.collector != nil {
		f.collector.RecordForward(outcome.String())
	}
	return outcome
}

func (f *Forwarder) forward(m protocol.Envelope, from string) Outcome {
	if c, ok := f.registry.Get(m.Target); ok {
		if d, ok := c.(Deliverer); ok {
			if err := d.Deliver(m); err != nil {
				logging.Debugf("[forward] deliver to %s failed: %v", m.Target, err)
				return Dropped
			}
			return Delivered
		}
	}

	hint := m.TargetHub
	if hint == "" {
		hint, _ = f.dir.FindClient(m.Target)
	}
	if hint != "" && m.HopsLeft > 0 {
		if p, ok := f.dir.Lookup(hint); ok {
			relay := m
			relay.HopsLeft = m.HopsLeft - 1
			if l := p.Link(); l != nil && l.Remote() != from {
				if err := l.SendMessage(relay); err == nil {
					return Relayed
				}
			}
			if via := p.Indirection(); via != "" && via != from {
				if vp, ok := f.dir.Lookup(via); ok {
					if l := vp.Link(); l != nil {
						if err := l.SendMessage(relay); err == nil {
							return Relayed
						}
					}
				}
			}
		}
	}

	next := m.HopsLeft - 1
	if next <= 0 {
		logging.Debugf("[forward] drop: hops exhausted target=%s", m.Target)
		return Dropped
	}
	bcast := m
	bcast.HopsLeft = next

	sent := 0
	for remote, l := range f.dir.Links() {
		if remote == from {
			continue
		}
		if err := l.SendMessage(bcast); err != nil {
			logging.Debugf("[forward] broadcast to %s failed: %v", remote, err)
			continue
		}
		sent++
	}
	if sent == 0 {
		return Dropped
	}
	return Broadcast
}
