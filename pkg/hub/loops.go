package hub

import (
	"context"

	"github.com/ops-vsock/pkg/logging"
)

// probeLoop walks the directory round robin, paced by the limiter, and tries
// to link every entry that has none.
func (h *Hub) probeLoop(ctx context.Context) error {
	for {
		if err := h.limiter.Wait(ctx); err != nil {
			return nil
		}
		p, ok := h.dir.NextToProbe()
		if !ok {
			continue
		}
		if p.Link() == nil {
			if err := h.connectPeer(ctx, p); err != nil {
				logging.Debugf("[probe] remote=%s: %v", p.Address(), err)
			}
		}
		h.dir.PutBack(p)
	}
}

// gossipLoop sweeps all links every gossip interval.
func (h *Hub) gossipLoop(ctx context.Context) error {
	t := h.clk.Ticker(h.cfg.Hub.GossipInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			h.GossipNow()
		}
	}
}

// GossipNow runs one gossip round: idle links are closed, every other link
// gets the entries changed since its last sweep.
func (h *Hub) GossipNow() {
	now := h.clk.Now()
	for remote, link := range h.dir.Links() {
		l, ok := link.(*gossipLink)
		if !ok {
			continue
		}
		if idle := l.idleFor(now); h.cfg.Hub.LinkTimeout > 0 && idle > h.cfg.Hub.LinkTimeout {
			logging.Warnf("[gossip] closing idle link remote=%s idle=%s", remote, idle)
			l.closeWith("idle")
			continue
		}
		if n, err := l.sweep(); err != nil {
			logging.Debugf("[gossip] sweep to %s failed: %v", remote, err)
		} else if n > 0 {
			logging.Debugf("[gossip] sent %d entries to %s", n, remote)
		}
	}
}
