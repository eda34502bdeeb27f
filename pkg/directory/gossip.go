package directory

import (
	"github.com/ops-vsock/pkg/protocol"
)

// GossipResult describes what a received GOSSIP frame changed.
type GossipResult struct {
	AboutSelf   bool // frame described the receiver; only canReachMe of the sender moved
	Merged      bool // clients and home state accepted
	Indirection bool // a shorter path through the sender was recorded
	Stale       bool // nothing changed
}

// ApplyGossip applies a GOSSIP frame received on the link to from.
func (d *Directory) ApplyGossip(from string, g protocol.Gossip) GossipResult {
	var res GossipResult

	if g.Address == d.self {
		sender := d.Get(from)
		sender.SetCanReachMe(ReachabilityOf(g.Hops == 1))
		res.AboutSelf = true
		return res
	}

	p := d.Get(g.Address)
	if g.Address == from {
		res.Merged = d.Update(p, g.Clients, g.State)
		res.Stale = !res.Merged
		return res
	}

	hops := Infinite
	if g.Hops >= 0 && g.Hops < Infinite-1 {
		hops = g.Hops + 1
	}
	res.Indirection = p.OfferIndirection(from, hops)
	res.Merged = d.Update(p, g.Clients, g.State)
	res.Stale = !res.Merged && !res.Indirection
	return res
}
