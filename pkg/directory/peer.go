package directory

import (
	"math"
	"sync"
	"time"

	"github.com/ops-vsock/pkg/protocol"
	"github.com/ops-vsock/pkg/types"
)

// Infinite is the hop count of a peer we have no known path to.
const Infinite = math.MaxInt32

// Reachability is a tri-state flag.
type Reachability int32

const (
	Unknown Reachability = iota
	Reachable
	Unreachable
)

func (r Reachability) String() string {
	switch r {
	case Reachable:
		return "reachable"
	case Unreachable:
		return "unreachable"
	}
	return "unknown"
}

// ReachabilityOf maps a bool onto the tri-state.
func ReachabilityOf(ok bool) Reachability {
	if ok {
		return Reachable
	}
	return Unreachable
}

// Link is a live gossip link to a peer hub.
type Link interface {
	Remote() string
	SendMessage(m protocol.Envelope) error
	Close() error
}

// PeerDescription is the directory entry for one hub. All fields are guarded
// by mu; never hold it across network I/O.
type PeerDescription struct {
	address string
	clock   *Clock
	now     func() time.Time

	mu              sync.Mutex
	homeState       uint64
	lastLocalUpdate uint64
	hops            int
	indirection     string
	reachable       Reachability
	canReachMe      Reachability
	clients         []types.ClientDescription
	link            Link
	claimed         bool
	lastContact     time.Time
}

// PeerState is a consistent copy of an entry.
type PeerState struct {
	Address         string
	HomeState       uint64
	LastLocalUpdate uint64
	Hops            int
	Indirection     string
	Reachable       Reachability
	CanReachMe      Reachability
	Clients         []types.ClientDescription
	Linked          bool
	LastContact     time.Time
}

func newPeer(addr string, clock *Clock, now func() time.Time, hops int) *PeerDescription {
	return &PeerDescription{
		address: addr,
		clock:   clock,
		now:     now,
		hops:    hops,
	}
}

func (p *PeerDescription) Address() string {
	return p.address
}

// Snapshot returns a copy safe to use without the entry lock.
func (p *PeerDescription) Snapshot() PeerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PeerState{
		Address:         p.address,
		HomeState:       p.homeState,
		LastLocalUpdate: p.lastLocalUpdate,
		Hops:            p.hops,
		Indirection:     p.indirection,
		Reachable:       p.reachable,
		CanReachMe:      p.canReachMe,
		Clients:         types.CloneClients(p.clients),
		Linked:          p.link != nil,
		LastContact:     p.lastContact,
	}
}

func (p *PeerDescription) Hops() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hops
}

func (p *PeerDescription) Link() Link {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.link
}

func (p *PeerDescription) Indirection() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.indirection
}

func (p *PeerDescription) LastContact() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastContact
}

// update applies last-writer-wins on homeState. Caller holds no lock.
func (p *PeerDescription) update(clients []types.ClientDescription, state uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if state <= p.homeState {
		return false
	}
	p.homeState = state
	p.clients = types.CloneClients(clients)
	p.lastLocalUpdate = p.clock.Tick()
	return true
}

// ClaimLink marks the entry as having a link being created. It succeeds only
// if there is neither a link nor a pending claim.
func (p *PeerDescription) ClaimLink() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.link != nil || p.claimed {
		return false
	}
	p.claimed = true
	return true
}

// ReleaseClaim drops a claim taken by ClaimLink that did not produce a link.
func (p *PeerDescription) ReleaseClaim() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.claimed = false
}

// AttachLink installs l. With claimed set the caller must hold the claim from
// ClaimLink; otherwise the entry must have neither link nor claim. Returns
// false on conflict, leaving the entry untouched.
func (p *PeerDescription) AttachLink(l Link, claimed bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.link != nil || p.claimed != claimed {
		return false
	}
	p.claimed = false
	p.link = l
	p.hops = 1
	p.indirection = ""
	p.reachable = Reachable
	p.lastLocalUpdate = p.clock.Tick()
	return true
}

// AcceptLink is ClaimLink followed by AttachLink, done atomically for the
// accepting side of a CONNECT.
func (p *PeerDescription) AcceptLink(l Link) bool {
	return p.AttachLink(l, false)
}

// DetachLink clears l if it is still the entry's link. The peer is no longer
// known to be reachable through any path.
func (p *PeerDescription) DetachLink(l Link) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.link == nil || p.link != l {
		return false
	}
	p.link = nil
	p.hops = Infinite
	p.indirection = ""
	p.canReachMe = Unknown
	p.lastLocalUpdate = p.clock.Tick()
	return true
}

// OfferIndirection records that the peer can be reached through via in hops.
// A shorter path always wins. A path through the current indirection is
// tracked in both directions so the entry never holds a stale short route.
func (p *PeerDescription) OfferIndirection(via string, hops int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.link != nil || p.hops == 0 {
		return false
	}
	switch {
	case hops < p.hops:
		p.hops = hops
		p.indirection = via
	case via == p.indirection && hops != p.hops:
		if hops >= Infinite {
			p.hops = Infinite
			p.indirection = ""
		} else {
			p.hops = hops
		}
	default:
		return false
	}
	p.lastLocalUpdate = p.clock.Tick()
	return true
}

func (p *PeerDescription) SetReachable(r Reachability) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reachable = r
}

func (p *PeerDescription) SetCanReachMe(r Reachability) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.canReachMe = r
}

// Touch records contact with the peer at the directory's current time.
func (p *PeerDescription) Touch() {
	now := p.now()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastContact = now
}

// gossip returns the frame describing this entry to remote, or false if
// nothing changed since watermark. A route through remote is advertised back
// to it as Infinite so two hubs never count each other up.
func (p *PeerDescription) gossip(remote string, watermark uint64) (protocol.Gossip, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lastLocalUpdate <= watermark {
		return protocol.Gossip{}, false
	}
	hops := p.hops
	if p.indirection != "" && p.indirection == remote {
		hops = Infinite
	}
	return protocol.Gossip{
		Address: p.address,
		Hops:    hops,
		State:   p.homeState,
		Clients: types.CloneClients(p.clients),
	}, true
}
