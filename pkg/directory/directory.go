package directory

import (
	"sort"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/ops-vsock/pkg/protocol"
	"github.com/ops-vsock/pkg/types"
)

// Directory maps hub addresses to their entries. Entries are never removed.
type Directory struct {
	self  string
	clock *Clock
	time  clock.Clock // stamps last contact

	mu    sync.RWMutex
	peers map[string]*PeerDescription
	order []string

	probeMu    sync.Mutex
	probeQueue []string
	checkedOut map[string]bool
}

// New creates a directory whose local entry is self.
func New(self string, tm clock.Clock) *Directory {
	if tm == nil {
		tm = clock.New()
	}
	d := &Directory{
		self:       self,
		clock:      &Clock{},
		time:       tm,
		peers:      make(map[string]*PeerDescription),
		checkedOut: make(map[string]bool),
	}
	local := newPeer(self, d.clock, d.time.Now, 0)
	local.homeState = d.clock.Tick()
	local.lastLocalUpdate = local.homeState
	local.reachable = Reachable
	d.peers[self] = local
	d.order = append(d.order, self)
	return d
}

func (d *Directory) Self() string {
	return d.self
}

// LogicalClock returns the clock stamping local mutations.
func (d *Directory) LogicalClock() *Clock {
	return d.clock
}

// Get returns the entry for addr, creating it with Infinite hops.
func (d *Directory) Get(addr string) *PeerDescription {
	d.mu.RLock()
	p, ok := d.peers[addr]
	d.mu.RUnlock()
	if ok {
		return p
	}

	d.mu.Lock()
	if p, ok = d.peers[addr]; ok {
		d.mu.Unlock()
		return p
	}
	p = newPeer(addr, d.clock, d.time.Now, Infinite)
	p.lastLocalUpdate = d.clock.Tick()
	d.peers[addr] = p
	d.order = append(d.order, addr)
	d.mu.Unlock()

	d.probeMu.Lock()
	d.probeQueue = append(d.probeQueue, addr)
	d.probeMu.Unlock()
	return p
}

// Lookup returns an existing entry.
func (d *Directory) Lookup(addr string) (*PeerDescription, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.peers[addr]
	return p, ok
}

// Local returns the entry describing this hub.
func (d *Directory) Local() *PeerDescription {
	p, _ := d.Lookup(d.self)
	return p
}

// All returns the entries in insertion order. The slice is a snapshot.
func (d *Directory) All() []*PeerDescription {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*PeerDescription, 0, len(d.order))
	for _, addr := range d.order {
		out = append(out, d.peers[addr])
	}
	return out
}

func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.peers)
}

// NextToProbe hands out the least recently probed remote entry. The entry
// is checked out until PutBack.
func (d *Directory) NextToProbe() (*PeerDescription, bool) {
	d.probeMu.Lock()
	if len(d.probeQueue) == 0 {
		d.probeMu.Unlock()
		return nil, false
	}
	addr := d.probeQueue[0]
	d.probeQueue = d.probeQueue[1:]
	d.checkedOut[addr] = true
	d.probeMu.Unlock()

	p, _ := d.Lookup(addr)
	return p, true
}

// PutBack returns a probed entry to the tail of the queue.
func (d *Directory) PutBack(p *PeerDescription) {
	d.probeMu.Lock()
	defer d.probeMu.Unlock()
	if !d.checkedOut[p.address] {
		return
	}
	delete(d.checkedOut, p.address)
	d.probeQueue = append(d.probeQueue, p.address)
}

// Update applies clients with newHomeState to p if the state is strictly
// newer than what is stored. Accepted updates are stamped for gossip.
func (d *Directory) Update(p *PeerDescription, clients []types.ClientDescription, newHomeState uint64) bool {
	return p.update(clients, newHomeState)
}

// UpdateLocal lets fn rewrite the local client list. When fn reports a
// change the local home state moves to a fresh stamp.
func (d *Directory) UpdateLocal(fn func(clients []types.ClientDescription) ([]types.ClientDescription, bool)) bool {
	p := d.Local()
	p.mu.Lock()
	defer p.mu.Unlock()
	next, changed := fn(types.CloneClients(p.clients))
	if !changed {
		return false
	}
	p.clients = next
	p.homeState = d.clock.Tick()
	p.lastLocalUpdate = p.homeState
	return true
}

// FindClient returns the hub hosting client id, preferring the closest one.
func (d *Directory) FindClient(id string) (string, bool) {
	best, bestHops := "", Infinite+1
	for _, p := range d.All() {
		s := p.Snapshot()
		for _, c := range s.Clients {
			if c.ID == id && s.Hops < bestHops {
				best, bestHops = s.Address, s.Hops
			}
		}
	}
	return best, best != ""
}

// Client returns the description of client id as last gossiped.
func (d *Directory) Client(id string) (types.ClientDescription, string, bool) {
	hub, ok := d.FindClient(id)
	if !ok {
		return types.ClientDescription{}, "", false
	}
	p, _ := d.Lookup(hub)
	for _, c := range p.Snapshot().Clients {
		if c.ID == id {
			return c, hub, true
		}
	}
	return types.ClientDescription{}, "", false
}

// Services lists every binding named name across all known hubs, closest
// hubs first.
func (d *Directory) Services(name string) []types.ServiceRecord {
	type ranked struct {
		rec  types.ServiceRecord
		hops int
	}
	var found []ranked
	for _, p := range d.All() {
		s := p.Snapshot()
		for _, c := range s.Clients {
			if v, ok := c.Get(name); ok {
				found = append(found, ranked{
					rec:  types.ServiceRecord{Client: c.ID, Hub: s.Address, Name: name, Value: v},
					hops: s.Hops,
				})
			}
		}
	}
	sort.SliceStable(found, func(i, j int) bool { return found[i].hops < found[j].hops })
	out := make([]types.ServiceRecord, 0, len(found))
	for _, r := range found {
		out = append(out, r.rec)
	}
	return out
}

// Links returns the live links, keyed by remote hub.
func (d *Directory) Links() map[string]Link {
	out := make(map[string]Link)
	for _, p := range d.All() {
		if l := p.Link(); l != nil {
			out[p.address] = l
		}
	}
	return out
}

// GossipSince returns the frames for the link to remote, covering entries
// changed after watermark.
func (d *Directory) GossipSince(remote string, watermark uint64) []protocol.Gossip {
	var out []protocol.Gossip
	for _, p := range d.All() {
		if g, ok := p.gossip(remote, watermark); ok {
			out = append(out, g)
		}
	}
	return out
}
