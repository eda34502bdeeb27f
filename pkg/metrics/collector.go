package metrics

import (
	"os"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// HubStats is a point-in-time view of hub state, gathered at scrape time.
type HubStats struct {
	HubsKnown     int
	HubsReachable int // hops < infinite
	Links         int
	Sessions      int
	Clients       int // clients known across the directory
}

// Collector Prometheus metrics collector for a hub
type Collector struct {
	GetStats func() HubStats
	hub      string

	// Info metric (always 1)
	hubInfo *prometheus.Desc

	// Directory metrics
	hubsKnown     *prometheus.Desc
	hubsReachable *prometheus.Desc
	linksActive   *prometheus.Desc
	sessions      *prometheus.Desc
	clientsKnown  *prometheus.Desc

	// Gossip metrics
	gossipSentTotal     *prometheus.Desc
	gossipReceivedTotal *prometheus.Desc
	gossipStaleTotal    *prometheus.Desc
	pingsTotal          *prometheus.Desc

	// Link lifecycle metrics
	linksEstablishedTotal *prometheus.Desc
	linksClosedTotal      *prometheus.Desc
	linksRefusedTotal     *prometheus.Desc
	probesTotal           *prometheus.Desc

	// Forwarding metrics
	messagesForwardedTotal *prometheus.Desc

	// Service link metrics
	sessionsRefusedTotal *prometheus.Desc
	propertyOpsTotal     *prometheus.Desc

	// Metrics counters (protected by mutex)
	metricsLock      sync.RWMutex
	gossipSent       float64
	gossipReceived   float64
	gossipStale      float64
	pings            float64
	linksEstablished float64
	linksClosed      map[string]float64 // reason -> count
	linksRefused     float64
	probes           map[string]float64 // result -> count
	forwarded        map[string]float64 // outcome -> count
	sessionsRefused  float64
	propertyOps      map[string]float64 // "op:result" -> count
}

// NewCollector creates a new hub metrics collector
func NewCollector(hub string, getStats func() HubStats) *Collector {
	labels := []string{"hub", "node", "pod"}
	return &Collector{
		GetStats: getStats,
		hub:      hub,
		hubInfo: prometheus.NewDesc(
			"ops_vsock_hub_info",
			"Hub process info metric (always 1).",
			labels,
			nil,
		),
		hubsKnown: prometheus.NewDesc(
			"ops_vsock_hubs_known",
			"Number of hubs in the directory, including this one",
			labels,
			nil,
		),
		hubsReachable: prometheus.NewDesc(
			"ops_vsock_hubs_reachable",
			"Number of hubs with a known path (direct link or indirection)",
			labels,
			nil,
		),
		linksActive: prometheus.NewDesc(
			"ops_vsock_links_active",
			"Number of live gossip links",
			labels,
			nil,
		),
		sessions: prometheus.NewDesc(
			"ops_vsock_sessions_active",
			"Number of live service link sessions",
			labels,
			nil,
		),
		clientsKnown: prometheus.NewDesc(
			"ops_vsock_clients_known",
			"Number of clients known across the directory",
			labels,
			nil,
		),
		gossipSentTotal: prometheus.NewDesc(
			"ops_vsock_gossip_sent_total",
			"Total GOSSIP frames sent",
			labels,
			nil,
		),
		gossipReceivedTotal: prometheus.NewDesc(
			"ops_vsock_gossip_received_total",
			"Total GOSSIP frames received",
			labels,
			nil,
		),
		gossipStaleTotal: prometheus.NewDesc(
			"ops_vsock_gossip_stale_total",
			"Total GOSSIP frames discarded as stale",
			labels,
			nil,
		),
		pingsTotal: prometheus.NewDesc(
			"ops_vsock_pings_sent_total",
			"Total PING frames sent on links with nothing new to gossip",
			labels,
			nil,
		),
		linksEstablishedTotal: prometheus.NewDesc(
			"ops_vsock_links_established_total",
			"Total gossip links established",
			labels,
			nil,
		),
		linksClosedTotal: prometheus.NewDesc(
			"ops_vsock_links_closed_total",
			"Total gossip links closed by reason",
			[]string{"reason", "hub", "node", "pod"},
			nil,
		),
		linksRefusedTotal: prometheus.NewDesc(
			"ops_vsock_links_refused_total",
			"Total incoming CONNECT requests refused because a link already existed or was being created",
			labels,
			nil,
		),
		probesTotal: prometheus.NewDesc(
			"ops_vsock_probes_total",
			"Total probes by result",
			[]string{"result", "hub", "node", "pod"},
			nil,
		),
		messagesForwardedTotal: prometheus.NewDesc(
			"ops_vsock_messages_forwarded_total",
			"Total client messages handled by the forwarding engine, by outcome",
			[]string{"outcome", "hub", "node", "pod"},
			nil,
		),
		sessionsRefusedTotal: prometheus.NewDesc(
			"ops_vsock_sessions_refused_total",
			"Total service link connects refused for a duplicate identity",
			labels,
			nil,
		),
		propertyOpsTotal: prometheus.NewDesc(
			"ops_vsock_property_ops_total",
			"Total property operations by operation and result",
			[]string{"op", "result", "hub", "node", "pod"},
			nil,
		),
		linksClosed: make(map[string]float64),
		probes:      make(map[string]float64),
		forwarded:   make(map[string]float64),
		propertyOps: make(map[string]float64),
	}
}

// RecordGossipSent records GOSSIP frames sent in one sweep.
func (c *Collector) RecordGossipSent(n int) {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.gossipSent += float64(n)
}

// RecordGossipReceived records a received GOSSIP frame.
func (c *Collector) RecordGossipReceived(stale bool) {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.gossipReceived++
	if stale {
		c.gossipStale++
	}
}

// RecordPing records a keepalive PING.
func (c *Collector) RecordPing() {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.pings++
}

// RecordLinkEstablished records a new gossip link.
func (c *Collector) RecordLinkEstablished() {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.linksEstablished++
}

// RecordLinkClosed records a gossip link teardown (low cardinality reason).
func (c *Collector) RecordLinkClosed(reason string) {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.linksClosed[reason]++
}

// RecordLinkRefused records a refused CONNECT.
func (c *Collector) RecordLinkRefused() {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.linksRefused++
}

// RecordProbe records a probe result.
func (c *Collector) RecordProbe(result string) {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.probes[result]++
}

// RecordForward records a forwarding outcome.
func (c *Collector) RecordForward(outcome string) {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.forwarded[outcome]++
}

// RecordSessionRefused records a duplicate service link identity.
func (c *Collector) RecordSessionRefused() {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.sessionsRefused++
}

// RecordPropertyOp records a property operation.
func (c *Collector) RecordPropertyOp(op string, ok bool) {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	result := "ok"
	if !ok {
		result = "rejected"
	}
	c.propertyOps[op+":"+result]++
}

// Forwarded returns the count for an outcome, for tests and debug logs.
func (c *Collector) Forwarded(outcome string) float64 {
	c.metricsLock.RLock()
	defer c.metricsLock.RUnlock()
	return c.forwarded[outcome]
}

// Describe implements prometheus.Collector interface
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.hubInfo
	ch <- c.hubsKnown
	ch <- c.hubsReachable
	ch <- c.linksActive
	ch <- c.sessions
	ch <- c.clientsKnown
	ch <- c.gossipSentTotal
	ch <- c.gossipReceivedTotal
	ch <- c.gossipStaleTotal
	ch <- c.pingsTotal
	ch <- c.linksEstablishedTotal
	ch <- c.linksClosedTotal
	ch <- c.linksRefusedTotal
	ch <- c.probesTotal
	ch <- c.messagesForwardedTotal
	ch <- c.sessionsRefusedTotal
	ch <- c.propertyOpsTotal
}

// Collect implements prometheus.Collector interface
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	nodeName, podName := nodeAndPod()
	hub := c.hub

	ch <- prometheus.MustNewConstMetric(c.hubInfo, prometheus.GaugeValue, 1, hub, nodeName, podName)

	if c.GetStats != nil {
		s := c.GetStats()
		ch <- prometheus.MustNewConstMetric(c.hubsKnown, prometheus.GaugeValue, float64(s.HubsKnown), hub, nodeName, podName)
		ch <- prometheus.MustNewConstMetric(c.hubsReachable, prometheus.GaugeValue, float64(s.HubsReachable), hub, nodeName, podName)
		ch <- prometheus.MustNewConstMetric(c.linksActive, prometheus.GaugeValue, float64(s.Links), hub, nodeName, podName)
		ch <- prometheus.MustNewConstMetric(c.sessions, prometheus.GaugeValue, float64(s.Sessions), hub, nodeName, podName)
		ch <- prometheus.MustNewConstMetric(c.clientsKnown, prometheus.GaugeValue, float64(s.Clients), hub, nodeName, podName)
	}

	// Collect metrics from counters
	c.metricsLock.RLock()
	defer c.metricsLock.RUnlock()

	ch <- prometheus.MustNewConstMetric(c.gossipSentTotal, prometheus.CounterValue, c.gossipSent, hub, nodeName, podName)
	ch <- prometheus.MustNewConstMetric(c.gossipReceivedTotal, prometheus.CounterValue, c.gossipReceived, hub, nodeName, podName)
	ch <- prometheus.MustNewConstMetric(c.gossipStaleTotal, prometheus.CounterValue, c.gossipStale, hub, nodeName, podName)
	ch <- prometheus.MustNewConstMetric(c.pingsTotal, prometheus.CounterValue, c.pings, hub, nodeName, podName)
	ch <- prometheus.MustNewConstMetric(c.linksEstablishedTotal, prometheus.CounterValue, c.linksEstablished, hub, nodeName, podName)
	ch <- prometheus.MustNewConstMetric(c.linksRefusedTotal, prometheus.CounterValue, c.linksRefused, hub, nodeName, podName)
	ch <- prometheus.MustNewConstMetric(c.sessionsRefusedTotal, prometheus.CounterValue, c.sessionsRefused, hub, nodeName, podName)

	for reason, value := range c.linksClosed {
		ch <- prometheus.MustNewConstMetric(c.linksClosedTotal, prometheus.CounterValue, value, reason, hub, nodeName, podName)
	}
	for result, value := range c.probes {
		ch <- prometheus.MustNewConstMetric(c.probesTotal, prometheus.CounterValue, value, result, hub, nodeName, podName)
	}
	for outcome, value := range c.forwarded {
		ch <- prometheus.MustNewConstMetric(c.messagesForwardedTotal, prometheus.CounterValue, value, outcome, hub, nodeName, podName)
	}
	for key, value := range c.propertyOps {
		op, result := splitKey(key)
		ch <- prometheus.MustNewConstMetric(c.propertyOpsTotal, prometheus.CounterValue, value, op, result, hub, nodeName, podName)
	}
}

func nodeAndPod() (string, string) {
	nodeName := os.Getenv("NODE_NAME")
	if nodeName == "" {
		nodeName = "unknown"
	}

	podName := os.Getenv("POD_NAME")
	if podName == "" {
		podName = os.Getenv("HOSTNAME")
		if podName == "" {
			podName = "unknown"
		}
	}
	return nodeName, podName
}

func splitKey(key string) (string, string) {
	for i := 0; i < len(key); i++ {
		if key[i] == ':' {
			return key[:i], key[i+1:]
		}
	}
	return key, ""
}
