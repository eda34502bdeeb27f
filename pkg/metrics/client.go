package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// ClientCollector exports virtual socket metrics of a client process.
// This is separate from hub-side ops_vsock_* directory metrics.
type ClientCollector struct {
	info             *prometheus.Desc
	attemptsTotal    *prometheus.Desc
	connectsTotal    *prometheus.Desc
	acceptsTotal     *prometheus.Desc
	spliceTotal      *prometheus.Desc
	spliceBytesTotal *prometheus.Desc

	// state
	mu          sync.RWMutex
	attempts    map[string]map[string]float64 // module -> outcome -> count
	connects    map[string]float64            // module ("none" on failure) -> count
	accepts     map[string]float64            // result code -> count
	splices     map[bool]float64
	spliceBytes map[string]float64 // direction -> bytes
}

// NewClientCollector returns a collector for one virtual socket factory.
func NewClientCollector() *ClientCollector {
	return &ClientCollector{
		info: prometheus.NewDesc(
			"ops_vsock_client_info",
			"Client process info metric (always 1)",
			[]string{"node", "pod"},
			nil,
		),
		attemptsTotal: prometheus.NewDesc(
			"ops_vsock_client_module_attempts_total",
			"Total connection module attempts by module and outcome (connected, not_suitable, refused, filtered)",
			[]string{"module", "outcome", "node", "pod"},
			nil,
		),
		connectsTotal: prometheus.NewDesc(
			"ops_vsock_client_connects_total",
			"Total virtual connects by the module that succeeded (none when the chain was exhausted)",
			[]string{"module", "node", "pod"},
			nil,
		),
		acceptsTotal: prometheus.NewDesc(
			"ops_vsock_client_accepts_total",
			"Total incoming virtual connect handshakes by result code",
			[]string{"result", "node", "pod"},
			nil,
		),
		spliceTotal: prometheus.NewDesc(
			"ops_vsock_router_splices_total",
			"Total router splices by success",
			[]string{"success", "node", "pod"},
			nil,
		),
		spliceBytesTotal: prometheus.NewDesc(
			"ops_vsock_router_bytes_total",
			"Total bytes relayed by the router by direction",
			[]string{"direction", "node", "pod"},
			nil,
		),
		attempts:    make(map[string]map[string]float64),
		connects:    make(map[string]float64),
		accepts:     make(map[string]float64),
		splices:     make(map[bool]float64),
		spliceBytes: make(map[string]float64),
	}
}

func (m *ClientCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- m.info
	ch <- m.attemptsTotal
	ch <- m.connectsTotal
	ch <- m.acceptsTotal
	ch <- m.spliceTotal
	ch <- m.spliceBytesTotal
}

func (m *ClientCollector) Collect(ch chan<- prometheus.Metric) {
	node, pod := nodeAndPod()

	ch <- prometheus.MustNewConstMetric(m.info, prometheus.GaugeValue, 1, node, pod)

	m.mu.RLock()
	defer m.mu.RUnlock()

	for module, byOutcome := range m.attempts {
		for outcome, v := range byOutcome {
			ch <- prometheus.MustNewConstMetric(m.attemptsTotal, prometheus.CounterValue, v, module, outcome, node, pod)
		}
	}
	for module, v := range m.connects {
		ch <- prometheus.MustNewConstMetric(m.connectsTotal, prometheus.CounterValue, v, module, node, pod)
	}
	for result, v := range m.accepts {
		ch <- prometheus.MustNewConstMetric(m.acceptsTotal, prometheus.CounterValue, v, result, node, pod)
	}
	for ok, v := range m.splices {
		success := "false"
		if ok {
			success = "true"
		}
		ch <- prometheus.MustNewConstMetric(m.spliceTotal, prometheus.CounterValue, v, success, node, pod)
	}
	for dir, v := range m.spliceBytes {
		ch <- prometheus.MustNewConstMetric(m.spliceBytesTotal, prometheus.CounterValue, v, dir, node, pod)
	}
}

// RecordAttempt records one module attempt.
func (m *ClientCollector) RecordAttempt(module, outcome string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.attempts[module]; !ok {
		m.attempts[module] = make(map[string]float64)
	}
	m.attempts[module][outcome]++
}

// RecordConnect records a finished Connect; module is empty on failure.
func (m *ClientCollector) RecordConnect(module string) {
	if m == nil {
		return
	}
	if module == "" {
		module = "none"
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connects[module]++
}

// RecordAccept records the result of an incoming handshake.
func (m *ClientCollector) RecordAccept(result string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accepts[result]++
}

// RecordSplice records a finished router splice.
func (m *ClientCollector) RecordSplice(bytesTx, bytesRx int64, ok bool) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.splices[ok]++
	m.spliceBytes["tx"] += float64(bytesTx)
	m.spliceBytes["rx"] += float64(bytesRx)
}

// Attempts returns the count for module and outcome.
func (m *ClientCollector) Attempts(module, outcome string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.attempts[module][outcome]
}

// Splices returns the number of finished router splices with the given success.
func (m *ClientCollector) Splices(ok bool) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.splices[ok]
}
