package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gathered returns the number of series and the first value of family name.
func gathered(t *testing.T, reg *prometheus.Registry, name string) (int, float64) {
	t.Helper()
	mfs, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		ms := mf.GetMetric()
		if len(ms) == 0 {
			return 0, 0
		}
		if g := ms[0].GetGauge(); g != nil {
			return len(ms), g.GetValue()
		}
		return len(ms), ms[0].GetCounter().GetValue()
	}
	return 0, 0
}

func TestHubCollector(t *testing.T) {
	c := NewCollector("h1:1", func() HubStats {
		return HubStats{HubsKnown: 3, HubsReachable: 2, Links: 1, Sessions: 4, Clients: 5}
	})
	c.RecordForward("delivered")
	c.RecordForward("delivered")
	c.RecordForward("dropped")
	c.RecordGossipReceived(true)
	c.RecordPropertyOp("register", false)

	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(c))

	assert.Equal(t, 2.0, c.Forwarded("delivered"))

	n, v := gathered(t, reg, "ops_vsock_links_active")
	assert.Equal(t, 1, n)
	assert.Equal(t, 1.0, v)

	n, _ = gathered(t, reg, "ops_vsock_messages_forwarded_total")
	assert.Equal(t, 2, n)

	_, v = gathered(t, reg, "ops_vsock_gossip_stale_total")
	assert.Equal(t, 1.0, v)

	n, _ = gathered(t, reg, "ops_vsock_property_ops_total")
	assert.Equal(t, 1, n)
}

func TestClientCollector(t *testing.T) {
	c := NewClientCollector()
	c.RecordAttempt("direct", "not_suitable")
	c.RecordAttempt("reverse", "connected")
	c.RecordConnect("reverse")
	c.RecordConnect("")
	c.RecordSplice(10, 20, true)

	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(c))

	assert.Equal(t, 1.0, c.Attempts("direct", "not_suitable"))
	n, _ := gathered(t, reg, "ops_vsock_client_connects_total")
	assert.Equal(t, 2, n)
	n, _ = gathered(t, reg, "ops_vsock_router_bytes_total")
	assert.Equal(t, 2, n)

	var nilCollector *ClientCollector
	nilCollector.RecordAttempt("direct", "connected")
}
