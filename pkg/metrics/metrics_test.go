package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kalifun/groundlink/pkg/core"
	"github.com/kalifun/groundlink/pkg/listener"
	"github.com/kalifun/groundlink/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, string, []byte) error { return nil }

func TestCollectorRecordsListenerTraffic(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewCollector(reg)
	require.NoError(t, err)

	l := listener.New(listener.Config{Name: "udp-1235"}, core.NewDiscoveryRegistry(), nopPublisher{}, listener.WithMetrics(c))
	ctx := context.Background()
	require.NoError(t, l.HandleDatagram(ctx, types.Datagram{Source: "10.0.0.1", Payload: make([]byte, 10)}))
	require.NoError(t, l.HandleDatagram(ctx, types.Datagram{Source: "10.0.0.1", Payload: make([]byte, 2)}))
	require.NoError(t, l.HandleDatagram(ctx, types.Datagram{Source: "10.0.0.2", Payload: make([]byte, 8)}))

	assert.Equal(t, 3.0, testutil.ToFloat64(c.DatagramsReceived.WithLabelValues("udp-1235")))
	assert.Equal(t, 20.0, testutil.ToFloat64(c.DatagramBytes.WithLabelValues("udp-1235")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.DatagramsDropped.WithLabelValues("udp-1235", listener.DropReasonShort)))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.SourcesDiscovered))
}

func TestCollectorCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewCollector(reg)
	require.NoError(t, err)

	c.MessagePublished("Spacecraft1", "0x886")
	c.MessagePublished("Spacecraft1", "0x886")
	c.MessageDropped("GroundSystem")
	c.SocketError("udp-1235")

	assert.Equal(t, 2.0, testutil.ToFloat64(c.MessagesPublished.WithLabelValues("Spacecraft1", "0x886")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.MessagesDropped.WithLabelValues("GroundSystem")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.SocketErrors.WithLabelValues("udp-1235")))
}

func TestCollectorReusesRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewCollector(reg)
	require.NoError(t, err)
	second, err := NewCollector(reg)
	require.NoError(t, err)

	second.SourceDiscovered("Spacecraft1")
	assert.Equal(t, 1.0, testutil.ToFloat64(first.SourcesDiscovered))
}

func TestCollectorHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewCollector(reg)
	require.NoError(t, err)
	c.MessagePublished("Spacecraft1", "0x886")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `groundlink_messages_published_total{packet_id="0x886",source="Spacecraft1"} 1`))
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.DatagramReceived("l", 1)
		c.MessageDropped("p")
	})
}
