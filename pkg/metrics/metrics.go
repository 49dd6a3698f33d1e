package metrics

import (
	"fmt"
	"net/http"

	"github.com/kalifun/groundlink/pkg/core"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector bundles Prometheus metrics for the telemetry path and implements
// core.MetricsRecorder.
type Collector struct {
	gatherer prometheus.Gatherer

	DatagramsReceived *prometheus.CounterVec
	DatagramBytes     *prometheus.CounterVec
	DatagramsDropped  *prometheus.CounterVec
	SocketErrors      *prometheus.CounterVec
	SourcesDiscovered prometheus.Counter
	MessagesPublished *prometheus.CounterVec
	MessagesDropped   *prometheus.CounterVec
}

var _ core.MetricsRecorder = (*Collector)(nil)

// NewCollector registers the metrics against reg, defaulting to the global
// registry when nil. Registering twice on the same registry reuses the
// existing collectors.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	received, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "groundlink_datagrams_received_total",
		Help: "Datagrams read from listener sockets.",
	}, []string{"listener"}), "groundlink_datagrams_received_total")
	if err != nil {
		return nil, err
	}
	bytes, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "groundlink_datagram_bytes_total",
		Help: "Bytes read from listener sockets.",
	}, []string{"listener"}), "groundlink_datagram_bytes_total")
	if err != nil {
		return nil, err
	}
	dropped, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "groundlink_datagrams_dropped_total",
		Help: "Datagrams discarded by a listener, labeled by reason.",
	}, []string{"listener", "reason"}), "groundlink_datagrams_dropped_total")
	if err != nil {
		return nil, err
	}
	socketErrors, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "groundlink_socket_errors_total",
		Help: "Receive errors that were retried.",
	}, []string{"listener"}), "groundlink_socket_errors_total")
	if err != nil {
		return nil, err
	}
	discovered, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "groundlink_sources_discovered_total",
		Help: "Distinct source addresses registered.",
	}), "groundlink_sources_discovered_total")
	if err != nil {
		return nil, err
	}
	published, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "groundlink_messages_published_total",
		Help: "Packets published on the bus, labeled by source and packet id.",
	}, []string{"source", "packet_id"}), "groundlink_messages_published_total")
	if err != nil {
		return nil, err
	}
	busDropped, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "groundlink_bus_messages_dropped_total",
		Help: "Bus messages a subscriber missed because its buffer was full.",
	}, []string{"prefix"}), "groundlink_bus_messages_dropped_total")
	if err != nil {
		return nil, err
	}

	return &Collector{
		gatherer:          gatherer,
		DatagramsReceived: received,
		DatagramBytes:     bytes,
		DatagramsDropped:  dropped,
		SocketErrors:      socketErrors,
		SourcesDiscovered: discovered,
		MessagesPublished: published,
		MessagesDropped:   busDropped,
	}, nil
}

// Handler exposes the metrics for scraping.
func (c *Collector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func (c *Collector) DatagramReceived(listener string, size int) {
	if c == nil {
		return
	}
	c.DatagramsReceived.WithLabelValues(listener).Inc()
	c.DatagramBytes.WithLabelValues(listener).Add(float64(size))
}

func (c *Collector) DatagramDropped(listener, reason string) {
	if c == nil {
		return
	}
	c.DatagramsDropped.WithLabelValues(listener, reason).Inc()
}

func (c *Collector) SocketError(listener string) {
	if c == nil {
		return
	}
	c.SocketErrors.WithLabelValues(listener).Inc()
}

func (c *Collector) SourceDiscovered(name string) {
	if c == nil {
		return
	}
	c.SourcesDiscovered.Inc()
}

func (c *Collector) MessagePublished(source, packetID string) {
	if c == nil {
		return
	}
	c.MessagesPublished.WithLabelValues(source, packetID).Inc()
}

func (c *Collector) MessageDropped(prefix string) {
	if c == nil {
		return
	}
	c.MessagesDropped.WithLabelValues(prefix).Inc()
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}
