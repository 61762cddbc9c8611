package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "nowplayd"

// Request kinds
const (
	RequestStatus  = "status"
	RequestArtwork = "artwork"
	RequestIgnored = "ignored"
)

// Metrics holds the daemon's Prometheus collectors on a private registry
type Metrics struct {
	registry *prometheus.Registry

	connectionsActive prometheus.Gauge
	requestsTotal     *prometheus.CounterVec
	artworkResponses  *prometheus.CounterVec
	busDisconnects    prometheus.Counter
	snapshotUpdates   prometheus.Counter
}

// New creates and registers all collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Open viewer connections",
		}),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Viewer requests by kind",
		}, []string{"kind"}),
		artworkResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "artwork_responses_total",
			Help:      "Artwork responses by result",
		}, []string{"result"}),
		busDisconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_disconnects_total",
			Help:      "Lost D-Bus sessions",
		}),
		snapshotUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_updates_total",
			Help:      "Published media state snapshots",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.connectionsActive,
		m.requestsTotal,
		m.artworkResponses,
		m.busDisconnects,
		m.snapshotUpdates,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ConnectionOpened counts a viewer connection as active
func (m *Metrics) ConnectionOpened() { m.connectionsActive.Inc() }

// ConnectionClosed removes a viewer connection from the active count
func (m *Metrics) ConnectionClosed() { m.connectionsActive.Dec() }

// Request counts one viewer request of the given kind
func (m *Metrics) Request(kind string) { m.requestsTotal.WithLabelValues(kind).Inc() }

// ArtworkResponse counts one artwork answer by its result
func (m *Metrics) ArtworkResponse(result string) {
	m.artworkResponses.WithLabelValues(result).Inc()
}

// BusDisconnected counts a lost session bus connection
func (m *Metrics) BusDisconnected() { m.busDisconnects.Inc() }

// SnapshotUpdated counts a published snapshot
func (m *Metrics) SnapshotUpdated() { m.snapshotUpdates.Inc() }
