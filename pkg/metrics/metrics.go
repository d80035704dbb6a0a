// Package metrics exposes the DTN node's counters both as Prometheus
// instruments (for the status HTTP server's /metrics endpoint) and as a
// plain snapshot struct for programmatic callers such as tests and the
// application hook.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Snapshot is a point-in-time copy of every counter get_metrics() exposes.
type Snapshot struct {
	BundlesSent       uint64
	BundlesReceived   uint64
	BundlesDelivered  uint64
	BundlesForwarded  uint64
	BundlesExpired    uint64
	BundlesStored     uint64
	BundlesDuplicate  uint64
	MalformedFrames   uint64
}

// Metrics holds the node's Prometheus counter vector. A nil *Metrics is not
// usable; construct with New.
type Metrics struct {
	namespace string

	bundlesSent      prometheus.Counter
	bundlesReceived  prometheus.Counter
	bundlesDelivered prometheus.Counter
	bundlesForwarded prometheus.Counter
	bundlesExpired   prometheus.Counter
	bundlesStored    prometheus.Gauge
	bundlesDuplicate prometheus.Counter
	malformedFrames  prometheus.Counter

	registry *prometheus.Registry
}

// New creates a Metrics instance registered under its own Prometheus
// registry, so multiple nodes may coexist in a single process (e.g. in
// tests) without colliding on the default global registry.
func New(nodeID string) *Metrics {
	labels := prometheus.Labels{"node_id": nodeID}

	m := &Metrics{
		namespace: "dtn",
		registry:  prometheus.NewRegistry(),
	}

	mk := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   m.namespace,
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		})
	}

	m.bundlesSent = mk("bundles_sent_total", "Bundles submitted by the application hook.")
	m.bundlesReceived = mk("bundles_received_total", "Bundles accepted by on_received.")
	m.bundlesDelivered = mk("bundles_delivered_total", "Bundles locally delivered at this node.")
	m.bundlesForwarded = mk("bundles_forwarded_total", "Bundles successfully transmitted to the next hop.")
	m.bundlesExpired = mk("bundles_expired_total", "Bundles dropped in flight or deleted from the store for exceeding their lifetime.")
	m.bundlesDuplicate = mk("bundles_duplicate_total", "Bundles dropped as duplicates of an already-known ID.")
	m.malformedFrames = mk("malformed_frames_total", "Inbound frames dropped for failing to decode.")
	m.bundlesStored = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   m.namespace,
		Name:        "bundles_stored",
		Help:        "Bundles currently resident in the persistent store.",
		ConstLabels: labels,
	})

	m.registry.MustRegister(
		m.bundlesSent, m.bundlesReceived, m.bundlesDelivered, m.bundlesForwarded,
		m.bundlesExpired, m.bundlesDuplicate, m.malformedFrames, m.bundlesStored,
	)

	return m
}

// Registry returns the Prometheus registry this Metrics instance registered
// itself to, for mounting under a /metrics HTTP handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) IncSent()       { m.bundlesSent.Inc() }
func (m *Metrics) IncReceived()   { m.bundlesReceived.Inc() }
func (m *Metrics) IncDelivered()  { m.bundlesDelivered.Inc() }
func (m *Metrics) IncForwarded()  { m.bundlesForwarded.Inc() }
func (m *Metrics) IncExpired()    { m.bundlesExpired.Inc() }
func (m *Metrics) IncDuplicate()  { m.bundlesDuplicate.Inc() }
func (m *Metrics) IncMalformed()  { m.malformedFrames.Inc() }
func (m *Metrics) SetStored(n int) { m.bundlesStored.Set(float64(n)) }

// Snapshot reads back the current counter values via the Prometheus
// collector interface, for use by get_metrics()-style callers that want a
// plain struct rather than a /metrics scrape.
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		BundlesSent:      readCounter(m.bundlesSent),
		BundlesReceived:  readCounter(m.bundlesReceived),
		BundlesDelivered: readCounter(m.bundlesDelivered),
		BundlesForwarded: readCounter(m.bundlesForwarded),
		BundlesExpired:   readCounter(m.bundlesExpired),
		BundlesStored:    readGauge(m.bundlesStored),
		BundlesDuplicate: readCounter(m.bundlesDuplicate),
		MalformedFrames:  readCounter(m.malformedFrames),
	}
}

func readCounter(c prometheus.Counter) uint64 {
	var pb dto.Metric
	_ = c.Write(&pb)
	return uint64(pb.GetCounter().GetValue())
}

func readGauge(g prometheus.Gauge) uint64 {
	var pb dto.Metric
	_ = g.Write(&pb)
	return uint64(pb.GetGauge().GetValue())
}
