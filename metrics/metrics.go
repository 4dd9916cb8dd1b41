// Package metrics exposes Prometheus counters for the DHT node.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the node's Prometheus instruments. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	QueriesIn     *prometheus.CounterVec
	QueriesOut    *prometheus.CounterVec
	Responses     prometheus.Counter
	Timeouts      prometheus.Counter
	Dropped       prometheus.Counter
	TableNodes    prometheus.Gauge
	TokenRefusals prometheus.Counter
}

// New creates and registers the instruments with the default registry.
func New() *Metrics {
	return &Metrics{
		QueriesIn: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wisp",
			Subsystem: "dht",
			Name:      "queries_in_total",
			Help:      "Inbound queries served, by method",
		}, []string{"method"}),
		QueriesOut: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wisp",
			Subsystem: "dht",
			Name:      "queries_out_total",
			Help:      "Outbound queries issued, by method",
		}, []string{"method"}),
		Responses: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "wisp",
			Subsystem: "dht",
			Name:      "responses_total",
			Help:      "Responses matched to a waiting caller",
		}),
		Timeouts: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "wisp",
			Subsystem: "dht",
			Name:      "timeouts_total",
			Help:      "Outbound queries that timed out",
		}),
		Dropped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "wisp",
			Subsystem: "dht",
			Name:      "dropped_datagrams_total",
			Help:      "Datagrams dropped: undecodable or unsolicited",
		}),
		TableNodes: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "wisp",
			Subsystem: "dht",
			Name:      "table_nodes",
			Help:      "Members currently in the routing table",
		}),
		TokenRefusals: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "wisp",
			Subsystem: "dht",
			Name:      "token_refusals_total",
			Help:      "Announce requests ignored for a stale or bogus token",
		}),
	}
}

func (m *Metrics) QueryIn(method string) {
	if m != nil {
		m.QueriesIn.WithLabelValues(method).Inc()
	}
}

func (m *Metrics) QueryOut(method string) {
	if m != nil {
		m.QueriesOut.WithLabelValues(method).Inc()
	}
}

func (m *Metrics) Response() {
	if m != nil {
		m.Responses.Inc()
	}
}

func (m *Metrics) Timeout() {
	if m != nil {
		m.Timeouts.Inc()
	}
}

func (m *Metrics) Drop() {
	if m != nil {
		m.Dropped.Inc()
	}
}

func (m *Metrics) SetTableNodes(n int) {
	if m != nil {
		m.TableNodes.Set(float64(n))
	}
}

func (m *Metrics) TokenRefusal() {
	if m != nil {
		m.TokenRefusals.Inc()
	}
}

// Serve exposes /metrics on addr. It blocks, so callers run it on its
// own goroutine.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(addr, mux)
}
