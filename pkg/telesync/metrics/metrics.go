// Package metrics exposes the core's activity as Prometheus collectors.
//
// Collectors are registered on a private registry so several sessions,
// and tests, can coexist in one process. Handler serves that registry,
// together with the Go runtime and process collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chosenoffset/telesync/pkg/telesync/conn"
	"github.com/chosenoffset/telesync/pkg/telesync/protocol"
)

const namespace = "telesync"

var allStates = []conn.State{conn.Disconnected, conn.Connecting, conn.Connected, conn.Reconnecting}

// Collectors holds every metric the core records.
type Collectors struct {
	registry *prometheus.Registry

	connectionState *prometheus.GaugeVec
	framesReceived  prometheus.Counter
	framesRejected  prometheus.Counter
	reconnects      prometheus.Counter
	sendsDropped    *prometheus.CounterVec
	samplesAppended prometheus.Counter
	incidents       *prometheus.CounterVec
	snapshotBatches *prometheus.CounterVec
	fetchErrors     *prometheus.CounterVec
	selectedTags    prometheus.Gauge
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	served          *prometheus.CounterVec
	serveDuration   *prometheus.HistogramVec
	inFlight        prometheus.Gauge
}

// New creates the collectors on a fresh registry.
func New() *Collectors {
	c := &Collectors{
		registry: prometheus.NewRegistry(),
		connectionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "1 for the current streaming connection state, 0 otherwise.",
		}, []string{"state"}),
		framesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Frames read from the streaming connection.",
		}),
		framesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_rejected_total",
			Help:      "Frames dropped because they could not be parsed.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_scheduled_total",
			Help:      "Reconnect attempts scheduled after a transport failure.",
		}),
		sendsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sends_dropped_total",
			Help:      "Outbound messages dropped while not connected.",
		}, []string{"type"}),
		samplesAppended: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_appended_total",
			Help:      "Live samples appended to series buffers.",
		}),
		incidents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "incidents_recorded_total",
			Help:      "Incidents recorded, by producer and violation.",
		}, []string{"source", "violation"}),
		snapshotBatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_batches_total",
			Help:      "Snapshot fetch batches by outcome (applied or stale).",
		}, []string{"outcome"}),
		fetchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_errors_total",
			Help:      "Collaborator requests that failed, by resource.",
		}, []string{"resource"}),
		selectedTags: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "selected_tags",
			Help:      "Number of tags in the operator's selection.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "collaborator_requests_total",
			Help:      "HTTP requests to the collaborator API.",
		}, []string{"code", "method"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "collaborator_request_duration_seconds",
			Help:      "Latency of HTTP requests to the collaborator API.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"method"}),
		served: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dashboard_requests_total",
			Help:      "Requests served by the dashboard, by handler.",
		}, []string{"handler", "code", "method"}),
		serveDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dashboard_request_duration_seconds",
			Help:      "Latency of dashboard requests, by handler.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"handler", "method"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dashboard_requests_in_flight",
			Help:      "Dashboard requests currently being served.",
		}),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.connectionState,
		c.framesReceived,
		c.framesRejected,
		c.reconnects,
		c.sendsDropped,
		c.samplesAppended,
		c.incidents,
		c.snapshotBatches,
		c.fetchErrors,
		c.selectedTags,
		c.requests,
		c.requestDuration,
		c.served,
		c.serveDuration,
		c.inFlight,
	)
	c.StateChanged(conn.Disconnected)
	return c
}

// Registry returns the registry the collectors live on.
func (c *Collectors) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collectors) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// InstrumentRoundTripper wraps next so collaborator requests are counted
// and timed.
func (c *Collectors) InstrumentRoundTripper(next http.RoundTripper) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	return promhttp.InstrumentRoundTripperCounter(c.requests,
		promhttp.InstrumentRoundTripperDuration(c.requestDuration, next))
}

// Middleware instruments a dashboard handler under the given name.
func (c *Collectors) Middleware(name string, next http.Handler) http.Handler {
	labels := prometheus.Labels{"handler": name}
	return promhttp.InstrumentHandlerInFlight(c.inFlight,
		promhttp.InstrumentHandlerDuration(c.serveDuration.MustCurryWith(labels),
			promhttp.InstrumentHandlerCounter(c.served.MustCurryWith(labels), next)))
}

// StateChanged implements conn.Observer.
func (c *Collectors) StateChanged(s conn.State) {
	for _, st := range allStates {
		v := 0.0
		if st == s {
			v = 1
		}
		c.connectionState.WithLabelValues(st.String()).Set(v)
	}
}

// FrameReceived implements conn.Observer.
func (c *Collectors) FrameReceived() { c.framesReceived.Inc() }

// FrameRejected implements conn.Observer.
func (c *Collectors) FrameRejected(error) { c.framesRejected.Inc() }

// ReconnectScheduled implements conn.Observer.
func (c *Collectors) ReconnectScheduled() { c.reconnects.Inc() }

// SendDropped implements conn.Observer.
func (c *Collectors) SendDropped(t protocol.Type) {
	c.sendsDropped.WithLabelValues(string(t)).Inc()
}

// SampleAppended counts one live append.
func (c *Collectors) SampleAppended() { c.samplesAppended.Inc() }

// IncidentRecorded counts one incident.
func (c *Collectors) IncidentRecorded(source, violation string) {
	c.incidents.WithLabelValues(source, violation).Inc()
}

// SnapshotBatch counts a finished snapshot batch.
func (c *Collectors) SnapshotBatch(stale bool) {
	outcome := "applied"
	if stale {
		outcome = "stale"
	}
	c.snapshotBatches.WithLabelValues(outcome).Inc()
}

// FetchFailed counts a failed collaborator request for resource
// ("catalog", "thresholds" or "history").
func (c *Collectors) FetchFailed(resource string) {
	c.fetchErrors.WithLabelValues(resource).Inc()
}

// SelectionSize records the size of the tag selection.
func (c *Collectors) SelectionSize(n int) {
	c.selectedTags.Set(float64(n))
}
