package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Update check outcomes recorded by the collector.
const (
	UpdateCheckUpdateAvailable = "update_available"
	UpdateCheckUpToDate        = "up_to_date"
	UpdateCheckNotFound        = "not_found"
	UpdateCheckError           = "error"
)

// Collector holds the service's Prometheus instruments. Handlers and
// stores record through it; the registry it was built against is served by
// the MetricsServer.
type Collector struct {
	releasesTotal     *prometheus.CounterVec
	updateChecksTotal *prometheus.CounterVec
	payloadBytes      prometheus.Histogram
}

// NewCollector creates a Collector and registers its instruments on reg.
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	c := &Collector{
		releasesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "releases_total",
			Help:      "Releases committed, by release method.",
		}, []string{"method"}),
		updateChecksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "update_checks_total",
			Help:      "Update check requests, by outcome.",
		}, []string{"outcome"}),
		payloadBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "release_payload_bytes",
			Help:      "Size distribution of uploaded release payloads.",
			Buckets:   prometheus.ExponentialBuckets(1024, 4, 10),
		}),
	}

	reg.MustRegister(
		c.releasesTotal,
		c.updateChecksTotal,
		c.payloadBytes,
	)

	return c
}

// RecordRelease counts one committed release.
func (c *Collector) RecordRelease(method string) {
	c.releasesTotal.WithLabelValues(method).Inc()
}

// RecordUpdateCheck counts one update check request.
func (c *Collector) RecordUpdateCheck(outcome string) {
	c.updateChecksTotal.WithLabelValues(outcome).Inc()
}

// RecordPayloadSize observes the byte size of an uploaded payload.
func (c *Collector) RecordPayloadSize(bytes int64) {
	c.payloadBytes.Observe(float64(bytes))
}

// MetricsServer serves the Prometheus scrape endpoint on its own listen
// address, next to Go runtime and process collectors.
type MetricsServer struct {
	registry  *prometheus.Registry
	collector *Collector
	srv       *http.Server
}

// New creates a metrics server with a private registry. The listen address
// may be empty when scraping is disabled; the collector still works.
func New(namespace, listenAddr string) (*MetricsServer, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	return &MetricsServer{
		registry:  registry,
		collector: NewCollector(namespace, registry),
		srv: &http.Server{
			Addr:    listenAddr,
			Handler: mux,
		},
	}, nil
}

// Collector returns the instruments registered on this server's registry.
func (s *MetricsServer) Collector() *Collector {
	return s.collector
}

// ListenAndServe blocks serving the scrape endpoint.
func (s *MetricsServer) ListenAndServe() error {
	return s.srv.ListenAndServe()
}

// Shutdown gracefully stops the scrape endpoint.
func (s *MetricsServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
