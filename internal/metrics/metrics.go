// Package metrics exports ingestion and collector counters to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"libresync/internal/collector"
	"libresync/internal/domain"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	readingsInserted  prometheus.Counter
	readingsDuplicate prometheus.Counter
	fetchErrors       *prometheus.CounterVec
	syncs             *prometheus.CounterVec
	collectorState    *prometheus.GaugeVec
	httpRequests      *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		readingsInserted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "libresync_readings_inserted_total",
			Help: "Readings stored for the first time.",
		}),
		readingsDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "libresync_readings_duplicate_total",
			Help: "Readings skipped because their dedup key was already stored.",
		}),
		fetchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "libresync_fetch_errors_total",
			Help: "Failed provider fetches by kind.",
		}, []string{"kind"}),
		syncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "libresync_syncs_total",
			Help: "Completed sync runs by outcome.",
		}, []string{"success"}),
		collectorState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "libresync_collector_state",
			Help: "1 for the current rolling average collector state, 0 otherwise.",
		}, []string{"state"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total count of HTTP requests processed by route and status.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request durations by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		m.readingsInserted,
		m.readingsDuplicate,
		m.fetchErrors,
		m.syncs,
		m.collectorState,
		m.httpRequests,
		m.httpDuration,
	)

	return m
}

func (m *Metrics) ObserveStore(result domain.StoreResult) {
	if m == nil {
		return
	}
	m.readingsInserted.Add(float64(result.Inserted))
	m.readingsDuplicate.Add(float64(result.Duplicates))
}

func (m *Metrics) ObserveFetchError(err error) {
	if m == nil || err == nil {
		return
	}
	m.fetchErrors.WithLabelValues(Kind(err)).Inc()
}

func (m *Metrics) ObserveSync(log domain.SyncLog) {
	if m == nil {
		return
	}
	m.syncs.WithLabelValues(strconv.FormatBool(log.Success)).Inc()
}

func (m *Metrics) ObserveCollectorState(state collector.State) {
	if m == nil {
		return
	}
	for _, s := range []collector.State{collector.Idle, collector.Collecting, collector.Reporting, collector.Degraded, collector.Cancelled} {
		v := 0.0
		if s == state {
			v = 1
		}
		m.collectorState.WithLabelValues(s.String()).Set(v)
	}
}

// ObserveRequest records one served HTTP request.
func (m *Metrics) ObserveRequest(route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(route).Observe(duration.Seconds())
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Kind labels an ingestion failure.
func Kind(err error) string {
	switch {
	case errors.Is(err, domain.ErrTransient):
		return "transient"
	case errors.Is(err, domain.ErrMalformedResponse):
		return "malformed"
	case errors.Is(err, domain.ErrBadCredentials), errors.Is(err, domain.ErrStepUpRequired), errors.Is(err, domain.ErrProtocol):
		return "auth"
	default:
		var apiErr *domain.APIError
		if errors.As(err, &apiErr) {
			return "api"
		}
		return "other"
	}
}
