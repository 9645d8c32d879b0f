// Package observability holds the Prometheus collectors shared by the service.
package observability

import (
	"errors"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
		},
		[]string{"method", "route", "status"},
	)

	memoLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memo_lookups_total",
			Help: "Memo cache lookups by outcome (hit, coalesced, miss).",
		},
		[]string{"cache", "outcome"},
	)

	memoFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memo_failures_total",
			Help: "Producer failures observed by a memo cache.",
		},
		[]string{"cache"},
	)

	memoEntries = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "memo_entries",
			Help: "Completed entries held by a memo cache.",
		},
		[]string{"cache"},
	)

	memoInflight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "memo_inflight",
			Help: "Pending computations registered in a memo cache.",
		},
		[]string{"cache"},
	)

	// engine calls are slow; buckets span 50ms to ~7min
	engineComputeSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "engine_compute_seconds",
			Help:    "Latency of computation engine calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		},
		[]string{"product", "outcome"},
	)

	meterOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meter_op_total",
			Help: "Usage meter operations by result.",
		},
		[]string{"op", "result"},
	)

	eventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "compute_events_dropped_total",
			Help: "Computation events dropped because the publish queue was full.",
		},
	)

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "app_build_info",
			Help: "Build information for the binary.",
		},
		[]string{"version"},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		httpRequestsTotal, httpRequestDurationSeconds,
		memoLookups, memoFailures, memoEntries, memoInflight,
		engineComputeSeconds, meterOps, eventsDropped,
	}
}

func init() {
	prometheus.MustRegister(collectors()...)
	prometheus.MustRegister(buildInfo)
}

// Init also exposes the service collectors on reg (e.g. a metrics.Provider registry).
func Init(reg prometheus.Registerer, enabled bool) {
	if !enabled || reg == nil {
		return
	}
	for _, c := range collectors() {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			panic(err)
		}
	}
}

func ObserveHTTP(method, route string, status int, durationSeconds float64) {
	st := strconv.Itoa(status)
	httpRequestsTotal.WithLabelValues(method, route, st).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route, st).Observe(durationSeconds)
}

func IncMemoLookup(cache, outcome string) {
	memoLookups.WithLabelValues(cache, outcome).Inc()
}

func IncMemoFailure(cache string) {
	memoFailures.WithLabelValues(cache).Inc()
}

func SetMemoEntries(cache string, n int) {
	memoEntries.WithLabelValues(cache).Set(float64(n))
}

func AddMemoInflight(cache string, delta int) {
	memoInflight.WithLabelValues(cache).Add(float64(delta))
}

func ObserveEngineCompute(product string, err error, durationSeconds float64) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	engineComputeSeconds.WithLabelValues(product, outcome).Observe(durationSeconds)
}

func ObserveMeterOp(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	meterOps.WithLabelValues(op, result).Inc()
}

func IncEventsDropped() {
	eventsDropped.Inc()
}

func ExposeBuildInfo(version string) {
	if version == "" {
		version = "dev"
	}
	buildInfo.WithLabelValues(version).Set(1)
}
