// Package metrics provides a Prometheus metrics registry for the gateway.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// chatgw_inflight_streams
	inFlight prometheus.Gauge

	// chatgw_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// chatgw_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// chatgw_requests_total{provider,outcome}
	requestsTotal *prometheus.CounterVec

	// chatgw_first_token_seconds{provider} — time to first content frame
	firstToken *prometheus.HistogramVec

	// chatgw_stream_duration_seconds{provider}
	streamDuration *prometheus.HistogramVec

	// chatgw_tokens_total{provider,direction}
	tokensTotal *prometheus.CounterVec

	// chatgw_tokens_per_second{provider}
	throughput *prometheus.HistogramVec

	// chatgw_provider_errors_total{provider,class}
	providerErrors *prometheus.CounterVec

	// chatgw_attachments_total{result}
	attachments *prometheus.CounterVec

	// chatgw_ratelimit_total{result}
	rateLimitTotal *prometheus.CounterVec

	// chatgw_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

// New builds the registry with baseline Go and process collectors attached.
func New() *Registry {
	reg := prometheus.NewRegistry()

	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chatgw_inflight_streams",
			Help: "Current number of in-flight completion streams",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatgw_http_requests_total",
				Help: "Total number of HTTP requests handled by the gateway",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chatgw_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes stream drain)",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"route"},
		),

		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatgw_requests_total",
				Help: "Total completion requests by provider and outcome",
			},
			[]string{"provider", "outcome"},
		),

		firstToken: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chatgw_first_token_seconds",
				Help:    "Time from dispatch to the first flushed content frame",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 0.75, 1, 1.5, 2, 3, 5, 10, 20},
			},
			[]string{"provider"},
		),

		streamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chatgw_stream_duration_seconds",
				Help:    "Total streaming duration by provider",
				Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120},
			},
			[]string{"provider"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatgw_tokens_total",
				Help: "Token usage totals derived from upstream usage fields",
			},
			[]string{"provider", "direction"},
		),

		throughput: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chatgw_tokens_per_second",
				Help:    "Output token throughput per completed stream",
				Buckets: []float64{1, 5, 10, 20, 40, 80, 120, 200, 400},
			},
			[]string{"provider"},
		),

		providerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatgw_provider_errors_total",
				Help: "Upstream provider errors by class",
			},
			[]string{"provider", "class"},
		),

		attachments: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatgw_attachments_total",
				Help: "Attachment preprocessing results",
			},
			[]string{"result"},
		),

		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatgw_ratelimit_total",
				Help: "Rate limit decisions",
			},
			[]string{"result"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "chatgw_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.requestsTotal,
		r.firstToken,
		r.streamDuration,
		r.tokensTotal,
		r.throughput,
		r.providerErrors,
		r.attachments,
		r.rateLimitTotal,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration) {
	r.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(statusCode)).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// RecordRequest records one completion request's outcome.
func (r *Registry) RecordRequest(provider, outcome string) {
	r.requestsTotal.WithLabelValues(provider, outcome).Inc()
}

// ObserveFirstToken records the time-to-first-token latency.
func (r *Registry) ObserveFirstToken(provider string, d time.Duration) {
	r.firstToken.WithLabelValues(provider).Observe(d.Seconds())
}

// ObserveStream records final stream duration and throughput.
func (r *Registry) ObserveStream(provider string, d time.Duration, tokensPerSec float64) {
	r.streamDuration.WithLabelValues(provider).Observe(d.Seconds())
	if tokensPerSec > 0 {
		r.throughput.WithLabelValues(provider).Observe(tokensPerSec)
	}
}

// AddTokens accumulates usage counters.
func (r *Registry) AddTokens(provider string, inputTokens, outputTokens int) {
	if inputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, "output").Add(float64(outputTokens))
	}
}

// RecordError counts one classified provider error.
func (r *Registry) RecordError(provider, class string) {
	r.providerErrors.WithLabelValues(provider, class).Inc()
}

// RecordAttachment counts one preprocessed attachment result (ok|degraded).
func (r *Registry) RecordAttachment(result string) {
	r.attachments.WithLabelValues(result).Inc()
}

// RecordRateLimit counts one limiter decision.
func (r *Registry) RecordRateLimit(result string) {
	r.rateLimitTotal.WithLabelValues(result).Inc()
}

// SetBuildInfo pins the build info gauge.
func (r *Registry) SetBuildInfo(version string) {
	r.buildInfo.WithLabelValues(version).Set(1)
}

// Handler returns the fasthttp /metrics handler.
func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

// PromRegistry exposes the underlying registry for tests.
func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
