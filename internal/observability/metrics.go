package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	OTPIssued           *prometheus.CounterVec
	OTPVerifications    *prometheus.CounterVec
	OTPDeliveryFailures *prometheus.CounterVec
	RateLimitDenied     *prometheus.CounterVec
	Logins              *prometheus.CounterVec
	RequestDuration     *prometheus.HistogramVec
}

// NewMetrics registers every collector on a private registry so tests can
// build as many instances as they need.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		OTPIssued: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "otp_issued_total",
			Help: "Total number of one-time codes issued",
		}, []string{"purpose"}),
		OTPVerifications: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "otp_verifications_total",
			Help: "One-time code verification attempts by result",
		}, []string{"result"}),
		OTPDeliveryFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "otp_delivery_failures_total",
			Help: "Failed one-time code deliveries by channel",
		}, []string{"channel"}),
		RateLimitDenied: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ratelimit_denied_total",
			Help: "Requests rejected by the rate limiter",
		}, []string{"route"}),
		Logins: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_logins_total",
			Help: "Login attempts by result",
		}, []string{"result"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency by route and status",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) IncOTPIssued(purpose string) {
	m.OTPIssued.WithLabelValues(purpose).Inc()
}

func (m *Metrics) IncOTPVerification(result string) {
	m.OTPVerifications.WithLabelValues(result).Inc()
}

func (m *Metrics) IncDeliveryFailure(channel string) {
	m.OTPDeliveryFailures.WithLabelValues(channel).Inc()
}

func (m *Metrics) IncRateLimitDenied(route string) {
	m.RateLimitDenied.WithLabelValues(route).Inc()
}

func (m *Metrics) IncLogin(result string) {
	m.Logins.WithLabelValues(result).Inc()
}

// DurationMiddleware records request latency labelled with the matched chi
// route pattern.
func (m *Metrics) DurationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(recorder, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		m.RequestDuration.
			WithLabelValues(r.Method, route, strconv.Itoa(recorder.statusCode)).
			Observe(time.Since(start).Seconds())
	})
}
