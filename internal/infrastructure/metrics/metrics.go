// Package metrics exposes Prometheus collectors for the IAM core.
//
// Collectors live in package-level variables and are registered once on the
// default registry by Init. The helper functions are safe to call before
// Init; observations are simply not exported until registration.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "iam"

var (
	initOnce sync.Once

	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "http_in_flight_requests",
		Help:      "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests.",
	}, []string{"method", "route", "status"})

	httpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latencies in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route", "status"})

	loginsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "logins_total",
		Help:      "Login attempts by outcome.",
	}, []string{"outcome"})

	verificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "verifications_total",
		Help:      "One-time code verifications by outcome.",
	}, []string{"outcome"})

	authorizationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "authorization_decisions_total",
		Help:      "Authorization decisions by reason.",
	}, []string{"reason"})

	eventsPublishedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_published_total",
		Help:      "Events delivered to the broker by routing key.",
	}, []string{"routing_key"})

	eventsFailedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_publish_failed_total",
		Help:      "Events that could not be published, by reason.",
	}, []string{"reason"})

	eventsConsumedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_consumed_total",
		Help:      "Consumed deliveries by result (ack, nack, unknown).",
	}, []string{"result"})

	brokerConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "broker_connected",
		Help:      "1 while the event channel is live.",
	})

	buildInfo = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "build_info",
		Help:      "IAM core build information.",
	}, []string{"version"})
)

// Init registers every collector on the default registry. Repeated calls are no-ops.
func Init(version string) {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			loginsTotal, verificationsTotal, authorizationsTotal,
			eventsPublishedTotal, eventsFailedTotal, eventsConsumedTotal,
			brokerConnected, buildInfo,
		)
	})
	buildInfo.WithLabelValues(version).Set(1)
}

// Handler serves the default registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument records request count, latency and in-flight requests. The
// route label is the matched chi pattern so IDs do not explode cardinality.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpInFlight.Inc()
		defer httpInFlight.Dec()

		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(r.Method, route, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
	})
}

// ObserveLogin counts a login request outcome (code_sent, unknown, delivery_failed, error).
func ObserveLogin(outcome string) { loginsTotal.WithLabelValues(outcome).Inc() }

// ObserveVerification counts a verification outcome (success, mismatch, expired, ...).
func ObserveVerification(outcome string) { verificationsTotal.WithLabelValues(outcome).Inc() }

// ObserveAuthorization counts an authorization decision by reason.
func ObserveAuthorization(reason string) { authorizationsTotal.WithLabelValues(reason).Inc() }

// EventPublished counts an event accepted by the broker.
func EventPublished(routingKey string) { eventsPublishedTotal.WithLabelValues(routingKey).Inc() }

// EventPublishFailed counts an event that was dropped.
func EventPublishFailed(reason string) { eventsFailedTotal.WithLabelValues(reason).Inc() }

// EventConsumed counts a consumed delivery by result.
func EventConsumed(result string) { eventsConsumedTotal.WithLabelValues(result).Inc() }

// SetBrokerConnected updates the broker connection gauge.
func SetBrokerConnected(up bool) {
	if up {
		brokerConnected.Set(1)
		return
	}
	brokerConnected.Set(0)
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush lets streaming handlers keep working behind the wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
