package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Identity metrics
var (
	TokensIssued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "identity_tokens_issued_total",
		Help: "Access tokens issued.",
	})

	RefreshRotations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "identity_refresh_rotations_total",
		Help: "Successful refresh token rotations.",
	})

	RefreshRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "identity_refresh_rejections_total",
			Help: "Rejected refresh tokens by internal reason.",
		},
		[]string{"reason"},
	)

	GuardDenials = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "identity_guard_denials_total",
			Help: "Organization guard denials by reason.",
		},
		[]string{"reason"},
	)

	CollaboratorFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "identity_collaborator_failures_total",
			Help: "Failed best-effort lookups against sibling services.",
		},
		[]string{"collaborator"},
	)

	RefreshPurged = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "identity_refresh_purged_total",
		Help: "Expired refresh tokens removed by the sweeper.",
	})
)

var initOnce sync.Once

// Init registers metrics in the default registry.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			TokensIssued, RefreshRotations, RefreshRejections,
			GuardDenials, CollaboratorFailures, RefreshPurged,
		)
	})
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument records in-flight requests, totals and latency. Requests are
// labelled by their chi route pattern, or by CanonicalPath outside a router.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpInFlight.Inc()
		defer httpInFlight.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		began := time.Now()
		next.ServeHTTP(ww, r)

		code := ww.Status()
		if code == 0 {
			code = http.StatusOK
		}
		labels := prometheus.Labels{"method": r.Method, "path": routeLabel(r), "status": strconv.Itoa(code)}
		httpRequestDuration.With(labels).Observe(time.Since(began).Seconds())
		httpRequestsTotal.With(labels).Inc()
	})
}

func routeLabel(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return CanonicalPath(r.URL.Path)
}

// CanonicalPath collapses identifier segments so label cardinality stays bounded.
func CanonicalPath(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[:i]
	}
	if raw == "" || raw == "/" {
		return "/"
	}
	parts := strings.Split(raw, "/")
	for i, p := range parts {
		if _, err := uuid.Parse(p); err == nil && len(p) == 36 {
			parts[i] = ":id"
		}
	}
	return strings.Join(parts, "/")
}
