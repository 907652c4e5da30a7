package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

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

	loginAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_login_attempts_total",
			Help: "Login attempts by outcome.",
		},
		[]string{"outcome"},
	)

	lockouts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auth_lockouts_total",
		Help: "Lockouts triggered by repeated login failures.",
	})

	authzDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authz_decisions_total",
			Help: "Authorization decisions by action and result.",
		},
		[]string{"action", "allowed"},
	)

	auditRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_records_total",
			Help: "Audit entries persisted by action.",
		},
		[]string{"action"},
	)

	auditFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "audit_record_failures_total",
		Help: "Audit entries that could not be persisted after retries.",
	})

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ready",
		Help: "1 when the service passes its readiness probe.",
	})

	initOnce sync.Once
)

// Init registers metrics in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			loginAttempts, lockouts, authzDecisions,
			auditRecords, auditFailures, ready,
		)
	})
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument records RPS, latency and in-flight requests.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// RecordLoginAttempt counts a terminal login outcome.
func RecordLoginAttempt(outcome string) {
	loginAttempts.WithLabelValues(outcome).Inc()
}

// RecordLockout counts a key transitioning into the locked state.
func RecordLockout() {
	lockouts.Inc()
}

// RecordDecision counts an authorization decision.
func RecordDecision(action string, allowed bool) {
	authzDecisions.WithLabelValues(action, strconv.FormatBool(allowed)).Inc()
}

// RecordAudit counts a persisted audit entry.
func RecordAudit(action string) {
	auditRecords.WithLabelValues(action).Inc()
}

// RecordAuditFailure counts an audit entry routed to the fallback sink.
func RecordAuditFailure() {
	auditFailures.Inc()
}

// SetReady publishes the readiness state.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
		return
	}
	ready.Set(0)
}

// route templates used to keep label cardinality bounded; ":" marks a variable segment.
var routeTemplates = [][]string{
	{"v1", "resources", ":type", ":id", "grants", ":principal"},
	{"v1", "resources", ":type", ":id"},
	{"v1", "console", "users", ":id", "approve"},
	{"v1", "console", "users", ":id", "reject"},
	{"v1", "console", "users", ":id", "deactivate"},
	{"v1", "console", "users", ":id", "role"},
	{"v1", "console", "users", ":id"},
}

// CanonicalPath collapses identifiers in known routes so they can be used as
// metric labels.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	segs := strings.Split(strings.Trim(p, "/"), "/")
	for _, tmpl := range routeTemplates {
		if len(tmpl) != len(segs) {
			continue
		}
		matched := true
		for i, part := range tmpl {
			if strings.HasPrefix(part, ":") {
				if segs[i] == "" {
					matched = false
					break
				}
				continue
			}
			if part != segs[i] {
				matched = false
				break
			}
		}
		if matched {
			return "/" + strings.Join(tmpl, "/")
		}
	}
	return p
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
