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

var initOnce sync.Once

// HTTP
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

// Domain
var (
	quizzesCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catequiz_quizzes_created_total",
			Help: "Quizzes persisted, by initial status.",
		},
		[]string{"status"},
	)

	generationSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "catequiz_quiz_generation_seconds",
		Help:    "Latency of AI question generation.",
		Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
	})

	responsesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "catequiz_responses_total",
		Help: "Quiz responses recorded.",
	})

	xpCredited = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "catequiz_xp_credited_total",
		Help: "Experience points credited to users.",
	})

	repairsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catequiz_repairs_total",
			Help: "Repair actions by kind and result.",
		},
		[]string{"kind", "result"},
	)

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "catequiz_ready",
		Help: "1 when the backing store answered the last readiness probe.",
	})
)

// Init registers all collectors in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			quizzesCreated, generationSeconds, responsesTotal, xpCredited, repairsTotal, ready,
		)
	})
}

// Handler exposes the Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// QuizCreated counts a persisted quiz by its initial status.
func QuizCreated(status string) { quizzesCreated.WithLabelValues(status).Inc() }

// ObserveGeneration records how long the question generator took.
func ObserveGeneration(d time.Duration) { generationSeconds.Observe(d.Seconds()) }

// ResponseRecorded counts a stored quiz response.
func ResponseRecorded() { responsesTotal.Inc() }

// XPCredited adds n to the credited XP counter.
func XPCredited(n int64) {
	if n > 0 {
		xpCredited.Add(float64(n))
	}
}

// RepairDone counts one repair action.
func RepairDone(kind, result string) { repairsTotal.WithLabelValues(kind, result).Inc() }

// SetReady flips the readiness gauge.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
		return
	}
	ready.Set(0)
}

// Instrument measures in-flight requests, totals and latency per canonical path.
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

// collections whose next path segment is an identifier
var idCollections = map[string]bool{
	"quizzes": true,
	"invites": true,
	"users":   true,
}

// literal segments that live under an id collection
var fixedSegments = map[string]bool{
	"me":         true,
	"catechists": true,
	"pending":    true,
}

// CanonicalPath collapses identifiers so metric labels stay bounded.
func CanonicalPath(raw string) string {
	p := raw
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	segs := strings.Split(p, "/")
	for i := 1; i < len(segs); i++ {
		if segs[i] == "" || fixedSegments[segs[i]] {
			continue
		}
		if idCollections[segs[i-1]] {
			segs[i] = ":id"
		}
	}
	return strings.Join(segs, "/")
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE working through the instrumentation wrapper.
func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
