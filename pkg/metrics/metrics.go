// Package metrics exposes Prometheus collectors for the step tracker.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "steptracker"

// Discard reasons for hardware deltas.
const (
	DiscardNonPositive = "non_positive"
	DiscardShaking     = "shaking"
)

// Persist results.
const (
	PersistOK         = "ok"
	PersistFailed     = "failed"
	PersistSkipped    = "skipped"
	PersistSuperseded = "superseded"
)

// Feed results.
const (
	FeedOK      = "ok"
	FeedFailed  = "failed"
	FeedDropped = "dropped"
)

// Sensor message results.
const (
	SensorAccepted  = "accepted"
	SensorMalformed = "malformed"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	stepsAccepted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tracker",
			Name:      "steps_accepted_total",
			Help:      "Whole steps added to the live count.",
		},
	)

	deltasDiscarded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tracker",
			Name:      "deltas_discarded_total",
			Help:      "Hardware deltas dropped before reaching the count.",
		},
		[]string{"reason"},
	)

	deltasClamped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tracker",
			Name:      "deltas_clamped_total",
			Help:      "Hardware deltas reduced to the per-event maximum.",
		},
	)

	shakes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "motion",
			Name:      "shakes_total",
			Help:      "Shake detections that started or extended a cool-down.",
		},
	)

	persists = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tracker",
			Name:      "persists_total",
			Help:      "Remote persistence attempts by result.",
		},
		[]string{"result"},
	)

	persistDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tracker",
			Name:      "persist_duration_seconds",
			Help:      "Duration of remote persistence writes.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		},
	)

	rollovers = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tracker",
			Name:      "rollovers_total",
			Help:      "Day rollovers that archived a history record.",
		},
	)

	degraded = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "motion",
			Name:      "degraded",
			Help:      "1 while tracking runs without an accelerometer.",
		},
	)

	feedPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "messages_total",
			Help:      "Step updates handed to the feed by result.",
		},
		[]string{"result"},
	)

	sensorMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sensor",
			Name:      "messages_total",
			Help:      "Sensor bridge messages by stream and result.",
		},
		[]string{"stream", "result"},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "route", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		},
		[]string{"method", "route"},
	)
)

func init() {
	Registry.MustRegister(
		stepsAccepted,
		deltasDiscarded,
		deltasClamped,
		shakes,
		persists,
		persistDuration,
		rollovers,
		degraded,
		feedPublished,
		sensorMessages,
		httpRequests,
		httpDuration,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// StepsAccepted records n whole steps added to the count.
func StepsAccepted(n int) { stepsAccepted.Add(float64(n)) }

// DeltaDiscarded records a dropped hardware delta.
func DeltaDiscarded(reason string) { deltasDiscarded.WithLabelValues(reason).Inc() }

// DeltaClamped records a delta reduced to the maximum.
func DeltaClamped() { deltasClamped.Inc() }

// Shake records a shake detection.
func Shake() { shakes.Inc() }

// Persist records a persistence attempt and, for completed writes, its duration.
func Persist(result string, d time.Duration) {
	persists.WithLabelValues(result).Inc()
	if result == PersistOK || result == PersistFailed {
		persistDuration.Observe(d.Seconds())
	}
}

// Rollover records an archived day.
func Rollover() { rollovers.Inc() }

// SetDegraded flags tracking without shake filtering.
func SetDegraded(on bool) {
	if on {
		degraded.Set(1)
		return
	}
	degraded.Set(0)
}

// FeedMessage records a feed hand-off result.
func FeedMessage(result string) { feedPublished.WithLabelValues(result).Inc() }

// SensorMessage records a message received from a sensor stream.
func SensorMessage(stream, result string) { sensorMessages.WithLabelValues(stream, result).Inc() }

// InstrumentHandler wraps next with HTTP metrics keyed by the mux route
// template, so path parameters do not explode label cardinality.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(rec, r)

		route := routeName(r)
		method := strings.ToUpper(r.Method)
		httpRequests.WithLabelValues(method, route, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
	})
}

func routeName(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps streaming responses working through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }
