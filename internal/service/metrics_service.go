package service

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Sync outcome labels used by the queue and attendance services.
const (
	OutcomeSynced  = "synced"
	OutcomeFailed  = "failed"
	OutcomeDropped = "dropped"
	OutcomeInvalid = "invalid"
)

// MetricsService encapsulates Prometheus instrumentation for the agent.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	cacheLatency    *prometheus.HistogramVec
	cacheLookups    *prometheus.CounterVec
	cacheEvictions  *prometheus.CounterVec
	cacheEntries    *prometheus.GaugeVec
	queueDepth      prometheus.Gauge
	queueOutcomes   *prometheus.CounterVec
	attendanceSync  *prometheus.CounterVec
	conflicts       *prometheus.CounterVec
	networkOnline   prometheus.Gauge
	notifications   *prometheus.CounterVec
}

// NewMetricsService registers core Prometheus collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	cacheLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cache_latency_seconds",
		Help:    "Latency for cache lookups",
		Buckets: prometheus.DefBuckets,
	}, []string{"cache"})

	cacheLookups := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cache_lookups_total",
		Help: "Cache lookups by result",
	}, []string{"cache", "result"})

	cacheEvictions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cache_evictions_total",
		Help: "Entries evicted from the memory tier",
	}, []string{"cache"})

	cacheEntries := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cache_entries",
		Help: "Entries held in the memory tier",
	}, []string{"cache"})

	queueDepth := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "offline_queue_depth",
		Help: "Records waiting in the offline queue",
	})

	queueOutcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_queue_records_total",
		Help: "Offline queue record outcomes",
	}, []string{"type", "outcome"})

	attendanceSync := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "attendance_sync_total",
		Help: "Attendance sync outcomes",
	}, []string{"outcome"})

	conflicts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "attendance_conflicts_total",
		Help: "Attendance conflicts by strategy and winner",
	}, []string{"strategy", "winner"})

	networkOnline := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "network_online",
		Help: "1 when the backend is reachable",
	})

	notifications := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_notifications_total",
		Help: "Change notifications received per channel",
	}, []string{"channel", "result"})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, cacheLatency, cacheLookups, cacheEvictions, cacheEntries,
		queueDepth, queueOutcomes, attendanceSync, conflicts, networkOnline, notifications, goroutines)

	return &MetricsService{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestDuration: requestDuration,
		requestTotal:    requestTotal,
		cacheLatency:    cacheLatency,
		cacheLookups:    cacheLookups,
		cacheEvictions:  cacheEvictions,
		cacheEntries:    cacheEntries,
		queueDepth:      queueDepth,
		queueOutcomes:   queueOutcomes,
		attendanceSync:  attendanceSync,
		conflicts:       conflicts,
		networkOnline:   networkOnline,
		notifications:   notifications,
	}
}

// Registry exposes the underlying registry for tests.
func (m *MetricsService) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// ObserveHTTPRequest records request metrics.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
}

// RecordCacheOperation records a lookup on the named cache.
func (m *MetricsService) RecordCacheOperation(cache string, hit bool, duration time.Duration) {
	if m == nil {
		return
	}
	m.cacheLatency.WithLabelValues(cache).Observe(duration.Seconds())
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(cache, result).Inc()
}

// RecordCacheEviction counts entries pushed out of the memory tier.
func (m *MetricsService) RecordCacheEviction(cache string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.cacheEvictions.WithLabelValues(cache).Add(float64(n))
}

// SetCacheEntries publishes the memory tier size.
func (m *MetricsService) SetCacheEntries(cache string, n int) {
	if m == nil {
		return
	}
	m.cacheEntries.WithLabelValues(cache).Set(float64(n))
}

// SetQueueDepth publishes how many records are queued.
func (m *MetricsService) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// RecordQueueOutcome counts a queue record outcome.
func (m *MetricsService) RecordQueueOutcome(recordType, outcome string) {
	if m == nil {
		return
	}
	m.queueOutcomes.WithLabelValues(recordType, outcome).Inc()
}

// RecordAttendanceSync counts an attendance push outcome.
func (m *MetricsService) RecordAttendanceSync(outcome string) {
	if m == nil {
		return
	}
	m.attendanceSync.WithLabelValues(outcome).Inc()
}

// RecordConflict counts a detected conflict and how it was settled.
func (m *MetricsService) RecordConflict(strategy, winner string) {
	if m == nil {
		return
	}
	if winner == "" {
		winner = "deferred"
	}
	m.conflicts.WithLabelValues(strategy, winner).Inc()
}

// SetNetworkOnline publishes reachability.
func (m *MetricsService) SetNetworkOnline(online bool) {
	if m == nil {
		return
	}
	if online {
		m.networkOnline.Set(1)
		return
	}
	m.networkOnline.Set(0)
}

// RecordNotification counts a change notification.
func (m *MetricsService) RecordNotification(channel string, ok bool) {
	if m == nil {
		return
	}
	result := "handled"
	if !ok {
		result = "error"
	}
	m.notifications.WithLabelValues(channel, result).Inc()
}
