package httpx

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var histogramBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}

var (
	httpMetricsOnce sync.Once
	requestTotal    *prometheus.CounterVec
	requestLatency  *prometheus.HistogramVec
	rateLimitHits   *prometheus.CounterVec
)

func initHTTPMetrics() {
	httpMetricsOnce.Do(func() {
		requestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "renderscope",
			Subsystem: "api",
			Name:      "http_requests_total",
			Help:      "Count of processed HTTP requests",
		}, []string{"method", "route", "status"})

		requestLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "renderscope",
			Subsystem: "api",
			Name:      "http_request_duration_seconds",
			Help:      "Latency distribution of HTTP handlers",
			Buckets:   histogramBuckets,
		}, []string{"method", "route", "status"})

		rateLimitHits = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "renderscope",
			Subsystem: "api",
			Name:      "rate_limit_hits_total",
			Help:      "Number of rate-limited responses",
		}, []string{"route", "key"})

		collectors := []prometheus.Collector{requestTotal, requestLatency, rateLimitHits}
		for _, collector := range collectors {
			if err := prometheus.Register(collector); err != nil {
				if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
					switch v := are.ExistingCollector.(type) {
					case *prometheus.CounterVec:
						if collector == requestTotal {
							requestTotal = v
						} else if collector == rateLimitHits {
							rateLimitHits = v
						}
					case *prometheus.HistogramVec:
						requestLatency = v
					}
				}
			}
		}
	})
}

func (r *Router) recordRequestMetrics(method, route string, status int, duration time.Duration) {
	initHTTPMetrics()
	labels := prometheus.Labels{
		"method": method,
		"route":  route,
		"status": strconv.Itoa(status),
	}
	requestTotal.With(labels).Inc()
	requestLatency.With(labels).Observe(duration.Seconds())
}

func (r *Router) recordRateLimitHit(route, key string) {
	initHTTPMetrics()
	rateLimitHits.With(prometheus.Labels{"route": route, "key": key}).Inc()
}
