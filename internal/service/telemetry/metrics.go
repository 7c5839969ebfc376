package telemetry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type emitterMetrics struct {
	emitted          prometheus.Counter
	dropped          prometheus.Counter
	overflow         prometheus.Counter
	artifactFailures prometheus.Counter
}

var (
	metricsOnce   sync.Once
	sharedMetrics *emitterMetrics
)

func newEmitterMetrics() *emitterMetrics {
	metricsOnce.Do(func() {
		m := &emitterMetrics{
			emitted: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "renderscope",
				Subsystem: "telemetry",
				Name:      "events_emitted_total",
				Help:      "Count of telemetry event rows written",
			}),
			dropped: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "renderscope",
				Subsystem: "telemetry",
				Name:      "events_dropped_total",
				Help:      "Count of fire-and-forget events dropped because the queue was full",
			}),
			overflow: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "renderscope",
				Subsystem: "telemetry",
				Name:      "payload_overflow_total",
				Help:      "Count of payloads offloaded to artifact storage",
			}),
			artifactFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "renderscope",
				Subsystem: "telemetry",
				Name:      "overflow_artifact_failures_total",
				Help:      "Count of overflow artifact writes that failed, leaving events without a link",
			}),
		}
		collectors := []prometheus.Counter{m.emitted, m.dropped, m.overflow, m.artifactFailures}
		for i, collector := range collectors {
			if err := prometheus.Register(collector); err != nil {
				if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
					if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
						switch i {
						case 0:
							m.emitted = existing
						case 1:
							m.dropped = existing
						case 2:
							m.overflow = existing
						case 3:
							m.artifactFailures = existing
						}
					}
				}
			}
		}
		sharedMetrics = m
	})
	return sharedMetrics
}
