// Package metrics exposes prometheus instrumentation for the alarm engine.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricPrefix = "netshield_"

var registerOnce sync.Once

var (
	alarmsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: metricPrefix + "alarms_created_total",
		Help: "Alarms persisted and activated or parked pending",
	})

	alarmsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: metricPrefix + "alarms_rejected_total",
		Help: "Alarm candidates rejected by the arbitration pipeline",
	}, []string{"reason"})

	queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: metricPrefix + "creation_queue_depth",
		Help: "Jobs waiting in the creation queue",
	})

	queueJobs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: metricPrefix + "creation_queue_jobs_total",
		Help: "Creation queue jobs processed by outcome",
	}, []string{"result"})

	sweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    metricPrefix + "pending_sweep_duration_seconds",
		Help:    "Duration of one pending-queue sweep",
		Buckets: prometheus.DefBuckets,
	})

	sweepTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: metricPrefix + "pending_sweep_transitions_total",
		Help: "Pending alarms reclassified by the sweeper",
	}, []string{"outcome"})
)

// Register installs the alarm engine collectors. Safe to call repeatedly.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			alarmsCreated,
			alarmsRejected,
			queueDepth,
			queueJobs,
			sweepDuration,
			sweepTransitions,
		)
	})
}

// ObserveAlarmCreated counts one persisted alarm.
func ObserveAlarmCreated() {
	alarmsCreated.Inc()
}

// ObserveAlarmRejected counts one pipeline rejection by reason.
func ObserveAlarmRejected(reason string) {
	alarmsRejected.WithLabelValues(reason).Inc()
}

// SetQueueDepth records the current creation queue backlog.
func SetQueueDepth(depth int) {
	queueDepth.Set(float64(depth))
}

// ObserveQueueJob counts one processed creation job by outcome.
func ObserveQueueJob(result string) {
	queueJobs.WithLabelValues(result).Inc()
}

// ObserveSweep records one sweep run.
func ObserveSweep(duration time.Duration) {
	sweepDuration.Observe(duration.Seconds())
}

// ObserveSweepTransition counts one sweeper reclassification.
func ObserveSweepTransition(outcome string) {
	sweepTransitions.WithLabelValues(outcome).Inc()
}
