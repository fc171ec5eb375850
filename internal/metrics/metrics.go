/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package metrics exposes Prometheus instrumentation for the execution
// engine, scheduler, and notification dispatcher. Metrics are registered
// against a dedicated Registry rather than the global default, so the ops
// HTTP surface controls exactly what it serves.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the registry the ops HTTP surface's /metrics handler serves.
var Registry = prometheus.NewRegistry()

var (
	// JobRunsTotal counts completed job runs by job template and final status.
	JobRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_job_runs_total",
			Help: "Total number of completed job runs by status",
		},
		[]string{"job_template", "status"},
	)

	// JobRunDurationSeconds tracks job run duration.
	JobRunDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "orchestrator_job_run_duration_seconds",
			Help:    "Job run duration in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
		[]string{"job_template"},
	)

	// StepResultsTotal counts step execution results for composite jobs.
	StepResultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_step_results_total",
			Help: "Total number of step execution results by status",
		},
		[]string{"job_template", "status"},
	)

	// NotificationsTotal counts notification delivery attempts by channel.
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_notifications_total",
			Help: "Total number of notification delivery attempts by channel and outcome",
		},
		[]string{"channel", "outcome"},
	)

	// ConcurrencySlotsInUse tracks how many of the concurrency limiter's
	// slots are currently occupied.
	ConcurrencySlotsInUse = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "orchestrator_concurrency_slots_in_use",
			Help: "Number of execution engine concurrency slots currently in use",
		},
	)

	// ConcurrencySlotsCapacity reports the concurrency limiter's total capacity.
	ConcurrencySlotsCapacity = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "orchestrator_concurrency_slots_capacity",
			Help: "Total capacity of the execution engine concurrency limiter",
		},
	)

	// SchedulerDueSchedulesTotal counts due-schedule dispatch attempts per tick.
	SchedulerDueSchedulesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "orchestrator_scheduler_due_schedules_total",
			Help: "Total number of due schedules dispatched by the scheduler",
		},
	)
)

func init() {
	Registry.MustRegister(
		JobRunsTotal,
		JobRunDurationSeconds,
		StepResultsTotal,
		NotificationsTotal,
		ConcurrencySlotsInUse,
		ConcurrencySlotsCapacity,
		SchedulerDueSchedulesTotal,
	)
}

// RecordJobRun records a completed job run's status and duration.
func RecordJobRun(jobTemplate, status string, durationSeconds float64) {
	JobRunsTotal.WithLabelValues(jobTemplate, status).Inc()
	JobRunDurationSeconds.WithLabelValues(jobTemplate).Observe(durationSeconds)
}

// RecordStepResult records a composite job step's outcome.
func RecordStepResult(jobTemplate, status string) {
	StepResultsTotal.WithLabelValues(jobTemplate, status).Inc()
}

// RecordNotification records a notification delivery attempt's outcome
// ("sent" or "failed") for a channel.
func RecordNotification(channel, outcome string) {
	NotificationsTotal.WithLabelValues(channel, outcome).Inc()
}

// UpdateConcurrencySlots sets the current in-use and capacity gauges.
func UpdateConcurrencySlots(inUse, capacity int) {
	ConcurrencySlotsInUse.Set(float64(inUse))
	ConcurrencySlotsCapacity.Set(float64(capacity))
}

// RecordSchedulerDispatch increments the due-schedule dispatch counter.
func RecordSchedulerDispatch() {
	SchedulerDueSchedulesTotal.Inc()
}
