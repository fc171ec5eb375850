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

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordJobRun_Success(t *testing.T) {
	JobRunsTotal.Reset()

	RecordJobRun("nightly-backup", "success", 12.5)

	labels := prometheus.Labels{"job_template": "nightly-backup", "status": "success"}
	assert.Equal(t, float64(1), testutil.ToFloat64(JobRunsTotal.With(labels)))

	RecordJobRun("nightly-backup", "success", 9.0)
	assert.Equal(t, float64(2), testutil.ToFloat64(JobRunsTotal.With(labels)))
}

func TestRecordJobRun_DifferentStatuses(t *testing.T) {
	JobRunsTotal.Reset()

	RecordJobRun("nightly-backup", "success", 1.0)
	RecordJobRun("nightly-backup", "failure", 1.0)
	RecordJobRun("log-rotate", "timeout", 1.0)

	assert.Equal(t, float64(1), testutil.ToFloat64(JobRunsTotal.With(prometheus.Labels{
		"job_template": "nightly-backup", "status": "success",
	})))
	assert.Equal(t, float64(1), testutil.ToFloat64(JobRunsTotal.With(prometheus.Labels{
		"job_template": "nightly-backup", "status": "failure",
	})))
	assert.Equal(t, float64(1), testutil.ToFloat64(JobRunsTotal.With(prometheus.Labels{
		"job_template": "log-rotate", "status": "timeout",
	})))
}

func TestRecordStepResult(t *testing.T) {
	StepResultsTotal.Reset()

	RecordStepResult("deploy-pipeline", "success")
	RecordStepResult("deploy-pipeline", "success")
	RecordStepResult("deploy-pipeline", "failure")

	assert.Equal(t, float64(2), testutil.ToFloat64(StepResultsTotal.With(prometheus.Labels{
		"job_template": "deploy-pipeline", "status": "success",
	})))
	assert.Equal(t, float64(1), testutil.ToFloat64(StepResultsTotal.With(prometheus.Labels{
		"job_template": "deploy-pipeline", "status": "failure",
	})))
}

func TestRecordNotification(t *testing.T) {
	NotificationsTotal.Reset()

	RecordNotification("slack-ops", "sent")
	RecordNotification("slack-ops", "sent")
	RecordNotification("email-oncall", "failed")

	assert.Equal(t, float64(2), testutil.ToFloat64(NotificationsTotal.With(prometheus.Labels{
		"channel": "slack-ops", "outcome": "sent",
	})))
	assert.Equal(t, float64(1), testutil.ToFloat64(NotificationsTotal.With(prometheus.Labels{
		"channel": "email-oncall", "outcome": "failed",
	})))
}

func TestUpdateConcurrencySlots(t *testing.T) {
	UpdateConcurrencySlots(3, 5)

	assert.Equal(t, 3.0, testutil.ToFloat64(ConcurrencySlotsInUse))
	assert.Equal(t, 5.0, testutil.ToFloat64(ConcurrencySlotsCapacity))

	UpdateConcurrencySlots(0, 5)
	assert.Equal(t, 0.0, testutil.ToFloat64(ConcurrencySlotsInUse))
}

func TestRecordSchedulerDispatch(t *testing.T) {
	before := testutil.ToFloat64(SchedulerDueSchedulesTotal)

	RecordSchedulerDispatch()
	RecordSchedulerDispatch()

	assert.Equal(t, before+2, testutil.ToFloat64(SchedulerDueSchedulesTotal))
}

func TestJobRunDurationSeconds_Observed(t *testing.T) {
	JobRunDurationSeconds.Reset()

	RecordJobRun("nightly-backup", "success", 4.0)

	count := testutil.CollectAndCount(JobRunDurationSeconds)
	assert.Equal(t, 1, count)
}

func TestRegistry_GathersAllMetrics(t *testing.T) {
	families, err := Registry.Gather()
	assert.NoError(t, err)

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}

	for _, want := range []string{
		"orchestrator_job_runs_total",
		"orchestrator_job_run_duration_seconds",
		"orchestrator_step_results_total",
		"orchestrator_notifications_total",
		"orchestrator_concurrency_slots_in_use",
		"orchestrator_concurrency_slots_capacity",
		"orchestrator_scheduler_due_schedules_total",
	} {
		assert.True(t, names[want], "expected metric %q to be registered", want)
	}
}
