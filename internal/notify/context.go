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

package notify

import (
	"context"
	"fmt"

	"github.com/fleetcron/orchestrator/internal/model"
	"github.com/fleetcron/orchestrator/internal/store"
)

const timeFormat = "2006-01-02 15:04:05 UTC"

// snapshot carries everything matching and rendering need, loaded once per
// completed JobRun.
type snapshot struct {
	run         *model.JobRun
	template    *model.JobTemplate
	server      *model.Server
	jobType     *model.JobType
	tags        []model.Tag
	stepResults []model.StepExecutionResult
}

// loadSnapshot loads the JobRun, JobTemplate, Server, server tags, JobType,
// and per-step results for one completed run.
func loadSnapshot(ctx context.Context, st store.Store, jobRunID int64) (*snapshot, error) {
	run, err := st.JobRun(ctx, jobRunID)
	if err != nil {
		return nil, fmt.Errorf("load job run: %w", err)
	}
	if run == nil {
		return nil, fmt.Errorf("job run %d not found", jobRunID)
	}

	tmpl, err := st.JobTemplate(ctx, run.JobTemplateID)
	if err != nil {
		return nil, fmt.Errorf("load job template: %w", err)
	}

	srv, err := st.Server(ctx, run.ServerID)
	if err != nil {
		return nil, fmt.Errorf("load server: %w", err)
	}

	tags, err := st.ServerTags(ctx, run.ServerID)
	if err != nil {
		return nil, fmt.Errorf("load server tags: %w", err)
	}

	var jobType *model.JobType
	if tmpl != nil && !tmpl.IsComposite && tmpl.CommandTemplateID != nil {
		ct, err := st.CommandTemplate(ctx, *tmpl.CommandTemplateID)
		if err != nil {
			return nil, fmt.Errorf("load command template: %w", err)
		}
		if ct != nil {
			jt, err := st.JobType(ctx, ct.JobTypeID)
			if err != nil {
				return nil, fmt.Errorf("load job type: %w", err)
			}
			jobType = jt
		}
	}

	var steps []model.StepExecutionResult
	if tmpl != nil && tmpl.IsComposite {
		steps, err = st.StepResults(ctx, run.ID)
		if err != nil {
			return nil, fmt.Errorf("load step results: %w", err)
		}
	}

	return &snapshot{run: run, template: tmpl, server: srv, jobType: jobType, tags: tags, stepResults: steps}, nil
}

// buildContext assembles the immutable record rendering works on.
func buildContext(s *snapshot) TemplateContext {
	run := s.run

	jobName := ""
	if s.template != nil {
		jobName = s.template.Name
	}
	jobTypeName := ""
	if s.jobType != nil {
		jobTypeName = s.jobType.Name
	}

	finishedAt := "In progress"
	var durationSecs float64
	if run.FinishedAt != nil {
		finishedAt = run.FinishedAt.UTC().Format(timeFormat)
	}
	if run.DurationMs != nil {
		durationSecs = float64(*run.DurationMs) / 1000.0
	}

	results, successCount, failureCount := buildServerResults(s)

	metrics := map[string]any(run.Metadata)
	if metrics == nil {
		metrics = map[string]any{}
	}

	return TemplateContext{
		JobName:       jobName,
		JobType:       jobTypeName,
		ScheduleName:  scheduleDisplayName(run),
		Status:        string(run.Status),
		Severity:      run.Status.Severity(),
		TotalServers:  len(results),
		SuccessCount:  successCount,
		FailureCount:  failureCount,
		StartedAt:     run.StartedAt.UTC().Format(timeFormat),
		FinishedAt:    finishedAt,
		DurationSecs:  durationSecs,
		Metrics:       metrics,
		ServerResults: results,
	}
}

func scheduleDisplayName(run *model.JobRun) string {
	if run.JobScheduleID == 0 {
		return "manual"
	}
	return fmt.Sprintf("schedule-%d", run.JobScheduleID)
}

// buildServerResults produces one synthetic entry from the JobRun itself for
// simple runs, and one entry per step for composite runs (steps execute on
// the same Server, so all share its name).
func buildServerResults(s *snapshot) (results []ServerResult, success, failure int) {
	serverName := ""
	if s.server != nil {
		serverName = s.server.Name
	}

	if s.template != nil && s.template.IsComposite {
		for _, step := range s.stepResults {
			sr := ServerResult{
				ServerName:    serverName,
				Status:        string(step.Status),
				ExitCode:      step.ExitCode,
				StdoutSnippet: snippet(step.Output),
				StderrSnippet: snippet(step.Error),
			}
			results = append(results, sr)
			tally(step.Status, &success, &failure)
		}
		return results, success, failure
	}

	run := s.run
	sr := ServerResult{
		ServerName:    serverName,
		Status:        string(run.Status),
		ExitCode:      run.ExitCode,
		StdoutSnippet: snippet(run.Output),
		StderrSnippet: snippet(run.Error),
	}
	tally(run.Status, &success, &failure)
	return []ServerResult{sr}, success, failure
}

func tally(status model.RunStatus, success, failure *int) {
	if status == model.StatusSuccess {
		*success++
	} else {
		*failure++
	}
}

// snippet returns the first 200 characters of s.
func snippet(s string) string {
	const limit = 200
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit])
}
