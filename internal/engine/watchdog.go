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

package engine

import (
	"context"
	"time"

	"github.com/fleetcron/orchestrator/internal/model"
)

// Watchdog periodically force-finalizes any JobRun whose wall clock has run
// past timeout+buffer. It catches a hung SSH session or a process the
// kernel never reaps when the per-call guard inside runOnce cannot fire.
type Watchdog struct {
	engine   *Engine
	interval time.Duration
}

// NewWatchdog builds a Watchdog that sweeps every interval.
func NewWatchdog(e *Engine, interval time.Duration) *Watchdog {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Watchdog{engine: e, interval: interval}
}

// Run blocks, sweeping until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *Watchdog) sweep(ctx context.Context) {
	runs, err := w.engine.store.ActiveJobRuns(ctx)
	if err != nil {
		w.engine.log.Error(err, "watchdog: list active job runs failed")
		return
	}

	now := time.Now().UTC()
	for i := range runs {
		run := &runs[i]
		maxAge := w.effectiveTimeout(ctx, run) + w.engine.cfg.WatchdogBuffer
		if now.Sub(run.StartedAt) <= maxAge {
			continue
		}
		durMs := now.Sub(run.StartedAt).Milliseconds()
		run.Status = model.StatusTimeout
		run.FinishedAt = &now
		run.DurationMs = &durMs
		run.Error = "timeout: wall-clock watchdog exceeded timeout+buffer"
		if err := w.engine.store.FinalizeJobRun(ctx, run); err != nil {
			w.engine.log.Error(err, "watchdog: finalize stuck job run failed", "jobRunID", run.ID)
		}
	}
}

// effectiveTimeout resolves the run's own timeout budget, mirroring the
// rules runOnce applies per call: a simple run uses its command template's
// timeout_seconds, a composite run the sum of its steps' (step override
// first, then the step's command template). Falls back to the configured
// default wherever a timeout is absent or a lookup fails, so a broken
// reference never exempts a run from the sweep.
func (w *Watchdog) effectiveTimeout(ctx context.Context, run *model.JobRun) time.Duration {
	template, err := w.engine.store.JobTemplate(ctx, run.JobTemplateID)
	if err != nil || template == nil {
		return w.engine.cfg.DefaultTimeout
	}

	if !template.IsComposite {
		if template.CommandTemplateID == nil {
			return w.engine.cfg.DefaultTimeout
		}
		return w.commandTemplateTimeout(ctx, *template.CommandTemplateID)
	}

	steps, err := w.engine.store.JobTemplateSteps(ctx, template.ID)
	if err != nil || len(steps) == 0 {
		return w.engine.cfg.DefaultTimeout
	}
	var total time.Duration
	for _, step := range steps {
		if step.TimeoutSeconds != nil && *step.TimeoutSeconds > 0 {
			total += time.Duration(*step.TimeoutSeconds) * time.Second
			continue
		}
		total += w.commandTemplateTimeout(ctx, step.CommandTemplateID)
	}
	return total
}

func (w *Watchdog) commandTemplateTimeout(ctx context.Context, id int64) time.Duration {
	ct, err := w.engine.store.CommandTemplate(ctx, id)
	if err != nil || ct == nil || ct.TimeoutSeconds <= 0 {
		return w.engine.cfg.DefaultTimeout
	}
	return time.Duration(ct.TimeoutSeconds) * time.Second
}
