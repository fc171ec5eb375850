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

// Package engine is the execution engine: per-job-run orchestration,
// capability gating, variable substitution, simple/composite dispatch,
// retry policy, and completion-event emission.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"github.com/fleetcron/orchestrator/internal/capability"
	"github.com/fleetcron/orchestrator/internal/executor"
	"github.com/fleetcron/orchestrator/internal/metrics"
	"github.com/fleetcron/orchestrator/internal/model"
	"github.com/fleetcron/orchestrator/internal/store"
	"github.com/fleetcron/orchestrator/internal/substitute"
)

const stepSeparator = "\n---\n"

// Config carries the engine's tunables, sourced from internal/config.Config.
type Config struct {
	DefaultTimeout    time.Duration
	DefaultRetryDelay time.Duration
	OutputCaptureCap  int
	WatchdogBuffer    time.Duration
}

// Engine is the execution engine handle. It owns no global state; callers
// construct one and pass it around, which keeps tests able to build a fresh
// handle per case.
type Engine struct {
	store   store.Store
	exec    executor.RemoteExecutor
	limiter *Limiter
	cfg     Config
	log     logr.Logger
	onDone  func(ctx context.Context, jobRunID int64)
}

// New builds an Engine. onCompletion is invoked once a JobRun reaches a
// terminal state; it is how the notification engine is wired in without the
// engine importing the notify package.
func New(st store.Store, exec executor.RemoteExecutor, limiter *Limiter, cfg Config, log logr.Logger, onCompletion func(ctx context.Context, jobRunID int64)) *Engine {
	return &Engine{store: st, exec: exec, limiter: limiter, cfg: cfg, log: log, onDone: onCompletion}
}

// ExecuteJobRun is the engine's single public entry point.
func (e *Engine) ExecuteJobRun(ctx context.Context, jobRunID int64) error {
	if err := e.limiter.Acquire(ctx); err != nil {
		return fmt.Errorf("acquire concurrency permit: %w", err)
	}
	defer e.limiter.Release()

	run, err := e.store.JobRun(ctx, jobRunID)
	if err != nil {
		e.log.Error(err, "load job run failed", "jobRunID", jobRunID)
		return fmt.Errorf("load job run %d: %w", jobRunID, err)
	}
	if run == nil {
		return fmt.Errorf("job run %d not found", jobRunID)
	}

	template, err := e.store.JobTemplate(ctx, run.JobTemplateID)
	if err != nil || template == nil {
		e.finalizeMissing(ctx, run, "job template missing")
		return nil
	}

	server, err := e.store.Server(ctx, run.ServerID)
	if err != nil || server == nil || !server.Enabled {
		e.finalizeMissing(ctx, run, "server missing or disabled")
		return nil
	}

	if template.IsComposite {
		e.runComposite(ctx, run, template, *server)
	} else {
		e.runSimple(ctx, run, template, *server)
	}

	if e.onDone != nil {
		e.onDone(ctx, run.ID)
	}
	return nil
}

func (e *Engine) finalizeMissing(ctx context.Context, run *model.JobRun, reason string) {
	now := time.Now().UTC()
	durMs := now.Sub(run.StartedAt).Milliseconds()
	run.Status = model.StatusFailure
	run.FinishedAt = &now
	run.DurationMs = &durMs
	run.Error = fmt.Sprintf("store: %s", reason)
	if err := e.store.FinalizeJobRun(ctx, run); err != nil {
		e.log.Error(err, "finalize missing-reference job run failed", "jobRunID", run.ID)
	}
	metrics.RecordJobRun("", string(model.StatusFailure), float64(durMs)/1000.0)
}

func (e *Engine) runSimple(ctx context.Context, run *model.JobRun, template *model.JobTemplate, server model.Server) {
	if template.CommandTemplateID == nil {
		e.finalize(ctx, run, model.StatusFailure, "", &PreconditionError{Reason: "simple job has no command_template_id"}, nil, run.StartedAt)
		return
	}

	cmdTemplate, err := e.store.CommandTemplate(ctx, *template.CommandTemplateID)
	if err != nil || cmdTemplate == nil {
		e.finalize(ctx, run, model.StatusFailure, "", &StoreError{Err: fmt.Errorf("command template %d not found", *template.CommandTemplateID)}, nil, run.StartedAt)
		return
	}

	jobTypeCaps, err := e.loadJobType(ctx, *cmdTemplate)
	if err != nil {
		e.finalize(ctx, run, model.StatusFailure, "", &StoreError{Err: err}, nil, run.StartedAt)
		return
	}
	required := append(jobTypeCaps, cmdTemplate.RequiredCapabilities...)

	caps, err := e.store.ServerCapabilities(ctx, server.ID)
	if err != nil {
		e.finalize(ctx, run, model.StatusFailure, "", &StoreError{Err: err}, nil, run.StartedAt)
		return
	}

	if err := capability.Check(server, caps, required, cmdTemplate.OSFilter); err != nil {
		e.finalize(ctx, run, model.StatusFailure, "", &PreconditionError{Reason: err.Error()}, nil, run.StartedAt)
		return
	}

	if cancelled, _ := e.store.IsCancelRequested(ctx, run.ID); cancelled {
		e.finalizeCancelled(ctx, run, nil)
		return
	}

	vars := stringVars(template.Variables)
	result := substitute.Substitute(cmdTemplate.Command, vars)
	if len(result.Unresolved) > 0 {
		e.log.Info("unresolved template variables", "jobRunID", run.ID, "vars", result.Unresolved)
	}

	timeout := time.Duration(cmdTemplate.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout
	}

	status, output, execErr, exitCode := e.runOnce(ctx, run.ID, server, result.Text, timeout)

	e.finalize(ctx, run, status, output, execErr, exitCode, run.StartedAt)
	if run.DurationMs != nil {
		metrics.RecordJobRun(template.Name, string(status), float64(*run.DurationMs)/1000.0)
	}

	if execErr != nil && retryable(execErr) && run.RetryAttempt < template.RetryCount {
		e.scheduleRetry(ctx, run, template)
	}
}

// loadJobType resolves the JobType's required_capabilities for a
// CommandTemplate. JobType is addressed indirectly through the template's
// owning category; callers without a JobType association pass none.
func (e *Engine) loadJobType(ctx context.Context, cmdTemplate model.CommandTemplate) ([]string, error) {
	jt, err := e.store.JobType(ctx, cmdTemplate.JobTypeID)
	if err != nil || jt == nil {
		return nil, err
	}
	return jt.RequiredCapabilities, nil
}

func (e *Engine) runComposite(ctx context.Context, run *model.JobRun, template *model.JobTemplate, server model.Server) {
	steps, err := e.store.JobTemplateSteps(ctx, template.ID)
	if err != nil {
		e.finalize(ctx, run, model.StatusFailure, "", &StoreError{Err: err}, nil, run.StartedAt)
		return
	}
	if len(steps) == 0 {
		e.finalize(ctx, run, model.StatusFailure, "", &PreconditionError{Reason: "composite job has no steps"}, nil, run.StartedAt)
		return
	}

	var outputs []string
	overallFailed := false

	for _, step := range steps {
		if cancelled, _ := e.store.IsCancelRequested(ctx, run.ID); cancelled {
			e.finalizeCancelled(ctx, run, outputs)
			return
		}

		stepResult := &model.StepExecutionResult{
			JobRunID:          run.ID,
			StepOrder:         step.StepOrder,
			Status:            model.StatusRunning,
			StartedAt:         time.Now().UTC(),
			ContinueOnFailure: step.ContinueOnFailure,
		}
		if err := e.store.InsertStepResult(ctx, stepResult); err != nil {
			e.log.Error(err, "insert step result failed", "jobRunID", run.ID, "stepOrder", step.StepOrder)
			continue
		}

		cmdTemplate, err := e.store.CommandTemplate(ctx, step.CommandTemplateID)
		if err != nil || cmdTemplate == nil {
			e.finalizeStep(ctx, stepResult, model.StatusFailure, "", fmt.Sprintf("store: command template %d not found", step.CommandTemplateID), nil)
			outputs = append(outputs, stepResult.Output)
			overallFailed = true
			if !step.ContinueOnFailure {
				break
			}
			continue
		}

		jobTypeCaps, err := e.loadJobType(ctx, *cmdTemplate)
		if err != nil {
			e.finalizeStep(ctx, stepResult, model.StatusFailure, "", fmt.Sprintf("store: %v", err), nil)
			outputs = append(outputs, stepResult.Output)
			overallFailed = true
			if !step.ContinueOnFailure {
				break
			}
			continue
		}
		required := append(jobTypeCaps, cmdTemplate.RequiredCapabilities...)

		caps, err := e.store.ServerCapabilities(ctx, server.ID)
		if err != nil {
			e.finalizeStep(ctx, stepResult, model.StatusFailure, "", fmt.Sprintf("store: %v", err), nil)
			outputs = append(outputs, stepResult.Output)
			overallFailed = true
			if !step.ContinueOnFailure {
				break
			}
			continue
		}

		if err := capability.Check(server, caps, required, cmdTemplate.OSFilter); err != nil {
			e.finalizeStep(ctx, stepResult, model.StatusFailure, "", err.Error(), nil)
			outputs = append(outputs, stepResult.Output)
			overallFailed = true
			if !step.ContinueOnFailure {
				break
			}
			continue
		}

		vars := substitute.Merge(stringVars(template.Variables), stringVars(step.Variables))
		subst := substitute.Substitute(cmdTemplate.Command, vars)

		timeout := time.Duration(cmdTemplate.TimeoutSeconds) * time.Second
		if step.TimeoutSeconds != nil {
			timeout = time.Duration(*step.TimeoutSeconds) * time.Second
		}
		if timeout <= 0 {
			timeout = e.cfg.DefaultTimeout
		}

		status, output, execErr, exitCode := e.runOnce(ctx, run.ID, server, subst.Text, timeout)
		errMsg := ""
		if execErr != nil {
			errMsg = execErr.Error()
		}
		e.finalizeStep(ctx, stepResult, status, output, errMsg, exitCode)
		metrics.RecordStepResult(template.Name, string(status))
		outputs = append(outputs, output)

		if status == model.StatusCancelled {
			// A cancel observed mid-step always finalizes the run as
			// cancelled, regardless of continue_on_failure.
			e.finalizeCancelled(ctx, run, outputs)
			return
		}

		if status != model.StatusSuccess {
			overallFailed = true
			if !step.ContinueOnFailure {
				break
			}
		}
	}

	finalStatus := model.StatusSuccess
	if overallFailed {
		finalStatus = model.StatusFailure
	}

	now := time.Now().UTC()
	durMs := now.Sub(run.StartedAt).Milliseconds()
	run.Status = finalStatus
	run.FinishedAt = &now
	run.DurationMs = &durMs
	run.Output = joinOutputs(outputs)
	if overallFailed {
		run.Error = "failure: one or more steps failed"
	}

	stepRows, err := e.store.StepResults(ctx, run.ID)
	if err != nil {
		e.log.Error(err, "reload step results for composite finalize failed", "jobRunID", run.ID)
		if err := e.store.FinalizeJobRun(ctx, run); err != nil {
			e.log.Error(err, "finalize composite job run failed", "jobRunID", run.ID)
		}
		return
	}
	if err := e.store.FinalizeCompositeRun(ctx, run, stepRows); err != nil {
		e.log.Error(err, "finalize composite run failed", "jobRunID", run.ID)
	}
	metrics.RecordJobRun(template.Name, string(finalStatus), float64(durMs)/1000.0)
}

func (e *Engine) finalizeCancelled(ctx context.Context, run *model.JobRun, outputs []string) {
	now := time.Now().UTC()
	durMs := now.Sub(run.StartedAt).Milliseconds()
	run.Status = model.StatusCancelled
	run.FinishedAt = &now
	run.DurationMs = &durMs
	run.Output = joinOutputs(outputs)
	run.Error = (&CancelledError{}).Error()
	if err := e.store.FinalizeJobRun(ctx, run); err != nil {
		e.log.Error(err, "finalize cancelled job run failed", "jobRunID", run.ID)
	}
}

func (e *Engine) finalizeStep(ctx context.Context, step *model.StepExecutionResult, status model.RunStatus, output, errMsg string, exitCode *int) {
	now := time.Now().UTC()
	durMs := now.Sub(step.StartedAt).Milliseconds()
	step.Status = status
	step.FinishedAt = &now
	step.DurationMs = &durMs
	step.Output = clamp(output, e.cfg.OutputCaptureCap)
	step.Error = errMsg
	step.ExitCode = exitCode
	if err := e.store.FinalizeStepResult(ctx, step); err != nil {
		e.log.Error(err, "finalize step result failed", "jobRunID", step.JobRunID, "stepOrder", step.StepOrder)
	}
}

// cancelPollInterval is how often a running command's cancel flag is polled
// against the store while the command executes. Polling during the step
// (not only between steps) means an in-flight command is actually killed
// rather than merely skipped before the next step.
const cancelPollInterval = 200 * time.Millisecond

// watchCancel polls the store for jobRunID's cancel flag until ctx is done.
// The first time it observes the flag set, it closes cancelled and calls
// kill to tear down the in-flight command.
func (e *Engine) watchCancel(ctx context.Context, jobRunID int64, kill context.CancelFunc, cancelled chan<- struct{}) {
	ticker := time.NewTicker(cancelPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if requested, err := e.store.IsCancelRequested(ctx, jobRunID); err == nil && requested {
				close(cancelled)
				kill()
				return
			}
		}
	}
}

// runOnce executes one command against server with the wall-clock watchdog
// guard layered on top of the executor's own timeout (timeout+buffer,
// whichever fires first wins), and a background poll of jobRunID's cancel
// flag that kills the command early if cancellation is requested mid-run.
func (e *Engine) runOnce(ctx context.Context, jobRunID int64, server model.Server, command string, timeout time.Duration) (model.RunStatus, string, error, *int) {
	guardCtx, cancel := context.WithTimeout(ctx, timeout+e.cfg.WatchdogBuffer)
	defer cancel()

	execCtx, kill := context.WithCancel(guardCtx)
	defer kill()

	cancelled := make(chan struct{})
	go e.watchCancel(guardCtx, jobRunID, kill, cancelled)

	res, err := e.exec.Execute(execCtx, server, []string{"sh", "-c", command}, timeout)
	output := clamp(combineOutput(res.Stdout, res.Stderr), e.cfg.OutputCaptureCap)

	select {
	case <-cancelled:
		return model.StatusCancelled, output, &CancelledError{}, nil
	default:
	}

	if err != nil {
		if executor.IsTimeout(err) {
			return model.StatusTimeout, output, &TimeoutError{Seconds: int(timeout.Seconds())}, nil
		}
		if executor.IsTransportError(err) {
			return model.StatusFailure, output, &TransportError{Err: err}, nil
		}
		return model.StatusFailure, output, &TransportError{Err: err}, nil
	}

	if res.ExitCode != 0 {
		code := res.ExitCode
		return model.StatusFailure, output, &NonZeroExitError{ExitCode: res.ExitCode}, &code
	}

	code := res.ExitCode
	return model.StatusSuccess, output, nil, &code
}

func (e *Engine) finalize(ctx context.Context, run *model.JobRun, status model.RunStatus, output string, execErr error, exitCode *int, startedAt time.Time) {
	now := time.Now().UTC()
	durMs := now.Sub(startedAt).Milliseconds()
	run.Status = status
	run.FinishedAt = &now
	run.DurationMs = &durMs
	run.Output = output
	run.ExitCode = exitCode
	if execErr != nil {
		run.Error = execErr.Error()
	}
	if err := e.store.FinalizeJobRun(ctx, run); err != nil {
		e.log.Error(err, "finalize job run failed", "jobRunID", run.ID)
	}
}

// scheduleRetry sleeps retry_delay_seconds (falling back to the configured
// default) then inserts the next attempt and runs it.
func (e *Engine) scheduleRetry(ctx context.Context, run *model.JobRun, template *model.JobTemplate) {
	delay := time.Duration(template.RetryDelaySeconds) * time.Second
	if delay <= 0 {
		delay = e.cfg.DefaultRetryDelay
	}

	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		retryCtx := context.Background()
		id := run.ID
		nextRun := &model.JobRun{
			JobTemplateID:   run.JobTemplateID,
			ServerID:        run.ServerID,
			JobScheduleID:   run.JobScheduleID,
			Status:          model.StatusRunning,
			StartedAt:       time.Now().UTC(),
			RetryAttempt:    run.RetryAttempt + 1,
			IsRetry:         true,
			RetryOfJobRunID: &id,
		}
		if err := e.store.InsertJobRun(retryCtx, nextRun); err != nil {
			e.log.Error(err, "insert retry job run failed", "previousJobRunID", id)
			return
		}
		if err := e.ExecuteJobRun(retryCtx, nextRun.ID); err != nil {
			e.log.Error(err, "execute retry job run failed", "jobRunID", nextRun.ID)
		}
	}()
}

// RequestCancel marks a job run for cancellation. Composite runs poll this
// flag between steps; both simple and composite runs also poll it while
// their current command is executing (runOnce's watchCancel), so an
// in-flight command is killed rather than left to run to completion.
func (e *Engine) RequestCancel(ctx context.Context, jobRunID int64) error {
	return e.store.SetCancelRequested(ctx, jobRunID)
}

func stringVars(m model.JSONMap) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = fmt.Sprint(v)
	}
	return out
}

func combineOutput(stdout, stderr string) string {
	if stderr == "" {
		return stdout
	}
	if stdout == "" {
		return stderr
	}
	return stdout + "\n" + stderr
}

func clamp(s string, cap int) string {
	if cap <= 0 || len(s) <= cap {
		return s
	}
	suffix := "…[truncated]"
	if cap <= len(suffix) {
		return s[:cap]
	}
	return s[:cap-len(suffix)] + suffix
}

func joinOutputs(outputs []string) string {
	out := ""
	for i, o := range outputs {
		if i > 0 {
			out += stepSeparator
		}
		out += o
	}
	return out
}

