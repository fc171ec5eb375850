package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/fleetcron/orchestrator/internal/executor"
	"github.com/fleetcron/orchestrator/internal/model"
	"github.com/fleetcron/orchestrator/internal/store"
)

// scriptedExecutor returns one queued outcome per call, looping on the last
// entry once exhausted, so tests can assert on success and
// retry-then-succeed sequences without touching a real process or SSH dial.
type scriptedExecutor struct {
	mu       sync.Mutex
	outcomes []scriptedOutcome
	calls    int
}

type scriptedOutcome struct {
	result executor.Result
	err    error
}

func (s *scriptedExecutor) Execute(_ context.Context, _ model.Server, _ []string, _ time.Duration) (executor.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.calls
	if idx >= len(s.outcomes) {
		idx = len(s.outcomes) - 1
	}
	s.calls++
	o := s.outcomes[idx]
	return o.result, o.err
}

type EngineSuite struct {
	suite.Suite
	st  *store.GormStore
	ctx context.Context
}

func (s *EngineSuite) SetupTest() {
	st, err := store.NewGormStore("sqlite", "file::memory:?cache=shared")
	s.Require().NoError(err)
	s.ctx = context.Background()
	s.Require().NoError(st.Init(s.ctx))
	s.st = st
}

func (s *EngineSuite) TearDownTest() {
	s.Require().NoError(s.st.Close())
}

func TestEngineSuite(t *testing.T) {
	suite.Run(t, new(EngineSuite))
}

func (s *EngineSuite) defaultConfig() Config {
	return Config{
		DefaultTimeout:    30 * time.Second,
		DefaultRetryDelay: 10 * time.Millisecond,
		OutputCaptureCap:  1 << 20,
		WatchdogBuffer:    5 * time.Second,
	}
}

// Simple success on a local server.
func (s *EngineSuite) TestExecuteJobRunSimpleSuccess() {
	jobType := model.JobType{Name: "os"}
	require.NoError(s.T(), dbCreate(s, &jobType))

	cmdTemplate := model.CommandTemplate{JobTypeID: jobType.ID, Command: "echo {{msg}}", TimeoutSeconds: 30}
	require.NoError(s.T(), dbCreate(s, &cmdTemplate))

	server := model.Server{Name: "local", IsLocal: true, DockerAvailable: true, Enabled: true}
	require.NoError(s.T(), dbCreate(s, &server))

	template := model.JobTemplate{
		Name:              "greet",
		CommandTemplateID: &cmdTemplate.ID,
		Variables:         model.JSONMap{"msg": "hi"},
		TimeoutSeconds:    30,
		RetryCount:        0,
	}
	require.NoError(s.T(), dbCreate(s, &template))

	run := &model.JobRun{JobTemplateID: template.ID, ServerID: server.ID, Status: model.StatusRunning, StartedAt: time.Now().UTC()}
	require.NoError(s.T(), s.st.InsertJobRun(s.ctx, run))

	exec := &scriptedExecutor{outcomes: []scriptedOutcome{{result: executor.Result{ExitCode: 0, Stdout: "hi\n"}}}}
	limiter := NewLimiter(5)
	eng := New(s.st, exec, limiter, s.defaultConfig(), logr.Discard(), nil)

	require.NoError(s.T(), eng.ExecuteJobRun(s.ctx, run.ID))

	loaded, err := s.st.JobRun(s.ctx, run.ID)
	require.NoError(s.T(), err)
	s.Equal(model.StatusSuccess, loaded.Status)
	s.Contains(loaded.Output, "hi")
	s.NotNil(loaded.FinishedAt)
}

// Capability gate failure: zero executor invocations, no retry.
func (s *EngineSuite) TestExecuteJobRunCapabilityGateFailure() {
	jobType := model.JobType{Name: "docker-jobs"}
	require.NoError(s.T(), dbCreate(s, &jobType))

	cmdTemplate := model.CommandTemplate{
		JobTypeID:            jobType.ID,
		Command:              "docker ps",
		RequiredCapabilities: model.StringList{"docker"},
		TimeoutSeconds:       30,
	}
	require.NoError(s.T(), dbCreate(s, &cmdTemplate))

	server := model.Server{Name: "no-docker", IsLocal: true, DockerAvailable: false, Enabled: true}
	require.NoError(s.T(), dbCreate(s, &server))

	template := model.JobTemplate{Name: "docker-ps", CommandTemplateID: &cmdTemplate.ID, TimeoutSeconds: 30, RetryCount: 3}
	require.NoError(s.T(), dbCreate(s, &template))

	run := &model.JobRun{JobTemplateID: template.ID, ServerID: server.ID, Status: model.StatusRunning, StartedAt: time.Now().UTC()}
	require.NoError(s.T(), s.st.InsertJobRun(s.ctx, run))

	exec := &scriptedExecutor{outcomes: []scriptedOutcome{{result: executor.Result{ExitCode: 0}}}}
	eng := New(s.st, exec, NewLimiter(5), s.defaultConfig(), logr.Discard(), nil)

	require.NoError(s.T(), eng.ExecuteJobRun(s.ctx, run.ID))

	loaded, err := s.st.JobRun(s.ctx, run.ID)
	require.NoError(s.T(), err)
	s.Equal(model.StatusFailure, loaded.Status)
	s.Contains(loaded.Error, "precondition:")
	s.Equal(0, exec.calls)
}

// Composite job with continue_on_failure on the failing first step.
func (s *EngineSuite) TestExecuteJobRunCompositeContinueOnFailure() {
	jobType := model.JobType{Name: "composite-type"}
	require.NoError(s.T(), dbCreate(s, &jobType))

	ctA := model.CommandTemplate{JobTypeID: jobType.ID, Command: "step-a", TimeoutSeconds: 10}
	ctB := model.CommandTemplate{JobTypeID: jobType.ID, Command: "step-b", TimeoutSeconds: 10}
	ctC := model.CommandTemplate{JobTypeID: jobType.ID, Command: "step-c", TimeoutSeconds: 10}
	require.NoError(s.T(), dbCreate(s, &ctA))
	require.NoError(s.T(), dbCreate(s, &ctB))
	require.NoError(s.T(), dbCreate(s, &ctC))

	server := model.Server{Name: "composite-host", IsLocal: true, Enabled: true}
	require.NoError(s.T(), dbCreate(s, &server))

	template := model.JobTemplate{Name: "composite-job", IsComposite: true, TimeoutSeconds: 10}
	require.NoError(s.T(), dbCreate(s, &template))

	steps := []model.JobTemplateStep{
		{JobTemplateID: template.ID, StepOrder: 1, CommandTemplateID: ctA.ID, ContinueOnFailure: true},
		{JobTemplateID: template.ID, StepOrder: 2, CommandTemplateID: ctB.ID, ContinueOnFailure: false},
		{JobTemplateID: template.ID, StepOrder: 3, CommandTemplateID: ctC.ID, ContinueOnFailure: false},
	}
	for i := range steps {
		require.NoError(s.T(), dbCreate(s, &steps[i]))
	}

	run := &model.JobRun{JobTemplateID: template.ID, ServerID: server.ID, Status: model.StatusRunning, StartedAt: time.Now().UTC()}
	require.NoError(s.T(), s.st.InsertJobRun(s.ctx, run))

	exec := &scriptedExecutor{outcomes: []scriptedOutcome{
		{result: executor.Result{ExitCode: 1, Stdout: "outA"}},
		{result: executor.Result{ExitCode: 0, Stdout: "outB"}},
		{result: executor.Result{ExitCode: 0, Stdout: "outC"}},
	}}
	eng := New(s.st, exec, NewLimiter(5), s.defaultConfig(), logr.Discard(), nil)

	require.NoError(s.T(), eng.ExecuteJobRun(s.ctx, run.ID))

	loaded, err := s.st.JobRun(s.ctx, run.ID)
	require.NoError(s.T(), err)
	s.Equal(model.StatusFailure, loaded.Status)
	s.Equal("outA\n---\noutB\n---\noutC", loaded.Output)

	stepRows, err := s.st.StepResults(s.ctx, run.ID)
	require.NoError(s.T(), err)
	s.Require().Len(stepRows, 3)
}

// Retry on transient transport error.
func (s *EngineSuite) TestExecuteJobRunRetriesOnTransportErrorThenSucceeds() {
	jobType := model.JobType{Name: "retry-type"}
	require.NoError(s.T(), dbCreate(s, &jobType))

	cmdTemplate := model.CommandTemplate{JobTypeID: jobType.ID, Command: "flaky", TimeoutSeconds: 5}
	require.NoError(s.T(), dbCreate(s, &cmdTemplate))

	server := model.Server{Name: "flaky-host", IsLocal: true, Enabled: true}
	require.NoError(s.T(), dbCreate(s, &server))

	template := model.JobTemplate{
		Name:              "flaky-job",
		CommandTemplateID: &cmdTemplate.ID,
		TimeoutSeconds:    5,
		RetryCount:        2,
		RetryDelaySeconds: 0,
	}
	require.NoError(s.T(), dbCreate(s, &template))

	run := &model.JobRun{JobTemplateID: template.ID, ServerID: server.ID, Status: model.StatusRunning, StartedAt: time.Now().UTC()}
	require.NoError(s.T(), s.st.InsertJobRun(s.ctx, run))

	exec := &scriptedExecutor{outcomes: []scriptedOutcome{
		{err: &executor.TransportError{Err: context.DeadlineExceeded}},
		{err: &executor.TransportError{Err: context.DeadlineExceeded}},
		{result: executor.Result{ExitCode: 0, Stdout: "ok"}},
	}}
	eng := New(s.st, exec, NewLimiter(5), s.defaultConfig(), logr.Discard(), nil)

	require.NoError(s.T(), eng.ExecuteJobRun(s.ctx, run.ID))

	loaded, err := s.st.JobRun(s.ctx, run.ID)
	require.NoError(s.T(), err)
	s.Equal(model.StatusFailure, loaded.Status)

	// Retry is scheduled on a background timer; give it a moment to land.
	require.Eventually(s.T(), func() bool {
		return exec.calls >= 3
	}, time.Second, 5*time.Millisecond)
}

// blockingExecutor simulates a long-running command: it signals started
// once invoked, then blocks until ctx is cancelled or timeout elapses,
// the shape a real process or SSH session takes under a mid-execution
// cancel.
type blockingExecutor struct {
	started chan struct{}

	mu    sync.Mutex
	calls int
}

func (b *blockingExecutor) Execute(ctx context.Context, _ model.Server, _ []string, timeout time.Duration) (executor.Result, error) {
	b.mu.Lock()
	b.calls++
	b.mu.Unlock()
	close(b.started)
	select {
	case <-ctx.Done():
		return executor.Result{}, &executor.TransportError{Err: ctx.Err()}
	case <-time.After(timeout):
		return executor.Result{}, &executor.TimeoutError{Timeout: timeout}
	}
}

func (b *blockingExecutor) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

// Cancellation: a simple job whose command is already executing must be
// killed and the run finalized cancelled, well within the command's own
// (long) timeout.
func (s *EngineSuite) TestExecuteJobRunSimpleCancelMidExecution() {
	jobType := model.JobType{Name: "cancel-type"}
	require.NoError(s.T(), dbCreate(s, &jobType))

	cmdTemplate := model.CommandTemplate{JobTypeID: jobType.ID, Command: "sleep-forever", TimeoutSeconds: 30}
	require.NoError(s.T(), dbCreate(s, &cmdTemplate))

	server := model.Server{Name: "cancel-host", IsLocal: true, Enabled: true}
	require.NoError(s.T(), dbCreate(s, &server))

	template := model.JobTemplate{Name: "long-job", CommandTemplateID: &cmdTemplate.ID, TimeoutSeconds: 30, RetryCount: 2}
	require.NoError(s.T(), dbCreate(s, &template))

	run := &model.JobRun{JobTemplateID: template.ID, ServerID: server.ID, Status: model.StatusRunning, StartedAt: time.Now().UTC()}
	require.NoError(s.T(), s.st.InsertJobRun(s.ctx, run))

	exec := &blockingExecutor{started: make(chan struct{})}
	eng := New(s.st, exec, NewLimiter(5), s.defaultConfig(), logr.Discard(), nil)

	done := make(chan error, 1)
	go func() { done <- eng.ExecuteJobRun(s.ctx, run.ID) }()

	select {
	case <-exec.started:
	case <-time.After(time.Second):
		s.FailNow("executor never started")
	}

	require.NoError(s.T(), eng.RequestCancel(s.ctx, run.ID))

	select {
	case err := <-done:
		require.NoError(s.T(), err)
	case <-time.After(3 * time.Second):
		s.FailNow("engine did not finalize within a few cancel-poll intervals")
	}

	loaded, err := s.st.JobRun(s.ctx, run.ID)
	require.NoError(s.T(), err)
	s.Equal(model.StatusCancelled, loaded.Status)
	s.Contains(loaded.Error, "cancelled")

	// A cancelled run never consumes a retry attempt.
	s.Equal(1, exec.callCount())
}

// Cancellation mid-step for a composite run: the in-flight step is killed,
// its row finalized cancelled, and the job run cancelled overall,
// regardless of that step's continue_on_failure setting.
func (s *EngineSuite) TestExecuteJobRunCompositeCancelMidStep() {
	jobType := model.JobType{Name: "cancel-composite-type"}
	require.NoError(s.T(), dbCreate(s, &jobType))

	ct := model.CommandTemplate{JobTypeID: jobType.ID, Command: "sleep-forever", TimeoutSeconds: 30}
	require.NoError(s.T(), dbCreate(s, &ct))

	server := model.Server{Name: "cancel-composite-host", IsLocal: true, Enabled: true}
	require.NoError(s.T(), dbCreate(s, &server))

	template := model.JobTemplate{Name: "cancel-composite-job", IsComposite: true, TimeoutSeconds: 30}
	require.NoError(s.T(), dbCreate(s, &template))

	step := model.JobTemplateStep{JobTemplateID: template.ID, StepOrder: 1, CommandTemplateID: ct.ID, ContinueOnFailure: false}
	require.NoError(s.T(), dbCreate(s, &step))

	run := &model.JobRun{JobTemplateID: template.ID, ServerID: server.ID, Status: model.StatusRunning, StartedAt: time.Now().UTC()}
	require.NoError(s.T(), s.st.InsertJobRun(s.ctx, run))

	exec := &blockingExecutor{started: make(chan struct{})}
	eng := New(s.st, exec, NewLimiter(5), s.defaultConfig(), logr.Discard(), nil)

	done := make(chan error, 1)
	go func() { done <- eng.ExecuteJobRun(s.ctx, run.ID) }()

	select {
	case <-exec.started:
	case <-time.After(time.Second):
		s.FailNow("executor never started")
	}

	require.NoError(s.T(), eng.RequestCancel(s.ctx, run.ID))

	select {
	case err := <-done:
		require.NoError(s.T(), err)
	case <-time.After(3 * time.Second):
		s.FailNow("engine did not finalize within a few cancel-poll intervals")
	}

	loaded, err := s.st.JobRun(s.ctx, run.ID)
	require.NoError(s.T(), err)
	s.Equal(model.StatusCancelled, loaded.Status)

	stepRows, err := s.st.StepResults(s.ctx, run.ID)
	require.NoError(s.T(), err)
	s.Require().Len(stepRows, 1)
	s.Equal(model.StatusCancelled, stepRows[0].Status)
}

// Applying cancel twice to the same job run yields the same terminal state;
// requesting cancel against an already terminal (successful) run must not
// perturb it.
func (s *EngineSuite) TestRequestCancelIsIdempotentAfterTerminal() {
	jobType := model.JobType{Name: "idempotent-cancel-type"}
	require.NoError(s.T(), dbCreate(s, &jobType))

	cmdTemplate := model.CommandTemplate{JobTypeID: jobType.ID, Command: "echo ok", TimeoutSeconds: 30}
	require.NoError(s.T(), dbCreate(s, &cmdTemplate))

	server := model.Server{Name: "idempotent-host", IsLocal: true, Enabled: true}
	require.NoError(s.T(), dbCreate(s, &server))

	template := model.JobTemplate{Name: "quick-job", CommandTemplateID: &cmdTemplate.ID, TimeoutSeconds: 30}
	require.NoError(s.T(), dbCreate(s, &template))

	run := &model.JobRun{JobTemplateID: template.ID, ServerID: server.ID, Status: model.StatusRunning, StartedAt: time.Now().UTC()}
	require.NoError(s.T(), s.st.InsertJobRun(s.ctx, run))

	exec := &scriptedExecutor{outcomes: []scriptedOutcome{{result: executor.Result{ExitCode: 0, Stdout: "ok"}}}}
	eng := New(s.st, exec, NewLimiter(5), s.defaultConfig(), logr.Discard(), nil)

	require.NoError(s.T(), eng.ExecuteJobRun(s.ctx, run.ID))

	loaded, err := s.st.JobRun(s.ctx, run.ID)
	require.NoError(s.T(), err)
	s.Require().Equal(model.StatusSuccess, loaded.Status)

	require.NoError(s.T(), eng.RequestCancel(s.ctx, run.ID))
	require.NoError(s.T(), eng.RequestCancel(s.ctx, run.ID))

	reloaded, err := s.st.JobRun(s.ctx, run.ID)
	require.NoError(s.T(), err)
	s.Equal(model.StatusSuccess, reloaded.Status)
}

func dbCreate(s *EngineSuite, v any) error {
	return s.st.DB().WithContext(s.ctx).Create(v).Error
}
