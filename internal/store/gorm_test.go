package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/fleetcron/orchestrator/internal/model"
)

type GormStoreSuite struct {
	suite.Suite
	store *GormStore
	ctx   context.Context
}

func (s *GormStoreSuite) SetupTest() {
	st, err := NewGormStore("sqlite", "file::memory:?cache=shared")
	s.Require().NoError(err)
	s.ctx = context.Background()
	s.Require().NoError(st.Init(s.ctx))
	s.store = st
}

func (s *GormStoreSuite) TearDownTest() {
	s.Require().NoError(s.store.Close())
}

func TestGormStoreSuite(t *testing.T) {
	suite.Run(t, new(GormStoreSuite))
}

func (s *GormStoreSuite) TestInsertAndLoadJobRun() {
	server := model.Server{Name: "web-1", IsLocal: true, Enabled: true}
	s.Require().NoError(s.store.db.WithContext(s.ctx).Create(&server).Error)

	template := model.JobTemplate{Name: "backup", TimeoutSeconds: 60}
	s.Require().NoError(s.store.db.WithContext(s.ctx).Create(&template).Error)

	run := &model.JobRun{
		JobTemplateID: template.ID,
		ServerID:      server.ID,
		Status:        model.StatusRunning,
		StartedAt:     time.Now().UTC(),
	}
	s.Require().NoError(s.store.InsertJobRun(s.ctx, run))
	s.NotZero(run.ID)

	loaded, err := s.store.JobRun(s.ctx, run.ID)
	s.Require().NoError(err)
	s.Equal(model.StatusRunning, loaded.Status)
}

func (s *GormStoreSuite) TestFinalizeJobRunPersistsTerminalFields() {
	server := model.Server{Name: "web-2", IsLocal: true, Enabled: true}
	s.Require().NoError(s.store.db.WithContext(s.ctx).Create(&server).Error)
	template := model.JobTemplate{Name: "cleanup", TimeoutSeconds: 60}
	s.Require().NoError(s.store.db.WithContext(s.ctx).Create(&template).Error)

	run := &model.JobRun{JobTemplateID: template.ID, ServerID: server.ID, Status: model.StatusRunning, StartedAt: time.Now().UTC()}
	s.Require().NoError(s.store.InsertJobRun(s.ctx, run))

	finished := time.Now().UTC()
	durationMs := int64(1500)
	exitCode := 0
	run.Status = model.StatusSuccess
	run.FinishedAt = &finished
	run.DurationMs = &durationMs
	run.ExitCode = &exitCode
	run.Output = "done"

	s.Require().NoError(s.store.FinalizeJobRun(s.ctx, run))

	loaded, err := s.store.JobRun(s.ctx, run.ID)
	s.Require().NoError(err)
	s.Equal(model.StatusSuccess, loaded.Status)
	s.Equal("done", loaded.Output)
	s.Require().NotNil(loaded.FinishedAt)
}

func (s *GormStoreSuite) TestAdvanceScheduleConditionalUpdate() {
	server := model.Server{Name: "web-3", IsLocal: true, Enabled: true}
	s.Require().NoError(s.store.db.WithContext(s.ctx).Create(&server).Error)
	template := model.JobTemplate{Name: "sync", TimeoutSeconds: 60}
	s.Require().NoError(s.store.db.WithContext(s.ctx).Create(&template).Error)

	sched := model.JobSchedule{JobTemplateID: template.ID, ServerID: server.ID, CronExpression: "*/5 * * * *", Enabled: true}
	s.Require().NoError(s.store.db.WithContext(s.ctx).Create(&sched).Error)

	next := time.Now().Add(5 * time.Minute).UTC()
	ok, err := s.store.AdvanceSchedule(s.ctx, sched.ID, nil, next)
	s.Require().NoError(err)
	s.True(ok)

	// Stale previous value must not match anymore.
	ok, err = s.store.AdvanceSchedule(s.ctx, sched.ID, nil, next.Add(time.Minute))
	s.Require().NoError(err)
	s.False(ok)
}

func (s *GormStoreSuite) TestDueSchedulesMatchesNullAndPastNextRunAt() {
	server := model.Server{Name: "web-4", IsLocal: true, Enabled: true}
	s.Require().NoError(s.store.db.WithContext(s.ctx).Create(&server).Error)
	template := model.JobTemplate{Name: "report", TimeoutSeconds: 60}
	s.Require().NoError(s.store.db.WithContext(s.ctx).Create(&template).Error)

	past := time.Now().Add(-time.Hour).UTC()
	future := time.Now().Add(time.Hour).UTC()

	s.Require().NoError(s.store.db.WithContext(s.ctx).Create(&model.JobSchedule{
		JobTemplateID: template.ID, ServerID: server.ID, CronExpression: "* * * * *", Enabled: true, NextRunAt: nil,
	}).Error)
	s.Require().NoError(s.store.db.WithContext(s.ctx).Create(&model.JobSchedule{
		JobTemplateID: template.ID, ServerID: server.ID, CronExpression: "* * * * *", Enabled: true, NextRunAt: &past,
	}).Error)
	s.Require().NoError(s.store.db.WithContext(s.ctx).Create(&model.JobSchedule{
		JobTemplateID: template.ID, ServerID: server.ID, CronExpression: "* * * * *", Enabled: true, NextRunAt: &future,
	}).Error)

	due, err := s.store.DueSchedules(s.ctx, time.Now().UTC())
	s.Require().NoError(err)
	s.Len(due, 2)
}

func (s *GormStoreSuite) TestUpsertServerCapabilityReplacesExistingRow() {
	server := model.Server{Name: "web-5", IsLocal: true, Enabled: true}
	s.Require().NoError(s.store.db.WithContext(s.ctx).Create(&server).Error)

	s.Require().NoError(s.store.UpsertServerCapability(s.ctx, model.ServerCapability{
		ServerID: server.ID, CapabilityName: "gpu", Available: false,
	}))
	s.Require().NoError(s.store.UpsertServerCapability(s.ctx, model.ServerCapability{
		ServerID: server.ID, CapabilityName: "gpu", Available: true, Version: "1.2",
	}))

	caps, err := s.store.ServerCapabilities(s.ctx, server.ID)
	s.Require().NoError(err)
	s.Require().Len(caps, 1)
	s.True(caps[0].Available)
	s.Equal("1.2", caps[0].Version)
}

func (s *GormStoreSuite) TestFinalizeCompositeRunIsTransactional() {
	server := model.Server{Name: "web-6", IsLocal: true, Enabled: true}
	s.Require().NoError(s.store.db.WithContext(s.ctx).Create(&server).Error)
	template := model.JobTemplate{Name: "composite", IsComposite: true, TimeoutSeconds: 60}
	s.Require().NoError(s.store.db.WithContext(s.ctx).Create(&template).Error)

	run := &model.JobRun{JobTemplateID: template.ID, ServerID: server.ID, Status: model.StatusRunning, StartedAt: time.Now().UTC()}
	s.Require().NoError(s.store.InsertJobRun(s.ctx, run))

	step := &model.StepExecutionResult{JobRunID: run.ID, StepOrder: 1, Status: model.StatusRunning, StartedAt: time.Now().UTC()}
	s.Require().NoError(s.store.InsertStepResult(s.ctx, step))

	finished := time.Now().UTC()
	run.Status = model.StatusFailure
	run.FinishedAt = &finished
	step.Status = model.StatusFailure
	step.FinishedAt = &finished

	s.Require().NoError(s.store.FinalizeCompositeRun(s.ctx, run, []model.StepExecutionResult{*step}))

	loadedRun, err := s.store.JobRun(s.ctx, run.ID)
	s.Require().NoError(err)
	s.Equal(model.StatusFailure, loadedRun.Status)

	steps, err := s.store.StepResults(s.ctx, run.ID)
	s.Require().NoError(err)
	s.Require().Len(steps, 1)
	s.Equal(model.StatusFailure, steps[0].Status)
}

func (s *GormStoreSuite) TestPruneJobRunsKeepsRunningRows() {
	server := model.Server{Name: "web-7", IsLocal: true, Enabled: true}
	s.Require().NoError(s.store.db.WithContext(s.ctx).Create(&server).Error)
	template := model.JobTemplate{Name: "prune-target", TimeoutSeconds: 60}
	s.Require().NoError(s.store.db.WithContext(s.ctx).Create(&template).Error)

	old := time.Now().Add(-48 * time.Hour).UTC()
	oldFinished := old.Add(time.Minute)
	s.Require().NoError(s.store.db.WithContext(s.ctx).Create(&model.JobRun{
		JobTemplateID: template.ID, ServerID: server.ID, Status: model.StatusSuccess, StartedAt: old, FinishedAt: &oldFinished,
	}).Error)
	s.Require().NoError(s.store.db.WithContext(s.ctx).Create(&model.JobRun{
		JobTemplateID: template.ID, ServerID: server.ID, Status: model.StatusRunning, StartedAt: old,
	}).Error)

	count, err := s.store.PruneJobRuns(s.ctx, time.Now().Add(-24*time.Hour))
	s.Require().NoError(err)
	s.Equal(int64(1), count)
}
