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

// Package scheduler evaluates cron expressions for enabled JobSchedule rows
// on a fixed tick and hands due runs off to the execution engine.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/fleetcron/orchestrator/internal/metrics"
	"github.com/fleetcron/orchestrator/internal/model"
	"github.com/fleetcron/orchestrator/internal/store"
)

// cronParser accepts both the standard 5-field form and an optional leading
// seconds field.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Dispatcher executes a freshly inserted JobRun. internal/engine.Engine
// satisfies this.
type Dispatcher interface {
	ExecuteJobRun(ctx context.Context, jobRunID int64) error
}

// Scheduler is the due-schedule evaluation loop.
type Scheduler struct {
	store      store.Store
	dispatcher Dispatcher
	tick       time.Duration
	log        logr.Logger
}

// New builds a Scheduler ticking at the given interval.
func New(st store.Store, dispatcher Dispatcher, tick time.Duration, log logr.Logger) *Scheduler {
	if tick <= 0 {
		tick = 30 * time.Second
	}
	return &Scheduler{store: st, dispatcher: dispatcher, tick: tick, log: log}
}

// Run blocks, evaluating due schedules on each tick until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	s.tickOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.tickOnce(ctx)
		}
	}
}

func (s *Scheduler) tickOnce(ctx context.Context) {
	now := time.Now().UTC()
	due, err := s.store.DueSchedules(ctx, now)
	if err != nil {
		s.log.Error(err, "load due schedules failed")
		return
	}
	if len(due) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, sched := range due {
		sched := sched
		g.Go(func() error {
			s.dispatch(gctx, sched, now)
			return nil
		})
	}
	_ = g.Wait()
}

// dispatch computes the next next_run_at relative to now (not last_run_at,
// so downtime doesn't flood back-runs), persists it with a conditional
// update, and only then inserts and hands off the JobRun.
func (s *Scheduler) dispatch(ctx context.Context, sched model.JobSchedule, now time.Time) {
	schedule, err := cronParser.Parse(sched.CronExpression)
	if err != nil {
		s.log.Error(err, "invalid cron expression, skipping schedule", "scheduleID", sched.ID, "expr", sched.CronExpression)
		return
	}
	next := schedule.Next(now)

	ok, err := s.store.AdvanceSchedule(ctx, sched.ID, sched.NextRunAt, next)
	if err != nil {
		s.log.Error(err, "advance schedule failed", "scheduleID", sched.ID)
		return
	}
	if !ok {
		// Another loop already advanced this schedule; skip to avoid a
		// duplicate dispatch.
		return
	}
	metrics.RecordSchedulerDispatch()

	run := &model.JobRun{
		JobTemplateID: sched.JobTemplateID,
		ServerID:      sched.ServerID,
		JobScheduleID: sched.ID,
		Status:        model.StatusRunning,
		StartedAt:     now,
	}
	if err := s.store.InsertJobRun(ctx, run); err != nil {
		s.log.Error(err, "insert job run for due schedule failed", "scheduleID", sched.ID)
		return
	}

	if err := s.dispatcher.ExecuteJobRun(ctx, run.ID); err != nil {
		s.log.Error(err, "execute job run failed", "jobRunID", run.ID, "scheduleID", sched.ID)
		return
	}

	loaded, err := s.store.JobRun(ctx, run.ID)
	if err != nil || loaded == nil {
		return
	}
	if err := s.store.RecordScheduleOutcome(ctx, sched.ID, loaded.Status, now); err != nil {
		s.log.Error(err, "record schedule outcome failed", "scheduleID", sched.ID)
	}
}

// ParseCron validates a cron expression at schedule-creation time, so an
// invalid expression never reaches the evaluation loop.
func ParseCron(expr string) error {
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("configuration: invalid cron expression %q: %w", expr, err)
	}
	return nil
}
