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

// Package store is the typed repository surface the execution engine,
// scheduler, and notification engine depend on. It never does domain logic;
// it only shapes reads/writes over the entities in internal/model.
package store

import (
	"context"
	"time"

	"github.com/fleetcron/orchestrator/internal/model"
)

// Store is the small typed repository surface the core depends on: CRUD
// reads by id, the due-schedule query, atomic inserts, and the transactional
// terminal updates that preserve the composite-run aggregate-status
// invariant.
type Store interface {
	Init(ctx context.Context) error
	Close() error
	Health(ctx context.Context) error

	JobType(ctx context.Context, id int64) (*model.JobType, error)
	CommandTemplate(ctx context.Context, id int64) (*model.CommandTemplate, error)
	JobTemplate(ctx context.Context, id int64) (*model.JobTemplate, error)
	JobTemplateSteps(ctx context.Context, jobTemplateID int64) ([]model.JobTemplateStep, error)
	Server(ctx context.Context, id int64) (*model.Server, error)
	EnabledServers(ctx context.Context) ([]model.Server, error)
	UpdateServerFacts(ctx context.Context, server *model.Server) error
	ServerCapabilities(ctx context.Context, serverID int64) ([]model.ServerCapability, error)
	UpsertServerCapability(ctx context.Context, cap model.ServerCapability) error
	ServerTags(ctx context.Context, serverID int64) ([]model.Tag, error)
	Credential(ctx context.Context, id int64) (*model.Credential, error)

	DueSchedules(ctx context.Context, now time.Time) ([]model.JobSchedule, error)
	Schedule(ctx context.Context, id int64) (*model.JobSchedule, error)
	AdvanceSchedule(ctx context.Context, scheduleID int64, previousNextRunAt *time.Time, newNextRunAt time.Time) (bool, error)
	RecordScheduleOutcome(ctx context.Context, scheduleID int64, status model.RunStatus, runAt time.Time) error

	InsertJobRun(ctx context.Context, run *model.JobRun) error
	JobRun(ctx context.Context, id int64) (*model.JobRun, error)
	FinalizeJobRun(ctx context.Context, run *model.JobRun) error
	SetCancelRequested(ctx context.Context, jobRunID int64) error
	IsCancelRequested(ctx context.Context, jobRunID int64) (bool, error)
	ActiveJobRuns(ctx context.Context) ([]model.JobRun, error)

	InsertStepResult(ctx context.Context, step *model.StepExecutionResult) error
	FinalizeStepResult(ctx context.Context, step *model.StepExecutionResult) error
	StepResults(ctx context.Context, jobRunID int64) ([]model.StepExecutionResult, error)
	FinalizeCompositeRun(ctx context.Context, run *model.JobRun, steps []model.StepExecutionResult) error

	NotificationChannels(ctx context.Context, ids []int64) ([]model.NotificationChannel, error)
	NotificationChannel(ctx context.Context, id int64) (*model.NotificationChannel, error)
	EnabledNotificationPolicies(ctx context.Context) ([]model.NotificationPolicy, error)
	PolicyChannels(ctx context.Context, policyID int64) ([]model.NotificationPolicyChannel, error)
	InsertNotificationLog(ctx context.Context, log *model.NotificationLog) error
	SuccessfulNotificationCountSince(ctx context.Context, policyID int64, since time.Time) (int, error)
	MarkNotified(ctx context.Context, jobRunID int64, notificationError string) error

	PruneJobRuns(ctx context.Context, olderThan time.Time) (int64, error)
}
