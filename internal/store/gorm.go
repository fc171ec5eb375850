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

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite" // pure Go sqlite driver, no CGO required
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/fleetcron/orchestrator/internal/model"
)

// GormStore implements Store against any of the sqlite/postgres/mysql
// dialects GORM supports.
type GormStore struct {
	db      *gorm.DB
	dialect string
}

// ConnectionPoolConfig holds connection pool settings.
type ConnectionPoolConfig struct {
	MaxIdleConns    int
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// NewGormStore opens a store for the given dialect ("sqlite", "postgres",
// "mysql") and DSN.
func NewGormStore(dialect, dsn string) (*GormStore, error) {
	return NewGormStoreWithPool(dialect, dsn, ConnectionPoolConfig{})
}

// NewGormStoreWithPool is NewGormStore with explicit connection pool tuning.
func NewGormStoreWithPool(dialect, dsn string, pool ConnectionPoolConfig) (*GormStore, error) {
	var dialector gorm.Dialector
	switch dialect {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	case "mysql":
		dialector = mysql.Open(dsn)
	default:
		return nil, fmt.Errorf("unknown storage dialect: %s", dialect)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", dialect, err)
	}

	if pool.MaxIdleConns > 0 || pool.MaxOpenConns > 0 {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("unwrap sql.DB: %w", err)
		}
		if pool.MaxIdleConns > 0 {
			sqlDB.SetMaxIdleConns(pool.MaxIdleConns)
		}
		if pool.MaxOpenConns > 0 {
			sqlDB.SetMaxOpenConns(pool.MaxOpenConns)
		}
		if pool.ConnMaxLifetime > 0 {
			sqlDB.SetConnMaxLifetime(pool.ConnMaxLifetime)
		}
		if pool.ConnMaxIdleTime > 0 {
			sqlDB.SetConnMaxIdleTime(pool.ConnMaxIdleTime)
		}
	}

	return &GormStore{db: db, dialect: dialect}, nil
}

// Init runs AutoMigrate for every entity.
func (s *GormStore) Init(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(
		&model.JobType{},
		&model.CommandTemplate{},
		&model.JobTemplate{},
		&model.JobTemplateStep{},
		&model.Server{},
		&model.ServerCapability{},
		&model.Credential{},
		&model.Tag{},
		&model.ServerTag{},
		&model.JobSchedule{},
		&model.JobRun{},
		&model.StepExecutionResult{},
		&model.NotificationChannel{},
		&model.NotificationPolicy{},
		&model.NotificationPolicyChannel{},
		&model.NotificationLog{},
	)
}

// DB exposes the underlying *gorm.DB for callers (tests, migrations tooling)
// that need direct access beyond the Store contract.
func (s *GormStore) DB() *gorm.DB {
	return s.db
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Health pings the database.
func (s *GormStore) Health(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *GormStore) JobType(ctx context.Context, id int64) (*model.JobType, error) {
	var jt model.JobType
	err := s.db.WithContext(ctx).First(&jt, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("load job type %d: %w", id, err)
	}
	return &jt, nil
}

func (s *GormStore) CommandTemplate(ctx context.Context, id int64) (*model.CommandTemplate, error) {
	var ct model.CommandTemplate
	err := s.db.WithContext(ctx).First(&ct, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("load command template %d: %w", id, err)
	}
	return &ct, nil
}

func (s *GormStore) JobTemplate(ctx context.Context, id int64) (*model.JobTemplate, error) {
	var jt model.JobTemplate
	err := s.db.WithContext(ctx).First(&jt, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("load job template %d: %w", id, err)
	}
	return &jt, nil
}

func (s *GormStore) JobTemplateSteps(ctx context.Context, jobTemplateID int64) ([]model.JobTemplateStep, error) {
	var steps []model.JobTemplateStep
	err := s.db.WithContext(ctx).
		Where("job_template_id = ?", jobTemplateID).
		Order("step_order ASC").
		Find(&steps).Error
	if err != nil {
		return nil, fmt.Errorf("load steps for template %d: %w", jobTemplateID, err)
	}
	return steps, nil
}

func (s *GormStore) Server(ctx context.Context, id int64) (*model.Server, error) {
	var srv model.Server
	err := s.db.WithContext(ctx).First(&srv, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("load server %d: %w", id, err)
	}
	return &srv, nil
}

func (s *GormStore) EnabledServers(ctx context.Context) ([]model.Server, error) {
	var servers []model.Server
	err := s.db.WithContext(ctx).Where("enabled = ?", true).Find(&servers).Error
	if err != nil {
		return nil, fmt.Errorf("load enabled servers: %w", err)
	}
	return servers, nil
}

// UpdateServerFacts persists the detected facts of a server: distro, package
// manager, the docker/systemd booleans, last_seen_at, last_error.
func (s *GormStore) UpdateServerFacts(ctx context.Context, server *model.Server) error {
	updates := map[string]any{
		"os_distro":         server.OSDistro,
		"package_manager":   server.PackageManager,
		"docker_available":  server.DockerAvailable,
		"systemd_available": server.SystemdAvailable,
		"last_seen_at":      server.LastSeenAt,
		"last_error":        server.LastError,
	}
	err := s.db.WithContext(ctx).Model(&model.Server{}).Where("id = ?", server.ID).Updates(updates).Error
	if err != nil {
		return fmt.Errorf("update server facts %d: %w", server.ID, err)
	}
	return nil
}

func (s *GormStore) ServerCapabilities(ctx context.Context, serverID int64) ([]model.ServerCapability, error) {
	var caps []model.ServerCapability
	err := s.db.WithContext(ctx).Where("server_id = ?", serverID).Find(&caps).Error
	if err != nil {
		return nil, fmt.Errorf("load capabilities for server %d: %w", serverID, err)
	}
	return caps, nil
}

// UpsertServerCapability records a freshly detected capability, replacing
// any previous row for the same (server_id, capability_name) pair.
func (s *GormStore) UpsertServerCapability(ctx context.Context, cap model.ServerCapability) error {
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "server_id"}, {Name: "capability_name"}},
			DoUpdates: clause.AssignmentColumns([]string{"available", "version", "detected_at"}),
		}).
		Create(&cap).Error
	if err != nil {
		return fmt.Errorf("upsert server capability %s for server %d: %w", cap.CapabilityName, cap.ServerID, err)
	}
	return nil
}

func (s *GormStore) ServerTags(ctx context.Context, serverID int64) ([]model.Tag, error) {
	var tags []model.Tag
	err := s.db.WithContext(ctx).
		Joins("JOIN server_tags ON server_tags.tag_id = tags.id").
		Where("server_tags.server_id = ?", serverID).
		Find(&tags).Error
	if err != nil {
		return nil, fmt.Errorf("load tags for server %d: %w", serverID, err)
	}
	return tags, nil
}

func (s *GormStore) Credential(ctx context.Context, id int64) (*model.Credential, error) {
	var c model.Credential
	err := s.db.WithContext(ctx).First(&c, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("load credential %d: %w", id, err)
	}
	return &c, nil
}

func (s *GormStore) DueSchedules(ctx context.Context, now time.Time) ([]model.JobSchedule, error) {
	var schedules []model.JobSchedule
	err := s.db.WithContext(ctx).
		Where("enabled = ? AND (next_run_at IS NULL OR next_run_at <= ?)", true, now).
		Find(&schedules).Error
	if err != nil {
		return nil, fmt.Errorf("load due schedules: %w", err)
	}
	return schedules, nil
}

func (s *GormStore) Schedule(ctx context.Context, id int64) (*model.JobSchedule, error) {
	var sch model.JobSchedule
	err := s.db.WithContext(ctx).First(&sch, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("load schedule %d: %w", id, err)
	}
	return &sch, nil
}

// AdvanceSchedule updates next_run_at only if it still matches what the
// caller read, so that concurrent scheduler loops (in a future
// multi-instance deployment) cannot double dispatch. Returns false if the
// row no longer matched previousNextRunAt.
func (s *GormStore) AdvanceSchedule(ctx context.Context, scheduleID int64, previousNextRunAt *time.Time, newNextRunAt time.Time) (bool, error) {
	tx := s.db.WithContext(ctx).Model(&model.JobSchedule{}).Where("id = ?", scheduleID)
	if previousNextRunAt == nil {
		tx = tx.Where("next_run_at IS NULL")
	} else {
		tx = tx.Where("next_run_at = ?", *previousNextRunAt)
	}
	res := tx.Update("next_run_at", newNextRunAt)
	if res.Error != nil {
		return false, fmt.Errorf("advance schedule %d: %w", scheduleID, res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (s *GormStore) RecordScheduleOutcome(ctx context.Context, scheduleID int64, status model.RunStatus, runAt time.Time) error {
	updates := map[string]any{
		"last_run_at":     runAt,
		"last_run_status": string(status),
	}
	if status == model.StatusSuccess {
		updates["success_count"] = gorm.Expr("success_count + 1")
	} else if status != model.StatusRunning {
		updates["failure_count"] = gorm.Expr("failure_count + 1")
	}
	err := s.db.WithContext(ctx).Model(&model.JobSchedule{}).Where("id = ?", scheduleID).Updates(updates).Error
	if err != nil {
		return fmt.Errorf("record schedule outcome %d: %w", scheduleID, err)
	}
	return nil
}

func (s *GormStore) InsertJobRun(ctx context.Context, run *model.JobRun) error {
	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("insert job run: %w", err)
	}
	return nil
}

func (s *GormStore) JobRun(ctx context.Context, id int64) (*model.JobRun, error) {
	var run model.JobRun
	err := s.db.WithContext(ctx).First(&run, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("load job run %d: %w", id, err)
	}
	return &run, nil
}

func (s *GormStore) FinalizeJobRun(ctx context.Context, run *model.JobRun) error {
	updates := map[string]any{
		"status":             run.Status,
		"finished_at":        run.FinishedAt,
		"duration_ms":        run.DurationMs,
		"exit_code":          run.ExitCode,
		"output":             run.Output,
		"error":              run.Error,
		"notification_sent":  run.NotificationSent,
		"notification_error": run.NotificationError,
	}
	err := s.db.WithContext(ctx).Model(&model.JobRun{}).Where("id = ?", run.ID).Updates(updates).Error
	if err != nil {
		return fmt.Errorf("finalize job run %d: %w", run.ID, err)
	}
	return nil
}

func (s *GormStore) SetCancelRequested(ctx context.Context, jobRunID int64) error {
	err := s.db.WithContext(ctx).Model(&model.JobRun{}).Where("id = ?", jobRunID).Update("cancel_requested", true).Error
	if err != nil {
		return fmt.Errorf("set cancel requested for job run %d: %w", jobRunID, err)
	}
	return nil
}

func (s *GormStore) IsCancelRequested(ctx context.Context, jobRunID int64) (bool, error) {
	var run model.JobRun
	err := s.db.WithContext(ctx).Select("cancel_requested").First(&run, jobRunID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("read cancel flag for job run %d: %w", jobRunID, err)
	}
	return run.CancelRequested, nil
}

func (s *GormStore) ActiveJobRuns(ctx context.Context) ([]model.JobRun, error) {
	var runs []model.JobRun
	err := s.db.WithContext(ctx).Where("status = ?", model.StatusRunning).Find(&runs).Error
	if err != nil {
		return nil, fmt.Errorf("load active job runs: %w", err)
	}
	return runs, nil
}

func (s *GormStore) InsertStepResult(ctx context.Context, step *model.StepExecutionResult) error {
	if err := s.db.WithContext(ctx).Create(step).Error; err != nil {
		return fmt.Errorf("insert step result: %w", err)
	}
	return nil
}

func (s *GormStore) FinalizeStepResult(ctx context.Context, step *model.StepExecutionResult) error {
	updates := map[string]any{
		"status":      step.Status,
		"skipped":     step.Skipped,
		"finished_at": step.FinishedAt,
		"duration_ms": step.DurationMs,
		"exit_code":   step.ExitCode,
		"output":      step.Output,
		"error":       step.Error,
	}
	err := s.db.WithContext(ctx).Model(&model.StepExecutionResult{}).Where("id = ?", step.ID).Updates(updates).Error
	if err != nil {
		return fmt.Errorf("finalize step result %d: %w", step.ID, err)
	}
	return nil
}

func (s *GormStore) StepResults(ctx context.Context, jobRunID int64) ([]model.StepExecutionResult, error) {
	var steps []model.StepExecutionResult
	err := s.db.WithContext(ctx).
		Where("job_run_id = ?", jobRunID).
		Order("step_order ASC").
		Find(&steps).Error
	if err != nil {
		return nil, fmt.Errorf("load step results for run %d: %w", jobRunID, err)
	}
	return steps, nil
}

// FinalizeCompositeRun persists the job run's aggregate terminal state and
// every step's terminal state in a single transaction, so readers never see
// a terminal run with still-running steps.
func (s *GormStore) FinalizeCompositeRun(ctx context.Context, run *model.JobRun, steps []model.StepExecutionResult) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		runUpdates := map[string]any{
			"status":      run.Status,
			"finished_at": run.FinishedAt,
			"duration_ms": run.DurationMs,
			"output":      run.Output,
			"error":       run.Error,
		}
		if err := tx.Model(&model.JobRun{}).Where("id = ?", run.ID).Updates(runUpdates).Error; err != nil {
			return err
		}
		for _, step := range steps {
			stepUpdates := map[string]any{
				"status":      step.Status,
				"skipped":     step.Skipped,
				"finished_at": step.FinishedAt,
				"duration_ms": step.DurationMs,
				"exit_code":   step.ExitCode,
				"output":      step.Output,
				"error":       step.Error,
			}
			if err := tx.Model(&model.StepExecutionResult{}).Where("id = ?", step.ID).Updates(stepUpdates).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("finalize composite run %d: %w", run.ID, err)
	}
	return nil
}

func (s *GormStore) NotificationChannels(ctx context.Context, ids []int64) ([]model.NotificationChannel, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var channels []model.NotificationChannel
	err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&channels).Error
	if err != nil {
		return nil, fmt.Errorf("load notification channels: %w", err)
	}
	return channels, nil
}

func (s *GormStore) NotificationChannel(ctx context.Context, id int64) (*model.NotificationChannel, error) {
	var ch model.NotificationChannel
	err := s.db.WithContext(ctx).First(&ch, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("load notification channel %d: %w", id, err)
	}
	return &ch, nil
}

func (s *GormStore) EnabledNotificationPolicies(ctx context.Context) ([]model.NotificationPolicy, error) {
	var policies []model.NotificationPolicy
	err := s.db.WithContext(ctx).Where("enabled = ?", true).Find(&policies).Error
	if err != nil {
		return nil, fmt.Errorf("load enabled notification policies: %w", err)
	}
	return policies, nil
}

func (s *GormStore) PolicyChannels(ctx context.Context, policyID int64) ([]model.NotificationPolicyChannel, error) {
	var links []model.NotificationPolicyChannel
	err := s.db.WithContext(ctx).Where("policy_id = ?", policyID).Find(&links).Error
	if err != nil {
		return nil, fmt.Errorf("load policy channels for policy %d: %w", policyID, err)
	}
	return links, nil
}

func (s *GormStore) InsertNotificationLog(ctx context.Context, log *model.NotificationLog) error {
	if err := s.db.WithContext(ctx).Create(log).Error; err != nil {
		return fmt.Errorf("insert notification log: %w", err)
	}
	return nil
}

func (s *GormStore) SuccessfulNotificationCountSince(ctx context.Context, policyID int64, since time.Time) (int, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&model.NotificationLog{}).
		Where("policy_id = ? AND success = ? AND sent_at >= ?", policyID, true, since).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("count notifications for policy %d: %w", policyID, err)
	}
	return int(count), nil
}

func (s *GormStore) MarkNotified(ctx context.Context, jobRunID int64, notificationError string) error {
	err := s.db.WithContext(ctx).Model(&model.JobRun{}).Where("id = ?", jobRunID).Updates(map[string]any{
		"notification_sent":  true,
		"notification_error": notificationError,
	}).Error
	if err != nil {
		return fmt.Errorf("mark job run %d notified: %w", jobRunID, err)
	}
	return nil
}

// PruneJobRuns deletes terminal runs older than the cutoff together with
// their step results and notification log rows, in one transaction.
func (s *GormStore) PruneJobRuns(ctx context.Context, olderThan time.Time) (int64, error) {
	var pruned int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		expired := tx.Model(&model.JobRun{}).
			Select("id").
			Where("started_at < ? AND status != ?", olderThan, model.StatusRunning)
		if err := tx.Where("job_run_id IN (?)", expired).Delete(&model.StepExecutionResult{}).Error; err != nil {
			return err
		}
		if err := tx.Where("job_run_id IN (?)", expired).Delete(&model.NotificationLog{}).Error; err != nil {
			return err
		}
		res := tx.Where("started_at < ? AND status != ?", olderThan, model.StatusRunning).Delete(&model.JobRun{})
		if res.Error != nil {
			return res.Error
		}
		pruned = res.RowsAffected
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("prune job runs: %w", err)
	}
	return pruned, nil
}
