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

// Package model holds the GORM-tagged entities of the fleet job orchestrator:
// job types, command templates, job templates and their steps, servers and
// their capabilities, credentials, tags, schedules, runs, step results, and
// the notification side (channels, policies, delivery log).
package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// RunStatus is the fixed status enumeration shared by JobRun and
// StepExecutionResult.
type RunStatus string

const (
	StatusRunning   RunStatus = "running"
	StatusSuccess   RunStatus = "success"
	StatusFailure   RunStatus = "failure"
	StatusTimeout   RunStatus = "timeout"
	StatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status is one of the run's terminal states.
func (s RunStatus) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailure, StatusTimeout, StatusCancelled:
		return true
	default:
		return false
	}
}

// Severity derives the notification severity for a terminal run status, per
// the fixed mapping: success=1, cancelled=3, timeout=4, failure=5, other=3.
func (s RunStatus) Severity() int {
	switch s {
	case StatusSuccess:
		return 1
	case StatusCancelled:
		return 3
	case StatusTimeout:
		return 4
	case StatusFailure:
		return 5
	default:
		return 3
	}
}

// ChannelType enumerates the supported notification transports.
type ChannelType string

const (
	ChannelGotify  ChannelType = "gotify"
	ChannelNtfy    ChannelType = "ntfy"
	ChannelEmail   ChannelType = "email"
	ChannelSlack   ChannelType = "slack"
	ChannelDiscord ChannelType = "discord"
	ChannelWebhook ChannelType = "webhook"
)

// CredentialType enumerates the supported credential materials.
type CredentialType string

const (
	CredentialSSHKey   CredentialType = "ssh-key"
	CredentialPassword CredentialType = "password"
	CredentialAPIToken CredentialType = "api-token"
)

// JSONMap is a typed, schema-stable JSON text column per the "replace ad-hoc
// JSON columns" design note: it converts to a structured map at load time and
// serializes back to JSON text for storage.
type JSONMap map[string]any

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(map[string]any(m))
	if err != nil {
		return nil, fmt.Errorf("marshal json map: %w", err)
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(value any) error {
	if value == nil {
		*m = JSONMap{}
		return nil
	}
	var b []byte
	switch v := value.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("unsupported scan type for JSONMap: %T", value)
	}
	if len(b) == 0 {
		*m = JSONMap{}
		return nil
	}
	out := JSONMap{}
	if err := json.Unmarshal(b, &out); err != nil {
		return fmt.Errorf("unmarshal json map: %w", err)
	}
	*m = out
	return nil
}

// StringList is a JSON text column holding an ordered list of strings, used
// for capability-name sets and notification policy filter lists.
type StringList []string

func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(l))
	if err != nil {
		return nil, fmt.Errorf("marshal string list: %w", err)
	}
	return string(b), nil
}

func (l *StringList) Scan(value any) error {
	if value == nil {
		*l = nil
		return nil
	}
	var b []byte
	switch v := value.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("unsupported scan type for StringList: %T", value)
	}
	if len(b) == 0 {
		*l = nil
		return nil
	}
	var out []string
	if err := json.Unmarshal(b, &out); err != nil {
		return fmt.Errorf("unmarshal string list: %w", err)
	}
	*l = out
	return nil
}

// OSFilter constrains a CommandTemplate to servers whose os_distro is in
// Distro. An empty or absent filter matches all servers.
type OSFilter struct {
	Distro []string `json:"distro,omitempty"`
}

func (f OSFilter) Value() (driver.Value, error) {
	b, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("marshal os filter: %w", err)
	}
	return string(b), nil
}

func (f *OSFilter) Scan(value any) error {
	if value == nil {
		*f = OSFilter{}
		return nil
	}
	var b []byte
	switch v := value.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("unsupported scan type for OSFilter: %T", value)
	}
	if len(b) == 0 {
		*f = OSFilter{}
		return nil
	}
	return json.Unmarshal(b, f)
}

// Empty reports whether the filter matches all servers.
func (f OSFilter) Empty() bool {
	return len(f.Distro) == 0
}

// ParameterSchema describes one entry of a CommandTemplate's optional
// parameter_schema.
type ParameterSchema struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	Required   bool   `json:"required"`
	Default    string `json:"default,omitempty"`
	Validation string `json:"validation,omitempty"`
}

// ParameterSchemaList is the JSON text column for CommandTemplate.parameter_schema.
type ParameterSchemaList []ParameterSchema

func (p ParameterSchemaList) Value() (driver.Value, error) {
	if p == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]ParameterSchema(p))
	if err != nil {
		return nil, fmt.Errorf("marshal parameter schema: %w", err)
	}
	return string(b), nil
}

func (p *ParameterSchemaList) Scan(value any) error {
	if value == nil {
		*p = nil
		return nil
	}
	var b []byte
	switch v := value.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("unsupported scan type for ParameterSchemaList: %T", value)
	}
	if len(b) == 0 {
		*p = nil
		return nil
	}
	var out []ParameterSchema
	if err := json.Unmarshal(b, &out); err != nil {
		return fmt.Errorf("unmarshal parameter schema: %w", err)
	}
	*p = out
	return nil
}

// JobType categorizes JobTemplates (e.g. "docker", "os") and declares the
// capabilities every template in the category additionally requires.
type JobType struct {
	ID                   int64      `gorm:"column:id;primaryKey;autoIncrement"`
	Name                 string     `gorm:"column:name;size:128;not null;uniqueIndex"`
	Description          string     `gorm:"column:description;size:512"`
	RequiredCapabilities StringList `gorm:"column:required_capabilities;type:text"`
	CreatedAt            time.Time  `gorm:"column:created_at;not null;autoCreateTime"`
	UpdatedAt            time.Time  `gorm:"column:updated_at;not null;autoUpdateTime"`
}

func (JobType) TableName() string { return "job_types" }

// CommandTemplate is a reusable command recipe bound to one JobType.
type CommandTemplate struct {
	ID                   int64               `gorm:"column:id;primaryKey;autoIncrement"`
	JobTypeID            int64               `gorm:"column:job_type_id;not null;index:idx_command_template_job_type"`
	Name                 string              `gorm:"column:name;size:128;not null"`
	Command              string              `gorm:"column:command;type:text;not null"`
	RequiredCapabilities StringList          `gorm:"column:required_capabilities;type:text"`
	OSFilter             OSFilter            `gorm:"column:os_filter;type:text"`
	TimeoutSeconds       int                 `gorm:"column:timeout_seconds;not null;default:300"`
	ParameterSchema      ParameterSchemaList `gorm:"column:parameter_schema;type:text"`
	CreatedAt            time.Time           `gorm:"column:created_at;not null;autoCreateTime"`
	UpdatedAt            time.Time           `gorm:"column:updated_at;not null;autoUpdateTime"`
}

func (CommandTemplate) TableName() string { return "command_templates" }

// JobTemplate is a user-defined job, either simple (one CommandTemplate) or
// composite (ordered JobTemplateStep rows).
type JobTemplate struct {
	ID                     int64     `gorm:"column:id;primaryKey;autoIncrement"`
	Name                   string    `gorm:"column:name;size:128;not null;uniqueIndex"`
	IsComposite            bool      `gorm:"column:is_composite;not null;default:false"`
	CommandTemplateID      *int64    `gorm:"column:command_template_id;index:idx_job_template_command_template"`
	Variables              JSONMap   `gorm:"column:variables;type:text"`
	TimeoutSeconds         int       `gorm:"column:timeout_seconds;not null;default:300"`
	RetryCount             int       `gorm:"column:retry_count;not null;default:0"`
	RetryDelaySeconds      int       `gorm:"column:retry_delay_seconds;not null;default:60"`
	NotifyOnSuccess        bool      `gorm:"column:notify_on_success;not null;default:false"`
	NotifyOnFailure        bool      `gorm:"column:notify_on_failure;not null;default:true"`
	NotificationPolicyID   *int64    `gorm:"column:notification_policy_id;index:idx_job_template_notification_policy"`
	CreatedAt              time.Time `gorm:"column:created_at;not null;autoCreateTime"`
	UpdatedAt              time.Time `gorm:"column:updated_at;not null;autoUpdateTime"`
}

func (JobTemplate) TableName() string { return "job_templates" }

// JobTemplateStep is one ordered step of a composite JobTemplate.
type JobTemplateStep struct {
	ID                int64     `gorm:"column:id;primaryKey;autoIncrement"`
	JobTemplateID     int64     `gorm:"column:job_template_id;not null;uniqueIndex:idx_job_template_step_order,priority:1"`
	StepOrder         int       `gorm:"column:step_order;not null;uniqueIndex:idx_job_template_step_order,priority:2"`
	CommandTemplateID int64     `gorm:"column:command_template_id;not null;index:idx_step_command_template"`
	Variables         JSONMap   `gorm:"column:variables;type:text"`
	TimeoutSeconds    *int      `gorm:"column:timeout_seconds"`
	ContinueOnFailure bool      `gorm:"column:continue_on_failure;not null;default:false"`
	CreatedAt         time.Time `gorm:"column:created_at;not null;autoCreateTime"`
	UpdatedAt         time.Time `gorm:"column:updated_at;not null;autoUpdateTime"`
}

func (JobTemplateStep) TableName() string { return "job_template_steps" }

// Server is an execution target, either the local host or a remote host
// reached over SSH.
type Server struct {
	ID               int64      `gorm:"column:id;primaryKey;autoIncrement"`
	Name             string     `gorm:"column:name;size:128;not null;uniqueIndex"`
	IsLocal          bool       `gorm:"column:is_local;not null;default:false"`
	Hostname         string     `gorm:"column:hostname;size:255"`
	Port             int        `gorm:"column:port;not null;default:22"`
	Username         string     `gorm:"column:username;size:128"`
	CredentialID     *int64     `gorm:"column:credential_id;index:idx_server_credential"`
	OSDistro         string     `gorm:"column:os_distro;size:64"`
	PackageManager   string     `gorm:"column:package_manager;size:32"`
	DockerAvailable  bool       `gorm:"column:docker_available;not null;default:false"`
	SystemdAvailable bool       `gorm:"column:systemd_available;not null;default:false"`
	LastSeenAt       *time.Time `gorm:"column:last_seen_at"`
	LastError        string     `gorm:"column:last_error;size:1024"`
	Enabled          bool       `gorm:"column:enabled;not null;default:true"`
	CreatedAt        time.Time  `gorm:"column:created_at;not null;autoCreateTime"`
	UpdatedAt        time.Time  `gorm:"column:updated_at;not null;autoUpdateTime"`
}

func (Server) TableName() string { return "servers" }

// ServerCapability records a detected (or manually declared) capability of a
// server beyond the fixed Server booleans.
type ServerCapability struct {
	ID             int64      `gorm:"column:id;primaryKey;autoIncrement"`
	ServerID       int64      `gorm:"column:server_id;not null;uniqueIndex:idx_server_capability,priority:1"`
	CapabilityName string     `gorm:"column:capability_name;size:64;not null;uniqueIndex:idx_server_capability,priority:2"`
	Available      bool       `gorm:"column:available;not null;default:false"`
	Version        string     `gorm:"column:version;size:64"`
	DetectedAt     *time.Time `gorm:"column:detected_at"`
}

func (ServerCapability) TableName() string { return "server_capabilities" }

// Credential is an opaque, typed authentication secret. The core never
// decrypts or rotates it; it is read by id and handed to the executor.
type Credential struct {
	ID        int64          `gorm:"column:id;primaryKey;autoIncrement"`
	Name      string         `gorm:"column:name;size:128;not null;uniqueIndex"`
	Type      CredentialType `gorm:"column:type;size:32;not null"`
	Value     string         `gorm:"column:value;type:text;not null"`
	CreatedAt time.Time      `gorm:"column:created_at;not null;autoCreateTime"`
	UpdatedAt time.Time      `gorm:"column:updated_at;not null;autoUpdateTime"`
}

func (Credential) TableName() string { return "credentials" }

// Tag is a label attachable to servers and referenced by notification policy
// filters.
type Tag struct {
	ID   int64  `gorm:"column:id;primaryKey;autoIncrement"`
	Name string `gorm:"column:name;size:64;not null;uniqueIndex"`
}

func (Tag) TableName() string { return "tags" }

// ServerTag is the servers↔tags many-to-many join row.
type ServerTag struct {
	ServerID int64 `gorm:"column:server_id;primaryKey"`
	TagID    int64 `gorm:"column:tag_id;primaryKey"`
}

func (ServerTag) TableName() string { return "server_tags" }

// JobSchedule binds a JobTemplate to a Server on a cron expression.
type JobSchedule struct {
	ID             int64      `gorm:"column:id;primaryKey;autoIncrement"`
	JobTemplateID  int64      `gorm:"column:job_template_id;not null;index:idx_schedule_job_template"`
	ServerID       int64      `gorm:"column:server_id;not null;index:idx_schedule_server"`
	CronExpression string     `gorm:"column:cron_expression;size:128;not null"`
	Enabled        bool       `gorm:"column:enabled;not null;default:true;index:idx_schedule_due,priority:1"`
	LastRunAt      *time.Time `gorm:"column:last_run_at"`
	LastRunStatus  string     `gorm:"column:last_run_status;size:16"`
	NextRunAt      *time.Time `gorm:"column:next_run_at;index:idx_schedule_due,priority:2"`
	SuccessCount   int64      `gorm:"column:success_count;not null;default:0"`
	FailureCount   int64      `gorm:"column:failure_count;not null;default:0"`
	CreatedAt      time.Time  `gorm:"column:created_at;not null;autoCreateTime"`
	UpdatedAt      time.Time  `gorm:"column:updated_at;not null;autoUpdateTime"`
}

func (JobSchedule) TableName() string { return "job_schedules" }

// JobRun is one execution attempt of a JobTemplate on a Server.
type JobRun struct {
	ID                int64      `gorm:"column:id;primaryKey;autoIncrement"`
	JobTemplateID     int64      `gorm:"column:job_template_id;not null;index:idx_job_run_template"`
	ServerID          int64      `gorm:"column:server_id;not null;index:idx_job_run_server"`
	JobScheduleID     int64      `gorm:"column:job_schedule_id;not null;default:0;index:idx_job_run_schedule"`
	Status            RunStatus  `gorm:"column:status;size:16;not null;index:idx_job_run_status"`
	StartedAt         time.Time  `gorm:"column:started_at;not null"`
	FinishedAt        *time.Time `gorm:"column:finished_at"`
	DurationMs        *int64     `gorm:"column:duration_ms"`
	ExitCode          *int       `gorm:"column:exit_code"`
	Output            string     `gorm:"column:output;type:text"`
	Error             string     `gorm:"column:error;size:2048"`
	RetryAttempt      int        `gorm:"column:retry_attempt;not null;default:0"`
	IsRetry           bool       `gorm:"column:is_retry;not null;default:false"`
	RetryOfJobRunID   *int64     `gorm:"column:retry_of_job_run_id"`
	NotificationSent  bool       `gorm:"column:notification_sent;not null;default:false"`
	NotificationError string     `gorm:"column:notification_error;size:1024"`
	Metadata          JSONMap    `gorm:"column:metadata;type:text"`
	CancelRequested   bool       `gorm:"column:cancel_requested;not null;default:false"`
	CreatedAt         time.Time  `gorm:"column:created_at;not null;autoCreateTime"`
}

func (JobRun) TableName() string { return "job_runs" }

// StepExecutionResult is the per-step row for a composite JobRun.
type StepExecutionResult struct {
	ID                int64      `gorm:"column:id;primaryKey;autoIncrement"`
	JobRunID          int64      `gorm:"column:job_run_id;not null;index:idx_step_result_run"`
	StepOrder         int        `gorm:"column:step_order;not null"`
	Status            RunStatus  `gorm:"column:status;size:16;not null"`
	Skipped           bool       `gorm:"column:skipped;not null;default:false"`
	StartedAt         time.Time  `gorm:"column:started_at;not null"`
	FinishedAt        *time.Time `gorm:"column:finished_at"`
	DurationMs        *int64     `gorm:"column:duration_ms"`
	ExitCode          *int       `gorm:"column:exit_code"`
	Output            string     `gorm:"column:output;type:text"`
	Error             string     `gorm:"column:error;size:2048"`
	ContinueOnFailure bool       `gorm:"column:continue_on_failure;not null;default:false"`
}

func (StepExecutionResult) TableName() string { return "step_execution_results" }

// NotificationChannel is a configured delivery endpoint.
type NotificationChannel struct {
	ID               int64       `gorm:"column:id;primaryKey;autoIncrement"`
	Name             string      `gorm:"column:name;size:128;not null;uniqueIndex"`
	Type             ChannelType `gorm:"column:type;size:32;not null"`
	Config           JSONMap     `gorm:"column:config;type:text"`
	Enabled          bool        `gorm:"column:enabled;not null;default:true"`
	DefaultPriority  int         `gorm:"column:default_priority;not null;default:3"`
	LastTestAt       *time.Time  `gorm:"column:last_test_at"`
	LastTestSuccess  *bool       `gorm:"column:last_test_success"`
	CreatedAt        time.Time   `gorm:"column:created_at;not null;autoCreateTime"`
	UpdatedAt        time.Time   `gorm:"column:updated_at;not null;autoUpdateTime"`
}

func (NotificationChannel) TableName() string { return "notification_channels" }

// NotificationPolicy decides which runs notify which channels.
type NotificationPolicy struct {
	ID                int64      `gorm:"column:id;primaryKey;autoIncrement"`
	Name              string     `gorm:"column:name;size:128;not null;uniqueIndex"`
	Enabled           bool       `gorm:"column:enabled;not null;default:true;index:idx_policy_enabled"`
	OnSuccess         bool       `gorm:"column:on_success;not null;default:false"`
	OnFailure         bool       `gorm:"column:on_failure;not null;default:true"`
	OnTimeout         bool       `gorm:"column:on_timeout;not null;default:true"`
	JobTypeFilter     StringList `gorm:"column:job_type_filter;type:text"`
	ServerFilter      StringList `gorm:"column:server_filter;type:text"`
	TagFilter         StringList `gorm:"column:tag_filter;type:text"`
	MinSeverity       int        `gorm:"column:min_severity;not null;default:1"`
	MaxPerHour        *int       `gorm:"column:max_per_hour"`
	TitleTemplate     string     `gorm:"column:title_template;type:text"`
	BodyTemplate      string     `gorm:"column:body_template;type:text"`
	CreatedAt         time.Time  `gorm:"column:created_at;not null;autoCreateTime"`
	UpdatedAt         time.Time  `gorm:"column:updated_at;not null;autoUpdateTime"`
}

func (NotificationPolicy) TableName() string { return "notification_policies" }

// NotificationPolicyChannel links a policy to a channel with an optional
// priority override.
type NotificationPolicyChannel struct {
	PolicyID         int64 `gorm:"column:policy_id;primaryKey"`
	ChannelID        int64 `gorm:"column:channel_id;primaryKey"`
	PriorityOverride *int  `gorm:"column:priority_override"`
}

func (NotificationPolicyChannel) TableName() string { return "notification_policy_channels" }

// NotificationLog is one row per attempted delivery.
type NotificationLog struct {
	ID           int64     `gorm:"column:id;primaryKey;autoIncrement"`
	ChannelID    int64     `gorm:"column:channel_id;not null;index:idx_notification_log_channel"`
	PolicyID     int64     `gorm:"column:policy_id;not null;index:idx_notification_log_policy"`
	JobRunID     int64     `gorm:"column:job_run_id;not null;index:idx_notification_log_run"`
	Title        string    `gorm:"column:title;size:512"`
	Body         string    `gorm:"column:body;type:text"`
	Priority     int       `gorm:"column:priority;not null;default:3"`
	Success      bool      `gorm:"column:success;not null"`
	ErrorMessage string    `gorm:"column:error_message;size:2048"`
	RetryCount   int       `gorm:"column:retry_count;not null;default:0"`
	SentAt       time.Time `gorm:"column:sent_at;not null;index:idx_notification_log_sent_at"`
}

func (NotificationLog) TableName() string { return "notification_log" }
