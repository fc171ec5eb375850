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

// Package config loads orchestrator configuration from flag defaults, a YAML
// config file, and environment variables, in that layered order.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds the orchestrator's tunables plus the ambient concerns
// (storage dialect, logging, ops HTTP surface) needed to run the daemon.
type Config struct {
	// configFileUsed is the path to the config file that was loaded (empty if none)
	configFileUsed string

	// LogLevel is the zerolog logging level (debug, info, warn, error)
	LogLevel string `mapstructure:"log-level"`

	// Engine holds execution-engine tunables
	Engine EngineConfig `mapstructure:"engine"`

	// Scheduler configures the cron tick loop
	Scheduler SchedulerConfig `mapstructure:"scheduler"`

	// Notification configures the notification dispatcher
	Notification NotificationConfig `mapstructure:"notification"`

	// Capability configures the background capability detector
	Capability CapabilityConfig `mapstructure:"capability"`

	// Storage configures the persistent store backend
	Storage StorageConfig `mapstructure:"storage"`

	// HistoryRetention configures the history pruner
	HistoryRetention HistoryRetentionConfig `mapstructure:"history-retention"`

	// Ops configures the health/ready/metrics HTTP surface
	Ops OpsConfig `mapstructure:"ops"`
}

// EngineConfig configures internal/engine.
type EngineConfig struct {
	// MaxConcurrentJobs is the concurrency limiter's semaphore capacity.
	MaxConcurrentJobs int `mapstructure:"max-concurrent-jobs" json:"maxConcurrentJobs"`

	// DefaultCommandTimeoutSeconds is the fallback timeout for command
	// templates that omit one.
	DefaultCommandTimeoutSeconds int `mapstructure:"default-command-timeout-seconds" json:"defaultCommandTimeoutSeconds"`

	// RetryDefaultDelaySeconds is the fallback retry delay for job
	// templates that omit one.
	RetryDefaultDelaySeconds int `mapstructure:"retry-default-delay-seconds" json:"retryDefaultDelaySeconds"`

	// OutputCaptureMaxBytes clamps per-step/run stdout+stderr capture.
	OutputCaptureMaxBytes int `mapstructure:"output-capture-max-bytes" json:"outputCaptureMaxBytes"`

	// WatchdogBufferSeconds is added to a command's own timeout before the
	// engine's wall-clock watchdog force-finalizes a hung run.
	WatchdogBufferSeconds int `mapstructure:"watchdog-buffer-seconds" json:"watchdogBufferSeconds"`

	// WatchdogIntervalSeconds is how often the watchdog sweeps active runs.
	WatchdogIntervalSeconds int `mapstructure:"watchdog-interval-seconds" json:"watchdogIntervalSeconds"`

	// SSHKeyPath is the default private key used when a Server's credential
	// omits one.
	SSHKeyPath string `mapstructure:"ssh-key-path" json:"sshKeyPath,omitempty"`
}

// SchedulerConfig configures the due-schedule evaluation loop.
type SchedulerConfig struct {
	// TickSeconds is the loop period.
	TickSeconds int `mapstructure:"tick-seconds" json:"tickSeconds"`
}

// NotificationConfig configures internal/notify.
type NotificationConfig struct {
	// TransportTimeoutSeconds is the per-channel send deadline.
	TransportTimeoutSeconds int `mapstructure:"transport-timeout-seconds" json:"transportTimeoutSeconds"`

	// StartupGraceSeconds suppresses sends for this long after process
	// start, so a restart after downtime does not flood channels with
	// stale completions.
	StartupGraceSeconds int `mapstructure:"startup-grace-seconds" json:"startupGraceSeconds"`
}

// CapabilityConfig configures the background capability detector.
type CapabilityConfig struct {
	// RefreshIntervalMinutes is how often every enabled server is re-probed.
	RefreshIntervalMinutes int `mapstructure:"refresh-interval-minutes" json:"refreshIntervalMinutes"`

	// ProbeTimeoutSeconds bounds each individual probe command.
	ProbeTimeoutSeconds int `mapstructure:"probe-timeout-seconds" json:"probeTimeoutSeconds"`
}

// StorageConfig configures the persistent store backend.
type StorageConfig struct {
	// Type is the storage dialect (sqlite, postgres, mysql).
	Type string `mapstructure:"type" json:"type"`

	SQLite     SQLiteConfig     `mapstructure:"sqlite" json:"sqlite,omitempty"`
	PostgreSQL PostgreSQLConfig `mapstructure:"postgres" json:"postgres,omitempty"`
	MySQL      MySQLConfig      `mapstructure:"mysql" json:"mysql,omitempty"`
}

// SQLiteConfig configures SQLite storage.
type SQLiteConfig struct {
	Path string `mapstructure:"path" json:"path"`
}

// PostgreSQLConfig configures PostgreSQL storage.
type PostgreSQLConfig struct {
	Host     string `mapstructure:"host" json:"host,omitempty"`
	Port     int    `mapstructure:"port" json:"port,omitempty"`
	Database string `mapstructure:"database" json:"database,omitempty"`
	Username string `mapstructure:"username" json:"username,omitempty"`
	Password string `mapstructure:"password" json:"-"`
	SSLMode  string `mapstructure:"ssl-mode" json:"sslMode,omitempty"`
}

// MySQLConfig configures MySQL/MariaDB storage.
type MySQLConfig struct {
	Host     string `mapstructure:"host" json:"host,omitempty"`
	Port     int    `mapstructure:"port" json:"port,omitempty"`
	Database string `mapstructure:"database" json:"database,omitempty"`
	Username string `mapstructure:"username" json:"username,omitempty"`
	Password string `mapstructure:"password" json:"-"`
}

// HistoryRetentionConfig configures the history pruner.
type HistoryRetentionConfig struct {
	// DefaultDays is how long job_runs/step_execution_results/
	// notification_log rows are kept before pruning.
	DefaultDays int `mapstructure:"default-days" json:"defaultDays"`

	// IntervalHours is how often the pruner sweeps.
	IntervalHours int `mapstructure:"interval-hours" json:"intervalHours"`
}

// OpsConfig configures the ops-only HTTP surface (/healthz, /readyz,
// /metrics).
type OpsConfig struct {
	// BindAddress is the address the ops server listens on ("0" disables it).
	BindAddress string `mapstructure:"bind-address" json:"bindAddress"`
}

// DefaultConfig returns the built-in configuration defaults.
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Engine: EngineConfig{
			MaxConcurrentJobs:            5,
			DefaultCommandTimeoutSeconds: 300,
			RetryDefaultDelaySeconds:     60,
			OutputCaptureMaxBytes:        1048576,
			WatchdogBufferSeconds:        5,
			WatchdogIntervalSeconds:      15,
		},
		Scheduler: SchedulerConfig{
			TickSeconds: 30,
		},
		Notification: NotificationConfig{
			TransportTimeoutSeconds: 10,
			StartupGraceSeconds:     60,
		},
		Capability: CapabilityConfig{
			RefreshIntervalMinutes: 60,
			ProbeTimeoutSeconds:    10,
		},
		Storage: StorageConfig{
			Type: "sqlite",
			SQLite: SQLiteConfig{
				Path: "/data/orchestrator.db",
			},
			PostgreSQL: PostgreSQLConfig{
				Port:    5432,
				SSLMode: "require",
			},
			MySQL: MySQLConfig{
				Port: 3306,
			},
		},
		HistoryRetention: HistoryRetentionConfig{
			DefaultDays:   30,
			IntervalHours: 6,
		},
		Ops: OpsConfig{
			BindAddress: ":8081",
		},
	}
}

// BindFlags binds configuration flags to pflags.
func BindFlags(flags *pflag.FlagSet) {
	flags.String("config", "", "Path to config file")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")

	flags.Int("engine.max-concurrent-jobs", 5, "Concurrency limiter capacity")
	flags.Int("engine.default-command-timeout-seconds", 300, "Fallback command timeout in seconds")
	flags.Int("engine.retry-default-delay-seconds", 60, "Fallback retry delay in seconds")
	flags.Int("engine.output-capture-max-bytes", 1048576, "Stdout/stderr capture clamp in bytes")
	flags.Int("engine.watchdog-buffer-seconds", 5, "Extra grace period before the wall-clock watchdog kills a run")
	flags.Int("engine.watchdog-interval-seconds", 15, "How often the watchdog sweeps active runs")
	flags.String("engine.ssh-key-path", "", "Default SSH private key path")

	flags.Int("scheduler.tick-seconds", 30, "Scheduler due-schedule evaluation period in seconds")

	flags.Int("notification.transport-timeout-seconds", 10, "Per-channel notification send deadline in seconds")
	flags.Int("notification.startup-grace-seconds", 60, "Suppress notifications for this long after process start")

	flags.Int("capability.refresh-interval-minutes", 60, "How often every enabled server is re-probed for capabilities")
	flags.Int("capability.probe-timeout-seconds", 10, "Timeout for each capability probe command")

	flags.String("storage.type", "sqlite", "Storage backend type (sqlite, postgres, mysql)")
	flags.String("storage.sqlite.path", "/data/orchestrator.db", "Path to SQLite database file")
	flags.String("storage.postgres.host", "", "PostgreSQL host")
	flags.Int("storage.postgres.port", 5432, "PostgreSQL port")
	flags.String("storage.postgres.database", "", "PostgreSQL database name")
	flags.String("storage.postgres.username", "", "PostgreSQL username")
	flags.String("storage.postgres.password", "", "PostgreSQL password")
	flags.String("storage.postgres.ssl-mode", "require", "PostgreSQL SSL mode")
	flags.String("storage.mysql.host", "", "MySQL host")
	flags.Int("storage.mysql.port", 3306, "MySQL port")
	flags.String("storage.mysql.database", "", "MySQL database name")
	flags.String("storage.mysql.username", "", "MySQL username")
	flags.String("storage.mysql.password", "", "MySQL password")

	flags.Int("history-retention.default-days", 30, "Retention period in days for run/step/notification history")
	flags.Int("history-retention.interval-hours", 6, "How often the history pruner sweeps, in hours")

	flags.String("ops.bind-address", ":8081", "Ops HTTP server bind address (\"0\" disables it)")
}

// Load loads configuration from flags, environment, and config file.
func Load(flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	defaults := DefaultConfig()
	v.SetDefault("log-level", defaults.LogLevel)
	v.SetDefault("engine.max-concurrent-jobs", defaults.Engine.MaxConcurrentJobs)
	v.SetDefault("engine.default-command-timeout-seconds", defaults.Engine.DefaultCommandTimeoutSeconds)
	v.SetDefault("engine.retry-default-delay-seconds", defaults.Engine.RetryDefaultDelaySeconds)
	v.SetDefault("engine.output-capture-max-bytes", defaults.Engine.OutputCaptureMaxBytes)
	v.SetDefault("engine.watchdog-buffer-seconds", defaults.Engine.WatchdogBufferSeconds)
	v.SetDefault("engine.watchdog-interval-seconds", defaults.Engine.WatchdogIntervalSeconds)
	v.SetDefault("scheduler.tick-seconds", defaults.Scheduler.TickSeconds)
	v.SetDefault("notification.transport-timeout-seconds", defaults.Notification.TransportTimeoutSeconds)
	v.SetDefault("notification.startup-grace-seconds", defaults.Notification.StartupGraceSeconds)
	v.SetDefault("capability.refresh-interval-minutes", defaults.Capability.RefreshIntervalMinutes)
	v.SetDefault("capability.probe-timeout-seconds", defaults.Capability.ProbeTimeoutSeconds)
	v.SetDefault("storage.type", defaults.Storage.Type)
	v.SetDefault("storage.sqlite.path", defaults.Storage.SQLite.Path)
	v.SetDefault("storage.postgres.port", defaults.Storage.PostgreSQL.Port)
	v.SetDefault("storage.postgres.ssl-mode", defaults.Storage.PostgreSQL.SSLMode)
	v.SetDefault("storage.mysql.port", defaults.Storage.MySQL.Port)
	v.SetDefault("history-retention.default-days", defaults.HistoryRetention.DefaultDays)
	v.SetDefault("history-retention.interval-hours", defaults.HistoryRetention.IntervalHours)
	v.SetDefault("ops.bind-address", defaults.Ops.BindAddress)

	if err := v.BindPFlags(flags); err != nil {
		return nil, fmt.Errorf("binding flags: %w", err)
	}

	v.SetEnvPrefix("ORCHESTRATOR")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	var configFileUsed string
	if configFile, _ := flags.GetString("config"); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		configFileUsed = v.ConfigFileUsed()
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/orchestrator")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err == nil {
			configFileUsed = v.ConfigFileUsed()
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.configFileUsed = configFileUsed

	return cfg, nil
}

// ConfigFileUsed returns the path to the config file that was loaded (empty if none)
func (c *Config) ConfigFileUsed() string {
	return c.configFileUsed
}

// CommandTimeout returns the configured default command timeout as a Duration.
func (c *Config) CommandTimeout() time.Duration {
	return time.Duration(c.Engine.DefaultCommandTimeoutSeconds) * time.Second
}

// RetryDefaultDelay returns the configured default retry delay as a Duration.
func (c *Config) RetryDefaultDelay() time.Duration {
	return time.Duration(c.Engine.RetryDefaultDelaySeconds) * time.Second
}

// WatchdogBuffer returns the configured watchdog buffer as a Duration.
func (c *Config) WatchdogBuffer() time.Duration {
	return time.Duration(c.Engine.WatchdogBufferSeconds) * time.Second
}

// WatchdogInterval returns the configured watchdog sweep interval as a Duration.
func (c *Config) WatchdogInterval() time.Duration {
	return time.Duration(c.Engine.WatchdogIntervalSeconds) * time.Second
}

// SchedulerTick returns the configured scheduler tick period as a Duration.
func (c *Config) SchedulerTick() time.Duration {
	return time.Duration(c.Scheduler.TickSeconds) * time.Second
}

// NotificationTransportTimeout returns the per-channel send deadline as a Duration.
func (c *Config) NotificationTransportTimeout() time.Duration {
	return time.Duration(c.Notification.TransportTimeoutSeconds) * time.Second
}

// NotificationStartupGrace returns the startup grace period as a Duration.
func (c *Config) NotificationStartupGrace() time.Duration {
	return time.Duration(c.Notification.StartupGraceSeconds) * time.Second
}

// CapabilityRefreshInterval returns the probe sweep interval as a Duration.
func (c *Config) CapabilityRefreshInterval() time.Duration {
	return time.Duration(c.Capability.RefreshIntervalMinutes) * time.Minute
}

// CapabilityProbeTimeout returns the per-probe timeout as a Duration.
func (c *Config) CapabilityProbeTimeout() time.Duration {
	return time.Duration(c.Capability.ProbeTimeoutSeconds) * time.Second
}

// HistoryRetentionWindow returns the configured retention window as a Duration.
func (c *Config) HistoryRetentionWindow() time.Duration {
	return time.Duration(c.HistoryRetention.DefaultDays) * 24 * time.Hour
}

// HistoryPruneInterval returns the configured prune sweep interval as a Duration.
func (c *Config) HistoryPruneInterval() time.Duration {
	return time.Duration(c.HistoryRetention.IntervalHours) * time.Hour
}

// DSN builds the connection string for the configured storage dialect.
func (c *Config) DSN() (dialect, dsn string, err error) {
	switch c.Storage.Type {
	case "sqlite":
		return "sqlite", c.Storage.SQLite.Path + "?_journal_mode=WAL&_busy_timeout=5000", nil
	case "postgres":
		p := c.Storage.PostgreSQL
		return "postgres", fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			p.Host, p.Port, p.Username, p.Password, p.Database, p.SSLMode), nil
	case "mysql":
		m := c.Storage.MySQL
		return "mysql", fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true",
			m.Username, m.Password, m.Host, m.Port, m.Database), nil
	default:
		return "", "", fmt.Errorf("unsupported storage type: %s", c.Storage.Type)
	}
}
