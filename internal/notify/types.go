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

// Package notify implements the notification engine: it reacts to
// JobRunCompleted events, matches NotificationPolicy rows against the
// completed run, renders a message per policy, and fans it out to every
// linked NotificationChannel.
package notify

import (
	"context"
	"time"
)

// Message is the rendered payload handed to a Transport.
type Message struct {
	Title    string
	Body     string
	Priority int // clamped to [1,5]
	Actions  []string
}

// UnsupportedChannelError is returned by a Transport for a reserved channel
// type that has no implementation wired in.
type UnsupportedChannelError struct {
	Type string
}

func (e *UnsupportedChannelError) Error() string {
	return "unsupported channel type: " + e.Type
}

// Transport delivers a rendered Message to one channel. config is the
// channel's decoded JSONMap (e.g. {"url":..., "token":...}).
type Transport interface {
	Send(ctx context.Context, config map[string]any, msg Message) error
}

// ServerResult is one row of the template context's server_results list.
type ServerResult struct {
	ServerName    string
	Status        string
	ExitCode      *int
	StdoutSnippet string
	StderrSnippet string
}

// TemplateContext is the immutable record templates render against.
type TemplateContext struct {
	JobName       string
	JobType       string
	ScheduleName  string
	Status        string
	Severity      int
	TotalServers  int
	SuccessCount  int
	FailureCount  int
	StartedAt     string
	FinishedAt    string
	DurationSecs  float64
	Metrics       map[string]any
	ServerResults []ServerResult
}

// ChannelStats tracks delivery statistics for one NotificationChannel,
// accumulated across the process lifetime. It is not persisted separately
// from NotificationLog, which remains the system of record.
type ChannelStats struct {
	SentTotal           int64
	FailedTotal         int64
	LastSentAt          time.Time
	LastFailedAt        time.Time
	LastFailedError     string
	ConsecutiveFailures int
}
