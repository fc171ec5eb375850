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

// Package executor runs argv on a target Server, either on the local host or
// over SSH. It is a tagged variant, not a deep interface hierarchy: one
// RemoteExecutor with a Local and an SSH backing implementation selected by
// Server.IsLocal.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fleetcron/orchestrator/internal/model"
)

// Result is the outcome of a completed (non-timed-out, non-transport-failed)
// command execution.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// TimeoutError is returned when the wall-clock timeout elapses before the
// command finishes; the process (or remote channel) is killed.
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout: %s", e.Timeout)
}

// TransportError wraps a dial/auth/spawn/I-O failure reaching or running on
// the target.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// CredentialResolver loads the Credential referenced by a Server, if any.
type CredentialResolver interface {
	Credential(ctx context.Context, id int64) (*model.Credential, error)
}

// RemoteExecutor runs argv on a target Server honoring a hard wall-clock
// timeout. It never retries; retries are the execution engine's
// responsibility.
type RemoteExecutor interface {
	Execute(ctx context.Context, target model.Server, argv []string, timeout time.Duration) (Result, error)
}

// Manager dispatches to the Local or SSH variant based on target.IsLocal,
// the tagged-dispatch shape called for in place of a deeper interface
// hierarchy.
type Manager struct {
	local *Local
	ssh   *SSH
}

// NewManager builds a Manager. defaultKeyPath is the fallback SSH private
// key path used when a Server's credential does not carry its own.
func NewManager(creds CredentialResolver, defaultKeyPath string) *Manager {
	return &Manager{
		local: NewLocal(),
		ssh:   NewSSH(creds, defaultKeyPath),
	}
}

// Execute implements RemoteExecutor by dispatching on target.IsLocal.
func (m *Manager) Execute(ctx context.Context, target model.Server, argv []string, timeout time.Duration) (Result, error) {
	if target.IsLocal {
		return m.local.Execute(ctx, target, argv, timeout)
	}
	return m.ssh.Execute(ctx, target, argv, timeout)
}

// IsTimeout reports whether err is (or wraps) a TimeoutError.
func IsTimeout(err error) bool {
	var t *TimeoutError
	return errors.As(err, &t)
}

// IsTransportError reports whether err is (or wraps) a TransportError.
func IsTransportError(err error) bool {
	var t *TransportError
	return errors.As(err, &t)
}
