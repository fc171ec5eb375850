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

package executor

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"time"

	"github.com/fleetcron/orchestrator/internal/model"
)

// Local runs argv directly on the host process.
type Local struct{}

// NewLocal builds a Local executor.
func NewLocal() *Local {
	return &Local{}
}

// Execute runs argv via the host OS, killing the process if timeout elapses.
func (l *Local) Execute(ctx context.Context, _ model.Server, argv []string, timeout time.Duration) (Result, error) {
	if len(argv) == 0 {
		return Result{}, &TransportError{Err: errors.New("empty argv")}
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	if runCtx.Err() == context.DeadlineExceeded {
		return Result{Stdout: stdout.String(), Stderr: stderr.String()}, &TimeoutError{Timeout: timeout}
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return Result{
				ExitCode: exitErr.ExitCode(),
				Stdout:   stdout.String(),
				Stderr:   stderr.String(),
			}, nil
		}
		return Result{}, &TransportError{Err: err}
	}

	return Result{ExitCode: 0, Stdout: stdout.String(), Stderr: stderr.String()}, nil
}
