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
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/fleetcron/orchestrator/internal/model"
)

// SSH runs argv on a remote Server over an SSH connection. It allocates no
// PTY and runs non-interactively.
type SSH struct {
	creds          CredentialResolver
	defaultKeyPath string
}

// NewSSH builds an SSH executor. defaultKeyPath is used when a Server's
// credential does not name its own key file.
func NewSSH(creds CredentialResolver, defaultKeyPath string) *SSH {
	return &SSH{creds: creds, defaultKeyPath: defaultKeyPath}
}

// Execute dials target over SSH, runs argv as a single remote command
// (joined with a space, already wrapped as ["sh","-c",...] by the caller),
// and honors the hard timeout for both dial and command execution.
func (s *SSH) Execute(ctx context.Context, target model.Server, argv []string, timeout time.Duration) (Result, error) {
	if len(argv) == 0 {
		return Result{}, &TransportError{Err: fmt.Errorf("empty argv")}
	}

	deadline := time.Now().Add(timeout)
	runCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	auth, err := s.authMethod(runCtx, target)
	if err != nil {
		return Result{}, &TransportError{Err: err}
	}

	config := &ssh.ClientConfig{
		User:            target.Username,
		Auth:            []ssh.AuthMethod{auth},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // host key policy is a deployment concern, outside the core contract
		Timeout:         timeout,
	}

	addr := fmt.Sprintf("%s:%d", target.Hostname, target.Port)

	type dialResult struct {
		client *ssh.Client
		err    error
	}
	dialCh := make(chan dialResult, 1)
	go func() {
		client, dialErr := ssh.Dial("tcp", addr, config)
		dialCh <- dialResult{client, dialErr}
	}()

	var client *ssh.Client
	select {
	case <-runCtx.Done():
		return Result{}, &TimeoutError{Timeout: timeout}
	case res := <-dialCh:
		if res.err != nil {
			return Result{}, &TransportError{Err: fmt.Errorf("dial %s: %w", addr, res.err)}
		}
		client = res.client
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return Result{}, &TransportError{Err: fmt.Errorf("new session: %w", err)}
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	cmd := strings.Join(quoteArgv(argv), " ")

	done := make(chan error, 1)
	go func() {
		done <- session.Run(cmd)
	}()

	select {
	case <-runCtx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		return Result{Stdout: stdout.String(), Stderr: stderr.String()}, &TimeoutError{Timeout: timeout}
	case err := <-done:
		if err == nil {
			return Result{ExitCode: 0, Stdout: stdout.String(), Stderr: stderr.String()}, nil
		}
		if exitErr, ok := err.(*ssh.ExitError); ok {
			return Result{
				ExitCode: exitErr.ExitStatus(),
				Stdout:   stdout.String(),
				Stderr:   stderr.String(),
			}, nil
		}
		return Result{}, &TransportError{Err: err}
	}
}

func (s *SSH) authMethod(ctx context.Context, target model.Server) (ssh.AuthMethod, error) {
	if target.CredentialID == nil {
		return s.keyFileAuth(s.defaultKeyPath)
	}

	cred, err := s.creds.Credential(ctx, *target.CredentialID)
	if err != nil {
		return nil, fmt.Errorf("load credential %d: %w", *target.CredentialID, err)
	}
	if cred == nil {
		return nil, fmt.Errorf("credential %d not found", *target.CredentialID)
	}

	switch cred.Type {
	case model.CredentialPassword:
		return ssh.Password(cred.Value), nil
	case model.CredentialSSHKey:
		path := cred.Value
		if path == "" {
			path = s.defaultKeyPath
		}
		return s.keyFileAuth(path)
	default:
		return nil, fmt.Errorf("credential %d has unsupported type %q for ssh auth", cred.ID, cred.Type)
	}
}

func (s *SSH) keyFileAuth(path string) (ssh.AuthMethod, error) {
	if path == "" {
		return nil, fmt.Errorf("no ssh key path configured")
	}
	key, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key %s: %w", path, err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parse key %s: %w", path, err)
	}
	return ssh.PublicKeys(signer), nil
}

// quoteArgv single-quotes the final argument. The engine hands us
// ["sh", "-c", substitutedCommand]; the join must preserve embedded
// whitespace in the substituted command.
func quoteArgv(argv []string) []string {
	out := make([]string, len(argv))
	for i, a := range argv {
		if i == len(argv)-1 {
			out[i] = "'" + strings.ReplaceAll(a, "'", `'\''`) + "'"
		} else {
			out[i] = a
		}
	}
	return out
}
