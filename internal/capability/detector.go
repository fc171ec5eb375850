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

package capability

import (
	"context"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"github.com/fleetcron/orchestrator/internal/executor"
	"github.com/fleetcron/orchestrator/internal/model"
)

// DetectorStore is the slice of the repository surface detection writes to.
type DetectorStore interface {
	EnabledServers(ctx context.Context) ([]model.Server, error)
	UpdateServerFacts(ctx context.Context, server *model.Server) error
	UpsertServerCapability(ctx context.Context, cap model.ServerCapability) error
}

// Detector probes a server for its package manager, docker, systemd, and OS
// distro, and caches the findings on the Server row and in the
// server_capabilities table.
type Detector struct {
	store   DetectorStore
	exec    executor.RemoteExecutor
	timeout time.Duration
	log     logr.Logger
}

// NewDetector builds a Detector. timeout bounds each probe command.
func NewDetector(st DetectorStore, exec executor.RemoteExecutor, timeout time.Duration, log logr.Logger) *Detector {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Detector{store: st, exec: exec, timeout: timeout, log: log}
}

// probe is one detection command: name is the capability recorded, command
// must print a version (or anything) and exit 0 when the capability exists.
type probe struct {
	name    string
	command string
}

var capabilityProbes = []probe{
	{name: "docker", command: "docker --version"},
	{name: "systemd", command: "systemctl --version | head -n1"},
}

var packageManagerProbes = []probe{
	{name: "apt", command: "apt-get --version | head -n1"},
	{name: "dnf", command: "dnf --version | head -n1"},
	{name: "pacman", command: "pacman --version | head -n1"},
	{name: "yum", command: "yum --version | head -n1"},
}

const distroProbe = `. /etc/os-release 2>/dev/null && printf %s "$ID"`

// Detect probes server and persists what it finds: the fixed Server booleans
// (docker_available, systemd_available, package_manager, os_distro,
// last_seen_at) and one server_capabilities row per probe. A probe that
// fails its command records the capability as unavailable; a transport
// failure aborts the whole pass and records last_error instead.
func (d *Detector) Detect(ctx context.Context, server *model.Server) error {
	now := time.Now().UTC()

	for _, p := range capabilityProbes {
		available, version, err := d.runProbe(ctx, *server, p)
		if err != nil {
			return d.recordUnreachable(ctx, server, err)
		}
		switch p.name {
		case "docker":
			server.DockerAvailable = available
		case "systemd":
			server.SystemdAvailable = available
		}
		if err := d.store.UpsertServerCapability(ctx, model.ServerCapability{
			ServerID:       server.ID,
			CapabilityName: p.name,
			Available:      available,
			Version:        version,
			DetectedAt:     &now,
		}); err != nil {
			return err
		}
	}

	server.PackageManager = ""
	for _, p := range packageManagerProbes {
		available, version, err := d.runProbe(ctx, *server, p)
		if err != nil {
			return d.recordUnreachable(ctx, server, err)
		}
		if available && server.PackageManager == "" {
			server.PackageManager = p.name
		}
		if err := d.store.UpsertServerCapability(ctx, model.ServerCapability{
			ServerID:       server.ID,
			CapabilityName: p.name,
			Available:      available,
			Version:        version,
			DetectedAt:     &now,
		}); err != nil {
			return err
		}
	}

	res, err := d.exec.Execute(ctx, *server, []string{"sh", "-c", distroProbe}, d.timeout)
	if err != nil {
		return d.recordUnreachable(ctx, server, err)
	}
	if res.ExitCode == 0 {
		server.OSDistro = strings.TrimSpace(res.Stdout)
	}

	server.LastSeenAt = &now
	server.LastError = ""
	return d.store.UpdateServerFacts(ctx, server)
}

// runProbe runs one probe command. A non-zero exit means the capability is
// absent, not an error; only transport/timeout failures propagate.
func (d *Detector) runProbe(ctx context.Context, server model.Server, p probe) (available bool, version string, err error) {
	res, err := d.exec.Execute(ctx, server, []string{"sh", "-c", p.command}, d.timeout)
	if err != nil {
		return false, "", err
	}
	if res.ExitCode != 0 {
		return false, "", nil
	}
	return true, firstLine(res.Stdout), nil
}

func (d *Detector) recordUnreachable(ctx context.Context, server *model.Server, cause error) error {
	server.LastError = cause.Error()
	if err := d.store.UpdateServerFacts(ctx, server); err != nil {
		d.log.Error(err, "record server probe failure", "serverID", server.ID)
	}
	return cause
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	const max = 64
	if len(s) > max {
		s = s[:max]
	}
	return s
}
