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

// Package capability gates command dispatch on a server's declared and
// detected capabilities and OS distro.
package capability

import (
	"fmt"

	"github.com/fleetcron/orchestrator/internal/model"
)

// packageManagers are the fixed capability names resolved against
// Server.PackageManager rather than a ServerCapability row.
var packageManagers = map[string]bool{
	"apt":    true,
	"dnf":    true,
	"pacman": true,
	"yum":    true,
}

// Error reports a capability or OS-filter miss. It is never retried by the
// engine.
type Error struct {
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("precondition: %s", e.Reason)
}

// Check runs the full gate: required capability membership, then the OS
// filter. server and caps describe the target; required is the union of
// JobType and CommandTemplate required_capabilities.
func Check(server model.Server, caps []model.ServerCapability, required []string, osFilter model.OSFilter) error {
	available := effectiveSet(server, caps)
	for _, c := range required {
		if !available[c] {
			return &Error{Reason: fmt.Sprintf("server %q missing capability %q", server.Name, c)}
		}
	}
	if err := checkOSFilter(server, osFilter); err != nil {
		return err
	}
	return nil
}

func effectiveSet(server model.Server, caps []model.ServerCapability) map[string]bool {
	set := make(map[string]bool, len(caps)+4)
	if server.DockerAvailable {
		set["docker"] = true
	}
	if server.SystemdAvailable {
		set["systemd"] = true
	}
	if server.PackageManager != "" && packageManagers[server.PackageManager] {
		set[server.PackageManager] = true
	}
	for _, c := range caps {
		if c.Available {
			set[c.CapabilityName] = true
		}
	}
	return set
}

func checkOSFilter(server model.Server, filter model.OSFilter) error {
	if filter.Empty() {
		return nil
	}
	if server.OSDistro == "" {
		return &Error{Reason: fmt.Sprintf("server %q has no os_distro, required one of %v", server.Name, filter.Distro)}
	}
	for _, d := range filter.Distro {
		if d == server.OSDistro {
			return nil
		}
	}
	return &Error{Reason: fmt.Sprintf("server %q os_distro %q not in %v", server.Name, server.OSDistro, filter.Distro)}
}
