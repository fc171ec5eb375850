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
	"time"

	"github.com/go-logr/logr"
)

// Refresher periodically re-detects capabilities for every enabled server,
// so the gate works on reasonably fresh facts without each job run paying
// for a probe.
type Refresher struct {
	detector *Detector
	store    DetectorStore
	interval time.Duration
	log      logr.Logger
}

// NewRefresher builds a Refresher sweeping every interval.
func NewRefresher(detector *Detector, st DetectorStore, interval time.Duration, log logr.Logger) *Refresher {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Refresher{detector: detector, store: st, interval: interval, log: log}
}

// Run blocks, sweeping once immediately and then on each tick until ctx is
// cancelled.
func (r *Refresher) Run(ctx context.Context) error {
	r.sweep(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Refresher) sweep(ctx context.Context) {
	servers, err := r.store.EnabledServers(ctx)
	if err != nil {
		r.log.Error(err, "list enabled servers for capability refresh failed")
		return
	}
	for i := range servers {
		server := servers[i]
		if err := r.detector.Detect(ctx, &server); err != nil {
			r.log.Info("capability probe failed", "server", server.Name, "error", err.Error())
		}
	}
}
