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

package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/fleetcron/orchestrator/internal/store"
)

// HistoryPruner periodically removes JobRun rows (with their step results
// and notification log rows) older than the configured retention window.
type HistoryPruner struct {
	store         store.Store
	retentionDays int
	interval      time.Duration
	log           logr.Logger
	stopCh        chan struct{}
	running       bool
	mu            sync.Mutex
}

// NewHistoryPruner creates a new history pruner.
func NewHistoryPruner(st store.Store, retentionDays int, log logr.Logger) *HistoryPruner {
	return &HistoryPruner{
		store:         st,
		retentionDays: retentionDays,
		interval:      6 * time.Hour,
		log:           log,
		stopCh:        make(chan struct{}),
	}
}

// Start begins the pruner loop; it runs once immediately, then on each tick.
func (p *HistoryPruner) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = true
	p.mu.Unlock()

	p.log.Info("starting history pruner", "retentionDays", p.retentionDays, "interval", p.interval)

	p.prune(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.stopCh:
			return nil
		case <-ticker.C:
			p.prune(ctx)
		}
	}
}

// Stop halts the pruner.
func (p *HistoryPruner) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		close(p.stopCh)
		p.running = false
	}
}

// SetRetentionDays changes the retention period.
func (p *HistoryPruner) SetRetentionDays(days int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.retentionDays = days
}

// SetInterval changes the prune interval.
func (p *HistoryPruner) SetInterval(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.interval = d
}

func (p *HistoryPruner) prune(ctx context.Context) {
	p.mu.Lock()
	retentionDays := p.retentionDays
	p.mu.Unlock()

	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	count, err := p.store.PruneJobRuns(ctx, cutoff)
	if err != nil {
		p.log.Error(err, "failed to prune job run history")
		return
	}

	if count > 0 {
		p.log.Info("pruned job run history", "recordsDeleted", count, "cutoff", cutoff)
	}
}
