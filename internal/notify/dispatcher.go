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

package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/fleetcron/orchestrator/internal/metrics"
	"github.com/fleetcron/orchestrator/internal/model"
	"github.com/fleetcron/orchestrator/internal/store"
)

// Dispatcher is the notification engine. It is wired as the execution
// engine's onCompletion callback: HandleCompletion is called once per
// terminal JobRun.
type Dispatcher struct {
	store       store.Store
	transports  map[model.ChannelType]Transport
	log         logr.Logger
	readyAt     time.Time
	sendTimeout time.Duration

	statsMu sync.Mutex
	stats   map[int64]*ChannelStats // channel id -> stats

	limiterMu sync.Mutex
	limiters  map[int64]*rate.Limiter // channel id -> optional per-channel limiter
}

// New builds a Dispatcher. startupGrace suppresses sends until that much
// time has elapsed since construction, so a restart after downtime doesn't
// flood channels with stale completions.
func New(st store.Store, transports map[model.ChannelType]Transport, startupGrace time.Duration, log logr.Logger) *Dispatcher {
	return &Dispatcher{
		store:      st,
		transports: transports,
		log:        log,
		readyAt:    time.Now().Add(startupGrace),
		stats:      make(map[int64]*ChannelStats),
		limiters:   make(map[int64]*rate.Limiter),
	}
}

// SetSendTimeout bounds each channel send. Zero means no per-send deadline
// beyond the caller's context.
func (d *Dispatcher) SetSendTimeout(timeout time.Duration) {
	d.sendTimeout = timeout
}

// HandleCompletion runs the full pipeline for one completed JobRun: load
// context, match policies, render, fan out, log, mark notified. It satisfies
// the engine's onCompletion callback signature.
func (d *Dispatcher) HandleCompletion(ctx context.Context, jobRunID int64) {
	if time.Now().Before(d.readyAt) {
		d.log.V(1).Info("suppressing notification during startup grace period", "jobRunID", jobRunID)
		return
	}

	snap, err := loadSnapshot(ctx, d.store, jobRunID)
	if err != nil {
		d.log.Error(err, "load notification snapshot failed", "jobRunID", jobRunID)
		return
	}
	if !snap.run.Status.Terminal() {
		return
	}

	tctx := buildContext(snap)

	policies, err := d.store.EnabledNotificationPolicies(ctx)
	if err != nil {
		d.log.Error(err, "load notification policies failed", "jobRunID", jobRunID)
		return
	}

	var firstErr string
	sentAny := false
	for _, policy := range policies {
		ok, err := matches(ctx, d.store, policy, snap, tctx)
		if err != nil {
			d.log.Error(err, "policy match failed", "policyID", policy.ID)
			continue
		}
		if !ok {
			continue
		}

		title := Render(orDefault(policy.TitleTemplate, defaultTitleTemplate), tctx)
		body := Render(orDefault(policy.BodyTemplate, defaultBodyTemplate), tctx)

		err = d.fanOut(ctx, policy, title, body, jobRunID)
		if err != nil && firstErr == "" {
			firstErr = err.Error()
		}
		sentAny = true
	}

	if sentAny {
		if err := d.store.MarkNotified(ctx, jobRunID, firstErr); err != nil {
			d.log.Error(err, "mark notified failed", "jobRunID", jobRunID)
		}
	}
}

// fanOut sends to every channel linked to the policy concurrently, logging
// every attempt. A channel's failure never fails its siblings.
func (d *Dispatcher) fanOut(ctx context.Context, policy model.NotificationPolicy, title, body string, jobRunID int64) error {
	links, err := d.store.PolicyChannels(ctx, policy.ID)
	if err != nil {
		return err
	}
	if len(links) == 0 {
		return nil
	}

	ids := make([]int64, len(links))
	for i, l := range links {
		ids[i] = l.ChannelID
	}
	channels, err := d.store.NotificationChannels(ctx, ids)
	if err != nil {
		return err
	}
	byID := make(map[int64]model.NotificationChannel, len(channels))
	for _, c := range channels {
		byID[c.ID] = c
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)

	var mu sync.Mutex
	var firstErr error

	for _, link := range links {
		link := link
		channel, ok := byID[link.ChannelID]
		if !ok || !channel.Enabled {
			continue
		}

		priority := channel.DefaultPriority
		if link.PriorityOverride != nil {
			priority = *link.PriorityOverride
		}
		priority = clampPriority(priority)

		msg := Message{Title: title, Body: body, Priority: priority}

		g.Go(func() error {
			sendErr := d.sendToChannel(gctx, channel, msg)

			logEntry := &model.NotificationLog{
				ChannelID: channel.ID,
				PolicyID:  policy.ID,
				JobRunID:  jobRunID,
				Title:     msg.Title,
				Body:      msg.Body,
				Priority:  msg.Priority,
				Success:   sendErr == nil,
				SentAt:    time.Now().UTC(),
			}
			outcome := "sent"
			if sendErr != nil {
				logEntry.ErrorMessage = sendErr.Error()
				outcome = "failed"
			}
			metrics.RecordNotification(channel.Name, outcome)

			if err := d.store.InsertNotificationLog(ctx, logEntry); err != nil {
				d.log.Error(err, "insert notification log failed", "channelID", channel.ID)
			}

			if sendErr != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = sendErr
				}
				mu.Unlock()
			}
			// Errors are intentionally swallowed here (not returned to the
			// errgroup) so one channel's failure never cancels its siblings.
			return nil
		})
	}

	_ = g.Wait()
	return firstErr
}

// sendToChannel applies the channel's own optional rate limit and records
// delivery statistics, then delegates to the registered Transport for the
// channel's type.
func (d *Dispatcher) sendToChannel(ctx context.Context, channel model.NotificationChannel, msg Message) error {
	if limiter := d.limiterFor(channel); limiter != nil && !limiter.Allow() {
		err := fmt.Errorf("transport: channel %q rate limit exceeded", channel.Name)
		d.recordFailure(channel.ID, err)
		return err
	}

	transport, ok := d.transports[channel.Type]
	if !ok {
		err := &UnsupportedChannelError{Type: string(channel.Type)}
		d.recordFailure(channel.ID, err)
		return err
	}

	if d.sendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.sendTimeout)
		defer cancel()
	}

	err := transport.Send(ctx, channel.Config, msg)
	if err != nil {
		d.recordFailure(channel.ID, err)
		return err
	}
	d.recordSuccess(channel.ID)
	return nil
}

// limiterFor lazily builds a per-channel token-bucket limiter from an
// optional numeric "max_per_hour" key in the channel's config. Channels
// without the key are unlimited.
func (d *Dispatcher) limiterFor(channel model.NotificationChannel) *rate.Limiter {
	maxPerHour, ok := channelRateLimit(channel.Config)
	if !ok {
		return nil
	}

	d.limiterMu.Lock()
	defer d.limiterMu.Unlock()
	if l, ok := d.limiters[channel.ID]; ok {
		return l
	}
	burst := maxPerHour
	if burst < 1 {
		burst = 1
	}
	l := rate.NewLimiter(rate.Limit(float64(maxPerHour)/3600.0), burst)
	d.limiters[channel.ID] = l
	return l
}

func channelRateLimit(config map[string]any) (int, bool) {
	raw, ok := config["max_per_hour"]
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	default:
		return 0, false
	}
}

func (d *Dispatcher) recordSuccess(channelID int64) {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()
	s := d.statFor(channelID)
	s.SentTotal++
	s.LastSentAt = time.Now().UTC()
	s.ConsecutiveFailures = 0
}

func (d *Dispatcher) recordFailure(channelID int64, err error) {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()
	s := d.statFor(channelID)
	s.FailedTotal++
	s.LastFailedAt = time.Now().UTC()
	s.LastFailedError = err.Error()
	s.ConsecutiveFailures++
}

func (d *Dispatcher) statFor(channelID int64) *ChannelStats {
	s, ok := d.stats[channelID]
	if !ok {
		s = &ChannelStats{}
		d.stats[channelID] = s
	}
	return s
}

// Stats returns a snapshot copy of the delivery statistics for a channel.
func (d *Dispatcher) Stats(channelID int64) ChannelStats {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()
	if s, ok := d.stats[channelID]; ok {
		return *s
	}
	return ChannelStats{}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
