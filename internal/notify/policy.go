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
	"strconv"
	"time"

	"github.com/fleetcron/orchestrator/internal/model"
	"github.com/fleetcron/orchestrator/internal/store"
)

// matches reports whether a policy applies to the completed run: status
// trigger, severity floor, the three membership filters, and the optional
// hourly rate cap must all hold.
func matches(ctx context.Context, st store.Store, policy model.NotificationPolicy, s *snapshot, tctx TemplateContext) (bool, error) {
	if !statusTriggered(policy, s.run.Status) {
		return false, nil
	}
	if tctx.Severity < policy.MinSeverity {
		return false, nil
	}
	if !filterPasses(policy.JobTypeFilter, tctx.JobType) {
		return false, nil
	}
	if !serverFilterPasses(policy.ServerFilter, s.server) {
		return false, nil
	}
	if !tagFilterPasses(policy.TagFilter, s.tags) {
		return false, nil
	}
	if policy.MaxPerHour != nil {
		since := time.Now().Add(-time.Hour)
		count, err := st.SuccessfulNotificationCountSince(ctx, policy.ID, since)
		if err != nil {
			return false, err
		}
		if count >= *policy.MaxPerHour {
			return false, nil
		}
	}
	return true, nil
}

func statusTriggered(policy model.NotificationPolicy, status model.RunStatus) bool {
	switch status {
	case model.StatusSuccess:
		return policy.OnSuccess
	case model.StatusTimeout:
		return policy.OnTimeout
	case model.StatusFailure, model.StatusCancelled:
		return policy.OnFailure
	default:
		return false
	}
}

// filterPasses implements "empty filter => pass; otherwise membership".
func filterPasses(filter []string, value string) bool {
	if len(filter) == 0 {
		return true
	}
	for _, v := range filter {
		if v == value {
			return true
		}
	}
	return false
}

// serverFilterPasses matches on server id. The filter holds server ids
// stored in their decimal string form, not server names.
func serverFilterPasses(filter []string, server *model.Server) bool {
	if len(filter) == 0 {
		return true
	}
	if server == nil {
		return false
	}
	id := strconv.FormatInt(server.ID, 10)
	for _, v := range filter {
		if v == id {
			return true
		}
	}
	return false
}

func tagFilterPasses(filter []string, tags []model.Tag) bool {
	if len(filter) == 0 {
		return true
	}
	for _, want := range filter {
		for _, tag := range tags {
			if tag.Name == want {
				return true
			}
		}
	}
	return false
}

// clampPriority forces a priority into the [1,5] range.
func clampPriority(p int) int {
	if p < 1 {
		return 1
	}
	if p > 5 {
		return 5
	}
	return p
}
