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

package channels

import (
	"context"

	"github.com/fleetcron/orchestrator/internal/notify"
)

// Unsupported backs the reserved channel types that have no transport yet
// (email, slack, discord, webhook). A send always returns
// UnsupportedChannelError.
type Unsupported struct {
	Type string
}

func (u Unsupported) Send(ctx context.Context, config map[string]any, msg notify.Message) error {
	return &notify.UnsupportedChannelError{Type: u.Type}
}
