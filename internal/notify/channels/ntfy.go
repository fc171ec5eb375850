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
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/fleetcron/orchestrator/internal/notify"
)

// Ntfy sends a Message to an ntfy.sh-compatible server. Required config
// keys: url, topic. Auth is an optional token, or username+password.
type Ntfy struct{}

func (Ntfy) Send(ctx context.Context, config map[string]any, msg notify.Message) error {
	url, _ := config["url"].(string)
	topic, _ := config["topic"].(string)
	if url == "" || topic == "" {
		return fmt.Errorf("configuration: ntfy channel missing url or topic")
	}

	endpoint := trimTrailingSlash(url) + "/" + topic
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(msg.Body))
	if err != nil {
		return fmt.Errorf("transport: building ntfy request: %w", err)
	}
	req.Header.Set("Title", msg.Title)
	req.Header.Set("Priority", strconv.Itoa(ntfyPriority(msg.Priority)))

	if token, ok := config["token"].(string); ok && token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	} else if username, ok := config["username"].(string); ok && username != "" {
		if password, ok := config["password"].(string); ok {
			req.SetBasicAuth(username, password)
		}
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("transport: ntfy request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("transport: ntfy returned status %d", resp.StatusCode)
	}
	return nil
}

// ntfyPriority clamps onto ntfy's 1 (min) - 5 (max) scale, which matches
// the channel priority scale one to one.
func ntfyPriority(p int) int {
	if p < 1 {
		return 1
	}
	if p > 5 {
		return 5
	}
	return p
}
