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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/fleetcron/orchestrator/internal/notify"
)

// Gotify sends a Message to a Gotify server's message API. Required config
// keys: url, token.
type Gotify struct{}

type gotifyPayload struct {
	Title    string `json:"title"`
	Message  string `json:"message"`
	Priority int    `json:"priority"`
}

func (Gotify) Send(ctx context.Context, config map[string]any, msg notify.Message) error {
	url, _ := config["url"].(string)
	token, _ := config["token"].(string)
	if url == "" || token == "" {
		return fmt.Errorf("configuration: gotify channel missing url or token")
	}

	body, err := json.Marshal(gotifyPayload{Title: msg.Title, Message: msg.Body, Priority: msg.Priority})
	if err != nil {
		return fmt.Errorf("transport: encoding gotify payload: %w", err)
	}

	endpoint := fmt.Sprintf("%s/message?token=%s", trimTrailingSlash(url), token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("transport: building gotify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("transport: gotify request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("transport: gotify returned status %d", resp.StatusCode)
	}
	return nil
}

func trimTrailingSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}
