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
	"github.com/fleetcron/orchestrator/internal/model"
	"github.com/fleetcron/orchestrator/internal/notify"
)

// Default returns the transport registry for every NotificationChannel type:
// gotify and ntfy are implemented; email/slack/discord/webhook are reserved
// and return UnsupportedChannelError on send.
func Default() map[model.ChannelType]notify.Transport {
	return map[model.ChannelType]notify.Transport{
		model.ChannelGotify:  Gotify{},
		model.ChannelNtfy:    Ntfy{},
		model.ChannelEmail:   Unsupported{Type: string(model.ChannelEmail)},
		model.ChannelSlack:   Unsupported{Type: string(model.ChannelSlack)},
		model.ChannelDiscord: Unsupported{Type: string(model.ChannelDiscord)},
		model.ChannelWebhook: Unsupported{Type: string(model.ChannelWebhook)},
	}
}
