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

// defaultTitleTemplate is the fallback title for policies without one.
const defaultTitleTemplate = "[{{status}}] {{job_name}} on {{server_name}}"

// defaultBodyTemplate is the fallback body: status, duration, start time,
// and a per-server result line.
const defaultBodyTemplate = `Job {{job_name}} ({{job_type}}) finished with status {{status}} after {{duration_seconds}}s, started at {{started_at}}.

{{#each server_results}}- {{server_name}}: {{status}} (exit {{exit_code}})
{{/each}}`
