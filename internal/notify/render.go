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
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

const (
	eachOpenPrefix = "{{#each "
	eachClose      = "{{/each}}"
)

// Render applies the two-form template grammar: scalar placeholders
// `{{name}}`/`{{metrics.key}}`, and at most one
// `{{#each server_results}}...{{/each}}` iteration block. Render is total:
// it never errors, and an unresolved placeholder is left verbatim.
func Render(tmpl string, ctx TemplateContext) string {
	scalars := scalarValues(ctx)

	tmpl, rows := extractEachBlock(tmpl, ctx)
	tmpl = strings.Replace(tmpl, eachPlaceholder, rows, 1)

	return substituteScalars(tmpl, scalars)
}

// eachPlaceholder marks where the rendered each-block rows are spliced back
// into the outer template after the block itself is extracted.
const eachPlaceholder = "\x00EACH\x00"

// extractEachBlock finds the first (and only supported) {{#each
// server_results}}...{{/each}} block, renders its inner template once per
// ServerResult, and returns the outer template with the block replaced by a
// placeholder plus the concatenated rendered rows.
func extractEachBlock(tmpl string, ctx TemplateContext) (string, string) {
	openIdx := strings.Index(tmpl, eachOpenPrefix)
	if openIdx < 0 {
		return tmpl, ""
	}
	afterOpen := tmpl[openIdx+len(eachOpenPrefix):]
	closeTagIdx := strings.Index(afterOpen, "}}")
	if closeTagIdx < 0 {
		return tmpl, ""
	}
	collection := strings.TrimSpace(afterOpen[:closeTagIdx])
	if collection != "server_results" {
		// Only server_results iteration is specified; leave anything else
		// untouched rather than guessing.
		return tmpl, ""
	}
	bodyStart := openIdx + len(eachOpenPrefix) + closeTagIdx + len("}}")

	closeIdx := strings.Index(tmpl[bodyStart:], eachClose)
	if closeIdx < 0 {
		return tmpl, ""
	}
	inner := tmpl[bodyStart : bodyStart+closeIdx]
	blockEnd := bodyStart + closeIdx + len(eachClose)

	var rows strings.Builder
	for _, sr := range ctx.ServerResults {
		rows.WriteString(substituteScalars(inner, serverResultValues(sr)))
	}

	outer := tmpl[:openIdx] + eachPlaceholder + tmpl[blockEnd:]
	return outer, rows.String()
}

func substituteScalars(tmpl string, values map[string]string) string {
	var b strings.Builder
	i := 0
	for i < len(tmpl) {
		start := strings.Index(tmpl[i:], "{{")
		if start < 0 {
			b.WriteString(tmpl[i:])
			break
		}
		start += i
		end := strings.Index(tmpl[start:], "}}")
		if end < 0 {
			b.WriteString(tmpl[i:])
			break
		}
		end += start

		b.WriteString(tmpl[i:start])
		name := strings.TrimSpace(tmpl[start+2 : end])

		if val, ok := values[name]; ok {
			b.WriteString(val)
		} else {
			// Unresolved placeholders stay verbatim so a malformed
			// template never blocks delivery of a partial message.
			b.WriteString(tmpl[start : end+2])
		}

		i = end + 2
	}
	return b.String()
}

func scalarValues(ctx TemplateContext) map[string]string {
	v := map[string]string{
		"job_name":      ctx.JobName,
		"job_type":      ctx.JobType,
		"schedule_name": ctx.ScheduleName,
		"status":        ctx.Status,
		"severity":      strconv.Itoa(ctx.Severity),
		"total_servers": strconv.Itoa(ctx.TotalServers),
		"success_count": strconv.Itoa(ctx.SuccessCount),
		"failure_count": strconv.Itoa(ctx.FailureCount),
		"started_at":    ctx.StartedAt,
		"finished_at":   ctx.FinishedAt,
		"duration_seconds": formatFloat(ctx.DurationSecs),
	}
	if len(ctx.ServerResults) > 0 {
		v["server_name"] = ctx.ServerResults[0].ServerName
	}
	for key, val := range ctx.Metrics {
		v["metrics."+key] = stringifyLeaf(val)
	}
	return v
}

func serverResultValues(sr ServerResult) map[string]string {
	exitCode := ""
	if sr.ExitCode != nil {
		exitCode = strconv.Itoa(*sr.ExitCode)
	}
	return map[string]string{
		"server_name":    sr.ServerName,
		"status":         sr.Status,
		"exit_code":      exitCode,
		"stdout_snippet": sr.StdoutSnippet,
		"stderr_snippet": sr.StderrSnippet,
	}
}

func stringifyLeaf(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return formatFloat(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
