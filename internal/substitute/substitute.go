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

// Package substitute performs single-pass {{name}} variable substitution
// into command template strings.
package substitute

import "strings"

// Result carries the substituted text and any placeholders that could not be
// resolved against the supplied variables.
type Result struct {
	Text       string
	Unresolved []string
}

// Merge layers step variables on top of template variables, step wins on
// key collision.
func Merge(template, step map[string]string) map[string]string {
	out := make(map[string]string, len(template)+len(step))
	for k, v := range template {
		out[k] = v
	}
	for k, v := range step {
		out[k] = v
	}
	return out
}

// Substitute replaces every {{name}} occurrence in text with vars[name] in a
// single left-to-right pass; substituted text is never re-scanned. Markers
// that cannot be resolved are left verbatim and reported in Unresolved.
func Substitute(text string, vars map[string]string) Result {
	var b strings.Builder
	var unresolved []string
	seen := make(map[string]bool)

	i := 0
	for i < len(text) {
		start := strings.Index(text[i:], "{{")
		if start == -1 {
			b.WriteString(text[i:])
			break
		}
		start += i
		b.WriteString(text[i:start])

		end := strings.Index(text[start+2:], "}}")
		if end == -1 {
			// No closing marker at all: emit the rest verbatim and stop.
			b.WriteString(text[start:])
			break
		}
		end = start + 2 + end
		name := text[start+2 : end]

		if isValidName(name) {
			if v, ok := vars[name]; ok {
				b.WriteString(v)
			} else {
				b.WriteString(text[start : end+2])
				if !seen[name] {
					seen[name] = true
					unresolved = append(unresolved, name)
				}
			}
		} else {
			// Not a well-formed identifier: not a placeholder, copy verbatim.
			b.WriteString(text[start : end+2])
		}

		i = end + 2
	}

	return Result{Text: b.String(), Unresolved: unresolved}
}

func isValidName(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}
