// Package render fills ${key} placeholders in page templates.
package render

import "strings"

// Render replaces every ${key} in template with values[key]. Values are
// inserted literally; placeholders without a value are left as written.
func Render(template string, values map[string]string) string {
	if !strings.Contains(template, "${") {
		return template
	}

	var b strings.Builder
	b.Grow(len(template))
	rest := template
	for {
		start := strings.Index(rest, "${")
		if start < 0 {
			b.WriteString(rest)
			break
		}
		end := strings.IndexByte(rest[start+2:], '}')
		if end < 0 {
			b.WriteString(rest)
			break
		}
		end += start + 2

		key := rest[start+2 : end]
		b.WriteString(rest[:start])
		if v, ok := values[key]; ok {
			b.WriteString(v)
		} else {
			b.WriteString(rest[start : end+1])
		}
		rest = rest[end+1:]
	}
	return b.String()
}

// Keys returns the distinct placeholder names in template, in order of
// first appearance.
func Keys(template string) []string {
	var keys []string
	seen := make(map[string]bool)
	rest := template
	for {
		start := strings.Index(rest, "${")
		if start < 0 {
			return keys
		}
		end := strings.IndexByte(rest[start+2:], '}')
		if end < 0 {
			return keys
		}
		key := rest[start+2 : start+2+end]
		if !seen[key] {
			seen[key] = true
			keys = append(keys, key)
		}
		rest = rest[start+2+end+1:]
	}
}
