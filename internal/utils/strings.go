// Package utils holds small helpers shared by configuration and the HTTP layer.
package utils

import "strings"

// ParseList splits a comma-separated string into trimmed, non-empty values.
// normalize, when non-nil, is applied to every value before duplicates are dropped.
// Order of first occurrence is kept. Returns nil when nothing remains.
func ParseList(s string, normalize func(string) string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}

	seen := make(map[string]struct{})
	var result []string
	for _, v := range strings.Split(s, ",") {
		v = strings.TrimSpace(v)
		if normalize != nil {
			v = normalize(v)
		}
		if v == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		result = append(result, v)
	}

	return result
}
