// Package strings holds small string helpers shared by platform packages.
package strings

import (
	"strings"
)

// NormalizeHosts trims, lowercases and dedupes host:port entries, dropping
// blanks. Order is preserved so the first configured seed stays first.
func NormalizeHosts(values []string) []string {
	if len(values) == 0 {
		return values
	}

	seen := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))
	for _, v := range values {
		host := strings.ToLower(strings.TrimSpace(v))
		if host == "" {
			continue
		}
		if _, ok := seen[host]; ok {
			continue
		}
		seen[host] = struct{}{}
		result = append(result, host)
	}
	return result
}
