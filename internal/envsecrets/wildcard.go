package envsecrets

import (
	"regexp"
	"sort"
	"strings"
)

// ExpandWildcard enumerates the names in universe matching pattern (a '*'
// glob, '*' -> "[^\s]*", other regex metacharacters escaped first). The
// bare "*" catch-all excludes any name that case-insensitively contains
// "API_KEY" or "APIKEY", unless that exact name is also present in
// explicitEntries (an explicit entry always wins and suppresses the
// exclusion). Result is sorted and deduplicated.
func ExpandWildcard(pattern string, universe []string, explicitEntries map[string]bool) []string {
	re := compileWildcard(pattern)
	isBareStar := pattern == "*"

	seen := map[string]bool{}
	var out []string
	for _, name := range universe {
		if !re.MatchString(name) {
			continue
		}
		if isBareStar && isAPIKeyName(name) && !explicitEntries[name] {
			continue
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func isAPIKeyName(name string) bool {
	upper := strings.ToUpper(name)
	return strings.Contains(upper, "API_KEY") || strings.Contains(upper, "APIKEY")
}

func compileWildcard(pattern string) *regexp.Regexp {
	var b strings.Builder
	b.WriteString("^")
	for _, r := range pattern {
		if r == '*' {
			b.WriteString(`[^\s]*`)
			continue
		}
		b.WriteString(regexp.QuoteMeta(string(r)))
	}
	b.WriteString("$")
	return regexp.MustCompile(b.String())
}
