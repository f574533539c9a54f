// Package universe resolves the set of ticker symbols a pipeline run processes.
package universe

import (
	_ "embed"
	"regexp"
	"sort"
	"strings"
)

// Base universe snapshot: index constituents plus the major ETFs and
// frequently requested stocks. Refreshed out of band.
//
//go:embed universe.txt
var baseSnapshot string

var symbolPattern = regexp.MustCompile(`^[A-Z0-9-]{1,10}$`)

// Base returns the embedded base universe snapshot.
func Base() []string {
	lines := strings.Split(baseSnapshot, "\n")
	symbols := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		symbols = append(symbols, line)
	}
	return symbols
}

// Normalize canonicalises a raw ticker entry: whitespace trimmed, upper case,
// class shares separated by '-' rather than '.' (BRK.B -> BRK-B). The second
// return value is false when the entry is empty or malformed.
func Normalize(raw string) (string, bool) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	s = strings.ReplaceAll(s, ".", "-")
	if !symbolPattern.MatchString(s) {
		return "", false
	}
	return s, true
}

// Resolve returns the deduplicated union of the base universe and the
// caller-supplied custom tickers. Malformed entries are dropped silently; the
// result is sorted so runs log a stable universe.
func Resolve(base, custom []string) []string {
	if len(base) == 0 {
		base = Base()
	}

	seen := make(map[string]struct{}, len(base)+len(custom))
	for _, raw := range base {
		if sym, ok := Normalize(raw); ok {
			seen[sym] = struct{}{}
		}
	}
	for _, raw := range custom {
		if sym, ok := Normalize(raw); ok {
			seen[sym] = struct{}{}
		}
	}

	symbols := make([]string, 0, len(seen))
	for sym := range seen {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)
	return symbols
}
