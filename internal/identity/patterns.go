package identity

import (
	"fmt"
	"regexp"
	"strings"
)

// SpecPattern is one labelled technical-spec detector. Priority patterns
// (storage sizes) are ordered ahead of the rest when picking spec tokens.
type SpecPattern struct {
	Label    string
	Pattern  string
	Priority bool
}

// DefaultSpecPatterns is ordered; at a given position the first pattern
// that matches wins.
var DefaultSpecPatterns = []SpecPattern{
	{Label: "storage_gb", Pattern: `\d+\s?GB`, Priority: true},
	{Label: "storage_tb", Pattern: `\d+\s?TB`, Priority: true},
	{Label: "screen", Pattern: `\d+(?:[.,]\d+)?(?:"|''|\s?PULGADAS)`},
	{Label: "camera", Pattern: `\d+\s?MP`},
	{Label: "battery", Pattern: `\d+\s?MAH`},
	{Label: "intel", Pattern: `\bI\d\b`},
	{Label: "ryzen", Pattern: `RYZEN\s?\d`},
	{Label: "rtx", Pattern: `RTX\s?\d+`},
	{Label: "gtx", Pattern: `GTX\s?\d+`},
	{Label: "watts", Pattern: `\d+W\b`},
	{Label: "network", Pattern: `\b(?:5G|4G|LTE)\b`},
	{Label: "wifi", Pattern: `WIFI\s?6`},
	{Label: "apple_m", Pattern: `\bM\d+\b`},
	{Label: "apple_a", Pattern: `\bA\d+\b`},
}

type specMatcher struct {
	re     *regexp.Regexp
	labels []SpecPattern
}

// compileSpecs folds the ordered patterns into one case-insensitive
// alternation with a capture group per pattern, so matches come back in
// positional order with the winning pattern identifiable by group index.
func compileSpecs(patterns []SpecPattern) (*specMatcher, error) {
	parts := make([]string, 0, len(patterns))
	for _, p := range patterns {
		if _, err := regexp.Compile(p.Pattern); err != nil {
			return nil, fmt.Errorf("spec pattern %q: %w", p.Label, err)
		}
		parts = append(parts, "("+p.Pattern+")")
	}
	re, err := regexp.Compile("(?i)" + strings.Join(parts, "|"))
	if err != nil {
		return nil, fmt.Errorf("failed to compile spec patterns: %w", err)
	}
	return &specMatcher{re: re, labels: patterns}, nil
}

type specMatch struct {
	text     string
	priority bool
}

// find returns up to limit matches in the order they appear in s.
func (m *specMatcher) find(s string, limit int) []specMatch {
	var out []specMatch
	for _, loc := range m.re.FindAllStringSubmatchIndex(s, limit) {
		for g := 1; g < len(loc)/2; g++ {
			if loc[2*g] < 0 {
				continue
			}
			// Group numbering only lines up with m.labels when user patterns
			// carry no capture groups of their own; fall back to plain text.
			priority := false
			if g-1 < len(m.labels) {
				priority = m.labels[g-1].Priority
			}
			out = append(out, specMatch{
				text:     strings.ToUpper(s[loc[0]:loc[1]]),
				priority: priority,
			})
			break
		}
	}
	return out
}
