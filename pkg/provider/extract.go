package provider

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// countPattern is a comma-grouped number or a plain run of digits.
const countPattern = `(\d{1,3}(?:,\d{3})+|\d+)`

// Matcher pulls a count out of free text.
type Matcher struct {
	Name string
	re   *regexp.Regexp
}

// Match returns the first count the pattern finds in text.
func (m Matcher) Match(text string) (int64, bool) {
	sub := m.re.FindStringSubmatch(text)
	if len(sub) < 2 {
		return 0, false
	}
	n, err := parseGrouped(sub[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// Matchers in priority order.
var (
	// MatchResults finds "52,400 results" or "310 listings".
	MatchResults = Matcher{Name: "results", re: regexp.MustCompile(`(?i)\b` + countPattern + `\s*(?:results?|listings?)\b`)}

	// MatchParenthesized finds "(1,234)".
	MatchParenthesized = Matcher{Name: "parenthesized", re: regexp.MustCompile(`\(` + countPattern + `\)`)}

	// MatchApproximate finds "over 5,000", "approximately 12000" and similar.
	MatchApproximate = Matcher{Name: "approximate", re: regexp.MustCompile(`(?i)\b(?:over|more than|approximately|around)\s*` + countPattern)}

	// MatchOver is the narrower "over|more than" phrasing.
	MatchOver = Matcher{Name: "over", re: regexp.MustCompile(`(?i)\b(?:over|more than)\s*` + countPattern)}

	// MatchBareNumber is the last resort: a comma-grouped or 4+ digit number.
	MatchBareNumber = Matcher{Name: "bare", re: regexp.MustCompile(`\b(\d{1,3}(?:,\d{3})+|\d{4,})\b`)}
)

var (
	// PerplexityMatchers is the full chain used for model answers.
	PerplexityMatchers = []Matcher{MatchResults, MatchParenthesized, MatchApproximate, MatchBareNumber}

	// BraveMatchers skips bare numbers; search snippets are full of unrelated ones.
	BraveMatchers = []Matcher{MatchResults, MatchParenthesized, MatchOver}
)

// ExtractCount tries matchers in order and returns the first hit.
func ExtractCount(text string, matchers ...Matcher) (int64, bool) {
	for _, m := range matchers {
		if n, ok := m.Match(text); ok {
			return n, true
		}
	}
	return 0, false
}

func parseGrouped(s string) (int64, error) {
	return strconv.ParseInt(strings.ReplaceAll(strings.TrimSpace(s), ",", ""), 10, 64)
}

// parseCountValue accepts a JSON number or a string such as "52,400".
func parseCountValue(raw json.RawMessage) (int64, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, fmt.Errorf("missing value")
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return parseGrouped(s)
	}

	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0, fmt.Errorf("not a number: %s", raw)
	}
	if f < 0 {
		return 0, fmt.Errorf("negative count %v", f)
	}
	return int64(f), nil
}
