package fallback

import (
	"fmt"
	"sort"
	"strings"
)

type heuristicFunc func(params map[string]any) Result

// heuristics is the closed set of estimate functions a chain may name.
var heuristics = map[string]heuristicFunc{
	"estimate_from_keywords":    estimateFromKeywords,
	"estimate_from_seasonality": estimateFromSeasonality,
}

// HeuristicMethods returns the registered method names, sorted.
func HeuristicMethods() []string {
	names := make([]string, 0, len(heuristics))
	for name := range heuristics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func nicheOf(params map[string]any) string {
	v, ok := params["niche"]
	if !ok || v == nil {
		return ""
	}
	return strings.ToLower(fmt.Sprint(v))
}

// estimateFromKeywords guesses a competition size from the niche wording.
func estimateFromKeywords(params map[string]any) Result {
	niche := nicheOf(params)

	estimate := 25000
	if strings.Contains(niche, "generic") || strings.Contains(niche, "funny") {
		estimate = 150000
	}
	if strings.Contains(niche, "unique") || strings.Contains(niche, "niche") {
		estimate = 10000
	}
	return Result{"estimate": estimate}
}

// seasons is checked in order; the first term found in the niche wins.
var seasons = []struct {
	term  string
	score int
}{
	{"christmas", 70},
	{"halloween", 65},
	{"spring", 55},
	{"summer", 60},
}

// estimateFromSeasonality returns a 12 month interest score.
func estimateFromSeasonality(params map[string]any) Result {
	niche := nicheOf(params)

	score := 50
	for _, s := range seasons {
		if strings.Contains(niche, s.term) {
			score = s.score
			break
		}
	}
	return Result{
		"score_12mo":      score,
		"trend_direction": "stable",
		KeyIsEstimate:     true,
	}
}
