package pipeline

import (
	"sort"
	"strings"
)

// Categorize runs the local keyword pre-pass over item text. It is cheap
// and deterministic; the gateway may add categories on top of these.
func Categorize(keywords map[string][]string, text string) []string {
	if len(keywords) == 0 || text == "" {
		return nil
	}
	lower := strings.ToLower(text)
	var out []string
	for category, words := range keywords {
		for _, w := range words {
			if w == "" {
				continue
			}
			if strings.Contains(lower, strings.ToLower(w)) {
				out = append(out, category)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// DefaultCategoryKeywords seeds the pre-pass when config does not override
// it.
var DefaultCategoryKeywords = map[string][]string{
	"finance":    {"revenue", "invoice", "payment", "refund", "churn"},
	"operations": {"latency", "outage", "backlog", "capacity", "incident"},
	"customer":   {"complaint", "ticket", "review", "nps", "support"},
	"security":   {"breach", "vulnerability", "unauthorized", "phishing"},
	"growth":     {"signup", "conversion", "trial", "upgrade", "activation"},
}

func mergeCategories(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	var out []string
	for _, s := range append(append([]string{}, a...), b...) {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
