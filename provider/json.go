package provider

import (
	"encoding/json"
	"fmt"
	"strings"
)

// DecodeJSON parses a gateway text response into v, tolerating markdown
// fences and surrounding prose around the JSON block.
func DecodeJSON(raw string, v interface{}) error {
	raw = strings.TrimSpace(raw)
	if i := strings.Index(raw, "```"); i >= 0 {
		raw = raw[i+3:]
		raw = strings.TrimPrefix(raw, "json")
		if j := strings.Index(raw, "```"); j >= 0 {
			raw = raw[:j]
		}
	}
	start := strings.IndexAny(raw, "{[")
	end := strings.LastIndexAny(raw, "}]")
	if start >= 0 && end > start {
		raw = raw[start : end+1]
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("decode gateway response: %w", err)
	}
	return nil
}
