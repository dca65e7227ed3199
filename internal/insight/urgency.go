package insight

import "github.com/knowd-platform/knowd/internal/store"

// UrgencyForScore maps a significance score onto an urgency band. Boundary
// values resolve to the higher band.
func UrgencyForScore(score float64) string {
	switch {
	case score >= 0.8:
		return store.UrgencyCritical
	case score >= 0.6:
		return store.UrgencyHigh
	case score >= 0.4:
		return store.UrgencyMedium
	default:
		return store.UrgencyLow
	}
}
