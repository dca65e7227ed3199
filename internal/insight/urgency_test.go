package insight

import (
	"testing"

	"github.com/knowd-platform/knowd/internal/store"
)

func TestUrgencyForScore(t *testing.T) {
	cases := []struct {
		score float64
		want  string
	}{
		{0.95, store.UrgencyCritical},
		{0.75, store.UrgencyHigh},
		{0.5, store.UrgencyMedium},
		{0.2, store.UrgencyLow},
		// boundaries resolve to the higher band
		{0.8, store.UrgencyCritical},
		{0.6, store.UrgencyHigh},
		{0.4, store.UrgencyMedium},
		{0.0, store.UrgencyLow},
		{1.0, store.UrgencyCritical},
	}
	for _, tc := range cases {
		if got := UrgencyForScore(tc.score); got != tc.want {
			t.Errorf("UrgencyForScore(%v) = %s, want %s", tc.score, got, tc.want)
		}
	}
}
