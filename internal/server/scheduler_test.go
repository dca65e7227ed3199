package server

import (
	"testing"
	"time"
)

func TestIsDue(t *testing.T) {
	now := time.Now()
	hourAgo := now.Add(-time.Hour - time.Minute)
	justNow := now.Add(-time.Minute)
	dayAgo := now.Add(-25 * time.Hour)

	cases := []struct {
		name string
		spec string
		last *time.Time
		want bool
	}{
		{"never run is due", "*/5 * * * *", nil, true},
		{"cron due", "*/5 * * * *", &hourAgo, true},
		{"cron not due", "0 0 1 1 *", &justNow, false},
		{"hourly due", "@hourly", &hourAgo, true},
		{"hourly not due", "@hourly", &justNow, false},
		{"daily due", "@daily", &dayAgo, true},
		{"daily not due", "@daily", &hourAgo, false},
		{"invalid spec degrades to daily", "not-a-cron", &dayAgo, true},
		{"invalid spec not due", "not-a-cron", &justNow, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := isDue(tc.spec, tc.last); got != tc.want {
				t.Errorf("isDue(%q, %v) = %v, want %v", tc.spec, tc.last, got, tc.want)
			}
		})
	}
}
