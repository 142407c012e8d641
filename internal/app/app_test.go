package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"opportunityradar/internal/platform/config"
)

func TestProviderRPSHonorsMinDelay(t *testing.T) {
	cases := []struct {
		name     string
		rps      float64
		minDelay time.Duration
		want     float64
	}{
		{"min delay stricter", 10, time.Second, 1},
		{"rps stricter", 0.5, 500 * time.Millisecond, 0.5},
		{"no min delay", 2, 0, 2},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a := &App{cfg: &config.Config{
				ProviderRateLimit: tc.rps,
				ProviderMinDelay:  tc.minDelay,
			}}

			assert.InDelta(t, tc.want, a.providerRPS(), 1e-9)
		})
	}
}
