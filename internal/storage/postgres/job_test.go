package postgres

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff(t *testing.T) {
	lowest := func() float64 { return 0 }
	highest := func() float64 { return 1 }

	tests := []struct {
		name    string
		attempt int
		jitter  func() float64
		want    time.Duration
	}{
		{"first attempt upper bound", 1, highest, 5 * time.Second},
		{"first attempt lower bound", 1, lowest, 2500 * time.Millisecond},
		{"doubles", 3, highest, 20 * time.Second},
		{"capped", 10, highest, 5 * time.Minute},
		{"capped lower bound", 10, lowest, 150 * time.Second},
		{"overflow stays capped", 200, highest, 5 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Backoff(tt.attempt, 5*time.Second, 5*time.Minute, tt.jitter))
		})
	}
}

func TestBackoff_ZeroInitial(t *testing.T) {
	assert.Zero(t, Backoff(3, 0, time.Minute, func() float64 { return 1 }))
}
