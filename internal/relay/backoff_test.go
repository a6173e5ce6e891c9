package relay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestBackoff(t *testing.T) {
	base := time.Second
	cap := 300 * time.Second

	tests := []struct {
		name     string
		attempts int
		want     time.Duration
	}{
		{name: "first attempt", attempts: 0, want: time.Second},
		{name: "second attempt", attempts: 1, want: 2 * time.Second},
		{name: "third attempt", attempts: 2, want: 4 * time.Second},
		{name: "eighth attempt", attempts: 7, want: 128 * time.Second},
		{name: "hits cap", attempts: 9, want: cap},
		{name: "far past cap", attempts: 1000, want: cap},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, Backoff(tt.attempts, base, cap))
		})
	}
}

func TestBackoff_Properties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		base := time.Duration(rapid.Int64Range(1, int64(10*time.Second)).Draw(t, "base"))
		cap := time.Duration(rapid.Int64Range(int64(base), int64(time.Hour)).Draw(t, "cap"))
		attempts := rapid.IntRange(0, 10_000).Draw(t, "attempts")

		delay := Backoff(attempts, base, cap)
		if delay < base {
			t.Fatalf("delay %v below base %v", delay, base)
		}
		if delay > cap {
			t.Fatalf("delay %v above cap %v", delay, cap)
		}
		// Non-decreasing in attempts.
		if next := Backoff(attempts+1, base, cap); next < delay {
			t.Fatalf("delay decreased: attempts=%d %v -> %v", attempts, delay, next)
		}
	})
}
