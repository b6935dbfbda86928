// ABOUTME: Internal unit tests for the claim-loop backoff schedule.
package worker

import (
	"math"
	"testing"
	"time"
)

func TestBackoffJitterBounds(t *testing.T) {
	t.Parallel()

	base := 2 * time.Second
	max := 30 * time.Second
	p := &Pool{cfg: Config{BackoffBase: base, BackoffMax: max}}

	for _, idle := range []int{1, 2, 3, 4, 5, 10, 63} {
		want := float64(base) * math.Pow(2, float64(idle-1))
		if want > float64(max) {
			want = float64(max)
		}
		lo := time.Duration(want * 0.5)
		hi := time.Duration(want * 1.5)

		for i := 0; i < 200; i++ {
			d := p.backoff(idle)
			if d < lo || d > hi {
				t.Fatalf("backoff(%d) = %v, want within [%v, %v]", idle, d, lo, hi)
			}
		}
	}
}

func TestBackoffCapsAtMax(t *testing.T) {
	t.Parallel()

	max := 30 * time.Second
	p := &Pool{cfg: Config{BackoffBase: 2 * time.Second, BackoffMax: max}}

	// Far past the doubling horizon, only the cap (with jitter) remains.
	hi := time.Duration(float64(max) * 1.5)
	for i := 0; i < 200; i++ {
		if d := p.backoff(1000); d > hi {
			t.Fatalf("backoff(1000) = %v, exceeds jittered cap %v", d, hi)
		}
	}
}
