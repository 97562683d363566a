package federation

import (
	"math/rand"
	"testing"
	"time"
)

func TestBackoffForGrowsAndCaps(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	for attempts := 0; attempts <= 10; attempts++ {
		d := backoffFor(attempts, rng)
		// Jitter is +/- 20% of min(60s * 2^attempts, 1h).
		base := baseBackoff
		for i := 0; i < attempts && base < maxBackoff; i++ {
			base *= 2
		}
		if base > maxBackoff {
			base = maxBackoff
		}
		lo := time.Duration(float64(base) * 0.79)
		hi := time.Duration(float64(base) * 1.21)
		if d < lo || d > hi {
			t.Errorf("backoffFor(%d) = %v, want within [%v, %v]", attempts, d, lo, hi)
		}
	}
}

func TestBackoffForCapAtOneHour(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	d := backoffFor(30, rng)
	if d > time.Duration(float64(maxBackoff)*1.21) {
		t.Fatalf("backoffFor(30) = %v, exceeds jittered 1h cap", d)
	}
}
