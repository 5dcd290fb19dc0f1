package session

import (
	"math/rand"
	"time"
)

// Delay is the wait before dial attempt+1, where attempt counts the failed
// dials so far (1-based). Jitter keeps the upper half of the computed
// delay, picked uniformly. A nil rng yields the midpoint.
func (b BackoffConfig) Delay(attempt int, rng *rand.Rand) time.Duration {
	if b.InitialDelay <= 0 {
		return 0
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(b.InitialDelay)
	for i := 1; i < attempt; i++ {
		d *= mult
		if b.MaxDelay > 0 && d >= float64(b.MaxDelay) {
			d = float64(b.MaxDelay)
			break
		}
	}
	if b.MaxDelay > 0 && d > float64(b.MaxDelay) {
		d = float64(b.MaxDelay)
	}
	if !b.Jitter {
		return time.Duration(d)
	}
	f := 0.5
	if rng != nil {
		f = rng.Float64()
	}
	return time.Duration(d/2 + f*d/2)
}
