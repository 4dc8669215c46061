package session

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff computes reconnect delays: Base*Factor^(n-1), capped at Max, with
// ±Jitter applied. The result never exceeds Max.
type Backoff struct {
	Base   time.Duration
	Factor float64
	Max    time.Duration
	Jitter float64
}

// jitterFn returns a value in [0, 1).
var jitterFn = rand.Float64

// Delay is the wait after the n-th failed attempt (n >= 1).
func (b Backoff) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	factor := b.Factor
	if factor < 1 {
		factor = 1
	}
	d := float64(b.Base) * math.Pow(factor, float64(n-1))
	if b.Max > 0 && d > float64(b.Max) {
		d = float64(b.Max)
	}
	if b.Jitter > 0 {
		d *= 1 + b.Jitter*(2*jitterFn()-1)
	}
	if b.Max > 0 && d > float64(b.Max) {
		d = float64(b.Max)
	}
	if d < 0 || math.IsNaN(d) {
		d = 0
	}
	if d >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}
