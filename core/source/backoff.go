package source

import (
	"math/rand"
	"time"
)

const (
	DefaultFloor   = time.Second
	DefaultCeiling = 60 * time.Second
	DefaultJitter  = 0.5
)

// Backoff computes exponential retry delays. Zero Floor or Ceiling fall
// back to the defaults; Jitter is used as given.
type Backoff struct {
	Floor   time.Duration
	Ceiling time.Duration
	// Jitter in [0,1] shrinks a delay d to a random value in [d*(1-Jitter), d].
	Jitter float64
}

// DefaultBackoff returns the 1s..60s backoff with 0.5 jitter.
func DefaultBackoff() Backoff {
	return Backoff{Floor: DefaultFloor, Ceiling: DefaultCeiling, Jitter: DefaultJitter}
}

// Delay returns the wait before retry number attempt (starting at 0).
func (b Backoff) Delay(attempt int, jitter bool) time.Duration {
	floor, ceiling := b.Floor, b.Ceiling
	if floor <= 0 {
		floor = DefaultFloor
	}
	if ceiling <= 0 {
		ceiling = DefaultCeiling
	}
	if ceiling < floor {
		ceiling = floor
	}

	d := floor
	for i := 0; i < attempt && d < ceiling; i++ {
		d *= 2
	}
	if d > ceiling {
		d = ceiling
	}

	if jitter && b.Jitter > 0 {
		j := min(b.Jitter, 1)
		d -= time.Duration(float64(d) * j * rand.Float64())
	}
	return d
}
