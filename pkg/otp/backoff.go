package otp

import "time"

// Gateway retry schedule.
const (
	InitialBackoff = 1 * time.Second
	MaxBackoff     = 30 * time.Second
	JitterFactor   = 0.25
)

// BackoffConfig shapes the wait between delivery attempts. Zero fields take
// the package defaults; a negative Jitter disables jitter.
type BackoffConfig struct {
	Initial time.Duration
	Max     time.Duration
	Jitter  float64
}

// Delay returns the wait after failed attempt n (1-based): Initial doubled
// n-1 times and capped at Max, plus up to Jitter of that drawn from rnd.
// A nil rnd adds no jitter.
func (c BackoffConfig) Delay(n int, rnd func() float64) time.Duration {
	initial, limit := c.Initial, c.Max
	if initial <= 0 {
		initial = InitialBackoff
	}
	if limit <= 0 {
		limit = MaxBackoff
	}

	d := initial
	for i := 1; i < n && d < limit; i++ {
		d *= 2
	}
	d = min(d, limit)

	if c.Jitter > 0 && rnd != nil {
		d += time.Duration(float64(d) * c.Jitter * rnd())
	}
	return d
}
