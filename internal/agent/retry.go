package agent

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Backoff is the retry delay policy for transient tool failures. The delay
// before retry n (n >= 1) is Initial * Factor^(n-1), plus up to Jitter of
// that amount at random, capped at MaxDelay.
type Backoff struct {
	Initial  time.Duration `json:"initial"`
	Factor   float64       `json:"factor"`
	MaxDelay time.Duration `json:"max_delay"`
	Jitter   float64       `json:"jitter"`
}

// DefaultBackoff returns 100ms doubling up to 5s without jitter.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:  100 * time.Millisecond,
		Factor:   2,
		MaxDelay: 5 * time.Second,
	}
}

// Delay computes the delay before retry n using r, a value in [0,1), for
// jitter.
func (b Backoff) Delay(n int, r float64) time.Duration {
	if b.Initial <= 0 {
		return 0
	}
	factor := b.Factor
	if factor < 1 {
		factor = 1
	}
	exp := math.Max(float64(n-1), 0)
	base := float64(b.Initial) * math.Pow(factor, exp)
	total := base + base*b.Jitter*r
	if b.MaxDelay > 0 {
		total = math.Min(total, float64(b.MaxDelay))
	}
	return time.Duration(math.Round(total))
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func defaultRand() float64 {
	return rand.Float64() // #nosec G404 -- jitter does not require cryptographic randomness
}
