// Package latency simulates network round trips for in-process services.
package latency

import (
	"context"
	"math/rand/v2"
	"time"
)

// Range is a uniform delay window. The zero value never waits.
type Range struct {
	Min time.Duration
	Max time.Duration
}

func Between(min, max time.Duration) Range {
	return Range{Min: min, Max: max}
}

// Pick returns a duration in [Min, Max).
func (r Range) Pick() time.Duration {
	if r.Max <= r.Min {
		return r.Min
	}
	return r.Min + rand.N(r.Max-r.Min)
}

// Wait sleeps for Pick(). It returns early with ctx.Err() if ctx is done.
func (r Range) Wait(ctx context.Context) error {
	return Sleep(ctx, r.Pick())
}

func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Default ranges for the simulated services.
var (
	Matching      = Between(200*time.Millisecond, 1000*time.Millisecond)
	Notifications = Between(100*time.Millisecond, 400*time.Millisecond)
	Messaging     = Between(50*time.Millisecond, 300*time.Millisecond)
	Users         = Between(100*time.Millisecond, 500*time.Millisecond)
	Publications  = Between(150*time.Millisecond, 600*time.Millisecond)
	Security      = Between(50*time.Millisecond, 200*time.Millisecond)
	Analytics     = Between(300*time.Millisecond, 800*time.Millisecond)
)
