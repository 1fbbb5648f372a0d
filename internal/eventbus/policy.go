package eventbus

import (
	"math/rand/v2"
	"time"

	"roomie_match/internal/latency"
)

// DeliveryPolicy decides how long a publish waits before enqueueing, how long
// each dispatch takes, and whether a drain cycle aborts after a dispatch.
// Aborting drops every event still queued in that cycle (at-most-once delivery).
type DeliveryPolicy interface {
	PublishLatency() time.Duration
	DispatchDelay() time.Duration
	AbortAfterDispatch() bool
}

// SimulatedPolicy reproduces network jitter and occasional queue loss.
type SimulatedPolicy struct {
	Latency          latency.Range
	Dispatch         time.Duration
	AbortProbability float64
}

// DefaultSimulatedPolicy is 100-500ms publish latency, 50ms dispatch and a 1% abort rate.
func DefaultSimulatedPolicy() SimulatedPolicy {
	return SimulatedPolicy{
		Latency:          latency.Between(100*time.Millisecond, 500*time.Millisecond),
		Dispatch:         50 * time.Millisecond,
		AbortProbability: 0.01,
	}
}

func (p SimulatedPolicy) PublishLatency() time.Duration { return p.Latency.Pick() }

func (p SimulatedPolicy) DispatchDelay() time.Duration { return p.Dispatch }

func (p SimulatedPolicy) AbortAfterDispatch() bool {
	return p.AbortProbability > 0 && rand.Float64() < p.AbortProbability
}

// ImmediatePolicy delivers in program order with no delay and no loss.
type ImmediatePolicy struct{}

func (ImmediatePolicy) PublishLatency() time.Duration { return 0 }
func (ImmediatePolicy) DispatchDelay() time.Duration  { return 0 }
func (ImmediatePolicy) AbortAfterDispatch() bool      { return false }
