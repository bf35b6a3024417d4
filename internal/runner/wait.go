package runner

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// WaitTime yields the think time before a user's next task. rnd belongs to the
// calling user and is never shared.
type WaitTime interface {
	Next(rnd *rand.Rand) time.Duration
}

type betweenWait struct {
	min, max time.Duration
}

// Between waits a uniformly distributed duration in [min, max].
func Between(min, max time.Duration) WaitTime {
	if min < 0 {
		min = 0
	}
	if max < min {
		max = min
	}
	return betweenWait{min: min, max: max}
}

func (b betweenWait) Next(rnd *rand.Rand) time.Duration {
	span := b.max - b.min
	if span <= 0 || rnd == nil {
		return b.min
	}
	return b.min + time.Duration(rnd.Int63n(int64(span)+1))
}

type constantWait time.Duration

// Constant waits the same duration after every task.
func Constant(d time.Duration) WaitTime {
	if d < 0 {
		d = 0
	}
	return constantWait(d)
}

func (c constantWait) Next(*rand.Rand) time.Duration { return time.Duration(c) }

type exponentialWait struct {
	mean time.Duration
}

// Exponential samples exponentially distributed waits around mean, which turns
// a fixed user population into approximately Poisson task arrivals.
func Exponential(mean time.Duration) WaitTime {
	if mean < 0 {
		mean = 0
	}
	return exponentialWait{mean: mean}
}

func (e exponentialWait) Next(rnd *rand.Rand) time.Duration {
	if e.mean <= 0 || rnd == nil {
		return 0
	}
	delay := float64(e.mean) * rnd.ExpFloat64()
	if delay > math.MaxInt64 {
		delay = math.MaxInt64
	}
	return time.Duration(delay)
}

// sleep blocks for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
