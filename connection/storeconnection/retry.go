package storeconnection

import (
	"time"

	backoff "github.com/cenkalti/backoff/v4"
)

// RetrySchedule yields successive reconnect delays: the first is the minimum
// delay, each subsequent one doubles, clamped to the maximum. After
// maxReconnections draws it is exhausted and Next reports false.
type RetrySchedule struct {
	remaining int
	backoff   *backoff.ExponentialBackOff
}

func NewRetrySchedule(maxReconnections int, minDelay, maxDelay time.Duration) *RetrySchedule {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = minDelay
	b.MaxInterval = maxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0 // the draw counter is the only budget
	b.Reset()

	return &RetrySchedule{
		remaining: maxReconnections,
		backoff:   b,
	}
}

func (r *RetrySchedule) Next() (time.Duration, bool) {
	if r.remaining <= 0 {
		return 0, false
	}
	r.remaining--

	delay := r.backoff.NextBackOff()
	if delay == backoff.Stop {
		return 0, false
	}
	return delay, true
}

func (r *RetrySchedule) Remaining() int {
	return r.remaining
}
