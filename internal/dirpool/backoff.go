package dirpool

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// stepBackOff reproduces ldap_reconnect's fixed table — 2s, 5s, 20s, then
// unbounded — with each step capped by the configured reconnect_interval,
// as a backoff.BackOff so the pool drives reconnect pacing through the
// same interface the rest of the ecosystem uses for retry scheduling.
type stepBackOff struct {
	steps []time.Duration
	cap   time.Duration
	index int
}

func newStepBackOff(reconnectInterval time.Duration) backoff.BackOff {
	return &stepBackOff{
		steps: []time.Duration{2 * time.Second, 5 * time.Second, 20 * time.Second},
		cap:   reconnectInterval,
	}
}

func (b *stepBackOff) NextBackOff() time.Duration {
	b.index++
	if b.index-1 < len(b.steps) {
		delay := b.steps[b.index-1]
		if b.cap > 0 && b.cap < delay {
			return b.cap
		}
		return delay
	}
	// The table's unbounded (∞) step: min(∞, reconnect_interval) is
	// always reconnect_interval, never some finite stand-in capped
	// downward.
	if b.cap > 0 {
		return b.cap
	}
	return backoff.DefaultMaxInterval
}

func (b *stepBackOff) Reset() {
	b.index = 0
}
