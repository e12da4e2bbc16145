package orchestrator

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// BackoffPolicy computes the retry delay of a record from how many replay
// attempts it has failed. The delay is derived per record, so a failing key
// never delays healthy keys.
type BackoffPolicy struct {
	Base        time.Duration
	Factor      float64
	Max         time.Duration
	MaxAttempts int // soft cap: past it retries continue at Max and Exhausted is reported
}

// DefaultBackoffPolicy starts at 2s, doubles, and caps at one minute.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		Base:        2 * time.Second,
		Factor:      2,
		Max:         60 * time.Second,
		MaxAttempts: 8,
	}
}

func (p BackoffPolicy) normalized() BackoffPolicy {
	d := DefaultBackoffPolicy()
	if p.Base <= 0 {
		p.Base = d.Base
	}
	if p.Factor < 1 {
		p.Factor = d.Factor
	}
	if p.Max <= 0 {
		p.Max = d.Max
	}
	if p.Max < p.Base {
		p.Max = p.Base
	}
	return p
}

// Delay returns the wait before the next replay after the given number of
// failed attempts. Zero attempts means no wait.
func (p BackoffPolicy) Delay(attempts int) time.Duration {
	if attempts <= 0 {
		return 0
	}
	p = p.normalized()

	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.Base,
		RandomizationFactor: 0,
		Multiplier:          p.Factor,
		MaxInterval:         p.Max,
	}
	b.Reset()

	var d time.Duration
	for i := 0; i < attempts; i++ {
		d = b.NextBackOff()
		if d >= p.Max {
			return p.Max
		}
	}
	return d
}

// Exhausted reports whether attempts reached the soft cap.
func (p BackoffPolicy) Exhausted(attempts int) bool {
	return p.MaxAttempts > 0 && attempts >= p.MaxAttempts
}
