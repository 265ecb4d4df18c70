// Package retry runs side effects with exponential backoff.
//
// Primary actions (sending a message) surface store errors immediately; secondary effects
// (persisting a read receipt, an assignment transition, an outbound event) go through a Writer
// so a transient outage delays them instead of dropping them.
package retry

import (
	"context"
	"errors"
	"time"
)

// Policy configures attempts and delays.
type Policy struct {
	Attempts int
	Base     time.Duration
	Max      time.Duration
}

// DefaultPolicy is used when a zero Policy is supplied.
var DefaultPolicy = Policy{Attempts: 5, Base: 100 * time.Millisecond, Max: 5 * time.Second}

func (p Policy) normalized() Policy {
	if p.Attempts <= 0 {
		p.Attempts = DefaultPolicy.Attempts
	}
	if p.Base <= 0 {
		p.Base = DefaultPolicy.Base
	}
	if p.Max <= 0 {
		p.Max = DefaultPolicy.Max
	}
	return p
}

// Delay returns the backoff before attempt i (1-based), capped at Max.
func (p Policy) Delay(i int) time.Duration {
	p = p.normalized()
	d := p.Base
	for n := 1; n < i; n++ {
		d *= 2
		if d >= p.Max {
			return p.Max
		}
	}
	return d
}

// Permanent marks an error that must not be retried.
type Permanent struct{ Err error }

func (p Permanent) Error() string { return p.Err.Error() }
func (p Permanent) Unwrap() error { return p.Err }

// Do runs fn until it succeeds, returns a Permanent error, attempts run out or ctx ends.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	p = p.normalized()

	var lastErr error
	for i := 1; i <= p.Attempts; i++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		var perm Permanent
		if errors.As(err, &perm) {
			return perm.Err
		}
		lastErr = err
		if i == p.Attempts {
			break
		}

		timer := time.NewTimer(p.Delay(i))
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(ctx.Err(), lastErr)
		case <-timer.C:
		}
	}
	return lastErr
}
