// Package retry is the single bounded-retry policy used around
// compare-and-set commits. Business rejections are never retried;
// only transient conflicts go through here.
package retry

import (
	"context"
	"errors"
	"time"
)

// ErrExhausted means every attempt hit a transient conflict.
var ErrExhausted = errors.New("retry: attempts exhausted")

type Policy struct {
	Attempts int
	Delay    time.Duration // initial backoff, doubled per conflict
}

// DefaultPolicy matches the commit budget used by the arbiter.
func DefaultPolicy() Policy {
	return Policy{Attempts: 3, Delay: 25 * time.Millisecond}
}

// Do calls fn until it succeeds, fails hard, or the budget runs out.
// fn returns (true, nil) to request another attempt after a conflict;
// any non-nil error aborts immediately and is returned unchanged.
func (p Policy) Do(ctx context.Context, fn func() (conflict bool, err error)) error {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	delay := p.Delay

	for i := 0; i < attempts; i++ {
		conflict, err := fn()
		if err != nil {
			return err
		}
		if !conflict {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return ErrExhausted
}
