// Package admission paces upstream calls to a minimum interval.
package admission

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"copilot-gateway/internal/apierror"
)

// Policy decides what happens to a call that arrives inside the interval.
type Policy string

const (
	// PolicyWait suspends the caller until its slot.
	PolicyWait Policy = "wait"
	// PolicyReject fails the caller with a RateLimitError.
	PolicyReject Policy = "reject"
)

// ParsePolicy validates a policy name.
func ParsePolicy(name string) (Policy, error) {
	switch Policy(name) {
	case PolicyWait, PolicyReject:
		return Policy(name), nil
	default:
		return "", fmt.Errorf("unknown admission policy %q", name)
	}
}

// Controller admits at most one call per interval with no burst. Each
// admitted call reserves the next slot on a shared schedule, so waiters
// queue behind each other instead of waking together.
type Controller struct {
	interval time.Duration
	policy   Policy
	limiter  *rate.Limiter
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

// Option customises a Controller.
type Option func(*Controller)

// WithClock replaces the time source and the sleeper.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Controller) {
		c.now = now
		c.sleep = sleep
	}
}

// New returns a controller. A zero interval admits everything.
func New(interval time.Duration, policy Policy, opts ...Option) (*Controller, error) {
	if interval < 0 {
		return nil, fmt.Errorf("admission interval must not be negative, got %s", interval)
	}
	if _, err := ParsePolicy(string(policy)); err != nil {
		return nil, err
	}

	c := &Controller{
		interval: interval,
		policy:   policy,
		now:      time.Now,
		sleep:    sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	if interval > 0 {
		c.limiter = rate.NewLimiter(rate.Every(interval), 1)
	}
	return c, nil
}

// Interval returns the configured minimum spacing.
func (c *Controller) Interval() time.Duration { return c.interval }

// Policy returns the configured policy.
func (c *Controller) Policy() Policy { return c.policy }

// Admit blocks or fails according to the policy. The reservation is taken
// atomically, so two concurrent callers never share a slot.
func (c *Controller) Admit(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}

	now := c.now()
	reservation := c.limiter.ReserveN(now, 1)
	if !reservation.OK() {
		return &apierror.RateLimitError{RetryAfter: c.interval}
	}

	delay := reservation.DelayFrom(now)
	if delay <= 0 {
		return nil
	}

	if c.policy == PolicyReject {
		reservation.CancelAt(now)
		return &apierror.RateLimitError{RetryAfter: delay}
	}

	if err := c.sleep(ctx, delay); err != nil {
		reservation.CancelAt(c.now())
		return err
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
