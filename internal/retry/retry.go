package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy is the single backoff description shared by every component that
// retries: modem sync during link bring-up, address polling, session
// reconnects and link auto-reconnect.
type Policy struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	// Jitter is the randomization factor applied to every interval (0 disables).
	Jitter float64
	// MaxTries bounds Do. Zero means DefaultMaxTries.
	MaxTries int
}

const DefaultMaxTries = 5

func DefaultPolicy() Policy {
	return Policy{
		Initial:    1 * time.Second,
		Max:        30 * time.Second,
		Multiplier: 2,
		Jitter:     0.1,
		MaxTries:   DefaultMaxTries,
	}
}

func (p Policy) normalized() Policy {
	d := DefaultPolicy()
	if p.Initial <= 0 {
		p.Initial = d.Initial
	}
	if p.Max <= 0 {
		p.Max = d.Max
	}
	if p.Max < p.Initial {
		p.Max = p.Initial
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		p.Jitter = 0
	}
	if p.MaxTries <= 0 {
		p.MaxTries = DefaultMaxTries
	}
	return p
}

// BackOff returns a fresh exponential backoff configured from p.
func (p Policy) BackOff() *backoff.ExponentialBackOff {
	p = p.normalized()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Initial
	b.MaxInterval = p.Max
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = p.Jitter
	b.Reset()
	return b
}

// Notify is called before each wait with the attempt number that failed.
type Notify func(attempt int, err error, wait time.Duration)

// Do runs op until it succeeds, returns a Permanent error, ctx is done, or
// tries attempts have failed. tries <= 0 uses the policy's MaxTries.
func Do(ctx context.Context, p Policy, tries int, op func(context.Context) error, notify Notify) error {
	p = p.normalized()
	if tries <= 0 {
		tries = p.MaxTries
	}
	attempt := 0
	opts := []backoff.RetryOption{
		backoff.WithBackOff(p.BackOff()),
		backoff.WithMaxTries(uint(tries)),
		backoff.WithMaxElapsedTime(0),
	}
	if notify != nil {
		opts = append(opts, backoff.WithNotify(func(err error, wait time.Duration) {
			notify(attempt, err, wait)
		}))
	}
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		return struct{}{}, op(ctx)
	}, opts...)
	return err
}

// Permanent marks err as not worth retrying; Do returns the unwrapped err.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Gate spaces out attempts made from a periodic loop. After a failure the
// next attempt is not allowed until the backoff interval has elapsed; a
// success resets the interval. Gate is not safe for concurrent use.
type Gate struct {
	b    *backoff.ExponentialBackOff
	next time.Time
	now  func() time.Time
	fail int
}

func NewGate(p Policy) *Gate {
	return &Gate{b: p.BackOff(), now: time.Now}
}

// Ready reports whether an attempt may be made now.
func (g *Gate) Ready() bool {
	return !g.now().Before(g.next)
}

// Failed records a failed attempt and returns the wait before the next one.
func (g *Gate) Failed() time.Duration {
	wait := g.b.NextBackOff()
	g.next = g.now().Add(wait)
	g.fail++
	return wait
}

func (g *Gate) Succeeded() {
	g.b.Reset()
	g.next = time.Time{}
	g.fail = 0
}

// Failures is the number of consecutive failures since the last success.
func (g *Gate) Failures() int { return g.fail }

// Wait is the time left until Ready reports true.
func (g *Gate) Wait() time.Duration {
	if d := g.next.Sub(g.now()); d > 0 {
		return d
	}
	return 0
}
