package grader

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	domainservice "github.com/sogos/xqueue-dispatch/internal/domain/service"
)

// BreakerClient wraps a GraderClient with a per-grader-URL circuit breaker so a
// wedged grader stops being hammered on every push-worker poll tick once it
// has failed repeatedly, recovering automatically after a cooldown. This
// supplements, but does not replace, the one-shot-per-submission semantics:
// the breaker governs when a worker attempts its next submission, not
// whether a given submission retries.
type BreakerClient struct {
	inner    domainservice.GraderClient
	breakers map[string]*gobreaker.CircuitBreaker
	newBreaker func(name string) *gobreaker.CircuitBreaker
}

// NewBreakerClient wraps inner, creating one circuit breaker per grader URL
// on first use.
func NewBreakerClient(inner domainservice.GraderClient) *BreakerClient {
	c := &BreakerClient{
		inner:    inner,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
	c.newBreaker = func(name string) *gobreaker.CircuitBreaker {
		return gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		})
	}
	return c
}

var errBreakerOpen = errors.New("grader circuit open")

// Grade runs the call through the breaker for graderURL. When the breaker
// is open, it returns ok=false immediately without contacting the grader.
func (c *BreakerClient) Grade(ctx context.Context, graderURL string, payload domainservice.GraderPayload, timeout time.Duration) (bool, string, error) {
	b, ok := c.breakers[graderURL]
	if !ok {
		b = c.newBreaker(graderURL)
		c.breakers[graderURL] = b
	}

	type result struct {
		ok    bool
		reply string
	}

	r, err := b.Execute(func() (interface{}, error) {
		ok, reply, err := c.inner.Grade(ctx, graderURL, payload, timeout)
		if err != nil {
			return nil, err
		}
		if !ok {
			return result{ok: false, reply: reply}, errBreakerOpen
		}
		return result{ok: true, reply: reply}, nil
	})
	if err != nil {
		if res, ok := r.(result); ok {
			return res.ok, res.reply, nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return false, "grader circuit open", nil
		}
		return false, "", err
	}
	res := r.(result)
	return res.ok, res.reply, nil
}
