package session

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// DefaultGateTimeout bounds a single token operation. When it elapses the
// gate releases every caller with ErrGateTimeout even if the operation
// itself is still stuck.
const DefaultGateTimeout = 30 * time.Second

// Gate collapses concurrent token operations of one kind into a single
// execution whose outcome every caller shares.
type Gate struct {
	name    string
	timeout time.Duration
	metrics *Metrics
	group   singleflight.Group
	current atomic.Pointer[flight]
	callers atomic.Int64
}

// flight identifies one execution of the gate's operation.
type flight struct{}

func NewGate(name string, timeout time.Duration, metrics *Metrics) *Gate {
	if timeout <= 0 {
		timeout = DefaultGateTimeout
	}
	return &Gate{name: name, timeout: timeout, metrics: metrics}
}

// Do runs op unless one is already in flight, in which case it waits for
// that one. Cancelling ctx abandons the wait but not the shared operation.
func (g *Gate) Do(
	ctx context.Context,
	op func(ctx context.Context) (*oauth2.Token, error),
) (*oauth2.Token, error) {
	g.callers.Add(1)
	defer g.callers.Add(-1)

	ch := g.group.DoChan(g.name, func() (any, error) {
		f := &flight{}
		g.current.Store(f)
		defer g.current.CompareAndSwap(f, nil)

		g.metrics.gateRuns.WithLabelValues(g.name).Inc()
		return g.run(context.WithoutCancel(ctx), op)
	})

	select {
	case res := <-ch:
		if res.Shared {
			g.metrics.gateShared.WithLabelValues(g.name).Inc()
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*oauth2.Token), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (g *Gate) run(
	parent context.Context,
	op func(ctx context.Context) (*oauth2.Token, error),
) (*oauth2.Token, error) {
	ctx, cancel := context.WithTimeout(parent, g.timeout)
	defer cancel()

	type result struct {
		tok *oauth2.Token
		err error
	}
	done := make(chan result, 1)
	go func() {
		tok, err := op(ctx)
		done <- result{tok, err}
	}()

	select {
	case r := <-done:
		return r.tok, r.err
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s did not finish within %s", ErrGateTimeout, g.name, g.timeout)
	}
}

// Busy reports whether an operation is in flight. An operation detached by
// Reset no longer counts, even while it winds down.
func (g *Gate) Busy() bool {
	return g.current.Load() != nil
}

// waiting is the number of callers blocked in Do.
func (g *Gate) waiting() int64 {
	return g.callers.Load()
}

// Reset detaches any in-flight operation so the next caller starts fresh.
// Callers already waiting still receive the old outcome.
func (g *Gate) Reset() {
	g.group.Forget(g.name)
	g.current.Store(nil)
}
