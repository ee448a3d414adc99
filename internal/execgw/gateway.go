// Package execgw issues the bounded-latency call to the completion backend
// and keeps running latency and error counters.
package execgw

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"livetutor/arbiter/internal/completion"
	"livetutor/arbiter/internal/logger"
	apperr "livetutor/arbiter/internal/pkg/errors"
	"livetutor/arbiter/internal/prompt"
)

const DefaultTimeout = 10 * time.Second

const (
	msgTimeout = "the tutor took too long to answer, please try again"
	msgError   = "the tutor is unavailable right now, please try again later"
)

// Releaser gives back the concurrency permit a call holds.
type Releaser interface {
	Release()
}

// SettleFunc receives the outcome of a call once it settles, whether or not
// the caller is still waiting.
type SettleFunc func(answer string, err error)

type Gateway struct {
	backend completion.Completer
	timeout time.Duration
	m       *Metrics

	calls        atomic.Uint64
	errors       atomic.Uint64
	timeouts     atomic.Uint64
	inFlight     atomic.Int64
	totalElapsed atomic.Int64
	maxElapsed   atomic.Int64
}

// New returns a gateway in front of backend. m may be nil.
func New(backend completion.Completer, timeout time.Duration, m *Metrics) *Gateway {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Gateway{backend: backend, timeout: timeout, m: m}
}

func (g *Gateway) Timeout() time.Duration { return g.timeout }

// Execute calls the backend with p. The call runs detached from ctx and is
// bounded by the gateway timeout. permit is released exactly once, when the
// call settles or the timeout fires, whichever comes first. onSettle, if set,
// runs after the call settles even when Execute already returned.
//
// A timed-out call stops counting as in flight and gives its permit back even
// if the backend ignores ctx and keeps running, so such a backend can briefly
// see more concurrent calls per user than there are permits.
//
// Errors are GATEWAY_TIMEOUT, GATEWAY_ERROR, or ctx.Err() when the caller
// stopped waiting.
func (g *Gateway) Execute(ctx context.Context, p prompt.Prompt, permit Releaser, onSettle SettleFunc) (string, error) {
	start := time.Now()
	g.calls.Add(1)
	g.inFlight.Add(1)
	if g.m != nil {
		g.m.calls.Inc()
		g.m.inFlight.Inc()
	}

	var once sync.Once
	settle := func(err error) {
		once.Do(func() {
			g.record(time.Since(start), err)
			if permit != nil {
				permit.Release()
			}
		})
	}

	type result struct {
		text string
		err  error
	}
	done := make(chan result, 1)
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.timeout)

	go func() {
		defer cancel()
		text, err := g.call(callCtx, p)
		settle(err)
		if onSettle != nil {
			onSettle(text, err)
		}
		done <- result{text, err}
	}()

	timer := time.NewTimer(g.timeout)
	defer timer.Stop()

	select {
	case r := <-done:
		return r.text, r.err
	case <-timer.C:
		err := apperr.GatewayTimeout(msgTimeout, fmt.Errorf("no answer after %s", g.timeout))
		settle(err)
		return "", err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (g *Gateway) call(ctx context.Context, p prompt.Prompt) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			text, err = "", apperr.GatewayError(msgError, fmt.Errorf("completion backend panic: %v", r))
		}
	}()

	text, err = g.backend.Complete(ctx, p.System, p.User)
	switch {
	case err == nil && text == "":
		return "", apperr.GatewayError(msgError, errors.New("empty answer"))
	case err == nil:
		return text, nil
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return "", apperr.GatewayTimeout(msgTimeout, err)
	default:
		return "", apperr.GatewayError(msgError, err)
	}
}

func (g *Gateway) record(elapsed time.Duration, err error) {
	g.inFlight.Add(-1)
	g.totalElapsed.Add(int64(elapsed))
	for {
		cur := g.maxElapsed.Load()
		if int64(elapsed) <= cur || g.maxElapsed.CompareAndSwap(cur, int64(elapsed)) {
			break
		}
	}
	if err != nil {
		g.errors.Add(1)
		kind := apperr.KindOf(err)
		if kind == apperr.KindGatewayTimeout {
			g.timeouts.Add(1)
		}
		logger.Warn("completion call failed after %s: %v", elapsed.Round(time.Millisecond), err)
		if g.m != nil {
			g.m.errors.WithLabelValues(string(kind)).Inc()
		}
	}
	if g.m != nil {
		g.m.inFlight.Dec()
		g.m.duration.Observe(elapsed.Seconds())
	}
}

// Snapshot is a point-in-time copy of the running counters.
type Snapshot struct {
	Calls          uint64 `json:"calls"`
	Errors         uint64 `json:"errors"`
	Timeouts       uint64 `json:"timeouts"`
	InFlight       int64  `json:"inFlight"`
	TotalElapsedMs int64  `json:"totalElapsedMs"`
	MaxElapsedMs   int64  `json:"maxElapsedMs"`
	AvgElapsedMs   int64  `json:"avgElapsedMs"`
	TimeoutMs      int64  `json:"timeoutMs"`
}

func (g *Gateway) Snapshot() Snapshot {
	s := Snapshot{
		Calls:          g.calls.Load(),
		Errors:         g.errors.Load(),
		Timeouts:       g.timeouts.Load(),
		InFlight:       g.inFlight.Load(),
		TotalElapsedMs: time.Duration(g.totalElapsed.Load()).Milliseconds(),
		MaxElapsedMs:   time.Duration(g.maxElapsed.Load()).Milliseconds(),
		TimeoutMs:      g.Timeout().Milliseconds(),
	}
	if settled := s.Calls - uint64(max(s.InFlight, 0)); settled > 0 {
		s.AvgElapsedMs = s.TotalElapsedMs / int64(settled)
	}
	return s
}
