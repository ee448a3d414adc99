// Package arbiter sequences validation, tier gating, rate limiting, caching,
// change detection and the gateway call for every inbound tutoring request.
package arbiter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/singleflight"

	"livetutor/arbiter/internal/cache"
	"livetutor/arbiter/internal/change"
	"livetutor/arbiter/internal/execgw"
	"livetutor/arbiter/internal/logger"
	apperr "livetutor/arbiter/internal/pkg/errors"
	"livetutor/arbiter/internal/pkg/id"
	"livetutor/arbiter/internal/prompt"
	"livetutor/arbiter/internal/ratelimit"
	"livetutor/arbiter/internal/tier"
	"livetutor/arbiter/internal/tutor"
	"livetutor/arbiter/internal/validate"
)

const (
	msgNoChange = "no meaningful change since the last hint"
	msgAuth     = "sign in to use the live tutor"
	msgInternal = "something went wrong while preparing a hint"
)

type Deps struct {
	Validator *validate.Validator
	Tiers     tier.Resolver
	Changes   *change.Detector
	Limiter   *ratelimit.Limiter
	Explicit  *cache.Cache
	Automatic *cache.Cache
	Gateway   *execgw.Gateway
	Prompts   *prompt.Builder
	Metrics   *Metrics
}

type Arbiter struct {
	validator *validate.Validator
	tiers     tier.Resolver
	changes   *change.Detector
	limiter   *ratelimit.Limiter
	explicit  *cache.Cache
	automatic *cache.Cache
	gateway   *execgw.Gateway
	prompts   *prompt.Builder
	m         *Metrics

	flight  singleflight.Group
	pending *xsync.MapOf[string, struct{}]

	failures atomic.Uint64
}

func New(d Deps) *Arbiter {
	if d.Validator == nil {
		d.Validator = validate.New(validate.DefaultConfig())
	}
	if d.Prompts == nil {
		d.Prompts = prompt.NewBuilder(d.Validator)
	}
	return &Arbiter{
		validator: d.Validator,
		tiers:     d.Tiers,
		changes:   d.Changes,
		limiter:   d.Limiter,
		explicit:  d.Explicit,
		automatic: d.Automatic,
		gateway:   d.Gateway,
		prompts:   d.Prompts,
		m:         d.Metrics,
		pending:   xsync.NewMapOf[string, struct{}](),
	}
}

type result struct {
	typ     tutor.MessageType
	content string
	outcome Outcome
}

// Handle runs one arbitration cycle and returns the single reply for in.
// It never panics and never returns an error; failures become ERROR replies.
func (a *Arbiter) Handle(ctx context.Context, in tutor.Inbound) (out tutor.Outbound) {
	start := time.Now()
	trigger := tutor.ParseTrigger(in.TriggerType)
	log := logger.With("cycle", id.CycleID(), "trigger", trigger.String())
	state := StateValidating

	defer func() {
		if r := recover(); r != nil {
			log.Error("arbitration panic", "state", state, "panic", r, "stack", string(debug.Stack()))
			err := apperr.Internal(msgInternal, fmt.Errorf("panic in %s: %v", state, r))
			out = a.finish(in.Reply(tutor.TypeError, apperr.MessageOf(err)), trigger, string(apperr.KindInternal), start)
			a.failures.Add(1)
		}
	}()

	userID, err := a.identify(ctx, in, log)
	if err != nil {
		return a.fail(in.Reply(tutor.TypeError, ""), trigger, state, err, log, start)
	}
	req := tutor.NewRequest(in, userID)
	log = log.With("user", userID, "problem", req.ProblemKey())

	res, err := a.process(ctx, req, &state, log)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			log.Debug("caller left before the answer arrived", "state", state)
			return a.finish(req.Reply(tutor.TypeError, msgInternal), trigger, string(OutcomeAbandoned), start)
		}
		return a.fail(req.Reply(tutor.TypeError, ""), trigger, state, err, log, start)
	}

	state = StateDone
	if res.outcome == OutcomeSkipped {
		state = StateSkipped
	}
	log.Debug("cycle finished", "state", state, "outcome", res.outcome, "elapsed", time.Since(start))
	return a.finish(req.Reply(res.typ, res.content), trigger, string(res.outcome), start)
}

func (a *Arbiter) fail(out tutor.Outbound, trigger tutor.TriggerType, state State, err error, log *slog.Logger, start time.Time) tutor.Outbound {
	kind := apperr.KindOf(err)
	if kind.Counted() {
		a.failures.Add(1)
		log.Warn("cycle failed", "state", state, "kind", kind, "err", err)
	} else {
		log.Debug("cycle rejected", "state", state, "kind", kind, "err", err)
	}
	out.Content = apperr.MessageOf(err)
	return a.finish(out, trigger, string(kind), start)
}

func (a *Arbiter) finish(out tutor.Outbound, trigger tutor.TriggerType, outcome string, start time.Time) tutor.Outbound {
	if a.m != nil {
		a.m.outcomes.WithLabelValues(trigger.String(), outcome).Inc()
		a.m.duration.WithLabelValues(trigger.String()).Observe(time.Since(start).Seconds())
	}
	return out
}

// identify prefers the authenticated user of the channel. The userId in the
// message is trusted only when the channel has none.
func (a *Arbiter) identify(ctx context.Context, in tutor.Inbound, log *slog.Logger) (string, error) {
	claimed := strings.TrimSpace(string(in.UserID))
	if u, ok := tutor.UserIDFrom(ctx); ok {
		if claimed != "" && claimed != u {
			log.Warn("message userId differs from the authenticated user", "claimed", claimed, "user", u)
		}
		return u, nil
	}
	if claimed != "" {
		log.Warn("no authenticated user on the channel, using message userId", "user", claimed)
		return claimed, nil
	}
	return "", apperr.Auth(msgAuth)
}

func (a *Arbiter) process(ctx context.Context, req tutor.Request, st *State, log *slog.Logger) (result, error) {
	*st = StateValidating
	if err := a.validator.Validate(req); err != nil {
		return result{}, err
	}

	*st = StateTierCheck
	if err := tier.Check(a.tiers.Resolve(ctx, req.UserID), req.Trigger); err != nil {
		return result{}, err
	}

	norm := validate.Normalize(req.Code)
	key := tutor.Fingerprint(req, norm)
	c := a.cacheFor(req.Trigger)
	problem := req.ProblemKey()

	if req.Trigger == tutor.Explicit {
		*st = StateCacheLookup
		if v, ok := c.Get(key); ok {
			return result{tutor.TypeHint, v, OutcomeCached}, nil
		}
		// An identical question still in flight is answered like a cache hit.
		if _, busy := a.pending.Load(key); !busy {
			*st = StateRateCheck
			if err := a.limiter.CheckInterval(req.UserID, problem, req.Trigger); err != nil {
				return result{}, err
			}
		}
	} else {
		*st = StateRateCheck
		if err := a.limiter.CheckInterval(req.UserID, problem, req.Trigger); err != nil {
			return result{}, err
		}
		*st = StateChangeCheck
		if !a.changes.HasChanged(req.UserID, problem, norm) {
			return result{tutor.TypeInfo, msgNoChange, OutcomeSkipped}, nil
		}
		*st = StateCacheLookup
		if v, ok := c.Get(key); ok {
			return result{tutor.TypeHint, v, OutcomeCached}, nil
		}
	}

	*st = StateExecuting
	return a.execute(ctx, req, key, c, log)
}

func (a *Arbiter) cacheFor(t tutor.TriggerType) *cache.Cache {
	if t == tutor.Automatic {
		return a.automatic
	}
	return a.explicit
}

// execute coalesces identical requests onto one gateway call. The call is
// detached from ctx so a departed caller still leaves a cached answer.
func (a *Arbiter) execute(ctx context.Context, req tutor.Request, key string, c *cache.Cache, log *slog.Logger) (result, error) {
	var led atomic.Bool
	detached := context.WithoutCancel(ctx)
	ch := a.flight.DoChan(key, func() (any, error) {
		led.Store(true)
		a.pending.Store(key, struct{}{})
		defer a.pending.Delete(key)
		return a.call(detached, req, key, c, log)
	})

	select {
	case r := <-ch:
		if r.Err != nil {
			return result{}, r.Err
		}
		outcome := OutcomeAnswered
		if !led.Load() {
			outcome = OutcomeCoalesced
		}
		return result{tutor.TypeHint, r.Val.(string), outcome}, nil
	case <-ctx.Done():
		return result{}, ctx.Err()
	}
}

// call reserves budget, a permit and the interval slot, in that order, and
// gives back whatever it took if a later step fails.
func (a *Arbiter) call(ctx context.Context, req tutor.Request, key string, c *cache.Cache, log *slog.Logger) (answer string, err error) {
	var permit *ratelimit.Permit
	defer func() {
		if r := recover(); r != nil {
			permit.Release()
			log.Error("gateway call panic", "panic", r, "stack", string(debug.Stack()))
			answer, err = "", apperr.Internal(msgInternal, fmt.Errorf("panic: %v", r))
		}
	}()

	user := req.UserID
	if err := a.limiter.ReserveBudget(user); err != nil {
		return "", err
	}
	permit, err = a.limiter.AcquirePermit(user)
	if err != nil {
		a.limiter.ReleaseBudget(user)
		return "", err
	}
	if err := a.limiter.CommitInterval(user, req.ProblemKey(), req.Trigger); err != nil {
		permit.Release()
		a.limiter.ReleaseBudget(user)
		return "", err
	}

	p := a.prompts.Build(req)
	return a.gateway.Execute(ctx, p, permit, func(answer string, err error) {
		if err != nil {
			return
		}
		c.Put(key, answer)
		log.Debug("answer stored", "state", StateCacheStore, "cache", c.Name(), "bytes", len(answer))
	})
}

// Reclaim drops idle limiter and change state and expired cache entries.
func (a *Arbiter) Reclaim(idle time.Duration) {
	intervals, users := a.limiter.Sweep(idle)
	changes := a.changes.Sweep(idle)
	expired := a.explicit.Purge() + a.automatic.Purge()
	if intervals+users+changes+expired > 0 {
		logger.Debug("reclaimed intervals=%d users=%d changes=%d expired=%d", intervals, users, changes, expired)
	}
}

// RunJanitor calls Reclaim every interval until ctx is done.
func (a *Arbiter) RunJanitor(ctx context.Context, every, idle time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			a.Reclaim(idle)
		}
	}
}

type Stats struct {
	Gateway    execgw.Snapshot `json:"gateway"`
	Limiter    ratelimit.Stats `json:"limiter"`
	Caches     []cache.Stats   `json:"caches"`
	ChangeKeys int             `json:"changeKeys"`
	Pending    int             `json:"pending"`
	Errors     uint64          `json:"errors"`
}

func (a *Arbiter) Stats() Stats {
	return Stats{
		Gateway:    a.gateway.Snapshot(),
		Limiter:    a.limiter.Stats(),
		Caches:     []cache.Stats{a.explicit.Stats(), a.automatic.Stats()},
		ChangeKeys: a.changes.Len(),
		Pending:    a.pending.Size(),
		Errors:     a.failures.Load(),
	}
}
