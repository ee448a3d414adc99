// Package ratelimit holds the three independent admission checks that guard
// the external completion service: a minimum interval per (user, problem,
// trigger), a sliding per-user call budget and a per-user pool of in-flight
// permits.
package ratelimit

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	apperr "livetutor/arbiter/internal/pkg/errors"
	"livetutor/arbiter/internal/tutor"
)

type Config struct {
	AutoInterval     time.Duration
	ExplicitInterval time.Duration
	CallsPerWindow   int
	Window           time.Duration
	PermitsPerUser   int
}

func DefaultConfig() Config {
	return Config{
		AutoInterval:     8 * time.Second,
		ExplicitInterval: 5 * time.Second,
		CallsPerWindow:   60,
		Window:           time.Minute,
		PermitsPerUser:   3,
	}
}

type intervalKey struct {
	user    string
	problem string
	trigger tutor.TriggerType
}

type intervalState struct {
	lim     *rate.Limiter
	touched atomic.Int64 // unix nanos
}

// userState is the per-user budget window and permit pool. mu serializes
// every read-modify-write; evicted marks a state removed by Sweep so callers
// holding a stale pointer reload it.
type userState struct {
	mu          sync.Mutex
	count       int
	windowStart time.Time
	held        int
	touched     time.Time
	evicted     bool

	sem *semaphore.Weighted
}

type Limiter struct {
	cfg Config
	now func() time.Time

	intervals *xsync.MapOf[intervalKey, *intervalState]
	users     *xsync.MapOf[string, *userState]
}

func New(cfg Config, now func() time.Time) *Limiter {
	def := DefaultConfig()
	if cfg.AutoInterval <= 0 {
		cfg.AutoInterval = def.AutoInterval
	}
	if cfg.ExplicitInterval <= 0 {
		cfg.ExplicitInterval = def.ExplicitInterval
	}
	if cfg.CallsPerWindow <= 0 {
		cfg.CallsPerWindow = def.CallsPerWindow
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.PermitsPerUser <= 0 {
		cfg.PermitsPerUser = def.PermitsPerUser
	}
	if now == nil {
		now = time.Now
	}
	return &Limiter{
		cfg:       cfg,
		now:       now,
		intervals: xsync.NewMapOf[intervalKey, *intervalState](),
		users:     xsync.NewMapOf[string, *userState](),
	}
}

func (l *Limiter) Config() Config { return l.cfg }

func (l *Limiter) interval(trigger tutor.TriggerType) time.Duration {
	if trigger == tutor.Automatic {
		return l.cfg.AutoInterval
	}
	return l.cfg.ExplicitInterval
}

func intervalError(trigger tutor.TriggerType, d time.Duration) error {
	if trigger == tutor.Automatic {
		return apperr.RateLimited(fmt.Sprintf("automatic hints are limited to one every %s", humanDuration(d)))
	}
	return apperr.RateLimited(fmt.Sprintf("questions to the tutor are limited to one every %s", humanDuration(d)))
}

func humanDuration(d time.Duration) string {
	if d%time.Second == 0 {
		s := int(d / time.Second)
		if s == 1 {
			return "second"
		}
		return fmt.Sprintf("%d seconds", s)
	}
	return d.String()
}

func (l *Limiter) intervalState(user, problem string, trigger tutor.TriggerType) *intervalState {
	st, _ := l.intervals.LoadOrCompute(intervalKey{user, problem, trigger}, func() *intervalState {
		return &intervalState{lim: rate.NewLimiter(rate.Every(l.interval(trigger)), 1)}
	})
	return st
}

// CheckInterval fails with RATE_LIMITED when the previous committed call for
// (user, problem, trigger) is more recent than the trigger's interval. It
// consumes nothing.
func (l *Limiter) CheckInterval(user, problem string, trigger tutor.TriggerType) error {
	now := l.now()
	st := l.intervalState(user, problem, trigger)
	st.touched.Store(now.UnixNano())
	if st.lim.TokensAt(now) < 1 {
		return intervalError(trigger, l.interval(trigger))
	}
	return nil
}

// CommitInterval records a call for (user, problem, trigger). It is the
// atomic form of CheckInterval: of two racing requests only one commits.
func (l *Limiter) CommitInterval(user, problem string, trigger tutor.TriggerType) error {
	now := l.now()
	st := l.intervalState(user, problem, trigger)
	st.touched.Store(now.UnixNano())
	if !st.lim.AllowN(now, 1) {
		return intervalError(trigger, l.interval(trigger))
	}
	return nil
}

// lockUser returns the live state for userID with its mutex held.
func (l *Limiter) lockUser(userID string) *userState {
	for {
		st, _ := l.users.LoadOrCompute(userID, func() *userState {
			return &userState{sem: semaphore.NewWeighted(int64(l.cfg.PermitsPerUser))}
		})
		st.mu.Lock()
		if !st.evicted {
			return st
		}
		st.mu.Unlock()
	}
}

// ReserveBudget counts one external call against userID's rolling window.
// The window opens at the first counted call and restarts at the first call
// after it has elapsed.
func (l *Limiter) ReserveBudget(userID string) error {
	now := l.now()
	st := l.lockUser(userID)
	defer st.mu.Unlock()

	st.touched = now
	if st.windowStart.IsZero() || now.Sub(st.windowStart) >= l.cfg.Window {
		st.windowStart = now
		st.count = 0
	}
	if st.count >= l.cfg.CallsPerWindow {
		return apperr.RateLimited(fmt.Sprintf("at most %d tutor calls per minute, please wait a moment", l.cfg.CallsPerWindow))
	}
	st.count++
	return nil
}

// ReleaseBudget refunds a reservation that never reached the gateway.
func (l *Limiter) ReleaseBudget(userID string) {
	st := l.lockUser(userID)
	defer st.mu.Unlock()
	if st.count > 0 {
		st.count--
	}
}

// Permit is one unit of a user's in-flight budget. Release is idempotent.
type Permit struct {
	l    *Limiter
	st   *userState
	once sync.Once
}

func (p *Permit) Release() {
	if p == nil {
		return
	}
	p.once.Do(func() {
		p.st.sem.Release(1)
		p.st.mu.Lock()
		p.st.held--
		p.st.touched = p.l.now()
		p.st.mu.Unlock()
	})
}

// AcquirePermit takes a permit without waiting; an exhausted pool fails
// immediately with RATE_LIMITED.
func (l *Limiter) AcquirePermit(userID string) (*Permit, error) {
	st := l.lockUser(userID)
	defer st.mu.Unlock()

	st.touched = l.now()
	if !st.sem.TryAcquire(1) {
		return nil, apperr.RateLimited("too many tutor requests are already in progress, please wait for them to finish")
	}
	st.held++
	return &Permit{l: l, st: st}, nil
}

// InFlight returns the number of permits currently held by userID.
func (l *Limiter) InFlight(userID string) int {
	st, ok := l.users.Load(userID)
	if !ok {
		return 0
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.held
}

// Sweep evicts state untouched for longer than idle. Users holding permits
// are kept.
func (l *Limiter) Sweep(idle time.Duration) (intervals, users int) {
	now := l.now()
	cutoff := now.Add(-idle)

	l.intervals.Range(func(k intervalKey, st *intervalState) bool {
		if time.Unix(0, st.touched.Load()).Before(cutoff) {
			l.intervals.Compute(k, func(old *intervalState, loaded bool) (*intervalState, bool) {
				if loaded && old == st {
					intervals++
					return old, true
				}
				return old, !loaded
			})
		}
		return true
	})

	l.users.Range(func(id string, st *userState) bool {
		st.mu.Lock()
		if st.held == 0 && st.touched.Before(cutoff) {
			st.evicted = true
			l.users.Compute(id, func(old *userState, loaded bool) (*userState, bool) {
				if loaded && old == st {
					users++
					return old, true
				}
				return old, !loaded
			})
		}
		st.mu.Unlock()
		return true
	})
	return intervals, users
}

type Stats struct {
	IntervalKeys int `json:"intervalKeys"`
	Users        int `json:"users"`
	InFlight     int `json:"inFlight"`
}

func (l *Limiter) Stats() Stats {
	s := Stats{IntervalKeys: l.intervals.Size(), Users: l.users.Size()}
	l.users.Range(func(_ string, st *userState) bool {
		st.mu.Lock()
		s.InFlight += st.held
		st.mu.Unlock()
		return true
	})
	return s
}
