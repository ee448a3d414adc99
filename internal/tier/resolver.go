package tier

import (
	"context"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"

	"livetutor/arbiter/internal/tutor"
)

// Resolver looks up a user's subscription tier. Implementations must answer
// quickly; the arbiter calls it on every request.
type Resolver interface {
	Resolve(ctx context.Context, userID string) tutor.Tier
}

// StaticResolver serves tiers from memory, falling back to a default tier.
type StaticResolver struct {
	tiers *xsync.MapOf[string, tutor.Tier]
	def   atomic.Value
}

func NewStaticResolver(def tutor.Tier, seed map[string]string) *StaticResolver {
	r := &StaticResolver{tiers: xsync.NewMapOf[string, tutor.Tier]()}
	r.def.Store(def)
	for user, t := range seed {
		r.Set(user, tutor.ParseTier(t))
	}
	return r
}

func (r *StaticResolver) Resolve(_ context.Context, userID string) tutor.Tier {
	if t, ok := r.tiers.Load(userID); ok {
		return t
	}
	return r.def.Load().(tutor.Tier)
}

// Reload replaces the default tier and every user entry. Users missing from
// tiers resolve to def afterwards.
func (r *StaticResolver) Reload(def tutor.Tier, tiers map[string]string) {
	r.def.Store(def)
	for user, t := range tiers {
		r.Set(user, tutor.ParseTier(t))
	}
	r.tiers.Range(func(user string, _ tutor.Tier) bool {
		if _, ok := tiers[user]; !ok {
			r.tiers.Delete(user)
		}
		return true
	})
}

func (r *StaticResolver) Set(userID string, t tutor.Tier) {
	r.tiers.Store(userID, t)
}

func (r *StaticResolver) Delete(userID string) {
	r.tiers.Delete(userID)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, userID string) tutor.Tier

func (f ResolverFunc) Resolve(ctx context.Context, userID string) tutor.Tier { return f(ctx, userID) }
