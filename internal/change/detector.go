// Package change tracks the last code seen per (user, problem) for automatic
// hints, so that silent re-polling of unmodified code does not cost a call.
package change

import (
	"crypto/sha256"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

type key struct {
	user    string
	problem string
}

type entry struct {
	hash    [sha256.Size]byte
	touched time.Time
}

type Detector struct {
	now     func() time.Time
	entries *xsync.MapOf[key, entry]
}

func New(now func() time.Time) *Detector {
	if now == nil {
		now = time.Now
	}
	return &Detector{
		now:     now,
		entries: xsync.NewMapOf[key, entry](),
	}
}

// HasChanged reports whether normalizedCode differs from the code last seen
// for (userID, problemID). The stored hash is overwritten either way; the
// first sighting counts as a change.
func (d *Detector) HasChanged(userID, problemID, normalizedCode string) bool {
	sum := sha256.Sum256([]byte(normalizedCode))
	now := d.now()
	changed := true
	d.entries.Compute(key{userID, problemID}, func(old entry, loaded bool) (entry, bool) {
		if loaded && old.hash == sum {
			changed = false
		}
		return entry{hash: sum, touched: now}, false
	})
	return changed
}

// Sweep removes entries untouched for longer than idle and returns how many.
func (d *Detector) Sweep(idle time.Duration) int {
	cutoff := d.now().Add(-idle)
	removed := 0
	d.entries.Range(func(k key, _ entry) bool {
		d.entries.Compute(k, func(old entry, loaded bool) (entry, bool) {
			if loaded && old.touched.Before(cutoff) {
				removed++
				return old, true
			}
			return old, !loaded
		})
		return true
	})
	return removed
}

func (d *Detector) Len() int {
	return d.entries.Size()
}
