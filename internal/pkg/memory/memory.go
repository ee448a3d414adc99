// Package memory watches heap usage and asks the arbiter to drop idle state
// when the process gets close to its memory budget.
package memory

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"livetutor/arbiter/internal/logger"
)

type Config struct {
	// SoftLimit is the HeapAlloc above which reclaimers run. 0 derives it from
	// GOMEMLIMIT or the cgroup limit; if neither exists the watcher is idle.
	SoftLimit int64
	// Interval between heap checks.
	Interval time.Duration
	// MinReclaimInterval rate-limits reclaim rounds.
	MinReclaimInterval time.Duration
}

const (
	defaultInterval           = 5 * time.Second
	defaultMinReclaimInterval = 30 * time.Second
	// fraction of the memory limit treated as the soft limit
	limitFraction = 0.7
)

// Reclaimer frees application-level state. It must be safe to call from
// another goroutine.
type Reclaimer func()

type Watcher struct {
	cfg        Config
	reclaimers []Reclaimer
	heapAlloc  func() uint64

	mu          sync.Mutex
	lastReclaim time.Time
	rounds      int
}

func New(cfg Config, reclaimers ...Reclaimer) *Watcher {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.MinReclaimInterval <= 0 {
		cfg.MinReclaimInterval = defaultMinReclaimInterval
	}
	if cfg.SoftLimit <= 0 {
		if limit, ok := memoryLimit(); ok {
			cfg.SoftLimit = int64(float64(limit) * limitFraction)
		}
	}
	return &Watcher{cfg: cfg, reclaimers: reclaimers, heapAlloc: readHeapAlloc}
}

func (w *Watcher) SoftLimit() int64 { return w.cfg.SoftLimit }

// Run checks the heap every interval until ctx is done.
func (w *Watcher) Run(ctx context.Context) {
	if w.cfg.SoftLimit <= 0 {
		logger.Debug("memory: no soft limit, watcher disabled")
		return
	}
	t := time.NewTicker(w.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			w.Check()
		}
	}
}

// Check runs the reclaimers once if the heap is above the soft limit and the
// previous round is old enough. It reports whether a round ran.
func (w *Watcher) Check() bool {
	heap := w.heapAlloc()
	if w.cfg.SoftLimit <= 0 || int64(heap) < w.cfg.SoftLimit {
		return false
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	now := time.Now()
	if !w.lastReclaim.IsZero() && now.Sub(w.lastReclaim) < w.cfg.MinReclaimInterval {
		return false
	}
	w.lastReclaim = now
	w.rounds++

	for _, r := range w.reclaimers {
		r()
	}
	runtime.GC()
	debug.FreeOSMemory()

	logger.Warn("memory: heap %s over soft limit %s, reclaimed idle state (now %s)",
		formatBytes(heap), formatBytes(uint64(w.cfg.SoftLimit)), formatBytes(w.heapAlloc()))
	return true
}

func (w *Watcher) Rounds() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rounds
}

func readHeapAlloc() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapAlloc
}

func formatBytes(b uint64) string {
	const MiB = 1024 * 1024
	if b < MiB {
		return fmt.Sprintf("%dB", b)
	}
	return fmt.Sprintf("%.1fMiB", float64(b)/MiB)
}

// memoryLimit returns GOMEMLIMIT if set, otherwise the container limit.
func memoryLimit() (int64, bool) {
	if v, ok := parseByteSize(os.Getenv("GOMEMLIMIT")); ok {
		return v, true
	}
	return detectCgroupMemoryLimit()
}

func detectCgroupMemoryLimit() (int64, bool) {
	// cgroups v2
	if b, err := os.ReadFile("/sys/fs/cgroup/memory.max"); err == nil {
		s := strings.TrimSpace(string(b))
		if s != "" && s != "max" {
			if v, err := strconv.ParseInt(s, 10, 64); err == nil && v > 0 && v < (1<<62) {
				return v, true
			}
		}
	}
	// cgroups v1; a huge value means unlimited
	if b, err := os.ReadFile("/sys/fs/cgroup/memory/memory.limit_in_bytes"); err == nil {
		if v, err := strconv.ParseInt(strings.TrimSpace(string(b)), 10, 64); err == nil && v > 0 && v <= (1<<60) {
			return v, true
		}
	}
	return 0, false
}

func parseByteSize(s string) (int64, bool) {
	s = strings.TrimSpace(s)
	i := 0
	for i < len(s) && ((s[i] >= '0' && s[i] <= '9') || s[i] == '.') {
		i++
	}
	if i == 0 {
		return 0, false
	}
	n, err := strconv.ParseFloat(s[:i], 64)
	if err != nil || n <= 0 {
		return 0, false
	}
	unit := strings.TrimSpace(s[i:])
	if unit == "" {
		unit = "B"
	}
	mult, ok := byteSizeMultiplier(unit)
	if !ok {
		return 0, false
	}
	v := n * float64(mult)
	if v <= 0 || v > float64(int64(^uint64(0)>>1)) {
		return 0, false
	}
	return int64(v), true
}

func byteSizeMultiplier(unit string) (int64, bool) {
	switch strings.ToLower(unit) {
	case "b":
		return 1, true
	case "k", "kb":
		return 1000, true
	case "m", "mb":
		return 1000 * 1000, true
	case "g", "gb":
		return 1000 * 1000 * 1000, true
	case "kib":
		return 1 << 10, true
	case "mib":
		return 1 << 20, true
	case "gib":
		return 1 << 30, true
	default:
		return 0, false
	}
}
