package memory

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"
)

func TestCheck_RunsReclaimersAboveSoftLimit(t *testing.T) {
	var calls atomic.Int32
	w := New(Config{SoftLimit: 100, MinReclaimInterval: time.Hour}, func() { calls.Add(1) }, func() { calls.Add(10) })

	heap := uint64(50)
	w.heapAlloc = func() uint64 { return heap }
	assert.False(t, w.Check())
	assert.EqualValues(t, 0, calls.Load())

	heap = 150
	assert.True(t, w.Check())
	assert.EqualValues(t, 11, calls.Load())

	assert.False(t, w.Check(), "rate limited")
	assert.Equal(t, 1, w.Rounds())
}

func TestRun_StopsWithContext(t *testing.T) {
	defer goleak.VerifyNone(t)

	var calls atomic.Int32
	w := New(Config{SoftLimit: 1, Interval: time.Millisecond, MinReclaimInterval: time.Millisecond}, func() { calls.Add(1) })
	w.heapAlloc = func() uint64 { return 2 }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	assert.Eventually(t, func() bool { return calls.Load() > 0 }, time.Second, time.Millisecond)
	cancel()
	<-done
}

func TestParseByteSize(t *testing.T) {
	cases := map[string]int64{
		"512MiB": 512 << 20,
		"1GiB":   1 << 30,
		"2g":     2_000_000_000,
		"1.5kib": 1536,
		"4096":   4096,
	}
	for in, want := range cases {
		got, ok := parseByteSize(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
	for _, bad := range []string{"", "max", "-1", "12parsecs"} {
		_, ok := parseByteSize(bad)
		assert.False(t, ok, bad)
	}
}
