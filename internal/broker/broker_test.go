package broker

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"livetutor/arbiter/internal/pkg/json"
	"livetutor/arbiter/internal/tutor"
)

func ptr[T any](v T) *T { return &v }

func msg(content string) tutor.Outbound {
	return tutor.Outbound{Type: tutor.TypeHint, TriggerType: tutor.Explicit, ProblemID: ptr(int64(12)), UserID: "u1", Content: content}
}

func TestHub_DeliversToTopicSubscribers(t *testing.T) {
	h := NewHub()
	a := h.NewSubscriber("a", 4)
	b := h.NewSubscriber("b", 4)
	a.Subscribe("problem.12")
	b.Subscribe("problem.13")

	require.NoError(t, h.Publish(context.Background(), "problem.12", msg("hi")))

	var got tutor.Outbound
	require.NoError(t, json.Unmarshal(<-a.C(), &got))
	assert.Equal(t, msg("hi"), got)
	assert.Empty(t, b.C())
}

func TestHub_FullBufferDrops(t *testing.T) {
	h := NewHub()
	s := h.NewSubscriber("s", 1)
	s.Subscribe("t")

	assert.Equal(t, 1, h.PublishRaw("t", []byte("1")))
	assert.Equal(t, 0, h.PublishRaw("t", []byte("2")))
	assert.EqualValues(t, 1, h.Stats().Dropped)
	assert.Equal(t, "1", string(<-s.C()))
}

func TestSubscriber_UnsubscribeAndClose(t *testing.T) {
	h := NewHub()
	s := h.NewSubscriber("s", 4)
	s.Subscribe("x")
	s.Subscribe("x")
	s.Subscribe("y")
	assert.ElementsMatch(t, []string{"x", "y"}, s.Topics())
	assert.Equal(t, 2, h.Stats().Topics)

	s.Unsubscribe("x")
	assert.Equal(t, 0, h.PublishRaw("x", []byte("m")))
	assert.Equal(t, 1, h.Stats().Topics, "empty topics are removed")

	s.Close()
	s.Close()
	assert.Equal(t, 0, h.Stats().Topics)
	assert.False(t, s.Deliver([]byte("late")))
	select {
	case <-s.Done():
	default:
		t.Fatal("done not closed")
	}

	s.Subscribe("z")
	assert.Equal(t, 0, h.Stats().Topics, "closed subscribers cannot resubscribe")
}

func TestHub_ConcurrentSubscribePublish(t *testing.T) {
	h := NewHub()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			s := h.NewSubscriber(string(rune('a'+i)), 8)
			for j := 0; j < 100; j++ {
				s.Subscribe("hot")
				s.Unsubscribe("hot")
			}
			s.Close()
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				h.PublishRaw("hot", []byte("x"))
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, h.Stats().Topics)
}

type fakeConn struct {
	mu   sync.Mutex
	subj []string
	data [][]byte
	err  error
}

func (f *fakeConn) Publish(subj string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subj = append(f.subj, subj)
	f.data = append(f.data, data)
	return f.err
}

func TestNATS_Publish(t *testing.T) {
	nc := &fakeConn{}
	p := NewNATS(nc, "tutor")
	require.NoError(t, p.Publish(context.Background(), tutor.Topic(ptr(int64(12))), msg("hi")))

	assert.Equal(t, []string{"tutor.problem.12"}, nc.subj)
	var got tutor.Outbound
	require.NoError(t, json.Unmarshal(nc.data[0], &got))
	assert.Equal(t, "hi", got.Content)

	assert.Equal(t, "problem.default", NewNATS(nc, "").Subject(tutor.DefaultTopic))
}

func TestMulti_JoinsErrors(t *testing.T) {
	h := NewHub()
	s := h.NewSubscriber("s", 1)
	s.Subscribe("t")
	boom := errors.New("nats down")

	err := Multi{h, nil, NewNATS(&fakeConn{err: boom}, "p")}.Publish(context.Background(), "t", msg("x"))
	assert.ErrorIs(t, err, boom)
	assert.Len(t, s.C(), 1, "hub still delivered")
}
