package relay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xiaot623/applyrun/internal/domain"
)

func logEnv(runID string, seq int64) domain.Envelope {
	return domain.Envelope{Seq: seq, RunID: runID, Event: domain.LogEvent{Level: domain.LogLevelInfo, Message: "step"}}
}

func doneEnv(runID string, seq int64) domain.Envelope {
	return domain.Envelope{Seq: seq, RunID: runID, Event: domain.DoneEvent{OK: true}}
}

func collect(t *testing.T, sub *Subscription) []domain.Envelope {
	t.Helper()
	var out []domain.Envelope
	timeout := time.After(2 * time.Second)
	for {
		select {
		case env, ok := <-sub.Events():
			if !ok {
				return out
			}
			out = append(out, env)
		case <-timeout:
			t.Fatalf("subscription did not close, got %d events", len(out))
		}
	}
}

func seqs(envs []domain.Envelope) []int64 {
	out := make([]int64, len(envs))
	for i, e := range envs {
		out[i] = e.Seq
	}
	return out
}

func TestRelay_LateSubscriberGetsBacklogThenLive(t *testing.T) {
	r := New(8, nil)
	r.Open("run_1")

	require.NoError(t, r.Publish(logEnv("run_1", 1)))
	require.NoError(t, r.Publish(logEnv("run_1", 2)))

	sub, err := r.Subscribe(context.Background(), "run_1")
	require.NoError(t, err)

	require.NoError(t, r.Publish(logEnv("run_1", 3)))
	require.NoError(t, r.Publish(doneEnv("run_1", 4)))

	got := collect(t, sub)
	assert.Equal(t, []int64{1, 2, 3, 4}, seqs(got))
	assert.Equal(t, domain.EventTypeDone, got[len(got)-1].Event.Type())
	assert.NoError(t, sub.Err())
}

func TestRelay_SubscribeAfterDoneReplaysAndCloses(t *testing.T) {
	r := New(8, nil)
	r.Open("run_1")
	require.NoError(t, r.Publish(logEnv("run_1", 1)))
	require.NoError(t, r.Publish(doneEnv("run_1", 2)))

	sub, err := r.Subscribe(context.Background(), "run_1")
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, seqs(collect(t, sub)))
	assert.Equal(t, 0, r.SubscriberCount("run_1"))
}

func TestRelay_PublishAfterDoneRejected(t *testing.T) {
	r := New(8, nil)
	r.Open("run_1")
	require.NoError(t, r.Publish(doneEnv("run_1", 1)))
	assert.ErrorIs(t, r.Publish(logEnv("run_1", 2)), domain.ErrRunAlreadyTerminal)
}

func TestRelay_RejectsOutOfOrderSeq(t *testing.T) {
	r := New(8, nil)
	r.Open("run_1")
	require.NoError(t, r.Publish(logEnv("run_1", 2)))
	assert.ErrorIs(t, r.Publish(logEnv("run_1", 2)), domain.ErrMalformedEvent)
}

func TestRelay_UnknownRun(t *testing.T) {
	r := New(8, nil)
	_, err := r.Subscribe(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrUnknownRun)
	assert.ErrorIs(t, r.Publish(logEnv("nope", 1)), domain.ErrUnknownRun)
}

func TestRelay_SlowSubscriberDroppedWithoutBlockingProducer(t *testing.T) {
	r := New(4, nil)
	r.Open("run_1")

	slow, err := r.Subscribe(context.Background(), "run_1")
	require.NoError(t, err)
	fast, err := r.Subscribe(context.Background(), "run_1")
	require.NoError(t, err)

	var fastGot []domain.Envelope
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for env := range fast.Events() {
			fastGot = append(fastGot, env)
		}
	}()

	published := make(chan struct{})
	go func() {
		defer close(published)
		for seq := int64(1); seq <= 50; seq++ {
			assert.NoError(t, r.Publish(logEnv("run_1", seq)))
			// let the fast reader keep pace
			time.Sleep(time.Millisecond)
		}
		assert.NoError(t, r.Publish(doneEnv("run_1", 51)))
	}()

	select {
	case <-published:
	case <-time.After(5 * time.Second):
		t.Fatal("producer blocked by slow subscriber")
	}

	// the slow subscriber never read; it gets a prefix and then overrun
	slowGot := collect(t, slow)
	assert.ErrorIs(t, slow.Err(), domain.ErrSubscriberOverrun)
	assert.Less(t, len(slowGot), 51)
	for i, env := range slowGot {
		assert.Equal(t, int64(i+1), env.Seq)
	}

	wg.Wait()
	assert.Len(t, fastGot, 51)
	assert.NoError(t, fast.Err())
}

func TestRelay_DoneAlwaysDeliveredToFullQueue(t *testing.T) {
	r := New(3, nil)
	r.Open("run_1")
	sub, err := r.Subscribe(context.Background(), "run_1")
	require.NoError(t, err)

	// hold the delivery goroutine on the first event
	require.NoError(t, r.Publish(logEnv("run_1", 1)))
	require.Eventually(t, func() bool {
		s, _ := r.get("run_1")
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.subs[sub.ID].queue) == 0
	}, time.Second, time.Millisecond)

	require.NoError(t, r.Publish(logEnv("run_1", 2)))
	require.NoError(t, r.Publish(logEnv("run_1", 3)))
	require.NoError(t, r.Publish(doneEnv("run_1", 4)))

	got := collect(t, sub)
	assert.Equal(t, []int64{1, 2, 3, 4}, seqs(got))
	assert.NoError(t, sub.Err())
}

func TestRelay_CancelDetachesOnlyThatSubscriber(t *testing.T) {
	r := New(8, nil)
	r.Open("run_1")

	ctx, cancel := context.WithCancel(context.Background())
	leaving, err := r.Subscribe(ctx, "run_1")
	require.NoError(t, err)
	staying, err := r.Subscribe(context.Background(), "run_1")
	require.NoError(t, err)
	assert.Equal(t, 2, r.SubscriberCount("run_1"))

	cancel()
	collect(t, leaving)
	assert.ErrorIs(t, leaving.Err(), context.Canceled)
	assert.Eventually(t, func() bool { return r.SubscriberCount("run_1") == 1 }, time.Second, time.Millisecond)

	require.NoError(t, r.Publish(logEnv("run_1", 1)))
	require.NoError(t, r.Publish(doneEnv("run_1", 2)))
	assert.Equal(t, []int64{1, 2}, seqs(collect(t, staying)))
}

func TestRelay_EvictEndsSubscribers(t *testing.T) {
	r := New(8, nil)
	r.Open("run_1")
	sub, err := r.Subscribe(context.Background(), "run_1")
	require.NoError(t, err)

	r.Evict("run_1")
	collect(t, sub)
	assert.ErrorIs(t, sub.Err(), domain.ErrUnknownRun)

	_, ok := r.Backlog("run_1")
	assert.False(t, ok)
}

func TestReplay(t *testing.T) {
	sub := Replay(context.Background(), "run_1", []domain.Envelope{logEnv("run_1", 1), doneEnv("run_1", 2)})
	assert.Equal(t, []int64{1, 2}, seqs(collect(t, sub)))
}
