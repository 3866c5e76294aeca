package relay

import (
	"context"
	"sync"

	"github.com/xiaot623/applyrun/internal/domain"
)

// Subscription is one client's ordered view of a run.
type Subscription struct {
	ID     string
	RunID  string
	events chan domain.Envelope

	mu  sync.Mutex
	err error
}

func newSubscription(runID string) *Subscription {
	return &Subscription{RunID: runID, events: make(chan domain.Envelope)}
}

// Events yields envelopes in order and is closed when the subscription ends.
func (s *Subscription) Events() <-chan domain.Envelope {
	return s.events
}

// Err explains why Events was closed: nil after done, ErrSubscriberOverrun
// when the subscriber fell behind, or the context error on detach.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Subscription) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// Replay serves a fixed, already-terminated history, used for runs that are
// no longer held in memory.
func Replay(ctx context.Context, runID string, envs []domain.Envelope) *Subscription {
	out := newSubscription(runID)
	go func() {
		defer close(out.events)
		for _, env := range envs {
			select {
			case out.events <- env:
			case <-ctx.Done():
				out.setErr(ctx.Err())
				return
			}
		}
	}()
	return out
}
