// Package relay fans out each run's ordered events to any number of
// subscribers, replaying the backlog to late joiners. Publishing never
// blocks: a subscriber that falls behind its bounded queue is dropped.
package relay

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/xiaot623/applyrun/internal/domain"
	"go.uber.org/zap"
)

// Relay owns one stream per run.
type Relay struct {
	mu      sync.RWMutex
	streams map[string]*stream
	buffer  int
	logger  *zap.Logger
}

type stream struct {
	mu     sync.Mutex
	log    []domain.Envelope
	subs   map[string]*subscriber
	closed bool
}

type subscriber struct {
	id    string
	queue chan domain.Envelope
	// set before queue is closed
	err error
}

// New creates a relay whose subscribers each get a queue of buffer slots.
// One slot is always held back for the terminal event.
func New(buffer int, logger *zap.Logger) *Relay {
	if buffer < 2 {
		buffer = 2
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{
		streams: make(map[string]*stream),
		buffer:  buffer,
		logger:  logger,
	}
}

// Open creates the stream for a run. Opening an existing run is a no-op.
func (r *Relay) Open(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.streams[runID]; !ok {
		r.streams[runID] = &stream{subs: make(map[string]*subscriber)}
	}
}

func (r *Relay) get(runID string) (*stream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.streams[runID]
	return s, ok
}

// Publish appends an envelope to its run's log and offers it to every
// subscriber. Callers must serialize Publish per run; the registry does so
// under its per-run lock.
func (r *Relay) Publish(env domain.Envelope) error {
	s, ok := r.get(env.RunID)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnknownRun, env.RunID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return domain.ErrRunAlreadyTerminal
	}
	if n := len(s.log); n > 0 && env.Seq <= s.log[n-1].Seq {
		return fmt.Errorf("%w: seq %d not after %d", domain.ErrMalformedEvent, env.Seq, s.log[n-1].Seq)
	}
	s.log = append(s.log, env)

	terminal := env.Event.Type() == domain.EventTypeDone
	for id, sub := range s.subs {
		if !terminal && len(sub.queue) >= cap(sub.queue)-1 {
			sub.err = domain.ErrSubscriberOverrun
			close(sub.queue)
			delete(s.subs, id)
			r.logger.Warn("subscriber overrun, dropping",
				zap.String("run_id", env.RunID),
				zap.String("subscriber_id", id),
				zap.Int64("seq", env.Seq))
			continue
		}
		sub.queue <- env
	}

	if terminal {
		for id, sub := range s.subs {
			close(sub.queue)
			delete(s.subs, id)
		}
		s.closed = true
	}
	return nil
}

// Subscribe attaches a subscriber to a run. The returned subscription first
// yields the existing backlog, then live events, and closes after done.
// Cancelling ctx detaches only this subscriber.
func (r *Relay) Subscribe(ctx context.Context, runID string) (*Subscription, error) {
	s, ok := r.get(runID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownRun, runID)
	}

	s.mu.Lock()
	backlog := make([]domain.Envelope, len(s.log))
	copy(backlog, s.log)
	var sub *subscriber
	if !s.closed {
		sub = &subscriber{
			id:    "sub_" + uuid.New().String()[:8],
			queue: make(chan domain.Envelope, r.buffer),
		}
		s.subs[sub.id] = sub
	}
	s.mu.Unlock()

	out := newSubscription(runID)
	if sub != nil {
		out.ID = sub.id
	}
	go r.deliver(ctx, s, sub, backlog, out)
	return out, nil
}

func (r *Relay) deliver(ctx context.Context, s *stream, sub *subscriber, backlog []domain.Envelope, out *Subscription) {
	defer close(out.events)

	var last int64
	send := func(env domain.Envelope) bool {
		if env.Seq <= last {
			return true
		}
		select {
		case out.events <- env:
			last = env.Seq
			return true
		case <-ctx.Done():
			return false
		}
	}

	for _, env := range backlog {
		if !send(env) {
			r.detach(s, sub)
			out.setErr(ctx.Err())
			return
		}
	}
	if sub == nil {
		return
	}

	for {
		select {
		case env, ok := <-sub.queue:
			if !ok {
				out.setErr(sub.err)
				return
			}
			if !send(env) {
				r.detach(s, sub)
				out.setErr(ctx.Err())
				return
			}
		case <-ctx.Done():
			r.detach(s, sub)
			out.setErr(ctx.Err())
			return
		}
	}
}

func (r *Relay) detach(s *stream, sub *subscriber) {
	if sub == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[sub.id]; ok {
		delete(s.subs, sub.id)
		close(sub.queue)
	}
}

// Backlog returns a copy of a run's event log.
func (r *Relay) Backlog(runID string) ([]domain.Envelope, bool) {
	s, ok := r.get(runID)
	if !ok {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Envelope, len(s.log))
	copy(out, s.log)
	return out, true
}

// SubscriberCount reports the live subscribers attached to a run.
func (r *Relay) SubscriberCount(runID string) int {
	s, ok := r.get(runID)
	if !ok {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Evict drops a run's stream. Remaining subscribers end with ErrUnknownRun.
func (r *Relay) Evict(runID string) {
	r.mu.Lock()
	s, ok := r.streams[runID]
	delete(r.streams, runID)
	r.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sub := range s.subs {
		sub.err = domain.ErrUnknownRun
		close(sub.queue)
		delete(s.subs, id)
	}
	s.closed = true
	s.log = nil
}
