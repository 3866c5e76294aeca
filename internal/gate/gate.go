// Package gate implements the per-run gate/continue rendezvous between the
// automation side and a human operator.
package gate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xiaot623/applyrun/internal/domain"
	"go.uber.org/zap"
)

// Recorder is the registry surface the coordinator drives.
type Recorder interface {
	RecordEvent(ctx context.Context, runID string, ev domain.RunEvent) (domain.Envelope, error)
	ReleaseGate(ctx context.Context, runID string) error
}

// Ticket is one outstanding gate. Release deposits a single token; exactly
// one Wait consumes it.
type Ticket struct {
	ID        string
	RunID     string
	Envelope  domain.Envelope
	CreatedAt time.Time

	token     chan struct{}
	released  chan struct{}
	cancelled chan struct{}
	err       error

	releaseOnce sync.Once
	cancelOnce  sync.Once
}

func newTicket(env domain.Envelope) *Ticket {
	return &Ticket{
		ID:        "gate_" + uuid.New().String()[:8],
		RunID:     env.RunID,
		Envelope:  env,
		CreatedAt: time.Now(),
		token:     make(chan struct{}, 1),
		released:  make(chan struct{}),
		cancelled: make(chan struct{}),
	}
}

func (t *Ticket) release() {
	t.releaseOnce.Do(func() {
		t.token <- struct{}{}
		close(t.released)
	})
}

func (t *Ticket) cancel(err error) {
	t.cancelOnce.Do(func() {
		t.err = err
		close(t.cancelled)
	})
}

// Released is closed once the gate has been continued.
func (t *Ticket) Released() <-chan struct{} {
	return t.released
}

// Wait blocks until the gate is continued, the ticket is cancelled, or ctx
// ends.
func (t *Ticket) Wait(ctx context.Context) error {
	select {
	case <-t.token:
		return nil
	case <-t.cancelled:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Result describes the outcome of Continue.
type Result struct {
	Released bool   `json:"released"`
	TicketID string `json:"ticketId,omitempty"`
}

type slot struct {
	mu           sync.Mutex
	ticket       *Ticket
	lastReleased string
}

// Coordinator tracks at most one outstanding gate per run.
type Coordinator struct {
	mu       sync.Mutex
	slots    map[string]*slot
	recorder Recorder
	logger   *zap.Logger
}

// New creates a coordinator.
func New(recorder Recorder, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		slots:    make(map[string]*slot),
		recorder: recorder,
		logger:   logger,
	}
}

func (c *Coordinator) slot(runID string) *slot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.slots[runID]
	if !ok {
		s = &slot{}
		c.slots[runID] = s
	}
	return s
}

func (c *Coordinator) existing(runID string) (*slot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.slots[runID]
	return s, ok
}

// RequestGate records a gate event and returns the ticket the automation
// side blocks on, along with the recorded envelope. A repeated gate while one
// is still outstanding returns the existing ticket.
func (c *Coordinator) RequestGate(ctx context.Context, runID string, ev domain.RunEvent) (*Ticket, domain.Envelope, error) {
	if !domain.IsGate(ev) {
		return nil, domain.Envelope{}, fmt.Errorf("%w: %s is not a gate", domain.ErrMalformedEvent, ev.Type())
	}

	s := c.slot(runID)
	s.mu.Lock()
	defer s.mu.Unlock()

	env, err := c.recorder.RecordEvent(ctx, runID, ev)
	if err != nil {
		return nil, domain.Envelope{}, err
	}

	if s.ticket != nil {
		select {
		case <-s.ticket.released:
		default:
			c.logger.Debug("gate already outstanding", zap.String("run_id", runID), zap.String("ticket_id", s.ticket.ID))
			return s.ticket, env, nil
		}
	}

	s.ticket = newTicket(env)
	c.logger.Info("gate requested",
		zap.String("run_id", runID),
		zap.String("ticket_id", s.ticket.ID),
		zap.String("type", string(ev.Type())))
	return s.ticket, env, nil
}

// Continue releases the outstanding gate. A repeated continue after the
// gate was already released succeeds without side effects; with no gate at
// all it returns ErrNoActiveGate.
func (c *Coordinator) Continue(ctx context.Context, runID string) (Result, error) {
	s, ok := c.existing(runID)
	if !ok {
		if err := c.recorder.ReleaseGate(ctx, runID); err != nil {
			return Result{}, err
		}
		c.logger.Warn("gate released without a ticket", zap.String("run_id", runID))
		return Result{Released: true}, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := c.recorder.ReleaseGate(ctx, runID); err != nil {
		if s.lastReleased != "" {
			return Result{Released: false, TicketID: s.lastReleased}, nil
		}
		return Result{}, err
	}

	if s.ticket == nil {
		c.logger.Warn("gate released without a ticket", zap.String("run_id", runID))
		return Result{Released: true}, nil
	}

	s.ticket.release()
	s.lastReleased = s.ticket.ID
	c.logger.Info("gate released", zap.String("run_id", runID), zap.String("ticket_id", s.ticket.ID))
	return Result{Released: true, TicketID: s.ticket.ID}, nil
}

// Outstanding returns the current ticket, released or not, until a waiter
// consumes it.
func (c *Coordinator) Outstanding(runID string) (*Ticket, bool) {
	s, ok := c.existing(runID)
	if !ok {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ticket, s.ticket != nil
}

// Wait blocks on the run's current ticket and clears it once consumed.
func (c *Coordinator) Wait(ctx context.Context, runID string) error {
	t, ok := c.Outstanding(runID)
	if !ok {
		return domain.ErrNoActiveGate
	}
	if err := t.Wait(ctx); err != nil {
		return err
	}

	s, ok := c.existing(runID)
	if !ok {
		return nil
	}
	s.mu.Lock()
	if s.ticket == t {
		s.ticket = nil
	}
	s.mu.Unlock()
	return nil
}

// Drop cancels any outstanding ticket with err and forgets the run.
func (c *Coordinator) Drop(runID string, err error) {
	c.mu.Lock()
	s, ok := c.slots[runID]
	delete(c.slots, runID)
	c.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ticket != nil {
		s.ticket.cancel(err)
		s.ticket = nil
	}
}
