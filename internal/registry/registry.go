// Package registry is the single source of truth for run lifecycle. Every
// state change goes through RecordEvent or ReleaseGate, serialized per run.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xiaot623/applyrun/internal/domain"
	"github.com/xiaot623/applyrun/internal/repository"
	"go.uber.org/zap"
)

// Sink receives every accepted event in order.
type Sink interface {
	Open(runID string)
	Publish(env domain.Envelope) error
	Evict(runID string)
}

// Snapshot is a consistent copy of a run plus the timers the monitor needs.
type Snapshot struct {
	domain.Run
	GatedAt        time.Time
	ProducerLostAt time.Time
}

type entry struct {
	mu             sync.Mutex
	run            domain.Run
	seq            int64
	gatedAt        time.Time
	producerLostAt time.Time
}

func (e *entry) snapshot() Snapshot {
	return Snapshot{Run: e.run, GatedAt: e.gatedAt, ProducerLostAt: e.producerLostAt}
}

// Registry holds live runs in memory and writes through to the store.
type Registry struct {
	mu      sync.RWMutex
	runs    map[string]*entry
	store   repository.RunStore
	catalog repository.CatalogStore
	sink    Sink
	logger  *zap.Logger
	now     func() time.Time
}

// New creates a registry.
func New(store repository.RunStore, catalog repository.CatalogStore, sink Sink, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		runs:    make(map[string]*entry),
		store:   store,
		catalog: catalog,
		sink:    sink,
		logger:  logger,
		now:     time.Now,
	}
}

// Create validates the references and registers a pending run.
func (r *Registry) Create(ctx context.Context, jobID, profileID string) (*domain.Run, error) {
	job, err := r.catalog.GetJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	if job == nil {
		return nil, fmt.Errorf("%w: job %s", domain.ErrInvalidReference, jobID)
	}
	profile, err := r.catalog.GetProfile(ctx, profileID)
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	if profile == nil {
		return nil, fmt.Errorf("%w: profile %s", domain.ErrInvalidReference, profileID)
	}

	now := r.now()
	run := domain.Run{
		ID:        "run_" + uuid.New().String()[:8],
		JobID:     jobID,
		ProfileID: profileID,
		State:     domain.RunStatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.store.CreateRun(ctx, &run); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	r.sink.Open(run.ID)
	r.mu.Lock()
	r.runs[run.ID] = &entry{run: run}
	r.mu.Unlock()

	return &run, nil
}

func (r *Registry) get(runID string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.runs[runID]
	return e, ok
}

// RecordEvent is the only path that appends an event and advances state.
// Events for terminal runs are rejected with ErrRunAlreadyTerminal.
func (r *Registry) RecordEvent(ctx context.Context, runID string, ev domain.RunEvent) (domain.Envelope, error) {
	e, ok := r.get(runID)
	if !ok {
		return domain.Envelope{}, fmt.Errorf("%w: %s", domain.ErrUnknownRun, runID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.run.State.IsTerminal() {
		r.logger.Warn("dropping event for terminal run",
			zap.String("run_id", runID),
			zap.String("type", string(ev.Type())),
			zap.String("state", string(e.run.State)))
		return domain.Envelope{}, domain.ErrRunAlreadyTerminal
	}

	now := r.now()
	ev = domain.Stamp(ev, now)
	env := domain.Envelope{Seq: e.seq + 1, RunID: runID, Event: ev}
	if err := r.sink.Publish(env); err != nil {
		return domain.Envelope{}, fmt.Errorf("failed to publish event: %w", err)
	}
	e.seq = env.Seq

	prev := e.run.State
	apply(e, ev, now)
	e.run.EventCount++
	e.run.UpdatedAt = now
	e.producerLostAt = time.Time{}

	if e.run.State != prev {
		r.logger.Info("run state changed",
			zap.String("run_id", runID),
			zap.String("from", string(prev)),
			zap.String("to", string(e.run.State)))
	}

	r.persist(ctx, e, &env, now)
	return env, nil
}

// apply is the transition function. It must be called with e.mu held.
func apply(e *entry, ev domain.RunEvent, now time.Time) {
	if e.run.State == domain.RunStatePending {
		e.run.State = domain.RunStateRunning
	}

	switch v := ev.(type) {
	case domain.GateEvent, domain.AuthGateEvent:
		if e.run.State != domain.RunStateGated {
			e.run.State = domain.RunStateGated
			e.gatedAt = now
		}
	case domain.VNCEvent:
		e.run.VNCURL = v.URL
	case domain.DoneEvent:
		if v.OK {
			e.run.State = domain.RunStateCompleted
		} else {
			e.run.State = domain.RunStateFailed
			e.run.FailureReason = v.Reason
		}
		e.run.ReceiptURL = v.ReceiptURL
		e.run.FinishedAt = &now
		e.gatedAt = time.Time{}
	}
}

// persist writes through to the store. Failures are logged, never returned:
// the in-memory log stays authoritative for live subscribers.
func (r *Registry) persist(ctx context.Context, e *entry, env *domain.Envelope, now time.Time) {
	if env != nil {
		payload, err := domain.Encode(env.Event)
		if err == nil {
			err = r.store.AppendEvent(ctx, &domain.StoredEvent{
				RunID:   env.RunID,
				Seq:     env.Seq,
				Type:    env.Event.Type(),
				Payload: payload,
				Ts:      now,
			})
		}
		if err != nil {
			r.logger.Error("failed to persist event", zap.String("run_id", env.RunID), zap.Int64("seq", env.Seq), zap.Error(err))
		}
	}
	run := e.run
	if err := r.store.UpdateRun(ctx, &run); err != nil {
		r.logger.Error("failed to persist run", zap.String("run_id", run.ID), zap.Error(err))
	}
}

// ReleaseGate moves a gated run back to running.
func (r *Registry) ReleaseGate(ctx context.Context, runID string) error {
	e, ok := r.get(runID)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnknownRun, runID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.run.State.IsTerminal() {
		return domain.ErrRunAlreadyTerminal
	}
	if e.run.State != domain.RunStateGated {
		return domain.ErrNoActiveGate
	}

	now := r.now()
	e.run.State = domain.RunStateRunning
	e.run.UpdatedAt = now
	e.gatedAt = time.Time{}
	r.logger.Info("run state changed",
		zap.String("run_id", runID),
		zap.String("from", string(domain.RunStateGated)),
		zap.String("to", string(domain.RunStateRunning)))

	r.persist(ctx, e, nil, now)
	return nil
}

// SetSandboxHandle records the sandbox session owned by the run.
func (r *Registry) SetSandboxHandle(ctx context.Context, runID, handle string) error {
	e, ok := r.get(runID)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnknownRun, runID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.run.SandboxHandle = handle
	r.persist(ctx, e, nil, e.run.UpdatedAt)
	return nil
}

// MarkProducerLost starts the disconnect grace period. It is a no-op for
// terminal runs and for runs already marked.
func (r *Registry) MarkProducerLost(runID string) error {
	e, ok := r.get(runID)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnknownRun, runID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.run.State.IsTerminal() {
		return domain.ErrRunAlreadyTerminal
	}
	if e.producerLostAt.IsZero() {
		e.producerLostAt = r.now()
		r.logger.Warn("producer lost", zap.String("run_id", runID))
	}
	return nil
}

// Get returns a snapshot of a live run.
func (r *Registry) Get(runID string) (Snapshot, bool) {
	e, ok := r.get(runID)
	if !ok {
		return Snapshot{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshot(), true
}

// Lookup returns a live run, falling back to the store for evicted runs.
func (r *Registry) Lookup(ctx context.Context, runID string) (*domain.Run, error) {
	if snap, ok := r.Get(runID); ok {
		run := snap.Run
		return &run, nil
	}
	run, err := r.store.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	if run == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownRun, runID)
	}
	return run, nil
}

// History returns the persisted events of a run.
func (r *Registry) History(ctx context.Context, runID string) ([]domain.Envelope, error) {
	stored, err := r.store.GetEvents(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	envs := make([]domain.Envelope, 0, len(stored))
	for _, s := range stored {
		ev, err := domain.Decode(s.Payload)
		if err != nil {
			r.logger.Warn("skipping undecodable stored event", zap.String("run_id", runID), zap.Int64("seq", s.Seq), zap.Error(err))
			continue
		}
		envs = append(envs, domain.Envelope{Seq: s.Seq, RunID: runID, Event: ev})
	}
	return envs, nil
}

// List returns snapshots of every live run.
func (r *Registry) List() []Snapshot {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.runs))
	for _, e := range r.runs {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]Snapshot, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.snapshot())
		e.mu.Unlock()
	}
	return out
}

// Evict forgets a terminal run. Non-terminal runs are never evicted.
func (r *Registry) Evict(runID string) bool {
	e, ok := r.get(runID)
	if !ok {
		return false
	}
	e.mu.Lock()
	terminal := e.run.State.IsTerminal()
	e.mu.Unlock()
	if !terminal {
		return false
	}

	r.mu.Lock()
	delete(r.runs, runID)
	r.mu.Unlock()
	r.sink.Evict(runID)
	r.logger.Debug("run evicted", zap.String("run_id", runID))
	return true
}
