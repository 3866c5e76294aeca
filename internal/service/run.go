package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xiaot623/applyrun/internal/adapter/sandbox"
	"github.com/xiaot623/applyrun/internal/domain"
	"github.com/xiaot623/applyrun/internal/gate"
	"github.com/xiaot623/applyrun/internal/policy"
	"github.com/xiaot623/applyrun/internal/relay"
	"go.uber.org/zap"
)

// StartResult is returned by StartRun.
type StartResult struct {
	RunID  string `json:"runId"`
	VNCURL string `json:"vncUrl,omitempty"`
}

var errStreamFinished = errors.New("stream finished")

// StartRun validates references, checks admission, creates the run, and
// hands it to the sandbox without waiting for it.
func (s *Service) StartRun(ctx context.Context, jobID, profileID string) (*StartResult, error) {
	if profileID == "" {
		profileID = domain.DefaultProfileID
	}

	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	if job == nil {
		return nil, fmt.Errorf("%w: job %s", domain.ErrInvalidReference, jobID)
	}
	profile, err := s.store.GetProfile(ctx, profileID)
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	if profile == nil {
		return nil, fmt.Errorf("%w: profile %s", domain.ErrInvalidReference, profileID)
	}

	if s.policy != nil {
		decision, err := s.policy.Evaluate(ctx, policy.Input{
			Job: policy.JobInput{
				ID:       job.ID,
				Company:  job.Company,
				Role:     job.Role,
				ATS:      job.ATS,
				ApplyURL: job.ApplyURL,
				Status:   job.Status,
			},
			Profile: policy.ProfileInput{ID: profile.ID, HasResume: profile.BaseResumeURL != ""},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to evaluate admission policy: %w", err)
		}
		if !decision.Allow {
			return nil, fmt.Errorf("%w: %s", domain.ErrRunRejected, decision.Reason)
		}
	}

	run, err := s.registry.Create(ctx, job.ID, profile.ID)
	if err != nil {
		return nil, err
	}
	log := s.logger.With(zap.String("run_id", run.ID))
	log.Info("run created", zap.String("job_id", job.ID), zap.String("profile_id", profile.ID))

	if s.config.DesktopNoVNC != "" {
		if _, err := s.registry.RecordEvent(ctx, run.ID, domain.VNCEvent{URL: s.config.DesktopNoVNC}); err != nil {
			log.Warn("failed to publish vnc event", zap.Error(err))
		}
	}

	if s.sandbox != nil {
		producerCtx, cancel := context.WithCancel(s.baseCtx)
		s.mu.Lock()
		s.producers[run.ID] = cancel
		s.mu.Unlock()

		s.wg.Add(1)
		go s.runSandbox(producerCtx, run.ID, job, profile)
	}

	result := &StartResult{RunID: run.ID}
	if snap, ok := s.registry.Get(run.ID); ok {
		result.VNCURL = snap.VNCURL
	}
	return result, nil
}

// runSandbox starts a sandbox session and pumps its events into the run.
func (s *Service) runSandbox(ctx context.Context, runID string, job *domain.Job, profile *domain.Profile) {
	defer s.wg.Done()
	log := s.logger.With(zap.String("run_id", runID))

	resumeURL, err := s.resumeURL(ctx, profile.BaseResumeURL)
	if err != nil {
		log.Warn("failed to resolve resume url", zap.Error(err))
	}

	startCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	session, err := s.sandbox.Start(startCtx, sandbox.StartRequest{
		RunID:     runID,
		JobURL:    job.ApplyURL,
		ResumeURL: resumeURL,
	})
	cancel()
	if err != nil {
		log.Error("sandbox start failed", zap.Error(err))
		_ = s.failRun(context.Background(), runID, domain.FailureSandboxStartFailed)
		return
	}
	if err := s.registry.SetSandboxHandle(ctx, runID, session.ID); err != nil {
		log.Warn("failed to record sandbox handle", zap.Error(err))
	}
	if session.VNCURL != "" {
		if snap, ok := s.registry.Get(runID); ok && snap.VNCURL != session.VNCURL {
			_, _ = s.registry.RecordEvent(ctx, runID, domain.VNCEvent{URL: session.VNCURL})
		}
	}
	log.Info("sandbox session started", zap.String("session_id", session.ID))

	err = s.sandbox.Stream(ctx, session.ID, func(frame sandbox.SSEEvent) error {
		ev, err := domain.Decode([]byte(frame.Data))
		if err != nil {
			log.Warn("dropping malformed event", zap.String("sse_event", frame.Event), zap.Error(err))
			return nil
		}
		if _, err := s.Ingest(ctx, runID, ev); err != nil {
			if errors.Is(err, domain.ErrRunAlreadyTerminal) {
				return errStreamFinished
			}
			log.Warn("failed to ingest event", zap.String("type", string(ev.Type())), zap.Error(err))
			return nil
		}
		if ev.Type() == domain.EventTypeDone {
			return errStreamFinished
		}
		return nil
	})

	if snap, ok := s.registry.Get(runID); ok && !snap.State.IsTerminal() {
		log.Warn("sandbox stream ended without done", zap.Error(err))
		_ = s.registry.MarkProducerLost(runID)
	}
}

// resumeURL turns a profile's resume reference into something the sandbox
// can fetch.
func (s *Service) resumeURL(ctx context.Context, ref string) (string, error) {
	if ref == "" {
		return "", nil
	}
	if strings.HasPrefix(ref, "/") {
		return strings.TrimSuffix(s.config.BackendInternal, "/") + ref, nil
	}
	if s.linker == nil {
		return ref, nil
	}
	return s.linker.Resolve(ctx, ref)
}

// Ingest accepts one event from a run's producer. Gate events go through the
// coordinator; a done event tears the run down.
func (s *Service) Ingest(ctx context.Context, runID string, ev domain.RunEvent) (domain.Envelope, error) {
	if domain.IsGate(ev) {
		ticket, env, err := s.gates.RequestGate(ctx, runID, ev)
		if err != nil {
			return domain.Envelope{}, err
		}
		if snap, ok := s.registry.Get(runID); ok && snap.SandboxHandle != "" && s.sandbox != nil {
			s.awaitGate(runID, snap.SandboxHandle, ticket)
		}
		return env, nil
	}

	env, err := s.registry.RecordEvent(ctx, runID, ev)
	if err != nil {
		return domain.Envelope{}, err
	}
	if done, ok := ev.(domain.DoneEvent); ok {
		s.onTerminal(runID, done.Reason)
	}
	return env, nil
}

// awaitGate resumes the sandbox session once the gate is continued.
func (s *Service) awaitGate(runID, sessionID string, ticket *gate.Ticket) {
	s.mu.Lock()
	if s.waiters[ticket.ID] {
		s.mu.Unlock()
		return
	}
	s.waiters[ticket.ID] = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.waiters, ticket.ID)
			s.mu.Unlock()
		}()

		if err := s.gates.Wait(s.baseCtx, runID); err != nil {
			return
		}

		ctx, cancel := context.WithTimeout(s.baseCtx, 30*time.Second)
		defer cancel()
		if err := s.sandbox.Resume(ctx, sessionID); err != nil {
			s.logger.Error("failed to resume sandbox", zap.String("run_id", runID), zap.Error(err))
			_ = s.registry.MarkProducerLost(runID)
		}
	}()
}

// failRun synthesizes done{ok:false} so every observer converges.
func (s *Service) failRun(ctx context.Context, runID string, reason domain.FailureReason) error {
	if _, err := s.registry.RecordEvent(ctx, runID, domain.DoneEvent{OK: false, Reason: reason}); err != nil {
		return err
	}
	s.logger.Warn("run failed", zap.String("run_id", runID), zap.String("reason", string(reason)))
	s.onTerminal(runID, reason)
	return nil
}

// onTerminal tears down what a finished run still holds.
func (s *Service) onTerminal(runID string, reason domain.FailureReason) {
	s.gates.Drop(runID, gateDropError(reason))

	s.mu.Lock()
	cancel, ok := s.producers[runID]
	delete(s.producers, runID)
	s.mu.Unlock()
	if ok {
		cancel()
	}

	snap, ok := s.registry.Get(runID)
	if !ok || snap.SandboxHandle == "" || s.sandbox == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.sandbox.Release(ctx, snap.SandboxHandle); err != nil {
			s.logger.Warn("failed to release sandbox", zap.String("run_id", runID), zap.Error(err))
		}
	}()
}

func gateDropError(reason domain.FailureReason) error {
	switch reason {
	case domain.FailureGateTimeout:
		return domain.ErrGateTimeout
	case domain.FailureSandboxDisconnected:
		return domain.ErrSandboxDisconnected
	default:
		return domain.ErrRunAlreadyTerminal
	}
}

// CancelRun ends a run with done{ok:false, reason:"cancelled"}. Cancelling
// a finished run is a no-op.
func (s *Service) CancelRun(ctx context.Context, runID string) error {
	run, err := s.registry.Lookup(ctx, runID)
	if err != nil {
		return err
	}
	if run.State.IsTerminal() {
		return nil
	}
	if err := s.failRun(ctx, runID, domain.FailureCancelled); err != nil && !errors.Is(err, domain.ErrRunAlreadyTerminal) {
		return err
	}
	return nil
}

// Subscribe attaches to a run's event stream. Runs no longer held in memory
// replay their persisted history.
func (s *Service) Subscribe(ctx context.Context, runID string) (*relay.Subscription, error) {
	sub, err := s.relay.Subscribe(ctx, runID)
	if err == nil {
		return sub, nil
	}
	if !errors.Is(err, domain.ErrUnknownRun) {
		return nil, err
	}

	if _, err := s.registry.Lookup(ctx, runID); err != nil {
		return nil, err
	}
	history, err := s.registry.History(ctx, runID)
	if err != nil {
		return nil, err
	}
	return relay.Replay(ctx, runID, history), nil
}

// ContinueRun releases the run's outstanding gate.
func (s *Service) ContinueRun(ctx context.Context, runID string) (gate.Result, error) {
	res, err := s.gates.Continue(ctx, runID)
	if err == nil {
		return res, nil
	}
	if errors.Is(err, domain.ErrUnknownRun) {
		if _, lookupErr := s.registry.Lookup(ctx, runID); lookupErr == nil {
			return gate.Result{}, domain.ErrRunAlreadyTerminal
		}
	}
	return gate.Result{}, err
}

// WaitGate long-polls the outstanding gate for push-mode producers. It
// reports false when timeout elapses first.
func (s *Service) WaitGate(ctx context.Context, runID string, timeout time.Duration) (bool, error) {
	snap, ok := s.registry.Get(runID)
	if !ok {
		if _, err := s.registry.Lookup(ctx, runID); err != nil {
			return false, err
		}
		return false, domain.ErrRunAlreadyTerminal
	}
	if snap.State.IsTerminal() {
		return false, domain.ErrRunAlreadyTerminal
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := s.gates.Wait(waitCtx, runID)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		return false, nil
	default:
		return false, err
	}
}

// ProducerDisconnected starts the grace period after which a run without a
// done event is failed.
func (s *Service) ProducerDisconnected(ctx context.Context, runID string) error {
	if err := s.registry.MarkProducerLost(runID); err != nil {
		if errors.Is(err, domain.ErrUnknownRun) {
			if _, lookupErr := s.registry.Lookup(ctx, runID); lookupErr == nil {
				return domain.ErrRunAlreadyTerminal
			}
		}
		return err
	}
	return nil
}

// GetRun returns a run snapshot.
func (s *Service) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	return s.registry.Lookup(ctx, runID)
}

// ListRuns lists persisted runs, optionally for one job.
func (s *Service) ListRuns(ctx context.Context, jobID string, limit int) ([]domain.Run, error) {
	runs, err := s.store.ListRuns(ctx, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	// live state is fresher than the last write-through
	for i := range runs {
		if snap, ok := s.registry.Get(runs[i].ID); ok {
			runs[i] = snap.Run
		}
	}
	return runs, nil
}
