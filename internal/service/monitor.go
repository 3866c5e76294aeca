package service

import (
	"context"
	"time"

	"github.com/xiaot623/applyrun/internal/domain"
	"go.uber.org/zap"
)

// RunMonitor applies the lifecycle deadlines on every sweep tick until ctx
// ends.
func (s *Service) RunMonitor(ctx context.Context) {
	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx, time.Now())
		}
	}
}

func (s *Service) sweep(ctx context.Context, now time.Time) {
	sweepCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	for _, snap := range s.registry.List() {
		if snap.State.IsTerminal() {
			if snap.FinishedAt != nil && now.Sub(*snap.FinishedAt) >= s.config.RetentionWindow {
				s.registry.Evict(snap.ID)
			}
			continue
		}

		var reason domain.FailureReason
		switch {
		case !snap.ProducerLostAt.IsZero() && now.Sub(snap.ProducerLostAt) >= s.config.DisconnectGrace:
			reason = domain.FailureSandboxDisconnected
		case snap.State == domain.RunStateGated && s.config.GateTimeout > 0 && now.Sub(snap.GatedAt) >= s.config.GateTimeout:
			reason = domain.FailureGateTimeout
		case s.config.RunTimeout > 0 && now.Sub(snap.CreatedAt) >= s.config.RunTimeout:
			reason = domain.FailureRunTimeout
		default:
			continue
		}

		if err := s.failRun(sweepCtx, snap.ID, reason); err != nil {
			s.logger.Debug("sweep skipped run", zap.String("run_id", snap.ID), zap.Error(err))
		}
	}
}
