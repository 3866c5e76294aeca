// Package repository persists runs with their event history, next to the
// read-only catalog the orchestrator consumes.
package repository

import (
	"context"

	"github.com/xiaot623/applyrun/internal/domain"
)

// RunStore is the durable side of the run registry.
type RunStore interface {
	CreateRun(ctx context.Context, run *domain.Run) error
	GetRun(ctx context.Context, runID string) (*domain.Run, error)
	UpdateRun(ctx context.Context, run *domain.Run) error
	ListRuns(ctx context.Context, jobID string, limit int) ([]domain.Run, error)
	AppendEvent(ctx context.Context, event *domain.StoredEvent) error
	GetEvents(ctx context.Context, runID string) ([]domain.StoredEvent, error)
}

// CatalogStore supplies the job catalog and tailoring output. It is read-only
// from the orchestrator's point of view; the Upsert methods exist for seeding.
type CatalogStore interface {
	GetJob(ctx context.Context, jobID string) (*domain.Job, error)
	GetProfile(ctx context.Context, profileID string) (*domain.Profile, error)
	GetLatestTailorResult(ctx context.Context, jobID string) (*domain.TailorResult, error)
}

// Store is everything the service layer needs.
type Store interface {
	RunStore
	CatalogStore
	Close() error
}
