// Package testutil holds shared fixtures for package tests.
package testutil

import (
	"context"
	"testing"

	"github.com/xiaot623/applyrun/internal/domain"
	"github.com/xiaot623/applyrun/internal/repository"
)

// NewTestStore returns an in-memory store closed at test cleanup.
func NewTestStore(t *testing.T) *repository.SQLiteStore {
	t.Helper()

	s, err := repository.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create sqlite store: %v", err)
	}

	t.Cleanup(func() {
		_ = s.Close()
	})

	return s
}

// TestJob is seeded by NewSeededStore.
var TestJob = domain.Job{
	ID:       "job-42",
	Company:  "Acme",
	Role:     "Backend Engineer",
	Location: "Remote",
	ApplyURL: "https://boards.greenhouse.io/acme/jobs/42",
	ATS:      "greenhouse",
}

// TestProfile is seeded by NewSeededStore.
var TestProfile = domain.Profile{
	ID:            "prof-1",
	Name:          "Ada Lovelace",
	Email:         "ada@example.com",
	Phone:         "555-0100",
	Location:      "London",
	School:        "University of London",
	Degree:        "BSc Mathematics",
	GradDate:      "2024-06",
	Links:         map[string]string{"linkedin": "https://linkedin.com/in/ada", "github": "https://github.com/ada"},
	Skills:        []string{"go", "sql", "distributed systems"},
	BaseResumeURL: "s3://resumes/ada.pdf",
}

// NewSeededStore returns a test store holding TestJob and TestProfile.
func NewSeededStore(t *testing.T) *repository.SQLiteStore {
	t.Helper()
	s := NewTestStore(t)
	ctx := context.Background()

	job := TestJob
	if err := s.UpsertJob(ctx, &job); err != nil {
		t.Fatalf("failed to seed job: %v", err)
	}
	profile := TestProfile
	if err := s.UpsertProfile(ctx, &profile); err != nil {
		t.Fatalf("failed to seed profile: %v", err)
	}
	return s
}
