package repository

import (
	"context"
	"fmt"
	"os"

	"github.com/xiaot623/applyrun/internal/domain"
	"gopkg.in/yaml.v3"
)

// Fixtures is the YAML seed file for jobs, profiles, and tailoring output.
type Fixtures struct {
	Jobs          []domain.Job          `yaml:"jobs"`
	Profiles      []domain.Profile      `yaml:"profiles"`
	TailorResults []domain.TailorResult `yaml:"tailor_results"`
}

// LoadFixtures reads a fixtures file and upserts its contents.
func (s *SQLiteStore) LoadFixtures(ctx context.Context, path string) (*Fixtures, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading fixtures: %w", err)
	}

	var f Fixtures
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing fixtures: %w", err)
	}

	for i := range f.Jobs {
		if err := s.UpsertJob(ctx, &f.Jobs[i]); err != nil {
			return nil, fmt.Errorf("seeding job %s: %w", f.Jobs[i].ID, err)
		}
	}
	for i := range f.Profiles {
		if f.Profiles[i].ID == "" {
			f.Profiles[i].ID = domain.DefaultProfileID
		}
		if err := s.UpsertProfile(ctx, &f.Profiles[i]); err != nil {
			return nil, fmt.Errorf("seeding profile %s: %w", f.Profiles[i].ID, err)
		}
	}
	for i := range f.TailorResults {
		if err := s.CreateTailorResult(ctx, &f.TailorResults[i]); err != nil {
			return nil, fmt.Errorf("seeding tailor result for %s: %w", f.TailorResults[i].JobID, err)
		}
	}
	return &f, nil
}
