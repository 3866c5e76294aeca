package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/xiaot623/applyrun/internal/domain"
	"go.uber.org/zap"
)

// Payload builds the tailored-resume payload the form-fill agent consumes
// for a run. It never changes run state.
func (s *Service) Payload(ctx context.Context, runID string) (*domain.Payload, error) {
	run, err := s.registry.Lookup(ctx, runID)
	if err != nil {
		return nil, err
	}

	job, err := s.store.GetJob(ctx, run.JobID)
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	if job == nil {
		return nil, fmt.Errorf("%w: job %s", domain.ErrInvalidReference, run.JobID)
	}
	profile, err := s.store.GetProfile(ctx, run.ProfileID)
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	if profile == nil {
		return nil, fmt.Errorf("%w: profile %s", domain.ErrInvalidReference, run.ProfileID)
	}

	payload := &domain.Payload{
		RunID:          run.ID,
		JobID:          job.ID,
		TailoredResume: buildResume(job, profile),
		Keywords:       []string{},
	}

	tailored, err := s.store.GetLatestTailorResult(ctx, job.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to get tailor result: %w", err)
	}
	if tailored != nil {
		if tailored.Keywords != nil {
			payload.Keywords = tailored.Keywords
		}
		if payload.TailoredPDFURL, err = s.resumeURL(ctx, tailored.PDFURL); err != nil {
			s.logger.Warn("failed to link tailored pdf", zap.String("run_id", runID), zap.Error(err))
		}
	}
	if payload.ResumeURL, err = s.resumeURL(ctx, profile.BaseResumeURL); err != nil {
		s.logger.Warn("failed to link base resume", zap.String("run_id", runID), zap.Error(err))
	}

	return payload, nil
}

func buildResume(job *domain.Job, profile *domain.Profile) domain.TailoredResume {
	role := job.Role
	if role == "" {
		role = "role"
	}
	skills := profile.Skills
	if skills == nil {
		skills = []string{}
	}
	location := profile.Location
	if location == "" {
		location = profile.School
	}

	resume := domain.TailoredResume{
		Name: profile.Name,
		Contact: domain.Contact{
			Email:    profile.Email,
			Phone:    profile.Phone,
			Location: location,
			LinkedIn: profile.Links["linkedin"],
			GitHub:   profile.Links["github"],
		},
		Summary:    fmt.Sprintf("Candidate for %s with skills: %s", role, strings.Join(skills, ", ")),
		Skills:     skills,
		Education:  []domain.Education{},
		Experience: []domain.Experience{},
	}
	if profile.School != "" {
		resume.Education = append(resume.Education, domain.Education{
			School:     profile.School,
			Degree:     profile.Degree,
			Graduation: profile.GradDate,
		})
	}
	return resume
}
