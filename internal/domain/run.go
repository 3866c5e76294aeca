package domain

import "time"

// Run is a single automation attempt against one job/profile pair.
type Run struct {
	ID            string        `json:"runId"`
	JobID         string        `json:"jobId"`
	ProfileID     string        `json:"profileId"`
	State         RunState      `json:"state"`
	VNCURL        string        `json:"vncUrl,omitempty"`
	ReceiptURL    string        `json:"receiptUrl,omitempty"`
	FailureReason FailureReason `json:"failureReason,omitempty"`
	SandboxHandle string        `json:"-"`
	EventCount    int           `json:"eventCount"`
	CreatedAt     time.Time     `json:"createdAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
	FinishedAt    *time.Time    `json:"finishedAt,omitempty"`
}

// Job is read-only job metadata supplied by the job store.
type Job struct {
	ID         string `json:"id" yaml:"id"`
	Company    string `json:"company" yaml:"company"`
	Role       string `json:"role" yaml:"role"`
	Location   string `json:"location,omitempty" yaml:"location"`
	ApplyURL   string `json:"apply_url" yaml:"apply_url"`
	DatePosted string `json:"date_posted,omitempty" yaml:"date_posted"`
	ATS        string `json:"ats,omitempty" yaml:"ats"`
	Status     string `json:"status,omitempty" yaml:"status"`
}

// Profile is applicant data supplied by the profile store.
type Profile struct {
	ID            string            `json:"id" yaml:"id"`
	Name          string            `json:"name" yaml:"name"`
	Email         string            `json:"email" yaml:"email"`
	Phone         string            `json:"phone,omitempty" yaml:"phone"`
	Location      string            `json:"location,omitempty" yaml:"location"`
	School        string            `json:"school,omitempty" yaml:"school"`
	Degree        string            `json:"degree,omitempty" yaml:"degree"`
	GradDate      string            `json:"grad_date,omitempty" yaml:"grad_date"`
	WorkAuth      string            `json:"work_auth,omitempty" yaml:"work_auth"`
	Links         map[string]string `json:"links,omitempty" yaml:"links"`
	Skills        []string          `json:"skills,omitempty" yaml:"skills"`
	BaseResumeURL string            `json:"base_resume_url,omitempty" yaml:"base_resume_url"`
}

// DefaultProfileID is used when a start request names no profile.
const DefaultProfileID = "default"

// TailorResult is the latest output of the resume tailoring engine for a job.
type TailorResult struct {
	JobID     string    `json:"job_id" yaml:"job_id"`
	Keywords  []string  `json:"keywords" yaml:"keywords"`
	PDFURL    string    `json:"pdf_url,omitempty" yaml:"pdf_url"`
	CreatedAt time.Time `json:"created_at" yaml:"-"`
}

// StoredEvent is a persisted envelope row.
type StoredEvent struct {
	RunID   string
	Seq     int64
	Type    EventType
	Payload []byte
	Ts      time.Time
}
