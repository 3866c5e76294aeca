package domain

// Payload is what the form-fill agent reads for a run.
type Payload struct {
	RunID          string         `json:"runId"`
	JobID          string         `json:"jobId"`
	TailoredResume TailoredResume `json:"tailored_resume"`
	Keywords       []string       `json:"keywords"`
	ResumeURL      string         `json:"resumeUrl,omitempty"`
	TailoredPDFURL string         `json:"tailoredPdfUrl,omitempty"`
}

type TailoredResume struct {
	Name       string       `json:"name"`
	Contact    Contact      `json:"contact"`
	Summary    string       `json:"summary"`
	Skills     []string     `json:"skills"`
	Education  []Education  `json:"education"`
	Experience []Experience `json:"experience"`
}

type Contact struct {
	Email    string `json:"email"`
	Phone    string `json:"phone"`
	Location string `json:"location"`
	LinkedIn string `json:"linkedin"`
	GitHub   string `json:"github"`
}

type Education struct {
	School     string `json:"school"`
	Degree     string `json:"degree"`
	Graduation string `json:"graduation"`
}

type Experience struct {
	Company string   `json:"company"`
	Title   string   `json:"title"`
	Bullets []string `json:"bullets"`
}
