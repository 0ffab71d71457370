// Package journal records provisioning runs so a later run can resume after the last completed step.
package journal

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Status of a run or step.
type Status string

const (
	StatusRunning Status = "running"
	StatusOK      Status = "ok"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// Step is the outcome of one step.
type Step struct {
	Name      string        `yaml:"name" json:"name" db:"name"`
	Status    Status        `yaml:"status" json:"status" db:"status"`
	StartedAt time.Time     `yaml:"started_at" json:"started_at" db:"started_at"`
	Duration  time.Duration `yaml:"duration" json:"duration"`
	Error     string        `yaml:"error,omitempty" json:"error,omitempty" db:"error"`
}

// Run is one provisioning attempt.
type Run struct {
	ID          string     `yaml:"id" json:"id"`
	Fingerprint string     `yaml:"fingerprint" json:"fingerprint"`
	Status      Status     `yaml:"status" json:"status"`
	StartedAt   time.Time  `yaml:"started_at" json:"started_at"`
	FinishedAt  *time.Time `yaml:"finished_at,omitempty" json:"finished_at,omitempty"`
	Steps       []Step     `yaml:"steps" json:"steps"`
}

// NewRun starts a run for the given configuration fingerprint.
func NewRun(fingerprint string, now time.Time) *Run {
	return &Run{
		ID:          uuid.NewString(),
		Fingerprint: fingerprint,
		Status:      StatusRunning,
		StartedAt:   now.UTC(),
	}
}

// Completed reports whether the named step succeeded in this run.
func (r *Run) Completed(name string) bool {
	if r == nil {
		return false
	}
	for _, s := range r.Steps {
		if s.Name == name && s.Status == StatusOK {
			return true
		}
	}
	return false
}

// Record appends or replaces the result of a step.
func (r *Run) Record(s Step) {
	for i := range r.Steps {
		if r.Steps[i].Name == s.Name {
			r.Steps[i] = s
			return
		}
	}
	r.Steps = append(r.Steps, s)
}

// Finish closes the run with status.
func (r *Run) Finish(status Status, now time.Time) {
	t := now.UTC()
	r.Status = status
	r.FinishedAt = &t
}

// Store persists runs.
type Store interface {
	Save(ctx context.Context, run *Run) error
	// Last returns the most recently started run, or nil when none exists.
	Last(ctx context.Context) (*Run, error)
}

// Discard is a Store that keeps nothing.
type Discard struct{}

func (Discard) Save(context.Context, *Run) error { return nil }
func (Discard) Last(context.Context) (*Run, error) { return nil, nil }
