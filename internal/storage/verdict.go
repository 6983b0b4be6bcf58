// Package storage defines the verdict history shared by the SQLite and
// PostgreSQL backends.
package storage

import (
	"context"

	"github.com/felixgeelhaar/mecaflow/internal/domain"
)

// VerdictRecord is a verdict with the context it was produced in
type VerdictRecord struct {
	domain.Verdict
	CourseID  string `json:"course_id,omitempty"`
	LearnerID string `json:"learner_id,omitempty"`
}

// VerdictFilter narrows a verdict listing. Zero values match everything.
type VerdictFilter struct {
	ExerciseID string
	LearnerID  string
	Limit      int
}

// DefaultListLimit applies when a filter sets no limit
const DefaultListLimit = 50

// EffectiveLimit returns the filter limit or DefaultListLimit
func (f VerdictFilter) EffectiveLimit() int {
	if f.Limit <= 0 {
		return DefaultListLimit
	}
	return f.Limit
}

// VerdictStore persists verdict history keyed by submission id. Save is an
// upsert; lookups of unknown submissions return domain.ErrVerdictNotFound.
type VerdictStore interface {
	Save(ctx context.Context, rec VerdictRecord) error
	Get(ctx context.Context, submissionID string) (*VerdictRecord, error)
	Latest(ctx context.Context, exerciseID string) (*VerdictRecord, error)
	List(ctx context.Context, f VerdictFilter) ([]*VerdictRecord, error)
	Delete(ctx context.Context, submissionID string) error
}
