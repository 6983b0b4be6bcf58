package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/felixgeelhaar/mecaflow/internal/domain"
	"github.com/felixgeelhaar/mecaflow/internal/storage"
)

// VerdictStore persists verdict history in SQLite.
type VerdictStore struct {
	db *DB
}

// NewVerdictStore creates a SQLite-backed verdict store.
func NewVerdictStore(db *DB) *VerdictStore {
	return &VerdictStore{db: db}
}

// Save inserts or replaces the verdict for its submission id.
func (s *VerdictStore) Save(ctx context.Context, rec storage.VerdictRecord) error {
	if rec.SubmissionID == "" {
		return fmt.Errorf("%w: verdict has no submission id", domain.ErrInvalidInput)
	}

	checks := rec.Checks
	if checks == nil {
		checks = []domain.CheckResult{}
	}
	encoded, err := json.Marshal(checks)
	if err != nil {
		return fmt.Errorf("marshal checks: %w", err)
	}

	evaluatedAt := rec.EvaluatedAt
	if evaluatedAt.IsZero() {
		evaluatedAt = time.Now()
	}

	var score sql.NullFloat64
	if v, ok := rec.ScoreValue(); ok {
		score = sql.NullFloat64{Float64: v, Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO verdicts (submission_id, exercise_id, course_id, learner_id, shape, state,
			success, allow_next, score, message, checks, evaluated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(submission_id) DO UPDATE SET
			exercise_id=excluded.exercise_id, course_id=excluded.course_id,
			learner_id=excluded.learner_id, shape=excluded.shape, state=excluded.state,
			success=excluded.success, allow_next=excluded.allow_next, score=excluded.score,
			message=excluded.message, checks=excluded.checks, evaluated_at=excluded.evaluated_at`,
		rec.SubmissionID, rec.ExerciseID, rec.CourseID, rec.LearnerID,
		string(rec.Shape), string(rec.State),
		rec.Success, rec.AllowNext, score, rec.Message, string(encoded),
		evaluatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert verdict: %w", err)
	}
	return nil
}

const verdictColumns = `submission_id, exercise_id, course_id, learner_id, shape, state,
	success, allow_next, score, message, checks, evaluated_at`

// Get returns the verdict recorded for a submission.
func (s *VerdictStore) Get(ctx context.Context, submissionID string) (*storage.VerdictRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+verdictColumns+` FROM verdicts WHERE submission_id = ?`, submissionID)
	return scanVerdict(row)
}

// Latest returns the most recent verdict for an exercise.
func (s *VerdictStore) Latest(ctx context.Context, exerciseID string) (*storage.VerdictRecord, error) {
	recs, err := s.List(ctx, storage.VerdictFilter{ExerciseID: exerciseID, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, domain.ErrVerdictNotFound
	}
	return recs[0], nil
}

// ListByExercise returns the newest verdicts for an exercise first.
func (s *VerdictStore) ListByExercise(ctx context.Context, exerciseID string, limit int) ([]*storage.VerdictRecord, error) {
	return s.List(ctx, storage.VerdictFilter{ExerciseID: exerciseID, Limit: limit})
}

// List returns verdicts matching the filter, newest first.
func (s *VerdictStore) List(ctx context.Context, f storage.VerdictFilter) ([]*storage.VerdictRecord, error) {
	var where []string
	var args []any
	if f.ExerciseID != "" {
		where = append(where, "exercise_id = ?")
		args = append(args, f.ExerciseID)
	}
	if f.LearnerID != "" {
		where = append(where, "learner_id = ?")
		args = append(args, f.LearnerID)
	}
	limit := f.EffectiveLimit()

	query := `SELECT ` + verdictColumns + ` FROM verdicts`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY evaluated_at DESC, rowid DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list verdicts: %w", err)
	}
	defer rows.Close()

	var out []*storage.VerdictRecord
	for rows.Next() {
		rec, err := scanVerdict(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Delete removes the verdict recorded for a submission.
func (s *VerdictStore) Delete(ctx context.Context, submissionID string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM verdicts WHERE submission_id = ?", submissionID)
	if err != nil {
		return fmt.Errorf("delete verdict: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return domain.ErrVerdictNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanVerdict(row scanner) (*storage.VerdictRecord, error) {
	var (
		rec         storage.VerdictRecord
		shape       string
		state       string
		score       sql.NullFloat64
		checks      string
		evaluatedAt time.Time
	)
	err := row.Scan(
		&rec.SubmissionID, &rec.ExerciseID, &rec.CourseID, &rec.LearnerID,
		&shape, &state, &rec.Success, &rec.AllowNext, &score, &rec.Message,
		&checks, &evaluatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrVerdictNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan verdict: %w", err)
	}

	rec.Shape = domain.Shape(shape)
	rec.State = domain.VerdictState(state)
	rec.EvaluatedAt = evaluatedAt
	if score.Valid {
		rec.Score = domain.Float(score.Float64)
	}
	if err := json.Unmarshal([]byte(checks), &rec.Checks); err != nil {
		return nil, fmt.Errorf("unmarshal checks: %w", err)
	}
	if rec.Checks == nil {
		rec.Checks = []domain.CheckResult{}
	}
	return &rec, nil
}
