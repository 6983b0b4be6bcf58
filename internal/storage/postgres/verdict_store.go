// Package postgres stores verdict history in PostgreSQL for deployments where
// several daemons or workers share one history.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/felixgeelhaar/mecaflow/internal/domain"
	"github.com/felixgeelhaar/mecaflow/internal/storage"
)

//go:embed schema.sql
var schema string

// Open connects a pool to dsn and verifies the connection
func Open(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// VerdictStore implements storage.VerdictStore using PostgreSQL
type VerdictStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

var _ storage.VerdictStore = (*VerdictStore)(nil)

// NewVerdictStore creates a PostgreSQL verdict store
func NewVerdictStore(pool *pgxpool.Pool) *VerdictStore {
	return &VerdictStore{pool: pool, now: time.Now}
}

// Migrate creates the verdicts table and its indexes if they don't exist
func (s *VerdictStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Save inserts or replaces the verdict for its submission id
func (s *VerdictStore) Save(ctx context.Context, rec storage.VerdictRecord) error {
	if rec.SubmissionID == "" {
		return fmt.Errorf("%w: verdict has no submission id", domain.ErrInvalidInput)
	}

	checks := rec.Checks
	if checks == nil {
		checks = []domain.CheckResult{}
	}
	checksJSON, err := json.Marshal(checks)
	if err != nil {
		return fmt.Errorf("marshal checks: %w", err)
	}

	evaluatedAt := rec.EvaluatedAt
	if evaluatedAt.IsZero() {
		evaluatedAt = s.now()
	}

	query := `
		INSERT INTO verdicts (submission_id, exercise_id, course_id, learner_id, shape, state,
			success, allow_next, score, message, checks, evaluated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (submission_id) DO UPDATE SET
			exercise_id = EXCLUDED.exercise_id, course_id = EXCLUDED.course_id,
			learner_id = EXCLUDED.learner_id, shape = EXCLUDED.shape, state = EXCLUDED.state,
			success = EXCLUDED.success, allow_next = EXCLUDED.allow_next, score = EXCLUDED.score,
			message = EXCLUDED.message, checks = EXCLUDED.checks, evaluated_at = EXCLUDED.evaluated_at
	`
	_, err = s.pool.Exec(ctx, query,
		rec.SubmissionID, rec.ExerciseID, rec.CourseID, rec.LearnerID,
		string(rec.Shape), string(rec.State), rec.Success, rec.AllowNext,
		rec.Score, rec.Message, checksJSON, evaluatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert verdict: %w", err)
	}
	return nil
}

const verdictColumns = `submission_id, exercise_id, course_id, learner_id, shape, state,
	success, allow_next, score, message, checks, evaluated_at`

// Get returns the verdict recorded for a submission
func (s *VerdictStore) Get(ctx context.Context, submissionID string) (*storage.VerdictRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+verdictColumns+` FROM verdicts WHERE submission_id = $1`, submissionID)
	return scanVerdict(row)
}

// Latest returns the most recent verdict for an exercise
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

// List returns verdicts matching the filter, newest first
func (s *VerdictStore) List(ctx context.Context, f storage.VerdictFilter) ([]*storage.VerdictRecord, error) {
	query, args := listQuery(f)
	rows, err := s.pool.Query(ctx, query, args...)
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

// Delete removes the verdict recorded for a submission
func (s *VerdictStore) Delete(ctx context.Context, submissionID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM verdicts WHERE submission_id = $1`, submissionID)
	if err != nil {
		return fmt.Errorf("delete verdict: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrVerdictNotFound
	}
	return nil
}

func listQuery(f storage.VerdictFilter) (string, []any) {
	var where []string
	var args []any
	if f.ExerciseID != "" {
		args = append(args, f.ExerciseID)
		where = append(where, fmt.Sprintf("exercise_id = $%d", len(args)))
	}
	if f.LearnerID != "" {
		args = append(args, f.LearnerID)
		where = append(where, fmt.Sprintf("learner_id = $%d", len(args)))
	}
	args = append(args, f.EffectiveLimit())

	query := `SELECT ` + verdictColumns + ` FROM verdicts`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY evaluated_at DESC, seq DESC LIMIT $%d", len(args))
	return query, args
}

func scanVerdict(row pgx.Row) (*storage.VerdictRecord, error) {
	var (
		rec    storage.VerdictRecord
		shape  string
		state  string
		checks []byte
	)
	err := row.Scan(
		&rec.SubmissionID, &rec.ExerciseID, &rec.CourseID, &rec.LearnerID,
		&shape, &state, &rec.Success, &rec.AllowNext, &rec.Score, &rec.Message,
		&checks, &rec.EvaluatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrVerdictNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan verdict: %w", err)
	}

	rec.Shape = domain.Shape(shape)
	rec.State = domain.VerdictState(state)
	if err := json.Unmarshal(checks, &rec.Checks); err != nil {
		return nil, fmt.Errorf("unmarshal checks: %w", err)
	}
	if rec.Checks == nil {
		rec.Checks = []domain.CheckResult{}
	}
	return &rec, nil
}
