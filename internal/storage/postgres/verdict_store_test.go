package postgres

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/felixgeelhaar/mecaflow/internal/domain"
	"github.com/felixgeelhaar/mecaflow/internal/storage"
)

func TestListQuery(t *testing.T) {
	tests := []struct {
		name      string
		filter    storage.VerdictFilter
		wantWhere string
		wantArgs  []any
	}{
		{
			name:     "no filter",
			filter:   storage.VerdictFilter{},
			wantArgs: []any{storage.DefaultListLimit},
		},
		{
			name:      "exercise",
			filter:    storage.VerdictFilter{ExerciseID: "ex-1", Limit: 5},
			wantWhere: " WHERE exercise_id = $1 ORDER BY evaluated_at DESC, seq DESC LIMIT $2",
			wantArgs:  []any{"ex-1", 5},
		},
		{
			name:      "exercise and learner",
			filter:    storage.VerdictFilter{ExerciseID: "ex-1", LearnerID: "l-1"},
			wantWhere: " WHERE exercise_id = $1 AND learner_id = $2 ORDER BY evaluated_at DESC, seq DESC LIMIT $3",
			wantArgs:  []any{"ex-1", "l-1", storage.DefaultListLimit},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			query, args := listQuery(tt.filter)
			if tt.wantWhere != "" && !endsWith(query, tt.wantWhere) {
				t.Errorf("query = %q; want suffix %q", query, tt.wantWhere)
			}
			if diff := cmp.Diff(tt.wantArgs, args); diff != "" {
				t.Errorf("args mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func endsWith(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}

// openTestStore connects to MECAFLOW_TEST_POSTGRES_DSN or skips
func openTestStore(t *testing.T) *VerdictStore {
	t.Helper()
	dsn := os.Getenv("MECAFLOW_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("MECAFLOW_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	pool, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(pool.Close)

	store := NewVerdictStore(pool)
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := pool.Exec(ctx, "TRUNCATE verdicts"); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return store
}

func TestVerdictStore_RoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	rec := storage.VerdictRecord{
		Verdict: domain.Verdict{
			SubmissionID: "sub-1",
			ExerciseID:   "ex-1",
			Shape:        domain.ShapeStandard,
			State:        domain.VerdictGraded,
			Success:      true,
			AllowNext:    true,
			Score:        domain.Float(91),
			Checks:       []domain.CheckResult{{Label: "Volume", Status: domain.CheckSuccess}},
			Message:      "ok",
			EvaluatedAt:  at,
		},
		CourseID:  "c-1",
		LearnerID: "l-1",
	}
	if err := store.Save(ctx, rec); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	// upsert
	if err := store.Save(ctx, rec); err != nil {
		t.Fatalf("second Save() error = %v", err)
	}

	got, err := store.Get(ctx, "sub-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if diff := cmp.Diff(&rec, got); diff != "" {
		t.Errorf("record mismatch (-want +got):\n%s", diff)
	}

	list, err := store.List(ctx, storage.VerdictFilter{LearnerID: "l-1"})
	if err != nil || len(list) != 1 {
		t.Errorf("List() = %d records, err %v; want 1", len(list), err)
	}

	if err := store.Delete(ctx, "sub-1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := store.Get(ctx, "sub-1"); !errors.Is(err, domain.ErrVerdictNotFound) {
		t.Errorf("Get() after delete error = %v; want ErrVerdictNotFound", err)
	}
	if _, err := store.Latest(ctx, "ex-1"); !errors.Is(err, domain.ErrVerdictNotFound) {
		t.Errorf("Latest() error = %v; want ErrVerdictNotFound", err)
	}
}

func TestVerdictStore_SaveRequiresSubmissionID(t *testing.T) {
	store := NewVerdictStore(nil)
	err := store.Save(context.Background(), storage.VerdictRecord{})
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("Save() error = %v; want ErrInvalidInput", err)
	}
}
