package submission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/mecaflow/internal/client"
	"github.com/felixgeelhaar/mecaflow/internal/domain"
	"github.com/felixgeelhaar/mecaflow/internal/progression"
	"github.com/felixgeelhaar/mecaflow/internal/queue"
	"github.com/felixgeelhaar/mecaflow/internal/session"
	"github.com/felixgeelhaar/mecaflow/internal/storage"
	"github.com/felixgeelhaar/mecaflow/internal/validation"
)

// Request is one learner submission
type Request struct {
	Exercise domain.Exercise
	Course   *domain.Course
	Upload   client.Upload
	// Exercises of the same course, used to resolve the next exercise
	Exercises []domain.Exercise
	LearnerID string
}

// Result is the outcome of an accepted submission
type Result struct {
	SubmissionID   string                  `json:"submission_id"`
	Verdict        domain.Verdict          `json:"verdict"`
	Quiz           []validation.QuizResult `json:"quiz,omitempty"`
	QuizScore      int                     `json:"quiz_score"`
	NextExerciseID string                  `json:"next_exercise_id,omitempty"`
}

// Options configures optional collaborators of a Service
type Options struct {
	Engine    *validation.Engine
	Session   *session.Session
	History   History
	Publisher Publisher
	Logger    *slog.Logger
}

type flight struct {
	id     string
	cancel context.CancelFunc
	abort  error
}

// Service coordinates a submission from upload to verdict. At most one
// submission is in flight; starting another supersedes it.
type Service struct {
	backend   Backend
	engine    *validation.Engine
	session   *session.Session
	history   History
	publisher Publisher
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string

	mu      sync.Mutex
	current *flight
}

// NewService creates a submission service
func NewService(backend Backend, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	engine := opts.Engine
	if engine == nil {
		engine = validation.NewEngine(logger)
	}
	sess := opts.Session
	if sess == nil {
		sess = session.New(nil)
	}
	return &Service{
		backend:   backend,
		engine:    engine,
		session:   sess,
		history:   opts.History,
		publisher: opts.Publisher,
		logger:    logger,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// Session returns the session the service writes to
func (s *Service) Session() *session.Session {
	return s.session
}

// Submit validates the upload, sends it and evaluates the grading payload.
//
// Transport and authentication failures produce a network-error verdict rather
// than an error. A submission that was cancelled or superseded while waiting for
// the backend returns ErrSubmissionCancelled or ErrSubmissionSuperseded and
// leaves the session untouched.
func (s *Service) Submit(ctx context.Context, req Request) (*Result, error) {
	if err := domain.ValidateUpload(req.Upload.Filename, req.Exercise.RequiredFileType(req.Course)); err != nil {
		return nil, err
	}

	f := s.begin(ctx)
	defer s.finish(f)

	log := s.logger.With("submission_id", f.id, "exercise_id", req.Exercise.ID)
	log.Info("submission started", "filename", req.Upload.Filename)

	raw, err := s.backend.Submit(f.ctx, req.Exercise.ID, req.Upload)
	if abort := s.commit(f); abort != nil {
		log.Info("discarding late result", "reason", abort)
		return nil, abort
	}
	if err != nil && ctx.Err() != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrSubmissionCancelled, ctx.Err())
	}

	var verdict domain.Verdict
	if err != nil {
		log.Warn("submission request failed", "error", err)
		verdict = domain.NetworkFailureVerdict(req.Exercise.ID)
	} else {
		verdict = s.engine.EvaluateJSON(&req.Exercise, req.Course, raw)
	}
	verdict = verdict.WithSubmission(f.id)
	verdict.EvaluatedAt = s.now()

	quiz := validation.GradeQuiz(req.Exercise.QCM, req.Upload.QuizAnswers)
	res := &Result{
		SubmissionID: f.id,
		Verdict:      verdict,
		Quiz:         quiz,
		QuizScore:    validation.QuizScore(quiz),
	}
	if verdict.AllowNext {
		res.NextExerciseID = progression.NextExerciseID(req.Exercises, req.Exercise.ID)
	}

	if verdict.State != domain.VerdictNetworkError {
		s.record(ctx, log, req, verdict)
	}

	log.Info("submission evaluated",
		"state", verdict.State,
		"success", verdict.Success,
		"allow_next", verdict.AllowNext,
	)
	return res, nil
}

// record writes an evaluated verdict to the session slot, the history and the
// event stream. Failures are logged; the verdict stands.
func (s *Service) record(ctx context.Context, log *slog.Logger, req Request, v domain.Verdict) {
	if err := s.session.RecordSubmission(ctx, v); err != nil {
		log.Error("failed to store last submission", "error", err)
	}

	courseID := req.Exercise.CourseID
	if req.Course != nil && req.Course.ID != "" {
		courseID = req.Course.ID
	}

	if s.history != nil {
		rec := storage.VerdictRecord{Verdict: v, CourseID: courseID, LearnerID: req.LearnerID}
		if err := s.history.Save(ctx, rec); err != nil {
			log.Error("failed to save verdict history", "error", err)
		}
	}

	if s.publisher != nil {
		event := &queue.VerdictEvent{
			SubmissionID: v.SubmissionID,
			LearnerID:    req.LearnerID,
			CourseID:     courseID,
			Verdict:      v,
		}
		if err := s.publisher.PublishVerdict(ctx, event); err != nil {
			log.Error("failed to publish verdict", "error", err)
		}
	}
}

// Sync fetches the authoritative learner record into the session and reports
// whether the optimistic last-submission slot was discarded.
func (s *Service) Sync(ctx context.Context) (*domain.LearnerRecord, bool, error) {
	record, err := s.backend.Me(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrSessionExpired) {
			s.logger.Warn("session expired during sync")
		}
		return nil, false, fmt.Errorf("fetch learner record: %w", err)
	}
	discarded, err := s.session.Reconcile(ctx, record)
	if err != nil {
		return record, false, fmt.Errorf("reconcile session: %w", err)
	}
	return record, discarded, nil
}

// Cancel aborts the in-flight submission. Its result, if it still arrives, is
// discarded.
func (s *Service) Cancel() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		return domain.ErrNoActiveSubmission
	}
	s.current.abort = domain.ErrSubmissionCancelled
	s.current.cancel()
	s.logger.Info("submission cancelled", "submission_id", s.current.id)
	s.current = nil
	return nil
}

// InFlight returns the id of the pending submission, if any
func (s *Service) InFlight() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return "", false
	}
	return s.current.id, true
}

type tracked struct {
	*flight
	ctx context.Context
}

func (s *Service) begin(parent context.Context) tracked {
	ctx, cancel := context.WithCancel(parent)
	f := &flight{id: s.newID(), cancel: cancel}

	s.mu.Lock()
	if prev := s.current; prev != nil {
		prev.abort = domain.ErrSubmissionSuperseded
		prev.cancel()
		s.logger.Info("submission superseded", "submission_id", prev.id, "by", f.id)
	}
	s.current = f
	s.mu.Unlock()

	return tracked{flight: f, ctx: ctx}
}

// commit claims the result of t. It returns the abort reason if t was
// cancelled or superseded first; otherwise t is no longer in flight and later
// cancels or supersedes leave it alone.
func (s *Service) commit(t tracked) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.abort != nil {
		return t.abort
	}
	if s.current == t.flight {
		s.current = nil
	}
	return nil
}

func (s *Service) finish(t tracked) {
	s.mu.Lock()
	if s.current == t.flight {
		s.current = nil
	}
	s.mu.Unlock()
	t.cancel()
}
