package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/felixgeelhaar/mecaflow/internal/client"
	"github.com/felixgeelhaar/mecaflow/internal/domain"
	"github.com/felixgeelhaar/mecaflow/internal/progression"
	"github.com/felixgeelhaar/mecaflow/internal/queue"
	"github.com/felixgeelhaar/mecaflow/internal/storage"
	"github.com/felixgeelhaar/mecaflow/internal/submission"
	"github.com/felixgeelhaar/mecaflow/internal/validation"
)

// maxUploadBytes bounds multipart submissions
const maxUploadBytes = 64 << 20

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	inFlight, _ := s.submissions.InFlight()
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"status":         "running",
		"version":        Version,
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
		"backend":        s.cfg.Backend.URL,
		"session_store":  s.cfg.Session.Store,
		"history":        s.history != nil,
		"queue":          s.queueConn != nil && s.queueConn.IsConnected(),
		"authenticated":  s.session.IsAuthenticated(),
		"in_flight":      inFlight,
	})
}

type evaluateRequest struct {
	Exercise *domain.Exercise `json:"exercise"`
	Course   *domain.Course   `json:"course"`
	Payload  json.RawMessage  `json:"payload"`
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	verdict, err := s.evaluations.Execute(r.Context(), func(ctx context.Context) (domain.Verdict, error) {
		return s.engine.EvaluateJSON(req.Exercise, req.Course, req.Payload), nil
	})
	if err != nil {
		s.jsonError(w, http.StatusServiceUnavailable, "evaluation capacity exhausted", err)
		return
	}
	s.jsonResponse(w, http.StatusOK, verdict)
}

type gradingRequest struct {
	evaluateRequest
	SubmissionID string `json:"submission_id"`
	LearnerID    string `json:"learner_id"`
}

func (s *Server) handleEnqueueGrading(w http.ResponseWriter, r *http.Request) {
	if s.producer == nil {
		s.jsonError(w, http.StatusServiceUnavailable, "grading queue is not enabled", nil)
		return
	}

	var req gradingRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.Exercise == nil || req.Exercise.ID == "" {
		s.jsonError(w, http.StatusBadRequest, "exercise is required", nil)
		return
	}

	job := &queue.GradingJob{
		SubmissionID: req.SubmissionID,
		LearnerID:    req.LearnerID,
		Exercise:     *req.Exercise,
		Course:       req.Course,
		Payload:      req.Payload,
	}
	if err := s.producer.PublishGradingJob(r.Context(), job); err != nil {
		s.jsonError(w, http.StatusBadGateway, "failed to queue grading job", err)
		return
	}
	s.jsonResponse(w, http.StatusAccepted, map[string]any{
		"job_id":        job.ID,
		"submission_id": job.SubmissionID,
	})
}

type quizRequest struct {
	Questions []domain.QCMQuestion `json:"questions"`
	Answers   validation.QuizAnswers `json:"answers"`
}

func (s *Server) handleQuiz(w http.ResponseWriter, r *http.Request) {
	var req quizRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	results := validation.GradeQuiz(req.Questions, req.Answers)
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"results": results,
		"score":   validation.QuizScore(results),
		"total":   len(results),
	})
}

type progressionRequest struct {
	Exercises      []domain.Exercise      `json:"exercises"`
	Course         *domain.Course         `json:"course"`
	Record         *domain.LearnerRecord  `json:"record"`
	LastSubmission *domain.LastSubmission `json:"last_submission"`
}

// handleProgression computes unlock state. Without an explicit record the
// session's record is used, together with its optimistic slot unless the
// caller sent one. The session slot is only cleared when it was the one used.
func (s *Server) handleProgression(w http.ResponseWriter, r *http.Request) {
	var req progressionRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	own := req.Record == nil && req.LastSubmission == nil
	if req.Record == nil {
		req.Record = s.session.Record()
		if req.LastSubmission == nil {
			req.LastSubmission = s.session.LastSubmission()
		}
	}

	state := progression.ComputeUnlockState(req.Exercises, req.Course, req.Record, req.LastSubmission)
	if own && state.DiscardOptimistic {
		if err := s.session.ClearLastSubmission(r.Context()); err != nil {
			s.fail(w, "failed to clear last submission", err)
			return
		}
	}
	s.jsonResponse(w, http.StatusOK, state)
}

type courseProgressRequest struct {
	Courses           []domain.Course              `json:"courses"`
	ExercisesByCourse map[string][]domain.Exercise `json:"exercises_by_course"`
	Record            *domain.LearnerRecord        `json:"record"`
}

// handleCourseProgress summarizes progress. Level completions are reported
// once per level for the session's own learner.
func (s *Server) handleCourseProgress(w http.ResponseWriter, r *http.Request) {
	var req courseProgressRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	own := req.Record == nil
	if own {
		req.Record = s.session.Record()
	}

	summary := progression.Summarize(req.Courses, req.ExercisesByCourse, req.Record)
	completions := progression.DetectLevelCompletions(summary.Courses, s.session.Celebrated())
	if own {
		for _, c := range completions {
			if err := s.session.MarkCelebrated(r.Context(), c.Level); err != nil {
				s.fail(w, "failed to store celebrated level", err)
				return
			}
		}
	}

	s.jsonResponse(w, http.StatusOK, map[string]any{
		"summary":     summary,
		"completions": completions,
	})
}

func (s *Server) handleRank(w http.ResponseWriter, r *http.Request) {
	var total float64
	if raw := r.URL.Query().Get("total_score"); raw != "" {
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			s.jsonError(w, http.StatusBadRequest, "invalid total_score", err)
			return
		}
		total = f
	} else if rec := s.session.Record(); rec != nil {
		total = rec.TotalScore
	} else {
		s.jsonError(w, http.StatusBadRequest, "total_score is required when no learner is signed in", nil)
		return
	}
	s.jsonResponse(w, http.StatusOK, progression.ComputeRank(total))
}

func (s *Server) handleListVerdicts(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.jsonError(w, http.StatusServiceUnavailable, "verdict history is not enabled", nil)
		return
	}

	q := r.URL.Query()
	filter := storage.VerdictFilter{
		ExerciseID: q.Get("exercise_id"),
		LearnerID:  q.Get("learner_id"),
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			s.jsonError(w, http.StatusBadRequest, "invalid limit", err)
			return
		}
		filter.Limit = limit
	}

	records, err := s.history.List(r.Context(), filter)
	if err != nil {
		s.fail(w, "failed to list verdicts", err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"verdicts": records})
}

func (s *Server) handleGetVerdict(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.jsonError(w, http.StatusServiceUnavailable, "verdict history is not enabled", nil)
		return
	}
	rec, err := s.history.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, "verdict not found", err)
		return
	}
	s.jsonResponse(w, http.StatusOK, rec)
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.Email == "" || req.Password == "" {
		s.jsonError(w, http.StatusBadRequest, "email and password are required", nil)
		return
	}

	record, err := s.api.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		s.fail(w, "login failed", err)
		return
	}
	if _, err := s.session.Reconcile(r.Context(), record); err != nil {
		s.fail(w, "failed to store learner record", err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"user": record})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.session.Clear(r.Context()); err != nil {
		s.fail(w, "failed to clear session", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"authenticated":   s.session.IsAuthenticated(),
		"record":          s.session.Record(),
		"last_submission": s.session.LastSubmission(),
	})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	record, discarded, err := s.submissions.Sync(r.Context())
	if err != nil {
		s.fail(w, "failed to sync learner record", err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"record":              record,
		"discarded_optimistic": discarded,
	})
}

// handleSubmit accepts multipart fields exercise_id, course_id, file,
// quizAnswers (JSON object of question index to 1-based options) and feedback.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		s.jsonError(w, http.StatusBadRequest, "invalid multipart body", err)
		return
	}

	courseID := r.FormValue("course_id")
	exerciseID := r.FormValue("exercise_id")
	if courseID == "" || exerciseID == "" {
		s.jsonError(w, http.StatusBadRequest, "course_id and exercise_id are required", nil)
		return
	}

	up, err := uploadFromForm(r)
	if err != nil {
		s.fail(w, "invalid upload", err)
		return
	}

	course, exercises, exercise, err := s.resolve(r, courseID, exerciseID)
	if err != nil {
		s.fail(w, "failed to load exercise", err)
		return
	}

	learnerID := ""
	if rec := s.session.Record(); rec != nil {
		learnerID = rec.ID
	}

	res, err := s.submissions.Submit(r.Context(), submission.Request{
		Exercise:  exercise,
		Course:    course,
		Upload:    up,
		Exercises: exercises,
		LearnerID: learnerID,
	})
	if err != nil {
		s.fail(w, "submission failed", err)
		return
	}
	s.jsonResponse(w, http.StatusOK, res)
}

func (s *Server) handleCancelSubmission(w http.ResponseWriter, r *http.Request) {
	if err := s.submissions.Cancel(); err != nil {
		s.fail(w, "no submission in flight", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func uploadFromForm(r *http.Request) (client.Upload, error) {
	up := client.Upload{Feedback: r.FormValue("feedback")}

	file, header, err := r.FormFile("file")
	switch {
	case errors.Is(err, http.ErrMissingFile):
	case err != nil:
		return up, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	default:
		defer file.Close()
		data, err := io.ReadAll(file)
		if err != nil {
			return up, fmt.Errorf("read upload: %w", err)
		}
		up.Filename = header.Filename
		up.Data = data
	}

	if raw := r.FormValue("quizAnswers"); raw != "" {
		var answers map[int][]int
		if err := json.Unmarshal([]byte(raw), &answers); err != nil {
			return up, fmt.Errorf("%w: quizAnswers: %v", domain.ErrInvalidInput, err)
		}
		up.QuizAnswers = answers
	}
	return up, nil
}

func (s *Server) resolve(r *http.Request, courseID, exerciseID string) (*domain.Course, []domain.Exercise, domain.Exercise, error) {
	courses, err := s.catalog.Courses(r.Context())
	if err != nil {
		return nil, nil, domain.Exercise{}, err
	}
	var course *domain.Course
	for i := range courses {
		if courses[i].ID == courseID {
			course = &courses[i]
			break
		}
	}
	if course == nil {
		return nil, nil, domain.Exercise{}, fmt.Errorf("%w: %s", domain.ErrCourseNotFound, courseID)
	}

	exercises, err := s.catalog.Exercises(r.Context(), courseID)
	if err != nil {
		return nil, nil, domain.Exercise{}, err
	}
	for _, ex := range exercises {
		if ex.ID == exerciseID {
			return course, exercises, ex, nil
		}
	}
	return nil, nil, domain.Exercise{}, fmt.Errorf("%w: %s", domain.ErrExerciseNotFound, exerciseID)
}
