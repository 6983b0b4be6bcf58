package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/felixgeelhaar/mecaflow/internal/config"
	"github.com/felixgeelhaar/mecaflow/internal/domain"
	"github.com/felixgeelhaar/mecaflow/internal/progression"
	"github.com/felixgeelhaar/mecaflow/internal/submission"
)

// fakeBackend serves the subset of the learning platform API the daemon uses
type fakeBackend struct {
	*httptest.Server
	submits   atomic.Int32
	completed []string
}

func newFakeBackend(t *testing.T, completed ...string) *fakeBackend {
	t.Helper()
	b := &fakeBackend{completed: completed}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth/login", func(w http.ResponseWriter, r *http.Request) {
		var req struct{ Email, Password string }
		json.NewDecoder(r.Body).Decode(&req)
		if req.Password != "secret" {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"success": false, "detail": "invalid credentials"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success":       true,
			"access_token":  "access-1",
			"refresh_token": "refresh-1",
			"user":          b.user(),
		})
	})
	mux.HandleFunc("GET /api/auth/me", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "user": b.user()})
	})
	mux.HandleFunc("GET /api/courses", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"courses": []domain.Course{
			{ID: "c-1", Title: "Sketch basics", Level: domain.LevelBeginner},
		}})
	})
	mux.HandleFunc("GET /api/exercises", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("course_id") != "c-1" {
			writeJSON(w, http.StatusOK, map[string]any{"exercises": []domain.Exercise{}})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"exercises": testExercises()})
	})
	mux.HandleFunc("POST /api/exercises/{id}/submit", func(w http.ResponseWriter, r *http.Request) {
		b.submits.Add(1)
		if r.Header.Get("Authorization") != "Bearer access-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"submission":{"score":92,"cad_comparison":{"volume":{"ok":true}}}}`))
	})

	b.Server = httptest.NewServer(mux)
	t.Cleanup(b.Close)
	return b
}

func (b *fakeBackend) user() domain.LearnerRecord {
	rec := domain.LearnerRecord{ID: "learner-1", Email: "ada@example.com", CompletedExercises: b.completed}
	for _, id := range b.completed {
		rec.Scores = append(rec.Scores, domain.ScoreRecord{ExerciseID: id, Score: 95})
		rec.TotalScore += 95
	}
	return rec
}

func testExercises() []domain.Exercise {
	return []domain.Exercise{
		{ID: "ex-1", CourseID: "c-1", Order: 1, QCM: []domain.QCMQuestion{
			{Question: "Which plane?", Options: []string{"Top", "Front", "Right"}, Answers: []int{2}},
		}},
		{ID: "ex-2", CourseID: "c-1", Order: 2},
		{ID: "ex-3", CourseID: "c-1", Order: 3},
	}
}

// setupTestServer creates a server with local session storage and history
// pointing at backendURL
func setupTestServer(t *testing.T, backendURL string) *Server {
	t.Helper()

	cfg := config.DefaultLocalConfig()
	cfg.Daemon.Port = 0
	cfg.Daemon.RateLimit = 1000
	cfg.Backend.URL = backendURL
	cfg.Backend.RetryAttempts = 1

	server, err := NewServer(context.Background(), ServerConfig{Config: cfg, DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("create server: %v", err)
	}
	t.Cleanup(func() { server.Shutdown(context.Background()) })
	return server
}

func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func login(t *testing.T, s *Server) {
	t.Helper()
	rec := do(t, s, http.MethodPost, "/v1/login", map[string]string{"email": "ada@example.com", "password": "secret"})
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d: %s", rec.Code, rec.Body.String())
	}
}

func submit(t *testing.T, s *Server, fields map[string]string, filename string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		mw.WriteField(k, v)
	}
	if filename != "" {
		part, err := mw.CreateFormFile("file", filename)
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		part.Write([]byte("ISO-10303-21;"))
	}
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/v1/submissions", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	s := setupTestServer(t, newFakeBackend(t).URL)

	rec := do(t, s, http.MethodGet, "/v1/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d; want 200", rec.Code)
	}
	if resp := decode[map[string]any](t, rec); resp["status"] != "healthy" {
		t.Errorf("status = %v; want healthy", resp["status"])
	}
}

func TestStatusEndpoint(t *testing.T) {
	s := setupTestServer(t, newFakeBackend(t).URL)

	resp := decode[map[string]any](t, do(t, s, http.MethodGet, "/v1/status", nil))
	if resp["version"] != Version {
		t.Errorf("version = %v; want %s", resp["version"], Version)
	}
	if resp["history"] != true || resp["queue"] != false {
		t.Errorf("history=%v queue=%v; want true/false", resp["history"], resp["queue"])
	}
	if resp["authenticated"] != false {
		t.Errorf("authenticated = %v; want false", resp["authenticated"])
	}
}

func TestEvaluateEndpoint(t *testing.T) {
	s := setupTestServer(t, newFakeBackend(t).URL)
	course := &domain.Course{ID: "c-1", Level: domain.LevelBeginner}

	tests := []struct {
		name      string
		exercise  domain.Exercise
		payload   string
		wantState domain.VerdictState
		wantNext  bool
	}{
		{"pass", domain.Exercise{ID: "ex-1", Order: 1}, `{"score":85}`, domain.VerdictGraded, true},
		{"soft pass", domain.Exercise{ID: "ex-1", Order: 1}, `{"score":60}`, domain.VerdictGraded, true},
		{"fail", domain.Exercise{ID: "ex-1", Order: 1}, `{"score":20}`, domain.VerdictGraded, false},
		{"unrecognized", domain.Exercise{ID: "ex-1", Order: 1}, `{"hello":"world"}`, domain.VerdictUnrecognized, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, s, http.MethodPost, "/v1/evaluate", map[string]any{
				"exercise": tt.exercise,
				"course":   course,
				"payload":  json.RawMessage(tt.payload),
			})
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
			}
			v := decode[domain.Verdict](t, rec)
			if v.State != tt.wantState || v.AllowNext != tt.wantNext {
				t.Errorf("state=%q allow_next=%v; want %q/%v", v.State, v.AllowNext, tt.wantState, tt.wantNext)
			}
		})
	}
}

func TestEvaluateEndpoint_InvalidBody(t *testing.T) {
	s := setupTestServer(t, newFakeBackend(t).URL)

	req := httptest.NewRequest(http.MethodPost, "/v1/evaluate", strings.NewReader("{"))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d; want 400", rec.Code)
	}
}

func TestEnqueueGrading_QueueDisabled(t *testing.T) {
	s := setupTestServer(t, newFakeBackend(t).URL)

	rec := do(t, s, http.MethodPost, "/v1/gradings", map[string]any{"exercise": domain.Exercise{ID: "ex-1"}})
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d; want 503", rec.Code)
	}
}

func TestQuizEndpoint(t *testing.T) {
	s := setupTestServer(t, newFakeBackend(t).URL)

	rec := do(t, s, http.MethodPost, "/v1/quiz", map[string]any{
		"questions": []domain.QCMQuestion{
			{Question: "q1", Options: []string{"a", "b"}, Answers: []int{1}},
			{Question: "q2", Options: []string{"a", "b", "c"}, Answers: []int{1, 3}},
		},
		"answers": map[string][]int{"0": {1}, "1": {3}},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	resp := decode[struct {
		Score int `json:"score"`
		Total int `json:"total"`
	}](t, rec)
	if resp.Score != 1 || resp.Total != 2 {
		t.Errorf("score=%d total=%d; want 1/2", resp.Score, resp.Total)
	}
}

func TestProgressionEndpoint_ExplicitRecord(t *testing.T) {
	s := setupTestServer(t, newFakeBackend(t).URL)

	rec := do(t, s, http.MethodPost, "/v1/progression", map[string]any{
		"exercises": testExercises(),
		"course":    domain.Course{ID: "c-1", Level: domain.LevelBeginner},
		"record": domain.LearnerRecord{
			CompletedExercises: []string{"ex-1"},
			Scores:             []domain.ScoreRecord{{ExerciseID: "ex-1", Score: 91}},
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	state := decode[domain.ProgressionState](t, rec)

	want := []bool{true, true, false}
	for i, lock := range state.Exercises {
		if lock.Unlocked != want[i] {
			t.Errorf("%s unlocked = %v; want %v", lock.ExerciseID, lock.Unlocked, want[i])
		}
	}
}

func TestProgressionEndpoint_SessionSlot(t *testing.T) {
	tests := []struct {
		name        string
		slotFor     string
		body        map[string]any
		wantCleared bool
	}{
		{
			name:        "session slot confirmed by record",
			slotFor:     "ex-1",
			body:        map[string]any{},
			wantCleared: true,
		},
		{
			name:    "caller slot leaves session slot alone",
			slotFor: "ex-2",
			body: map[string]any{
				"last_submission": map[string]any{"exercise_id": "ex-1", "score": 95},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := setupTestServer(t, newFakeBackend(t, "ex-1").URL)
			login(t, s)

			v := domain.Verdict{
				ExerciseID: tt.slotFor,
				Shape:      domain.ShapeStandard,
				State:      domain.VerdictGraded,
				Success:    true,
				AllowNext:  true,
				Score:      domain.Float(95),
			}
			if err := s.session.RecordSubmission(context.Background(), v); err != nil {
				t.Fatalf("RecordSubmission() error = %v", err)
			}

			tt.body["exercises"] = testExercises()
			tt.body["course"] = domain.Course{ID: "c-1", Level: domain.LevelBeginner}
			rec := do(t, s, http.MethodPost, "/v1/progression", tt.body)
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
			}

			last := s.session.LastSubmission()
			if tt.wantCleared {
				if last != nil {
					t.Errorf("LastSubmission() = %+v; want cleared", last)
				}
				return
			}
			if last == nil || last.ExerciseID != tt.slotFor {
				t.Errorf("LastSubmission() = %+v; want slot for %s kept", last, tt.slotFor)
			}
		})
	}
}

func TestRankEndpoint(t *testing.T) {
	s := setupTestServer(t, newFakeBackend(t).URL)

	tests := []struct {
		query    string
		code     int
		wantTier string
	}{
		{"?total_score=1500", http.StatusOK, "Silver"},
		{"?total_score=6000", http.StatusOK, "Diamond"},
		{"?total_score=abc", http.StatusBadRequest, ""},
		{"", http.StatusBadRequest, ""},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			rec := do(t, s, http.MethodGet, "/v1/rank"+tt.query, nil)
			if rec.Code != tt.code {
				t.Fatalf("status = %d; want %d", rec.Code, tt.code)
			}
			if tt.wantTier != "" {
				if r := decode[progression.Rank](t, rec); r.Tier.Name != tt.wantTier {
					t.Errorf("tier = %q; want %q", r.Tier.Name, tt.wantTier)
				}
			}
		})
	}
}

func TestLogin(t *testing.T) {
	s := setupTestServer(t, newFakeBackend(t, "ex-1").URL)

	rec := do(t, s, http.MethodPost, "/v1/login", map[string]string{"email": "ada@example.com", "password": "wrong"})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("bad password status = %d; want 401", rec.Code)
	}

	login(t, s)

	resp := decode[struct {
		Authenticated bool                  `json:"authenticated"`
		Record        *domain.LearnerRecord `json:"record"`
	}](t, do(t, s, http.MethodGet, "/v1/session", nil))
	if !resp.Authenticated || resp.Record == nil || resp.Record.ID != "learner-1" {
		t.Errorf("session = %+v; want authenticated learner-1", resp)
	}

	// rank falls back to the session record
	if r := decode[progression.Rank](t, do(t, s, http.MethodGet, "/v1/rank", nil)); r.TotalScore != 95 {
		t.Errorf("rank total = %v; want 95", r.TotalScore)
	}

	if rec := do(t, s, http.MethodPost, "/v1/logout", nil); rec.Code != http.StatusNoContent {
		t.Errorf("logout status = %d; want 204", rec.Code)
	}
	if s.session.IsAuthenticated() {
		t.Error("session still authenticated after logout")
	}
}

func TestSubmit_GradedAndRecorded(t *testing.T) {
	backend := newFakeBackend(t)
	s := setupTestServer(t, backend.URL)
	login(t, s)

	rec := submit(t, s, map[string]string{
		"course_id":   "c-1",
		"exercise_id": "ex-1",
		"quizAnswers": `{"0":[2]}`,
	}, "bracket.step")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	res := decode[submission.Result](t, rec)
	if res.Verdict.State != domain.VerdictGraded || !res.Verdict.Success {
		t.Errorf("verdict = %+v; want graded success", res.Verdict)
	}
	if res.QuizScore != 1 {
		t.Errorf("quiz score = %d; want 1", res.QuizScore)
	}
	if res.NextExerciseID != "ex-2" {
		t.Errorf("next exercise = %q; want ex-2", res.NextExerciseID)
	}

	// history
	got := decode[map[string][]json.RawMessage](t, do(t, s, http.MethodGet, "/v1/verdicts?exercise_id=ex-1", nil))
	if len(got["verdicts"]) != 1 {
		t.Errorf("history has %d verdicts; want 1", len(got["verdicts"]))
	}
	if rec := do(t, s, http.MethodGet, "/v1/verdicts/"+res.SubmissionID, nil); rec.Code != http.StatusOK {
		t.Errorf("get verdict status = %d; want 200", rec.Code)
	}

	// the optimistic slot unlocks the next exercise before the record catches up
	state := decode[domain.ProgressionState](t, do(t, s, http.MethodPost, "/v1/progression", map[string]any{
		"exercises": testExercises(),
		"course":    domain.Course{ID: "c-1", Level: domain.LevelBeginner},
	}))
	if lock, ok := state.Lock("ex-2"); !ok || !lock.Unlocked {
		t.Errorf("ex-2 lock = %+v; want unlocked", lock)
	}
}

func TestSubmit_RejectedBeforeBackend(t *testing.T) {
	backend := newFakeBackend(t)
	s := setupTestServer(t, backend.URL)
	login(t, s)

	tests := []struct {
		name     string
		fields   map[string]string
		filename string
		code     int
	}{
		{"wrong extension", map[string]string{"course_id": "c-1", "exercise_id": "ex-1"}, "bracket.dxf", http.StatusBadRequest},
		{"missing file", map[string]string{"course_id": "c-1", "exercise_id": "ex-1"}, "", http.StatusBadRequest},
		{"missing ids", map[string]string{}, "bracket.step", http.StatusBadRequest},
		{"unknown exercise", map[string]string{"course_id": "c-1", "exercise_id": "ex-9"}, "bracket.step", http.StatusNotFound},
		{"unknown course", map[string]string{"course_id": "c-9", "exercise_id": "ex-1"}, "bracket.step", http.StatusNotFound},
		{"bad quiz answers", map[string]string{"course_id": "c-1", "exercise_id": "ex-1", "quizAnswers": "["}, "bracket.step", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := submit(t, s, tt.fields, tt.filename)
			if rec.Code != tt.code {
				t.Errorf("status = %d; want %d: %s", rec.Code, tt.code, rec.Body.String())
			}
		})
	}
	if n := backend.submits.Load(); n != 0 {
		t.Errorf("backend received %d submissions; want 0", n)
	}
}

func TestSubmit_NotAuthenticatedYieldsNetworkVerdict(t *testing.T) {
	s := setupTestServer(t, newFakeBackend(t).URL)

	rec := submit(t, s, map[string]string{"course_id": "c-1", "exercise_id": "ex-1"}, "bracket.step")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	res := decode[submission.Result](t, rec)
	if res.Verdict.State != domain.VerdictNetworkError || res.Verdict.AllowNext {
		t.Errorf("verdict = %+v; want network error without allow_next", res.Verdict)
	}
	if s.session.LastSubmission() != nil {
		t.Error("network failure must not fill the last-submission slot")
	}
}

func TestCancelSubmission_NothingInFlight(t *testing.T) {
	s := setupTestServer(t, newFakeBackend(t).URL)

	if rec := do(t, s, http.MethodDelete, "/v1/submissions/current", nil); rec.Code != http.StatusNotFound {
		t.Errorf("status = %d; want 404", rec.Code)
	}
}

func TestCourseProgress_ReportsLevelOnce(t *testing.T) {
	s := setupTestServer(t, newFakeBackend(t, "ex-1", "ex-2", "ex-3").URL)
	login(t, s)

	body := map[string]any{
		"courses":             []domain.Course{{ID: "c-1", Title: "Sketch basics", Level: domain.LevelBeginner}},
		"exercises_by_course": map[string][]domain.Exercise{"c-1": testExercises()},
	}
	type response struct {
		Summary     progression.Summary           `json:"summary"`
		Completions []progression.LevelCompletion `json:"completions"`
	}

	first := decode[response](t, do(t, s, http.MethodPost, "/v1/courses/progress", body))
	if first.Summary.Overall != 100 {
		t.Errorf("overall = %d; want 100", first.Summary.Overall)
	}
	if len(first.Completions) != 1 || first.Completions[0].NextLevel != domain.LevelIntermediate {
		t.Fatalf("completions = %+v; want beginner -> intermediate", first.Completions)
	}

	second := decode[response](t, do(t, s, http.MethodPost, "/v1/courses/progress", body))
	if len(second.Completions) != 0 {
		t.Errorf("second call completions = %+v; want none", second.Completions)
	}
}

func TestSync(t *testing.T) {
	s := setupTestServer(t, newFakeBackend(t, "ex-1").URL)

	if rec := do(t, s, http.MethodPost, "/v1/sync", nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated sync status = %d; want 401", rec.Code)
	}

	login(t, s)
	rec := do(t, s, http.MethodPost, "/v1/sync", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	resp := decode[struct {
		Record *domain.LearnerRecord `json:"record"`
	}](t, rec)
	if resp.Record == nil || len(resp.Record.CompletedExercises) != 1 {
		t.Errorf("record = %+v; want one completed exercise", resp.Record)
	}
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{domain.ErrInvalidFileType, http.StatusBadRequest},
		{domain.ErrSessionExpired, http.StatusUnauthorized},
		{domain.ErrVerdictNotFound, http.StatusNotFound},
		{domain.ErrSubmissionSuperseded, http.StatusConflict},
		{domain.ErrBackend, http.StatusBadGateway},
		{context.DeadlineExceeded, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := errorStatus(tt.err); got != tt.want {
			t.Errorf("errorStatus(%v) = %d; want %d", tt.err, got, tt.want)
		}
	}
}
