package submission

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/felixgeelhaar/mecaflow/internal/client"
	"github.com/felixgeelhaar/mecaflow/internal/domain"
	"github.com/felixgeelhaar/mecaflow/internal/queue"
	"github.com/felixgeelhaar/mecaflow/internal/storage"
)

type fakeBackend struct {
	mu      sync.Mutex
	payload string
	err     error
	calls   int
	record  *domain.LearnerRecord
	// block, when set, holds Submit until it is closed or the context ends
	block   chan struct{}
	started chan struct{}
}

func (b *fakeBackend) Submit(ctx context.Context, exerciseID string, up client.Upload) (json.RawMessage, error) {
	b.mu.Lock()
	b.calls++
	b.mu.Unlock()

	if b.started != nil {
		b.started <- struct{}{}
	}
	if b.block != nil {
		select {
		case <-b.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if b.err != nil {
		return nil, b.err
	}
	return json.RawMessage(b.payload), nil
}

func (b *fakeBackend) Me(ctx context.Context) (*domain.LearnerRecord, error) {
	if b.record == nil {
		return nil, domain.ErrSessionExpired
	}
	return b.record, nil
}

type memHistory struct {
	saved []storage.VerdictRecord
	err   error
}

func (h *memHistory) Save(ctx context.Context, rec storage.VerdictRecord) error {
	if h.err != nil {
		return h.err
	}
	h.saved = append(h.saved, rec)
	return nil
}

type memPublisher struct {
	events []*queue.VerdictEvent
}

func (p *memPublisher) PublishVerdict(ctx context.Context, e *queue.VerdictEvent) error {
	p.events = append(p.events, e)
	return nil
}

var (
	beginner  = &domain.Course{ID: "c-beg", Title: "Basics", Level: domain.LevelBeginner}
	exercises = []domain.Exercise{
		{ID: "ex-1", CourseID: "c-beg", Order: 1, QCM: []domain.QCMQuestion{
			{Question: "Unit?", Options: []string{"mm", "in"}, Answers: []int{1}},
			{Question: "Views?", Options: []string{"top", "front", "iso"}, Answers: []int{1, 2}},
		}},
		{ID: "ex-2", CourseID: "c-beg", Order: 2},
	}
)

func newTestService(b Backend, h History, p Publisher) *Service {
	s := NewService(b, Options{History: h, Publisher: p})
	s.now = func() time.Time { return time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC) }
	n := 0
	s.newID = func() string {
		n++
		return "sub-" + string(rune('0'+n))
	}
	return s
}

func stepUpload() client.Upload {
	return client.Upload{Filename: "part.STEP", Data: []byte("ISO-10303"), QuizAnswers: map[int][]int{0: {1}, 1: {2, 1}}}
}

func TestSubmit_Graded(t *testing.T) {
	backend := &fakeBackend{payload: `{"submission":{"score":93,"cad_comparison":{"volume":{"ok":true}}}}`}
	history := &memHistory{}
	pub := &memPublisher{}
	s := newTestService(backend, history, pub)

	res, err := s.Submit(context.Background(), Request{
		Exercise:  exercises[0],
		Course:    beginner,
		Upload:    stepUpload(),
		Exercises: exercises,
		LearnerID: "learner-1",
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	v := res.Verdict
	if v.SubmissionID != "sub-1" || res.SubmissionID != "sub-1" {
		t.Errorf("submission id = %q/%q; want sub-1", v.SubmissionID, res.SubmissionID)
	}
	if !v.Success || !v.AllowNext || v.State != domain.VerdictGraded {
		t.Errorf("verdict = %+v; want graded success", v)
	}
	if v.EvaluatedAt.IsZero() {
		t.Error("EvaluatedAt should be stamped")
	}
	if res.NextExerciseID != "ex-2" {
		t.Errorf("NextExerciseID = %q; want ex-2", res.NextExerciseID)
	}
	if res.QuizScore != 2 || len(res.Quiz) != 2 {
		t.Errorf("quiz = %d/%d; want 2/2", res.QuizScore, len(res.Quiz))
	}

	last := s.Session().LastSubmission()
	if last == nil || last.ExerciseID != "ex-1" {
		t.Fatalf("LastSubmission() = %+v; want ex-1", last)
	}
	if len(history.saved) != 1 || history.saved[0].CourseID != "c-beg" || history.saved[0].LearnerID != "learner-1" {
		t.Errorf("history = %+v", history.saved)
	}
	if len(pub.events) != 1 || pub.events[0].SubmissionID != "sub-1" {
		t.Errorf("events = %+v", pub.events)
	}
	if _, ok := s.InFlight(); ok {
		t.Error("no submission should be in flight after Submit returns")
	}
}

func TestSubmit_RejectsUploadBeforeNetwork(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		want     error
	}{
		{"missing file", "", domain.ErrMissingUpload},
		{"wrong extension", "part.dxf", domain.ErrInvalidFileType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := &fakeBackend{payload: `{}`}
			s := newTestService(backend, nil, nil)

			_, err := s.Submit(context.Background(), Request{
				Exercise: exercises[0],
				Course:   beginner,
				Upload:   client.Upload{Filename: tt.filename},
			})
			if !errors.Is(err, tt.want) {
				t.Errorf("Submit() error = %v; want %v", err, tt.want)
			}
			if backend.calls != 0 {
				t.Errorf("backend called %d times; want 0", backend.calls)
			}
		})
	}
}

func TestSubmit_NetworkFailureVerdict(t *testing.T) {
	backend := &fakeBackend{err: domain.ErrSessionExpired}
	history := &memHistory{}
	s := newTestService(backend, history, nil)

	res, err := s.Submit(context.Background(), Request{Exercise: exercises[0], Course: beginner, Upload: stepUpload()})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if res.Verdict.State != domain.VerdictNetworkError || res.Verdict.AllowNext {
		t.Errorf("verdict = %+v; want network error without allow_next", res.Verdict)
	}
	if res.Verdict.Message != domain.NetworkFailureMessage {
		t.Errorf("Message = %q", res.Verdict.Message)
	}
	if s.Session().LastSubmission() != nil || len(history.saved) != 0 {
		t.Error("network failures must not be recorded")
	}
}

func TestSubmit_BelowPassStillAllowsNextAboveSoftPass(t *testing.T) {
	backend := &fakeBackend{payload: `{"score":65}`}
	s := newTestService(backend, nil, nil)

	res, err := s.Submit(context.Background(), Request{Exercise: exercises[0], Course: beginner, Upload: stepUpload(), Exercises: exercises})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if res.Verdict.Success || !res.Verdict.AllowNext {
		t.Errorf("success=%v allow_next=%v; want false/true", res.Verdict.Success, res.Verdict.AllowNext)
	}
	if res.NextExerciseID != "ex-2" {
		t.Errorf("NextExerciseID = %q; want ex-2", res.NextExerciseID)
	}
}

func TestSubmit_HistoryFailureIsNotFatal(t *testing.T) {
	backend := &fakeBackend{payload: `{"score":91}`}
	s := newTestService(backend, &memHistory{err: errors.New("disk full")}, nil)

	res, err := s.Submit(context.Background(), Request{Exercise: exercises[0], Course: beginner, Upload: stepUpload()})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if !res.Verdict.Success {
		t.Error("verdict should stand when history fails")
	}
}

func TestSubmit_CancelDiscardsResult(t *testing.T) {
	backend := &fakeBackend{payload: `{"score":99}`, block: make(chan struct{}), started: make(chan struct{}, 1)}
	s := newTestService(backend, nil, nil)

	errc := make(chan error, 1)
	go func() {
		_, err := s.Submit(context.Background(), Request{Exercise: exercises[0], Course: beginner, Upload: stepUpload()})
		errc <- err
	}()

	<-backend.started
	if id, ok := s.InFlight(); !ok || id != "sub-1" {
		t.Fatalf("InFlight() = %q, %v; want sub-1", id, ok)
	}
	if err := s.Cancel(); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}

	if err := <-errc; !errors.Is(err, domain.ErrSubmissionCancelled) {
		t.Errorf("Submit() error = %v; want ErrSubmissionCancelled", err)
	}
	if s.Session().LastSubmission() != nil {
		t.Error("cancelled submission must not touch the session")
	}
	if err := s.Cancel(); !errors.Is(err, domain.ErrNoActiveSubmission) {
		t.Errorf("second Cancel() error = %v; want ErrNoActiveSubmission", err)
	}
}

// cancellingHistory cancels the submission it is asked to save
type cancellingHistory struct {
	svc       *Service
	saved     int
	cancelErr error
	inFlight  bool
}

func (h *cancellingHistory) Save(ctx context.Context, rec storage.VerdictRecord) error {
	h.saved++
	_, h.inFlight = h.svc.InFlight()
	h.cancelErr = h.svc.Cancel()
	return nil
}

func TestSubmit_CancelAfterResultCommitted(t *testing.T) {
	backend := &fakeBackend{payload: `{"score":95}`}
	h := &cancellingHistory{}
	s := newTestService(backend, h, nil)
	h.svc = s

	res, err := s.Submit(context.Background(), Request{Exercise: exercises[0], Course: beginner, Upload: stepUpload()})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if h.saved != 1 {
		t.Fatalf("history saved %d verdicts; want 1", h.saved)
	}
	if h.inFlight {
		t.Error("submission still in flight while recording")
	}
	if !errors.Is(h.cancelErr, domain.ErrNoActiveSubmission) {
		t.Errorf("Cancel() during recording = %v; want ErrNoActiveSubmission", h.cancelErr)
	}
	last := s.Session().LastSubmission()
	if last == nil || last.Verdict == nil || last.Verdict.SubmissionID != res.SubmissionID {
		t.Errorf("LastSubmission() = %+v; want %s", last, res.SubmissionID)
	}
}

func TestSubmit_SupersededResultDropped(t *testing.T) {
	backend := &fakeBackend{payload: `{"score":99}`, block: make(chan struct{}), started: make(chan struct{}, 2)}
	s := newTestService(backend, nil, nil)
	req := Request{Exercise: exercises[0], Course: beginner, Upload: stepUpload()}

	first := make(chan error, 1)
	go func() {
		_, err := s.Submit(context.Background(), req)
		first <- err
	}()
	<-backend.started

	second := make(chan *Result, 1)
	go func() {
		res, err := s.Submit(context.Background(), req)
		if err != nil {
			t.Errorf("second Submit() error = %v", err)
		}
		second <- res
	}()

	if err := <-first; !errors.Is(err, domain.ErrSubmissionSuperseded) {
		t.Errorf("first Submit() error = %v; want ErrSubmissionSuperseded", err)
	}

	<-backend.started
	close(backend.block)
	res := <-second
	if res == nil || res.SubmissionID != "sub-2" {
		t.Fatalf("second result = %+v; want sub-2", res)
	}
	last := s.Session().LastSubmission()
	if last == nil || last.Verdict == nil || last.Verdict.SubmissionID != "sub-2" {
		t.Errorf("LastSubmission() = %+v; want sub-2", last)
	}
}

func TestSubmit_CallerContextCancelled(t *testing.T) {
	backend := &fakeBackend{block: make(chan struct{}), started: make(chan struct{}, 1)}
	s := newTestService(backend, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())

	errc := make(chan error, 1)
	go func() {
		_, err := s.Submit(ctx, Request{Exercise: exercises[0], Course: beginner, Upload: stepUpload()})
		errc <- err
	}()
	<-backend.started
	cancel()

	err := <-errc
	if !errors.Is(err, domain.ErrSubmissionCancelled) || !errors.Is(err, context.Canceled) {
		t.Errorf("Submit() error = %v; want cancelled", err)
	}
}

func TestSync_ReconcilesOptimisticSlot(t *testing.T) {
	backend := &fakeBackend{
		payload: `{"score":95}`,
		record: &domain.LearnerRecord{
			CompletedExercises: []string{"ex-1"},
			Scores:             []domain.ScoreRecord{{ExerciseID: "ex-1", Score: 95}},
		},
	}
	s := newTestService(backend, nil, nil)
	ctx := context.Background()

	if _, err := s.Submit(ctx, Request{Exercise: exercises[0], Course: beginner, Upload: stepUpload()}); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	record, discarded, err := s.Sync(ctx)
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if record == nil || !discarded {
		t.Errorf("Sync() = %v, %v; want record and discarded slot", record, discarded)
	}
	if s.Session().LastSubmission() != nil {
		t.Error("confirmed slot should be discarded")
	}
}

func TestSync_Error(t *testing.T) {
	s := newTestService(&fakeBackend{}, nil, nil)
	if _, _, err := s.Sync(context.Background()); !errors.Is(err, domain.ErrSessionExpired) {
		t.Errorf("Sync() error = %v; want ErrSessionExpired", err)
	}
}
