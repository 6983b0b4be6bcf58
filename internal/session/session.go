// Package session holds the learner's credentials, authoritative history and
// the optimistic last-submission slot as an explicit object backed by a Port.
package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/felixgeelhaar/mecaflow/internal/domain"
	"github.com/felixgeelhaar/mecaflow/internal/progression"
)

// Credentials are the tokens issued by the backend
type Credentials struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// IsZero reports whether no access token is held
func (c Credentials) IsZero() bool {
	return c.AccessToken == ""
}

// Snapshot is the persisted form of a session
type Snapshot struct {
	Credentials    Credentials            `json:"credentials"`
	Record         *domain.LearnerRecord  `json:"record,omitempty"`
	LastSubmission *domain.LastSubmission `json:"last_submission,omitempty"`
	Celebrated     []domain.Level         `json:"celebrated,omitempty"`
	UpdatedAt      time.Time              `json:"updated_at"`
}

func (s Snapshot) clone() Snapshot {
	out := s
	if s.Record != nil {
		rec := *s.Record
		rec.CompletedExercises = slices.Clone(s.Record.CompletedExercises)
		rec.Scores = slices.Clone(s.Record.Scores)
		out.Record = &rec
	}
	if s.LastSubmission != nil {
		last := *s.LastSubmission
		out.LastSubmission = &last
	}
	out.Celebrated = slices.Clone(s.Celebrated)
	return out
}

// Session is the state of one signed-in learner. All methods are safe for
// concurrent use; every mutation is written through to the port.
type Session struct {
	mu   sync.RWMutex
	port Port
	snap Snapshot
	now  func() time.Time
}

// New creates an empty session persisted through port
func New(port Port) *Session {
	if port == nil {
		port = &MemoryPort{}
	}
	return &Session{port: port, now: time.Now}
}

// Open loads a session from port. A port with nothing stored yields an empty session.
func Open(ctx context.Context, port Port) (*Session, error) {
	s := New(port)
	snap, err := s.port.Load(ctx)
	if err != nil && !errors.Is(err, ErrNoSnapshot) {
		return nil, fmt.Errorf("open session: %w", err)
	}
	s.snap = snap
	return s, nil
}

// Snapshot returns a copy of the current state
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.clone()
}

// Credentials returns the current tokens
func (s *Session) Credentials() Credentials {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.Credentials
}

// IsAuthenticated reports whether an access token is held
func (s *Session) IsAuthenticated() bool {
	return !s.Credentials().IsZero()
}

// SetCredentials stores new tokens. An empty refresh token keeps the previous one.
func (s *Session) SetCredentials(ctx context.Context, c Credentials) error {
	return s.update(ctx, func(snap *Snapshot) {
		if c.RefreshToken == "" {
			c.RefreshToken = snap.Credentials.RefreshToken
		}
		snap.Credentials = c
	})
}

// ClearCredentials signs the learner out
func (s *Session) ClearCredentials(ctx context.Context) error {
	return s.update(ctx, func(snap *Snapshot) {
		snap.Credentials = Credentials{}
	})
}

// Record returns a copy of the authoritative learner record, or nil
func (s *Session) Record() *domain.LearnerRecord {
	return s.Snapshot().Record
}

// LastSubmission returns a copy of the optimistic slot, or nil
func (s *Session) LastSubmission() *domain.LastSubmission {
	return s.Snapshot().LastSubmission
}

// RecordSubmission overwrites the optimistic slot with an accepted verdict
func (s *Session) RecordSubmission(ctx context.Context, v domain.Verdict) error {
	return s.update(ctx, func(snap *Snapshot) {
		last := domain.LastSubmissionFrom(v, s.now())
		snap.LastSubmission = &last
	})
}

// ClearLastSubmission empties the optimistic slot
func (s *Session) ClearLastSubmission(ctx context.Context) error {
	return s.update(ctx, func(snap *Snapshot) {
		snap.LastSubmission = nil
	})
}

// Reconcile stores the authoritative record and discards the optimistic slot
// once the record confirms its outcome. It reports whether the slot was discarded.
func (s *Session) Reconcile(ctx context.Context, record *domain.LearnerRecord) (bool, error) {
	discarded := false
	err := s.update(ctx, func(snap *Snapshot) {
		if record != nil {
			snap.Record = Snapshot{Record: record}.clone().Record
		}
		if progression.ConfirmsOptimistic(snap.Record, snap.LastSubmission) {
			snap.LastSubmission = nil
			discarded = true
		}
	})
	return discarded, err
}

// IsCelebrated reports whether the completion of level was already reported
func (s *Session) IsCelebrated(level domain.Level) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Contains(s.snap.Celebrated, level)
}

// Celebrated returns the set of levels whose completion was reported
func (s *Session) Celebrated() map[domain.Level]bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[domain.Level]bool, len(s.snap.Celebrated))
	for _, l := range s.snap.Celebrated {
		out[l] = true
	}
	return out
}

// MarkCelebrated remembers that the completion of level was reported
func (s *Session) MarkCelebrated(ctx context.Context, level domain.Level) error {
	return s.update(ctx, func(snap *Snapshot) {
		if !slices.Contains(snap.Celebrated, level) {
			snap.Celebrated = append(snap.Celebrated, level)
		}
	})
}

// Clear wipes the session and its persisted snapshot
func (s *Session) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.port.Clear(ctx); err != nil {
		return err
	}
	s.snap = Snapshot{}
	return nil
}

// update applies fn to a copy of the state, persists it, then commits it.
// A failed save leaves the in-memory state unchanged.
func (s *Session) update(ctx context.Context, fn func(*Snapshot)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.snap.clone()
	fn(&next)
	next.UpdatedAt = s.now()

	if err := s.port.Save(ctx, next); err != nil {
		return err
	}
	s.snap = next
	return nil
}
