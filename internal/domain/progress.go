package domain

import "time"

// ScoreRecord is a score recorded by the backend for one exercise
type ScoreRecord struct {
	ExerciseID string  `json:"exercise_id"`
	Score      float64 `json:"score"`
}

// LearnerRecord is the authoritative learner history returned by the backend
type LearnerRecord struct {
	ID                 string        `json:"_id,omitempty"`
	Username           string        `json:"username,omitempty"`
	Email              string        `json:"email,omitempty"`
	CompletedExercises []string      `json:"completedExercises"`
	Scores             []ScoreRecord `json:"scores"`
	TotalScore         float64       `json:"total_score"`
}

// IsCompleted reports whether the exercise is in the completed list
func (r *LearnerRecord) IsCompleted(exerciseID string) bool {
	if r == nil {
		return false
	}
	for _, id := range r.CompletedExercises {
		if id == exerciseID {
			return true
		}
	}
	return false
}

// ScoreFor returns the last recorded score for the exercise
func (r *LearnerRecord) ScoreFor(exerciseID string) (float64, bool) {
	if r == nil {
		return 0, false
	}
	score, found := 0.0, false
	for _, s := range r.Scores {
		if s.ExerciseID == exerciseID {
			score, found = s.Score, true
		}
	}
	return score, found
}

// LastSubmission is the optimistic single-slot cache of the most recent verdict.
// It is keyed by exercise id and overwritten by every accepted submission.
type LastSubmission struct {
	ExerciseID string    `json:"exercise_id"`
	Score      *float64  `json:"score"`
	Manual     bool      `json:"manual"`
	Verdict    *Verdict  `json:"verdict,omitempty"`
	At         time.Time `json:"at"`
}

// LastSubmissionFrom builds the optimistic slot from an accepted verdict
func LastSubmissionFrom(v Verdict, at time.Time) LastSubmission {
	snap := v.clone()
	return LastSubmission{
		ExerciseID: v.ExerciseID,
		Score:      snap.Score,
		Manual:     v.Shape == ShapeManual,
		Verdict:    &snap,
		At:         at,
	}
}

// CardStatus is how an exercise card is presented in a course listing
type CardStatus string

const (
	CardLocked    CardStatus = "locked"
	CardAvailable CardStatus = "available"
	CardPending   CardStatus = "pending"
	CardPassed    CardStatus = "passed"
	CardFailed    CardStatus = "failed"
)

// ExerciseLock is the unlock state of one exercise
type ExerciseLock struct {
	ExerciseID  string     `json:"exercise_id"`
	Order       int        `json:"order"`
	Unlocked    bool       `json:"unlocked"`
	Cleared     bool       `json:"cleared"`
	Status      CardStatus `json:"status"`
	Score       *float64   `json:"score"`
	LastVerdict *Verdict   `json:"last_verdict"`
}

// ProgressionState is the ordered unlock state of a course for one learner
type ProgressionState struct {
	CourseID          string         `json:"course_id"`
	Exercises         []ExerciseLock `json:"exercises"`
	DiscardOptimistic bool           `json:"discard_optimistic"`
}

// Lock returns the lock entry for the exercise id
func (p ProgressionState) Lock(exerciseID string) (ExerciseLock, bool) {
	for _, l := range p.Exercises {
		if l.ExerciseID == exerciseID {
			return l, true
		}
	}
	return ExerciseLock{}, false
}

// IsUnlocked reports whether the exercise is unlocked
func (p ProgressionState) IsUnlocked(exerciseID string) bool {
	l, ok := p.Lock(exerciseID)
	return ok && l.Unlocked
}
