// Package progression decides which exercises a learner may open and reports
// course-level progress and rank.
package progression

import (
	"cmp"
	"slices"

	"github.com/felixgeelhaar/mecaflow/internal/domain"
)

// IsCleared reports whether an exercise outcome unlocks the next exercise.
// Manual exercises clear on submission; others need a score of at least 90.
func IsCleared(manual, submitted bool, score *float64) bool {
	if manual {
		return submitted
	}
	return score != nil && *score >= domain.ClearScore
}

// outcome is what is known about one exercise from a single source
type outcome struct {
	known   bool
	cleared bool
	score   *float64
}

func authoritative(ex domain.Exercise, manual bool, record *domain.LearnerRecord) outcome {
	completed := record.IsCompleted(ex.ID)
	score, hasScore := record.ScoreFor(ex.ID)
	var sp *float64
	if hasScore {
		sp = domain.Float(score)
	}
	if manual {
		return outcome{known: completed, cleared: completed, score: sp}
	}
	return outcome{known: hasScore, cleared: IsCleared(false, completed, sp), score: sp}
}

func optimisticOutcome(ex domain.Exercise, manual bool, last *domain.LastSubmission) outcome {
	if last == nil || last.ExerciseID != ex.ID {
		return outcome{}
	}
	if manual {
		return outcome{known: true, cleared: last.Manual, score: last.Score}
	}
	return outcome{known: true, cleared: IsCleared(false, true, last.Score), score: last.Score}
}

// SortByOrder returns a copy of the exercises sorted by their position in the course
func SortByOrder(exercises []domain.Exercise) []domain.Exercise {
	sorted := slices.Clone(exercises)
	slices.SortStableFunc(sorted, func(a, b domain.Exercise) int {
		return cmp.Compare(a.Order, b.Order)
	})
	return sorted
}

// ComputeUnlockState computes the lock state of every exercise of a course.
//
// The first exercise is always unlocked. Exercise i is unlocked iff exercise
// i-1 is cleared. The authoritative record decides when it holds an outcome
// for the exercise; otherwise the optimistic last submission is used when it
// refers to the same exercise.
func ComputeUnlockState(exercises []domain.Exercise, course *domain.Course, record *domain.LearnerRecord, optimistic *domain.LastSubmission) domain.ProgressionState {
	sorted := SortByOrder(exercises)
	state := domain.ProgressionState{Exercises: make([]domain.ExerciseLock, 0, len(sorted))}
	if course != nil {
		state.CourseID = course.ID
	}

	prevCleared := true
	for _, ex := range sorted {
		manual := ex.IsManualReview(course)
		auth := authoritative(ex, manual, record)
		opt := optimisticOutcome(ex, manual, optimistic)

		cleared := auth.cleared
		if !auth.known && opt.known {
			cleared = opt.cleared
		}

		lock := domain.ExerciseLock{
			ExerciseID: ex.ID,
			Order:      ex.Order,
			Unlocked:   prevCleared,
			Cleared:    cleared,
			Score:      auth.score,
		}
		if lock.Score == nil && opt.known {
			lock.Score = opt.score
		}
		if opt.known && optimistic.Verdict != nil {
			v := *optimistic.Verdict
			lock.LastVerdict = &v
		}
		lock.Status = cardStatus(lock, record.IsCompleted(ex.ID), auth, opt)

		state.Exercises = append(state.Exercises, lock)
		prevCleared = cleared
	}

	if optimistic != nil {
		for _, ex := range sorted {
			if ex.ID == optimistic.ExerciseID {
				state.DiscardOptimistic = ShouldDiscardOptimistic(ex, course, record, optimistic)
				break
			}
		}
	}
	return state
}

// ShouldDiscardOptimistic reports whether the authoritative record now holds an
// outcome for the optimistic submission's exercise that agrees with it.
func ShouldDiscardOptimistic(ex domain.Exercise, course *domain.Course, record *domain.LearnerRecord, optimistic *domain.LastSubmission) bool {
	if optimistic == nil || optimistic.ExerciseID != ex.ID {
		return false
	}
	manual := ex.IsManualReview(course)
	auth := authoritative(ex, manual, record)
	opt := optimisticOutcome(ex, manual, optimistic)
	return auth.known && auth.cleared == opt.cleared
}

func cardStatus(lock domain.ExerciseLock, completed bool, auth, opt outcome) domain.CardStatus {
	switch {
	case completed && auth.score != nil && *auth.score >= domain.ClearScore:
		return domain.CardPassed
	case completed && auth.score == nil && opt.known && opt.score != nil && *opt.score >= domain.ClearScore:
		return domain.CardPassed
	case completed && auth.score != nil:
		return domain.CardFailed
	case completed:
		return domain.CardPending
	case lock.Unlocked:
		return domain.CardAvailable
	default:
		return domain.CardLocked
	}
}

// ConfirmsOptimistic reports whether the record holds an outcome for the
// optimistic submission's exercise that agrees with it. It relies on the
// manual flag captured with the submission instead of course metadata.
func ConfirmsOptimistic(record *domain.LearnerRecord, last *domain.LastSubmission) bool {
	if last == nil {
		return false
	}
	ex := domain.Exercise{ID: last.ExerciseID}
	auth := authoritative(ex, last.Manual, record)
	opt := optimisticOutcome(ex, last.Manual, last)
	return auth.known && auth.cleared == opt.cleared
}
