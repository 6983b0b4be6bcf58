package progression

import (
	"cmp"
	"math"
	"slices"

	"github.com/felixgeelhaar/mecaflow/internal/domain"
)

// NextExerciseID returns the id of the exercise that follows currentID in the
// same course, or "" when currentID is the last one or unknown.
func NextExerciseID(exercises []domain.Exercise, currentID string) string {
	var current *domain.Exercise
	for i := range exercises {
		if exercises[i].ID == currentID {
			current = &exercises[i]
			break
		}
	}
	if current == nil {
		return ""
	}

	sorted := SortByOrder(exercises)
	for _, ex := range sorted {
		if ex.CourseID == current.CourseID && ex.Order > current.Order {
			return ex.ID
		}
	}
	return ""
}

// CourseProgress is the completion of one course
type CourseProgress struct {
	CourseID  string       `json:"course_id"`
	Title     string       `json:"title"`
	Level     domain.Level `json:"level"`
	Completed int          `json:"completed"`
	Total     int          `json:"total"`
	Percent   int          `json:"percent"`
}

// IsComplete reports whether every exercise of a non-empty course is completed
func (p CourseProgress) IsComplete() bool {
	return p.Total > 0 && p.Completed == p.Total
}

// ComputeCourseProgress counts completed exercises that belong to the course
func ComputeCourseProgress(course domain.Course, exercises []domain.Exercise, record *domain.LearnerRecord) CourseProgress {
	p := CourseProgress{CourseID: course.ID, Title: course.Title, Level: course.Level}
	if p.Title == "" {
		p.Title = "Untitled Course"
	}
	for _, ex := range exercises {
		if ex.CourseID != "" && ex.CourseID != course.ID {
			continue
		}
		p.Total++
		if record.IsCompleted(ex.ID) {
			p.Completed++
		}
	}
	p.Percent = percent(p.Completed, p.Total)
	return p
}

// Summary is the progress of a learner across every course
type Summary struct {
	Courses        []CourseProgress `json:"courses"`
	TotalCompleted int              `json:"total_completed"`
	TotalCount     int              `json:"total_count"`
	Overall        int              `json:"overall"`
}

// Summarize computes per-course and overall progress. Courses are ordered by
// level, keeping their input order within a level.
func Summarize(courses []domain.Course, exercisesByCourse map[string][]domain.Exercise, record *domain.LearnerRecord) Summary {
	ordered := SortCoursesByLevel(courses)
	s := Summary{Courses: make([]CourseProgress, 0, len(ordered))}
	for _, c := range ordered {
		if c.ID == "" {
			continue
		}
		p := ComputeCourseProgress(c, exercisesByCourse[c.ID], record)
		s.Courses = append(s.Courses, p)
		s.TotalCompleted += p.Completed
		s.TotalCount += p.Total
	}
	s.Overall = percent(s.TotalCompleted, s.TotalCount)
	return s
}

// SortCoursesByLevel returns a copy of the courses ordered beginner first.
// Courses with an unknown level come last.
func SortCoursesByLevel(courses []domain.Course) []domain.Course {
	sorted := slices.Clone(courses)
	slices.SortStableFunc(sorted, func(a, b domain.Course) int {
		return cmp.Compare(levelKey(a.Level), levelKey(b.Level))
	})
	return sorted
}

func levelKey(l domain.Level) int {
	if r := l.Rank(); r > 0 {
		return r
	}
	return len(domain.Levels) + 1
}

// LevelCompletion is reported once when a course first reaches 100%
type LevelCompletion struct {
	CourseID  string       `json:"course_id"`
	Level     domain.Level `json:"level"`
	NextLevel domain.Level `json:"next_level,omitempty"`
}

// DetectLevelCompletions returns completions for complete courses whose level
// has not been celebrated yet. Each level is reported at most once.
func DetectLevelCompletions(progress []CourseProgress, celebrated map[domain.Level]bool) []LevelCompletion {
	var out []LevelCompletion
	seen := make(map[domain.Level]bool)
	for _, p := range progress {
		if !p.IsComplete() || celebrated[p.Level] || seen[p.Level] {
			continue
		}
		seen[p.Level] = true
		next, _ := p.Level.Next()
		out = append(out, LevelCompletion{CourseID: p.CourseID, Level: p.Level, NextLevel: next})
	}
	return out
}

func percent(part, total int) int {
	if total <= 0 {
		return 0
	}
	return int(math.Round(float64(part) / float64(total) * 100))
}
