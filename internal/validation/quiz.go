package validation

import (
	"slices"

	"github.com/felixgeelhaar/mecaflow/internal/domain"
)

// QuizResult is the grading of one QCM question
type QuizResult struct {
	Question  string   `json:"question"`
	Options   []string `json:"options"`
	Selected  []int    `json:"selected"`
	Correct   []int    `json:"correct"`
	IsCorrect bool     `json:"is_correct"`
}

// QuizAnswers maps a question index to the selected 1-based option indexes
type QuizAnswers map[int][]int

// GradeQuiz grades every question in order. A question is correct when the
// selected options equal the correct answers, ignoring order.
func GradeQuiz(questions []domain.QCMQuestion, answers QuizAnswers) []QuizResult {
	results := make([]QuizResult, 0, len(questions))
	for i, q := range questions {
		selected := slices.Clone(answers[i])
		if selected == nil {
			selected = []int{}
		}
		correct := slices.Clone(q.Answers)
		if correct == nil {
			correct = []int{}
		}
		slices.Sort(selected)
		slices.Sort(correct)

		results = append(results, QuizResult{
			Question:  q.Question,
			Options:   q.Options,
			Selected:  selected,
			Correct:   correct,
			IsCorrect: slices.Equal(selected, correct),
		})
	}
	return results
}

// QuizScore returns the number of correct answers
func QuizScore(results []QuizResult) int {
	n := 0
	for _, r := range results {
		if r.IsCorrect {
			n++
		}
	}
	return n
}
