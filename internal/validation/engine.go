package validation

import (
	"fmt"
	"log/slog"

	"github.com/felixgeelhaar/mecaflow/internal/domain"
)

// Engine turns grading payloads into verdicts. It holds no mutable state and an
// Engine may be shared between goroutines.
type Engine struct {
	logger *slog.Logger
}

// NewEngine creates an engine. A nil logger uses slog.Default().
func NewEngine(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{logger: logger}
}

// EvaluateSubmission classifies the payload, runs the checks for its shape and
// aggregates them into a verdict. It never fails: malformed payloads produce a
// failed verdict.
func (e *Engine) EvaluateSubmission(exercise *domain.Exercise, course *domain.Course, payload Payload) (verdict domain.Verdict) {
	exerciseID := ""
	if exercise != nil {
		exerciseID = exercise.ID
	}

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("panic during evaluation", "exercise_id", exerciseID, "error", r)
			verdict = Aggregate(Evaluation{
				Shape:     domain.ShapeUnknown,
				Malformed: fmt.Errorf("%w: %v", domain.ErrInternalError, r),
			})
			verdict.ExerciseID = exerciseID
		}
	}()

	sub := Submission(payload)
	cad := Comparison(sub)
	score := ExtractScore(sub, cad)

	shape, err := DetectShape(payload, exercise, course)

	var ev Evaluation
	if err != nil {
		e.logger.Warn("malformed grading payload", "exercise_id", exerciseID, "shape", shape, "error", err)
		ev = Evaluation{Shape: shape, Malformed: err}
	} else {
		ev = Evaluate(shape, cad, exercise)
	}
	ev.Score = score

	verdict = Aggregate(ev)
	verdict.ExerciseID = exerciseID

	e.logger.Debug("submission evaluated",
		"exercise_id", exerciseID,
		"shape", verdict.Shape,
		"state", verdict.State,
		"success", verdict.Success,
		"allow_next", verdict.AllowNext,
	)
	return verdict
}

// EvaluateJSON decodes a raw payload and evaluates it. Undecodable input is
// treated like an empty payload.
func (e *Engine) EvaluateJSON(exercise *domain.Exercise, course *domain.Course, data []byte) domain.Verdict {
	payload, err := Decode(data)
	if err != nil {
		e.logger.Warn("undecodable grading payload", "error", err)
		payload = Payload{}
	}
	return e.EvaluateSubmission(exercise, course, payload)
}
