package validation

import "github.com/felixgeelhaar/mecaflow/internal/domain"

// ShapeError reports a payload that lacks the structure its exercise demands
type ShapeError struct {
	Reason string
}

func (e *ShapeError) Error() string {
	if e.Reason == "" {
		return "invalid assembly payload"
	}
	return "invalid assembly payload: " + e.Reason
}

// DetectShape classifies a grading payload for the given exercise.
//
// Manual-review exercises are classified first and never inspect the payload.
// Assembly exercises must carry a component count and a component list,
// otherwise the assembly shape is returned together with a *ShapeError.
func DetectShape(p Payload, exercise *domain.Exercise, course *domain.Course) (domain.Shape, error) {
	if exercise == nil {
		return domain.ShapeStandard, nil
	}
	if exercise.IsManualReview(course) {
		return domain.ShapeManual, nil
	}

	switch exercise.RequiredFileType(course) {
	case domain.FileTypeAssembly:
		block, ok := assemblyBlock(Comparison(Submission(p)))
		if !ok {
			return domain.ShapeAssembly, &ShapeError{Reason: "missing num_components or components_match"}
		}
		if _, err := extractAssembly(block); err != nil {
			return domain.ShapeAssembly, err
		}
		return domain.ShapeAssembly, nil
	case domain.FileTypeDXF:
		return domain.ShapeDXF, nil
	default:
		return domain.ShapeStandard, nil
	}
}
