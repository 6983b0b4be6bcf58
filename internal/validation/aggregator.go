package validation

import (
	"github.com/felixgeelhaar/mecaflow/internal/domain"
)

// Verdict messages
const (
	MessageManualPending  = "Submission pending instructor validation. You may continue; your score will be updated after review."
	MessageAutoPass       = "Your submission passed automatic checks."
	MessageSoftPass       = "Your submission did not pass every automatic check, but you may continue."
	MessageBelowThreshold = "Your submission did not pass automatic checks. Please review and try again."
	MessageNoScore        = "No score was returned for this submission."
	MessageUnrecognized   = "The grading result could not be interpreted."
	MessageDXFBackend     = "DXF automatically validated by backend."
	MessageDXFLocal       = "DXF passed local checks (entity counts and bounding box)."
	MessageDXFFailed      = "DXF validation failed one or more checks (entities / bounding box). Please review."
	MessageAssemblyPass   = "Assembly validation successful! All components match perfectly."
	MessageAssemblyFail   = "Some components don't match. Please check the details below."
	MessageMalformed      = "Invalid assembly data structure. The grading result is missing component information."
)

// Aggregate combines an evaluation into a final verdict
func Aggregate(ev Evaluation) domain.Verdict {
	v := domain.Verdict{
		Shape:  ev.Shape,
		State:  domain.VerdictGraded,
		Score:  ev.Score,
		Checks: ev.Checks,
	}
	if v.Checks == nil {
		v.Checks = []domain.CheckResult{}
	}

	if ev.Malformed != nil {
		v.State = domain.VerdictMalformed
		v.Message = MessageMalformed
		v.Checks = []domain.CheckResult{}
		return v
	}

	switch ev.Shape {
	case domain.ShapeManual:
		v.State = domain.VerdictPendingReview
		v.Success = true
		v.AllowNext = true
		v.Message = MessageManualPending

	case domain.ShapeDXF:
		v.AllowNext = ev.BackendValid || dxfLocalPass(ev.Checks)
		v.Success = v.AllowNext
		switch {
		case ev.BackendValid:
			v.Message = MessageDXFBackend
		case v.AllowNext:
			v.Message = MessageDXFLocal
		default:
			v.Message = MessageDXFFailed
		}

	case domain.ShapeAssembly:
		v.Success = ev.CountOK && allComponentsPassed(ev.Components)
		v.AllowNext = v.Success
		if v.Success {
			v.Message = MessageAssemblyPass
		} else {
			v.Message = MessageAssemblyFail
		}

	default:
		aggregateStandard(&v)
	}
	return v
}

func aggregateStandard(v *domain.Verdict) {
	score, ok := v.ScoreValue()
	if !ok {
		if allUnknown(v.Checks) {
			v.Shape = domain.ShapeUnknown
			v.State = domain.VerdictUnrecognized
			v.Message = MessageUnrecognized
			return
		}
		v.Message = MessageNoScore
		return
	}

	v.Success = score >= domain.PassScore
	v.AllowNext = score >= domain.SoftPassScore
	switch {
	case v.Success:
		v.Message = MessageAutoPass
	case v.AllowNext:
		v.Message = MessageSoftPass
	default:
		v.Message = MessageBelowThreshold
	}
}

// dxfLocalPass requires every entity check and the bounding box to succeed
func dxfLocalPass(checks []domain.CheckResult) bool {
	bboxOK := false
	for _, c := range checks {
		switch c.Label {
		case LabelBoundingBox:
			bboxOK = c.Passed()
		case LabelMatchedEntities:
		default:
			if !c.Passed() {
				return false
			}
		}
	}
	return bboxOK
}

func allComponentsPassed(components []domain.ComponentCheck) bool {
	for _, c := range components {
		if !c.AllPassed {
			return false
		}
	}
	return true
}

func allUnknown(checks []domain.CheckResult) bool {
	for _, c := range checks {
		if c.Status != domain.CheckUnknown {
			return false
		}
	}
	return true
}
