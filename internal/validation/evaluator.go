package validation

import (
	"fmt"

	"github.com/felixgeelhaar/mecaflow/internal/domain"
)

// Standard check labels
const (
	LabelVolume           = "Volume"
	LabelTopology         = "Topology"
	LabelPrincipalMoments = "Principal Moments"
	LabelDimensions       = "Dimensions"
)

// DXF and assembly check labels
const (
	LabelBoundingBox     = "Bounding Box"
	LabelMatchedEntities = "Matched Entities"
	LabelComponentCount  = "Component Count"
	entityLabelPrefix    = "Entities: "
)

// principalMomentsSuppressed lists exercises whose principal moments are not meaningful
var principalMomentsSuppressed = map[string]bool{
	"68c4831609f681ae64cc4e5c": true,
	"68c4831609f681ae64cc4e5f": true,
}

type propertyCheck struct {
	key   string
	label string
}

var standardChecks = []propertyCheck{
	{"volume", LabelVolume},
	{"topology", LabelTopology},
	{"principal_moments", LabelPrincipalMoments},
	{"dimensions", LabelDimensions},
}

// Evaluation is the per-shape outcome handed to the aggregator
type Evaluation struct {
	Shape  domain.Shape
	Checks []domain.CheckResult
	Score  *float64

	// DXF
	BackendValid bool

	// Assembly
	CountOK    bool
	Components []domain.ComponentCheck

	// Malformed is set when the payload lacked required structure
	Malformed error
}

// EvaluateStandard checks CAD properties in declared order
func EvaluateStandard(cad Payload, exercise *domain.Exercise) Evaluation {
	feedback := FeedbackObject(cad)
	checks := make([]domain.CheckResult, 0, len(standardChecks))
	for _, pc := range standardChecks {
		if pc.key == "principal_moments" && exercise != nil && principalMomentsSuppressed[exercise.ID] {
			continue
		}
		value, _ := ExtractProperty(feedback, pc.key)
		checks = append(checks, domain.CheckResult{
			Label:  pc.label,
			Status: propertyStatus(value),
		})
	}
	return Evaluation{Shape: domain.ShapeStandard, Checks: checks}
}

// propertyStatus maps a raw property to a check status. Objects carrying an
// "ok" flag use it, booleans are taken as is, other present values pass.
func propertyStatus(value any) domain.CheckStatus {
	switch v := value.(type) {
	case nil:
		return domain.CheckUnknown
	case bool:
		return domain.StatusOf(v)
	case map[string]any:
		if ok, has := v["ok"]; has {
			return domain.StatusOf(asBool(ok))
		}
		return domain.CheckSuccess
	default:
		return domain.CheckSuccess
	}
}

// EvaluateDXF checks the bounding box, every DXF entity type and matched entities
func EvaluateDXF(cad Payload, exercise *domain.Exercise) Evaluation {
	checks := make([]domain.CheckResult, 0, len(DXFEntityKeys)+2)

	bbox := domain.CheckResult{Label: LabelBoundingBox, Status: domain.CheckUnknown}
	if bb, ok := ExtractBoundingBox(cad); ok {
		bbox.Status = domain.StatusOf(BoundingBoxExtent(bb) > 0)
		bbox.Extra = detach(bb)
	}
	checks = append(checks, bbox)

	counts, haveCounts := ExtractEntityCounts(cad)
	expected, haveExpected := ExtractExpectedCounts(cad, exercise)
	for _, key := range DXFEntityKeys {
		check := domain.CheckResult{Label: entityLabelPrefix + key, Status: domain.CheckUnknown}
		want, declared := expected[key]
		if haveExpected && declared {
			check.Expected = domain.Float(want)
		}
		if haveCounts {
			actual := counts[key]
			check.Actual = domain.Float(actual)
			if check.Expected != nil {
				check.Status = domain.StatusOf(actual >= want)
			} else {
				check.Status = domain.StatusOf(actual > 0)
			}
		}
		checks = append(checks, check)
	}

	matched := domain.CheckResult{Label: LabelMatchedEntities, Status: domain.CheckFail}
	if m, ok := ExtractMatchedEntities(cad); ok {
		matched.Status = domain.CheckSuccess
		matched.Extra = detach(m)
	}
	checks = append(checks, matched)

	return Evaluation{
		Shape:        domain.ShapeDXF,
		Checks:       checks,
		BackendValid: DXFValidFlag(cad),
	}
}

// EvaluateAssembly checks the component count and every submitted component
func EvaluateAssembly(cad Payload) Evaluation {
	block, ok := assemblyBlock(cad)
	if !ok {
		return Evaluation{
			Shape:     domain.ShapeAssembly,
			Checks:    []domain.CheckResult{},
			Malformed: &ShapeError{Reason: "missing num_components or components_match"},
		}
	}
	data, err := extractAssembly(block)
	if err != nil {
		return Evaluation{Shape: domain.ShapeAssembly, Checks: []domain.CheckResult{}, Malformed: err}
	}

	checks := make([]domain.CheckResult, 0, len(data.components)+1)
	checks = append(checks, domain.CheckResult{
		Label:    LabelComponentCount,
		Status:   domain.StatusOf(data.countOK),
		Actual:   data.submitted,
		Expected: data.reference,
		Message:  data.message,
	})
	for _, comp := range data.components {
		checks = append(checks, domain.CheckResult{
			Label:  fmt.Sprintf("Component %d", comp.Index),
			Status: domain.StatusOf(comp.AllPassed),
			Actual: domain.Float(comp.VolumeScore),
			Extra:  comp,
		})
	}

	return Evaluation{
		Shape:      domain.ShapeAssembly,
		Checks:     checks,
		CountOK:    data.countOK,
		Components: data.components,
	}
}

// EvaluateManual produces no automated checks
func EvaluateManual() Evaluation {
	return Evaluation{Shape: domain.ShapeManual, Checks: []domain.CheckResult{}}
}

// Evaluate dispatches to the evaluator for the detected shape
func Evaluate(shape domain.Shape, cad Payload, exercise *domain.Exercise) Evaluation {
	switch shape {
	case domain.ShapeManual:
		return EvaluateManual()
	case domain.ShapeAssembly:
		return EvaluateAssembly(cad)
	case domain.ShapeDXF:
		return EvaluateDXF(cad, exercise)
	default:
		return EvaluateStandard(cad, exercise)
	}
}
