package domain

import (
	"slices"
	"time"
)

// Shape is the detected structure of a grading payload
type Shape string

const (
	ShapeAssembly Shape = "assembly"
	ShapeDXF      Shape = "dxf"
	ShapeManual   Shape = "manual"
	ShapeStandard Shape = "standard"
	ShapeUnknown  Shape = "unknown"
)

// String returns the string representation of the shape
func (s Shape) String() string {
	return string(s)
}

// CheckStatus is the outcome of a single automated check
type CheckStatus string

const (
	CheckSuccess CheckStatus = "success"
	CheckFail    CheckStatus = "fail"
	CheckUnknown CheckStatus = "unknown"
)

// String returns the string representation of the status
func (s CheckStatus) String() string {
	return string(s)
}

// StatusOf maps a boolean outcome to success or fail
func StatusOf(ok bool) CheckStatus {
	if ok {
		return CheckSuccess
	}
	return CheckFail
}

// CheckResult is one named check of a verdict
type CheckResult struct {
	Label    string      `json:"label"`
	Status   CheckStatus `json:"status"`
	Actual   *float64    `json:"actual,omitempty"`
	Expected *float64    `json:"expected,omitempty"`
	Message  string      `json:"message,omitempty"`
	Extra    any         `json:"extra,omitempty"`
}

// Passed reports whether the check succeeded
func (c CheckResult) Passed() bool {
	return c.Status == CheckSuccess
}

// ComponentCheck is the per-component outcome of an assembly comparison
type ComponentCheck struct {
	Index          int     `json:"index"`
	VolumeOK       bool    `json:"volume_ok"`
	VolumeScore    float64 `json:"volume_score"` // 0-100
	CenterOfMassOK bool    `json:"center_of_mass_ok"`
	TopologyOK     bool    `json:"topology_ok"`
	AllPassed      bool    `json:"all_passed"`
}

// NewComponentCheck builds a component check and derives AllPassed
func NewComponentCheck(index int, volumeOK bool, volumeScore float64, centerOfMassOK, topologyOK bool) ComponentCheck {
	return ComponentCheck{
		Index:          index,
		VolumeOK:       volumeOK,
		VolumeScore:    volumeScore,
		CenterOfMassOK: centerOfMassOK,
		TopologyOK:     topologyOK,
		AllPassed:      volumeOK && centerOfMassOK && topologyOK,
	}
}

// VerdictState classifies how a verdict was reached
type VerdictState string

const (
	VerdictGraded        VerdictState = "graded"
	VerdictPendingReview VerdictState = "pending_review"
	VerdictMalformed     VerdictState = "malformed"
	VerdictUnrecognized  VerdictState = "unrecognized"
	VerdictNetworkError  VerdictState = "network_error"
)

// Grading thresholds.
const (
	// PassScore is the score at which a standard submission succeeds
	PassScore = 80.0
	// SoftPassScore is the score at which a standard submission may advance without succeeding
	SoftPassScore = 50.0
	// ClearScore is the recorded score at which an exercise unlocks the next one
	ClearScore = 90.0
)

// Verdict is the normalized result of evaluating one submission.
// A verdict is never modified after construction.
type Verdict struct {
	SubmissionID string        `json:"submission_id,omitempty"`
	ExerciseID   string        `json:"exercise_id"`
	Shape        Shape         `json:"shape"`
	State        VerdictState  `json:"state"`
	Success      bool          `json:"success"`
	Score        *float64      `json:"score"`
	Checks       []CheckResult `json:"checks"`
	Message      string        `json:"message"`
	AllowNext    bool          `json:"allow_next"`
	EvaluatedAt  time.Time     `json:"evaluated_at,omitzero"`
}

// NetworkFailureMessage is shown when a submission could not reach the backend
const NetworkFailureMessage = "Session expired or network error. Please log in again."

// NetworkFailureVerdict is returned when the submission request itself fails
func NetworkFailureVerdict(exerciseID string) Verdict {
	return Verdict{
		ExerciseID: exerciseID,
		Shape:      ShapeUnknown,
		State:      VerdictNetworkError,
		Checks:     []CheckResult{},
		Message:    NetworkFailureMessage,
	}
}

// ScoreValue returns the score and whether one is present
func (v Verdict) ScoreValue() (float64, bool) {
	if v.Score == nil {
		return 0, false
	}
	return *v.Score, true
}

// IsTerminal returns false only for verdicts that await an instructor
func (v Verdict) IsTerminal() bool {
	return v.State != VerdictPendingReview
}

// WithSubmission returns a copy of v stamped with a submission id
func (v Verdict) WithSubmission(id string) Verdict {
	out := v.clone()
	out.SubmissionID = id
	return out
}

func (v Verdict) clone() Verdict {
	out := v
	out.Checks = slices.Clone(v.Checks)
	if v.Score != nil {
		s := *v.Score
		out.Score = &s
	}
	return out
}

// Float returns a pointer to f, for optional numeric fields
func Float(f float64) *float64 {
	return &f
}
