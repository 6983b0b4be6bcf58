package domain

import (
	"fmt"
	"strings"
)

// Exercise is a single submission task inside a course
type Exercise struct {
	ID              string         `json:"_id"`
	CourseID        string         `json:"course_id"`
	Order           int            `json:"order"` // 1-based position within the course
	Title           string         `json:"title,omitempty"`
	Description     string         `json:"description,omitempty"`
	QCM             []QCMQuestion  `json:"qcm,omitempty"`
	DXFRequirements map[string]int `json:"dxf_requirements,omitempty"`
}

// QCMQuestion is a multiple-choice question; Answers holds 1-based option indexes
type QCMQuestion struct {
	Question string   `json:"question"`
	Options  []string `json:"options"`
	Answers  []int    `json:"answers"`
}

// FileType is the file extension an exercise accepts, including the dot
type FileType string

const (
	FileTypeSTEP     FileType = ".step"
	FileTypeDXF      FileType = ".dxf"
	FileTypeAssembly FileType = ".sldasm"
	FileTypePart     FileType = ".sldprt"
)

// Label returns the upper-cased extension for user-facing messages
func (f FileType) Label() string {
	return strings.ToUpper(string(f))
}

type levelOrder struct {
	level Level
	order int
}

// fileTypeOverrides maps (level, order) to a non-default file type
var fileTypeOverrides = map[levelOrder]FileType{
	{LevelAdvanced, 11}:     FileTypeDXF,
	{LevelIntermediate, 18}: FileTypeAssembly,
	{LevelAdvanced, 13}:     FileTypeAssembly,
	{LevelAdvanced, 14}:     FileTypeAssembly,
	{LevelAdvanced, 6}:      FileTypePart,
	{LevelAdvanced, 7}:      FileTypePart,
}

// manualReview is the set of (level, order) pairs graded by an instructor
var manualReview = map[levelOrder]bool{
	{LevelAdvanced, 6}:      true,
	{LevelAdvanced, 7}:      true,
	{LevelAdvanced, 13}:     true,
	{LevelIntermediate, 18}: true,
}

// RequiredFileType derives the accepted upload type from the course level and exercise order
func RequiredFileType(level Level, order int) FileType {
	if ft, ok := fileTypeOverrides[levelOrder{level, order}]; ok {
		return ft
	}
	return FileTypeSTEP
}

// IsManualReview reports whether the (level, order) pair requires human grading
func IsManualReview(level Level, order int) bool {
	return manualReview[levelOrder{level, order}]
}

// RequiredFileType returns the upload type for the exercise within the given course
func (e *Exercise) RequiredFileType(course *Course) FileType {
	return RequiredFileType(courseLevel(course), e.Order)
}

// IsManualReview reports whether the exercise is graded by an instructor
func (e *Exercise) IsManualReview(course *Course) bool {
	return IsManualReview(courseLevel(course), e.Order)
}

func courseLevel(course *Course) Level {
	if course == nil {
		return ""
	}
	return course.Level
}

// ValidateUpload checks a filename against the required file type
func ValidateUpload(filename string, required FileType) error {
	if strings.TrimSpace(filename) == "" {
		return fmt.Errorf("%w: please upload your %s file before submitting", ErrMissingUpload, required.Label())
	}
	if !strings.HasSuffix(strings.ToLower(filename), string(required)) {
		return fmt.Errorf("%w: this exercise requires a %s file", ErrInvalidFileType, required.Label())
	}
	return nil
}
