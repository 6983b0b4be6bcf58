package domain

import "errors"

// -----------------------------------------------------------------------------
// Domain Errors
// These errors represent domain-level failures and are used by stores, the
// backend client and services to communicate domain-specific conditions.
// -----------------------------------------------------------------------------

// Upload errors
var (
	ErrMissingUpload   = errors.New("missing upload")
	ErrInvalidFileType = errors.New("invalid file type")
)

// Session errors
var (
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrSessionExpired   = errors.New("session expired")
)

// Submission errors
var (
	ErrSubmissionSuperseded = errors.New("submission superseded")
	ErrSubmissionCancelled  = errors.New("submission cancelled")
	ErrNoActiveSubmission   = errors.New("no active submission")
)

// Catalog errors
var (
	ErrCourseNotFound   = errors.New("course not found")
	ErrExerciseNotFound = errors.New("exercise not found")
)

// Verdict errors
var (
	ErrVerdictNotFound = errors.New("verdict not found")
)

// General errors
var (
	ErrNotFound      = errors.New("not found")
	ErrInvalidInput  = errors.New("invalid input")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrBackend       = errors.New("backend error")
	ErrInternalError = errors.New("internal error")
)
