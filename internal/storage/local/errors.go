package local

import "errors"

var (
	// ErrNotFound is returned when a record does not exist
	ErrNotFound = errors.New("record not found")
	// ErrInvalidKey is returned for collection or id values that would escape the store
	ErrInvalidKey = errors.New("invalid record key")
)
