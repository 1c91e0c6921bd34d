package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrConflict matches every ConflictError.
	ErrConflict = errors.New("already recorded")
	// ErrTransientStore matches every TransientStoreError.
	ErrTransientStore = errors.New("transient store error")
	// ErrPermanentStore matches every PermanentStoreError.
	ErrPermanentStore = errors.New("permanent store error")
	// ErrValidation matches every ValidationError.
	ErrValidation = errors.New("invalid input")
	// ErrAttemptNotFound signals no live payment attempt exists for the key.
	ErrAttemptNotFound = errors.New("payment attempt not found")
	// ErrNotSettled signals polling gave up before the attempt reached the wanted state.
	ErrNotSettled = errors.New("payment attempt not settled")
)

// ConflictError reports that the key or step was already recorded, or that the
// existing record is in a status the operation may not move it from.
// Callers should read the existing record rather than repeat the side effect.
type ConflictError struct {
	Op      string
	Key     string
	Current string
}

func (e *ConflictError) Error() string {
	if e.Current != "" {
		return fmt.Sprintf("%s %s: %v (status %s)", e.Op, e.Key, ErrConflict, e.Current)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Key, ErrConflict)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// TransientStoreError wraps a store failure that outlived the retry budget.
type TransientStoreError struct {
	Op  string
	Err error
}

func (e *TransientStoreError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.Op, ErrTransientStore, e.Err)
}

func (e *TransientStoreError) Is(target error) bool { return target == ErrTransientStore }
func (e *TransientStoreError) Unwrap() error        { return e.Err }

// PermanentStoreError wraps a store failure that retrying cannot fix.
type PermanentStoreError struct {
	Op  string
	Err error
}

func (e *PermanentStoreError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.Op, ErrPermanentStore, e.Err)
}

func (e *PermanentStoreError) Is(target error) bool { return target == ErrPermanentStore }
func (e *PermanentStoreError) Unwrap() error        { return e.Err }

// ValidationError rejects malformed input before any store call.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%v: %s %s", ErrValidation, e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}
