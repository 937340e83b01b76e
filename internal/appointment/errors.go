package appointment

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrNotFound          = errors.New("appointment not found")
	ErrConflict          = errors.New("scheduling conflict")
	ErrIllegalTransition = errors.New("illegal status transition")
	ErrDuplicateRequest  = errors.New("request with this idempotency key is still in flight")
	ErrResourceBusy      = errors.New("room or therapist is currently being booked, please retry")

	// ErrOverlap is returned by a Store when its own constraint rejects an
	// overlapping write that the snapshot check did not see.
	ErrOverlap = errors.New("store rejected overlapping interval")
	// ErrStaleWrite is returned by a Store when the saved version no longer matches.
	ErrStaleWrite = errors.New("store rejected stale write")
)

// ValidationError captures field level validation issues that callers can surface to users.
type ValidationError struct {
	FieldErrors map[string]string
}

func (v *ValidationError) Error() string {
	if v == nil || len(v.FieldErrors) == 0 {
		return "validation failed"
	}
	fields := make([]string, 0, len(v.FieldErrors))
	for field := range v.FieldErrors {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	parts := make([]string, 0, len(fields))
	for _, field := range fields {
		parts = append(parts, field+": "+v.FieldErrors[field])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// HasErrors reports whether any field level issues were recorded.
func (v *ValidationError) HasErrors() bool {
	return v != nil && len(v.FieldErrors) > 0
}

func (v *ValidationError) add(field, message string) {
	if v.FieldErrors == nil {
		v.FieldErrors = make(map[string]string)
	}
	v.FieldErrors[field] = message
}

func newValidationError(field, message string) *ValidationError {
	v := &ValidationError{}
	v.add(field, message)
	return v
}

// Resource names the shared resource that caused a conflict.
type Resource string

const (
	ResourceRoom      Resource = "room"
	ResourceTherapist Resource = "therapist"
)

// ConflictError carries the blocking appointment so callers can revert an optimistic change.
// BlockingID is empty when the conflict was detected by the store rather than the resolver.
type ConflictError struct {
	BlockingID string
	Resource   Resource
	cause      error
}

func (e *ConflictError) Error() string {
	if e.BlockingID == "" {
		if e.cause != nil {
			return fmt.Sprintf("scheduling conflict: %v", e.cause)
		}
		return "scheduling conflict"
	}
	return fmt.Sprintf("scheduling conflict: %s overlaps appointment %s", e.Resource, e.BlockingID)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

func (e *ConflictError) Unwrap() error { return e.cause }

type IllegalTransitionError struct {
	From Status
	To   Status
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal status transition from %q to %q", e.From, e.To)
}

func (e *IllegalTransitionError) Is(target error) bool { return target == ErrIllegalTransition }

type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("appointment %s not found", e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// StoreError wraps a persistence failure. The scheduler never retries internally.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// ErrorKind maps sentinel and typed errors to a stable label for logs, metrics and API codes.
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	var vErr *ValidationError
	if errors.As(err, &vErr) {
		return "validation"
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrIllegalTransition):
		return "illegal_transition"
	case errors.Is(err, ErrDuplicateRequest):
		return "duplicate_request"
	}
	var sErr *StoreError
	if errors.As(err, &sErr) {
		return "store"
	}
	return "unexpected"
}
