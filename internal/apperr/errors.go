package apperr

import (
	"errors"
	"fmt"
)

// Category classifies failures so the worker can tell transient contention from
// failures that should surface on the task.
type Category string

const (
	CategoryValidation      Category = "validation"
	CategoryAdmission       Category = "admission"
	CategoryPoolExhausted   Category = "pool_exhausted"
	CategoryLockUnavailable Category = "lock_unavailable"
	CategoryDriverTimeout   Category = "driver_timeout"
	CategoryDriverFailure   Category = "driver_failure"
	CategoryQuotaExceeded   Category = "quota_exceeded"
	CategoryExecutionLost   Category = "execution_lost"
	CategoryFatal           Category = "fatal"
)

// Sentinel errors shared by the stores, the lifecycle manager, the registry and the pool.
var (
	ErrNotFound               = errors.New("not found")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrNotRetryable           = errors.New("not retryable")
	ErrNoEligibleAccount      = errors.New("no eligible account")
	ErrPoolExhausted          = errors.New("browser pool exhausted")
	ErrLockUnavailable        = errors.New("lock unavailable")
	ErrValidation             = errors.New("validation failed")
)

// Transient reports whether the category describes resource contention that the worker
// absorbs by requeueing instead of failing the task.
func (c Category) Transient() bool {
	switch c {
	case CategoryAdmission, CategoryPoolExhausted, CategoryLockUnavailable:
		return true
	default:
		return false
	}
}

// Retryable reports whether a task failed with this category may be retried automatically.
func (c Category) Retryable() bool {
	switch c {
	case CategoryDriverTimeout, CategoryDriverFailure, CategoryQuotaExceeded, CategoryExecutionLost:
		return true
	default:
		return false
	}
}

// Error is a categorized error with an optional cause.
type Error struct {
	Category Category
	Message  string
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		if e.Message == "" {
			return fmt.Sprintf("%s: %v", e.Category, e.Err)
		}
		return fmt.Sprintf("%s: %s: %v", e.Category, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a categorized error.
func New(cat Category, format string, args ...any) *Error {
	return &Error{Category: cat, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a category to err.
func Wrap(cat Category, err error, msg string) *Error {
	return &Error{Category: cat, Message: msg, Err: err}
}

// Validationf returns a validation error that also matches ErrValidation.
func Validationf(format string, args ...any) *Error {
	return &Error{Category: CategoryValidation, Message: fmt.Sprintf(format, args...), Err: ErrValidation}
}

// CategoryOf classifies err. Unknown errors are fatal.
func CategoryOf(err error) Category {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Category
	}
	switch {
	case errors.Is(err, ErrValidation):
		return CategoryValidation
	case errors.Is(err, ErrNoEligibleAccount):
		return CategoryAdmission
	case errors.Is(err, ErrPoolExhausted):
		return CategoryPoolExhausted
	case errors.Is(err, ErrLockUnavailable):
		return CategoryLockUnavailable
	default:
		return CategoryFatal
	}
}

// MessageOf returns the human readable part of err without the category prefix.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Err != nil && e.Message != "" {
			return fmt.Sprintf("%s: %v", e.Message, e.Err)
		}
		if e.Err != nil {
			return e.Err.Error()
		}
		return e.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
