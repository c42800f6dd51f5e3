// internal/holdings/errors.go
package holdings

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrValidation marks caller input that is rejected before any mutation.
	ErrValidation = errors.New("validation error")
	// ErrConflict marks a lock or version conflict on an aggregate root.
	ErrConflict = errors.New("concurrency conflict")
	// ErrStorage marks a failure of the backing store or queue.
	ErrStorage = errors.New("storage error")
	// ErrNotFound is only produced by the read path.
	ErrNotFound = errors.New("not found")
	// ErrInvariant marks an aggregate that would break a storage invariant.
	ErrInvariant = errors.New("invariant violation")
)

// Code classifies an Error.
type Code string

const (
	CodeValidation Code = "VALIDATION"
	CodeConflict   Code = "CONFLICT"
	CodeStorage    Code = "STORAGE"
	CodeNotFound   Code = "NOT_FOUND"
	CodeInvariant  Code = "INVARIANT"
)

// Error carries the operation and tracking id of a failed request.
type Error struct {
	Code       Code
	Op         string
	TrackingID string
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.TrackingID != "" {
		b.WriteString(" [")
		b.WriteString(e.TrackingID)
		b.WriteString("]")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match an *Error against the sentinel for its code.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrValidation:
		return e.Code == CodeValidation
	case ErrConflict:
		return e.Code == CodeConflict
	case ErrStorage:
		return e.Code == CodeStorage
	case ErrNotFound:
		return e.Code == CodeNotFound
	case ErrInvariant:
		return e.Code == CodeInvariant
	}
	return false
}

// Validationf builds a validation failure.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// CodeOf returns the code of err, or "" when err is not classified.
func CodeOf(err error) Code {
	var he *Error
	if errors.As(err, &he) {
		return he.Code
	}
	return ""
}

// MapError classifies err for op. Stores translate driver errors into the
// sentinels above; anything unrecognised is a storage failure.
func MapError(op, trackingID string, err error) error {
	if err == nil {
		return nil
	}
	var he *Error
	if errors.As(err, &he) {
		if he.TrackingID == "" && trackingID != "" {
			cp := *he
			cp.TrackingID = trackingID
			return &cp
		}
		return err
	}

	code := CodeStorage
	switch {
	case errors.Is(err, ErrValidation):
		code = CodeValidation
	case errors.Is(err, ErrConflict):
		code = CodeConflict
	case errors.Is(err, ErrNotFound):
		code = CodeNotFound
	case errors.Is(err, ErrInvariant):
		code = CodeInvariant
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		code = CodeStorage
	}
	return &Error{Code: code, Op: op, TrackingID: trackingID, Err: err}
}
