package citymesh

import (
	"errors"
	"fmt"
)

// ValidationError reports request input the engine cannot work with, such as
// a malformed polygon or an unparsable limit string.
type ValidationError struct {
	Msg string
	Err error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid input: %s: %v", e.Msg, e.Err)
	}
	return fmt.Sprintf("invalid input: %s", e.Msg)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// validationf builds a ValidationError with a formatted message.
func validationf(format string, args ...interface{}) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// GeometryError reports a single face whose geometry cannot support a local
// frame (too few vertices, zero-length normal, overlapping vertices).
// A GeometryError never aborts work on sibling faces.
type GeometryError struct {
	BuildingID string
	Face       int
	Msg        string
}

func (e *GeometryError) Error() string {
	if e.BuildingID == "" {
		return fmt.Sprintf("face %d: %s", e.Face, e.Msg)
	}
	return fmt.Sprintf("%s face %d: %s", e.BuildingID, e.Face, e.Msg)
}

// NotFoundError reports a lookup that matched nothing in the store.
type NotFoundError struct {
	Kind string // "building", "sheet", ...
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

// ResourceError reports an exhausted limit or an unavailable backend. The
// request that hit it fails; nothing is retried.
type ResourceError struct {
	Op  string
	Msg string
	Err error
}

func (e *ResourceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Msg)
}

func (e *ResourceError) Unwrap() error { return e.Err }

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsGeometry reports whether err is (or wraps) a GeometryError.
func IsGeometry(err error) bool {
	var ge *GeometryError
	return errors.As(err, &ge)
}

// IsNotFound reports whether err is (or wraps) a NotFoundError.
func IsNotFound(err error) bool {
	var ne *NotFoundError
	return errors.As(err, &ne)
}

// IsResource reports whether err is (or wraps) a ResourceError.
func IsResource(err error) bool {
	var re *ResourceError
	return errors.As(err, &re)
}
