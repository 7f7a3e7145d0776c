package sharedstate

import (
	"errors"
	"fmt"
)

var (
	ErrTypeMismatch = errors.New("type mismatch")
	ErrNotAnArray   = errors.New("not an array")
	ErrInvalidPath  = errors.New("invalid path")
	ErrConflict     = errors.New("too many concurrent writers")
)

// TypeMismatchError reports an operation that found the wrong kind of value
// at Path. It matches ErrTypeMismatch, and ErrNotAnArray when an array was
// expected.
type TypeMismatchError struct {
	Op   string
	Path Path
	Want string
	Got  string
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("%s %s: want %s, found %s", e.Op, e.Path, e.Want, e.Got)
}

func (e *TypeMismatchError) Is(target error) bool {
	switch target {
	case ErrTypeMismatch:
		return true
	case ErrNotAnArray:
		return e.Want == kindArray
	default:
		return false
	}
}
