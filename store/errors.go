package store

import (
	"errors"
	"fmt"
	"runtime"
	"strconv"
)

var (
	// ErrConnectivity is the kind of failures where a backend could not be reached.
	ErrConnectivity = errors.New("colonnade: backend unreachable")

	// ErrStatement is the kind of failures where a backend rejected a statement or batch.
	ErrStatement = errors.New("colonnade: statement rejected")

	// ErrSchemaMismatch is the kind of failures where rows do not fit a table's inferred schema.
	ErrSchemaMismatch = errors.New("colonnade: rows do not match table schema")

	// ErrEmptyBatch is returned when a batch has no fragments.
	ErrEmptyBatch = errors.New("colonnade: batch has no statements")

	// ErrInvalidName is returned when a keyspace, table or view name is not a plain identifier.
	ErrInvalidName = errors.New("colonnade: invalid name")

	// ErrConcurrentModification is returned when a table changed between the
	// read and write phases of a delete-via-overwrite.
	ErrConcurrentModification = errors.New("colonnade: table was modified concurrently")
)

// Error describes a failed operation. Kind is one of the kind sentinels above
// and can be matched with errors.Is; Err is the underlying cause.
type Error struct {
	// Op is the operation that failed (e.g. "keyspace.create").
	Op string

	// Kind classifies the failure.
	Kind error

	// Location is the file:line where the failure was classified.
	Location string

	// Err is the backend or validation error.
	Err error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	var inner *Error
	if errors.As(e.Err, &inner) {
		return e.Op + ": " + e.Err.Error()
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is this error's kind.
func (e *Error) Is(target error) bool {
	return e.Kind != nil && target == e.Kind
}

// NewError wraps err as a failure of op with the given kind, recording the
// caller's location. An err that is already an *Error keeps its kind and
// location and only gains the outer op.
func NewError(op string, kind, err error) error {
	var se *Error
	if errors.As(err, &se) {
		return &Error{Op: op, Kind: se.Kind, Location: se.Location, Err: err}
	}
	return &Error{Op: op, Kind: kind, Location: caller(1), Err: err}
}

// ErrorKind returns the kind sentinel of err, or nil if err carries none.
func ErrorKind(err error) error {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return nil
}

// LocationOf returns the recorded failure location of err, if any.
func LocationOf(err error) string {
	var se *Error
	if errors.As(err, &se) {
		return se.Location
	}
	return ""
}

func caller(skip int) string {
	_, file, line, ok := runtime.Caller(skip + 1)
	if !ok {
		return ""
	}
	return file + ":" + strconv.Itoa(line)
}
