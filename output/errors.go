package output

import (
	"fmt"
)

// Kind is a machine readable error category. Callers branch on it with
// errors.Is against the package sentinels.
type Kind string

const (
	KindNoSuchOutputDriver       Kind = "NO_SUCH_OUTPUT_DRIVER"
	KindInvalidOutputPath        Kind = "INVALID_OUTPUT_PATH"
	KindOutputAlreadyExists      Kind = "OUTPUT_ALREADY_EXISTS"
	KindIncompatibleMeasurements Kind = "INCOMPATIBLE_MEASUREMENTS"
	KindNoOutputFileOpen         Kind = "NO_OUTPUT_FILE_OPEN"
	KindUsage                    Kind = "USAGE_ERROR"
	KindNoValidSources           Kind = "NO_VALID_SOURCES"
	KindInvalidChunk             Kind = "INVALID_CHUNK"
	KindOutputIO                 Kind = "OUTPUT_IO"
)

// Sentinels, one per kind.
var (
	ErrNoSuchOutputDriver       = &Error{Kind: KindNoSuchOutputDriver, Message: "no such output driver"}
	ErrInvalidOutputPath        = &Error{Kind: KindInvalidOutputPath, Message: "invalid output path"}
	ErrOutputAlreadyExists      = &Error{Kind: KindOutputAlreadyExists, Message: "output already exists"}
	ErrIncompatibleMeasurements = &Error{Kind: KindIncompatibleMeasurements, Message: "incompatible measurements"}
	ErrNoOutputFileOpen         = &Error{Kind: KindNoOutputFileOpen, Message: "no output file open"}
	ErrUsage                    = &Error{Kind: KindUsage, Message: "usage error"}
	ErrNoValidSources           = &Error{Kind: KindNoValidSources, Message: "no valid sources"}
	ErrInvalidChunk             = &Error{Kind: KindInvalidChunk, Message: "invalid chunk"}
	ErrOutputIO                 = &Error{Kind: KindOutputIO, Message: "output i/o failure"}
)

// Error is the error type returned by output drivers and their helpers.
type Error struct {
	// Kind is the category of the failure.
	Kind Kind
	// Message is a human readable description.
	Message string
	// Path is the file the failure concerns, if any.
	Path string
	// Cause is the underlying error.
	Cause error
}

// Errorf creates an Error of the given kind.
func Errorf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.Path != "" {
		msg += fmt.Sprintf(" (path %q)", e.Path)
	}
	if e.Cause != nil {
		msg += fmt.Sprintf(": %v", e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// WithPath sets the path and returns the receiver.
func (e *Error) WithPath(path string) *Error {
	e.Path = path
	return e
}

// WithCause sets the cause and returns the receiver.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// IOError wraps err as an OutputIO error about path. A nil err stays nil.
func IOError(path string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*Error); ok {
		return err
	}
	return &Error{Kind: KindOutputIO, Message: "i/o failure", Path: path, Cause: err}
}
