package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

type ErrorType string

const (
	ErrorTypeNotFound        ErrorType = "NOT_FOUND"
	ErrorTypeAmbiguous       ErrorType = "AMBIGUOUS"
	ErrorTypeValidation      ErrorType = "VALIDATION"
	ErrorTypeAlreadyResolved ErrorType = "ALREADY_RESOLVED"
	ErrorTypeInterference    ErrorType = "INTERFERENCE"
	ErrorTypeIO              ErrorType = "IO"
	ErrorTypePendingChanges  ErrorType = "PENDING_CHANGES"
	ErrorTypeUnresolved      ErrorType = "UNRESOLVED"
	ErrorTypeInternal        ErrorType = "INTERNAL"
)

// Exit statuses reported by the CLI for each error type.
const (
	CodeInternal        = 1
	CodeNotFound        = 2
	CodeValidation      = 3
	CodeAlreadyResolved = 4
	CodeInterference    = 5
	CodeIO              = 6
	CodePendingChanges  = 7
	CodeUnresolved      = 8
)

type Error struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`
	Code    int       `json:"code"`
	Path    string    `json:"path,omitempty"`
	Details any       `json:"details,omitempty"`
	Err     error     `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same type, so callers can compare against the
// sentinel-like values returned by the constructors.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Type == e.Type && t.Message == ""
}

// Kind returns an empty *Error usable as an errors.Is target for t.
func Kind(t ErrorType) *Error {
	return &Error{Type: t}
}

// IsType reports whether err (or anything it wraps) is an *Error of type t.
func IsType(err error, t ErrorType) bool {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Type == t
	}
	return false
}

// ExitStatus maps err to the process exit status.
func ExitStatus(err error) int {
	if err == nil {
		return 0
	}
	var e *Error
	if stderrors.As(err, &e) && e.Code != 0 {
		return e.Code
	}
	return CodeInternal
}

func NotFound(message string) *Error {
	return &Error{
		Type:    ErrorTypeNotFound,
		Message: message,
		Code:    CodeNotFound,
	}
}

func Ambiguous(prefix string, matches []string) *Error {
	return &Error{
		Type:    ErrorTypeAmbiguous,
		Message: fmt.Sprintf("revision '%s' is ambiguous (%d matches)", prefix, len(matches)),
		Code:    CodeNotFound,
		Details: matches,
	}
}

func ValidationError(message string, details any) *Error {
	return &Error{
		Type:    ErrorTypeValidation,
		Message: message,
		Code:    CodeValidation,
		Details: details,
	}
}

func AlreadyResolved(path, kind string) *Error {
	return &Error{
		Type:    ErrorTypeAlreadyResolved,
		Message: fmt.Sprintf("%s conflict on '%s' is already resolved; use overwrite to change the accepted value", kind, path),
		Code:    CodeAlreadyResolved,
		Path:    path,
	}
}

// Interference reports the paths of uncontrolled items that block an operation.
func Interference(operation string, paths []string) *Error {
	return &Error{
		Type: ErrorTypeInterference,
		Message: fmt.Sprintf("An item will interfere with the %s: %s (move it aside and retry)",
			operation, strings.Join(paths, ", ")),
		Code:    CodeInterference,
		Path:    first(paths),
		Details: paths,
	}
}

func IO(path string, err error) *Error {
	return &Error{
		Type:    ErrorTypeIO,
		Message: fmt.Sprintf("i/o failure on '%s'", path),
		Code:    CodeIO,
		Path:    path,
		Err:     err,
	}
}

func PendingChanges(operation string, paths []string) *Error {
	return &Error{
		Type: ErrorTypePendingChanges,
		Message: fmt.Sprintf("cannot %s: the working copy has pending changes (%s)",
			operation, strings.Join(paths, ", ")),
		Code:    CodePendingChanges,
		Path:    first(paths),
		Details: paths,
	}
}

func Unresolved(count int) *Error {
	return &Error{
		Type:    ErrorTypeUnresolved,
		Message: fmt.Sprintf("cannot commit with %d unresolved conflicts", count),
		Code:    CodeUnresolved,
		Details: count,
	}
}

func Internal(message string, err error) *Error {
	return &Error{
		Type:    ErrorTypeInternal,
		Message: message,
		Code:    CodeInternal,
		Err:     err,
	}
}

func first(paths []string) string {
	if len(paths) == 0 {
		return ""
	}
	return paths[0]
}
