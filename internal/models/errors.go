package models

import (
	"errors"
	"fmt"
)

// ErrorType represents different categories of errors
type ErrorType int

const (
	ErrParse ErrorType = iota
	ErrNetwork
	ErrRedirects
	ErrUnsupportedFormat
	ErrNotFound
	ErrVerification
	ErrFileOp
	ErrInvalidConfig
)

// String returns the string representation of ErrorType
func (e ErrorType) String() string {
	switch e {
	case ErrParse:
		return "Parse"
	case ErrNetwork:
		return "Network"
	case ErrRedirects:
		return "TooManyRedirects"
	case ErrUnsupportedFormat:
		return "UnsupportedFormat"
	case ErrNotFound:
		return "NotFound"
	case ErrVerification:
		return "Verification"
	case ErrFileOp:
		return "FileOp"
	case ErrInvalidConfig:
		return "InvalidConfig"
	default:
		return "Unknown"
	}
}

// UpdateError represents an error raised while resolving, fetching or
// opening a release. Source names the URL, path or release involved.
type UpdateError struct {
	Type   ErrorType
	Source string
	Err    error
}

// Error implements the error interface
func (e *UpdateError) Error() string {
	if e.Source != "" {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Source, e.Err)
	}
	return fmt.Sprintf("[%s] %v", e.Type, e.Err)
}

// Unwrap returns the wrapped error
func (e *UpdateError) Unwrap() error {
	return e.Err
}

// NewError wraps err as an UpdateError of the given type.
func NewError(t ErrorType, source string, err error) *UpdateError {
	return &UpdateError{Type: t, Source: source, Err: err}
}

// IsType reports whether any error in err's chain is an UpdateError of type t.
func IsType(err error, t ErrorType) bool {
	var ue *UpdateError
	for err != nil {
		if !errors.As(err, &ue) {
			return false
		}
		if ue.Type == t {
			return true
		}
		err = ue.Err
	}
	return false
}
