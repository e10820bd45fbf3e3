package metadata

import (
	"errors"
	"fmt"
)

// StoreError represents a domain error raised by the record backends and the
// namespace services.
//
// Callers branch on Code; Message and Path are for humans.
type StoreError struct {
	// Code is the error category
	Code ErrorCode

	// Message is a human-readable error description
	Message string

	// Path is the log file (or entity path) related to the error, if any
	Path string

	// Err is the underlying cause, if any
	Err error
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	msg := e.Message
	if e.Path != "" {
		msg = msg + ": " + e.Path
	}
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *StoreError) Unwrap() error {
	return e.Err
}

// ErrorCode represents the category of a store error.
type ErrorCode int

const (
	// ErrNotFound indicates the id is absent from the index
	ErrNotFound ErrorCode = iota

	// ErrInvalidArgument indicates malformed configuration or parameters
	// Examples: missing changelog_path, reused compaction handle
	ErrInvalidArgument

	// ErrIOError indicates a log open/read/write/rename failure
	ErrIOError

	// ErrCorruptRecord indicates a checksum or structural mismatch in a record
	ErrCorruptRecord

	// ErrAlreadyExists indicates a sibling with the same name already exists
	ErrAlreadyExists

	// ErrNotEmpty indicates a container still has children or files
	ErrNotEmpty

	// ErrReadOnly indicates a write was attempted on a read-only (slave) service
	ErrReadOnly
)

func (c ErrorCode) String() string {
	switch c {
	case ErrNotFound:
		return "NotFound"
	case ErrInvalidArgument:
		return "InvalidArgument"
	case ErrIOError:
		return "IOFailure"
	case ErrCorruptRecord:
		return "CorruptRecord"
	case ErrAlreadyExists:
		return "AlreadyExists"
	case ErrNotEmpty:
		return "NotEmpty"
	case ErrReadOnly:
		return "ReadOnly"
	default:
		return "Unknown"
	}
}

// NewError builds a StoreError with a formatted message.
func NewError(code ErrorCode, format string, args ...any) *StoreError {
	return &StoreError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// NewNotFoundError reports that the entity with the given id does not exist.
func NewNotFoundError(kind string, id ID) *StoreError {
	return &StoreError{Code: ErrNotFound, Message: fmt.Sprintf("%s #%d not found", kind, id)}
}

// NewIOError wraps an I/O failure on path.
func NewIOError(path, message string, err error) *StoreError {
	return &StoreError{Code: ErrIOError, Message: message, Path: path, Err: err}
}

// NewCorruptError reports a damaged record.
func NewCorruptError(path string, format string, args ...any) *StoreError {
	return &StoreError{Code: ErrCorruptRecord, Message: fmt.Sprintf(format, args...), Path: path}
}

// CodeOf extracts the error code from err. The second result is false when
// err is not (and does not wrap) a StoreError.
func CodeOf(err error) (ErrorCode, bool) {
	var se *StoreError
	if errors.As(err, &se) {
		return se.Code, true
	}
	return 0, false
}

// IsNotFound reports whether err carries ErrNotFound.
func IsNotFound(err error) bool {
	code, ok := CodeOf(err)
	return ok && code == ErrNotFound
}

// IsCorrupt reports whether err carries ErrCorruptRecord.
func IsCorrupt(err error) bool {
	code, ok := CodeOf(err)
	return ok && code == ErrCorruptRecord
}
