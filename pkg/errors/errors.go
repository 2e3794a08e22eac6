// Package errors provides production-grade error handling for TraceLake.
// It implements structured errors with codes, context, and stack traces.
package errors

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// Error codes for programmatic handling
type Code string

const (
	// Metadata errors (1xx)
	CodeDuplicateKey      Code = "E101"
	CodePartitionNotFound Code = "E102"
	CodeRecordNotFound    Code = "E103"
	CodeTransactionFailed Code = "E104"

	// View definition errors (2xx)
	CodeCyclicViewDefinition Code = "E201"
	CodeIncompatibleSchema   Code = "E202"
	CodeUnknownView          Code = "E203"
	CodeTransformFailed      Code = "E204"

	// Storage errors (3xx)
	CodeStorageWriteFailed Code = "E301"
	CodeStorageReadFailed  Code = "E302"
	CodeObjectNotFound     Code = "E303"

	// Concurrency/system errors (4xx)
	CodeLeaseTimeout    Code = "E401"
	CodeContextCanceled Code = "E402"
	CodeTimeout         Code = "E403"

	// Metadata database errors (5xx)
	CodeMetadataInit  Code = "E501"
	CodeMetadataQuery Code = "E502"
	CodeMetadataWrite Code = "E503"

	// Unknown
	CodeUnknown Code = "E999"
)

// LakeError is the base error type for all TraceLake errors.
type LakeError struct {
	Code       Code
	Message    string
	Cause      error
	Context    map[string]interface{}
	StackTrace []Frame
}

// Frame represents a stack frame.
type Frame struct {
	Function string
	File     string
	Line     int
}

// Error implements the error interface.
func (e *LakeError) Error() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("[%s] %s", e.Code, e.Message))

	if len(e.Context) > 0 {
		sb.WriteString(" (")
		first := true
		for k, v := range e.Context {
			if !first {
				sb.WriteString(", ")
			}
			sb.WriteString(fmt.Sprintf("%s=%v", k, v))
			first = false
		}
		sb.WriteString(")")
	}

	if e.Cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Cause.Error())
	}

	return sb.String()
}

// Unwrap returns the underlying cause.
func (e *LakeError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches a target error.
func (e *LakeError) Is(target error) bool {
	if t, ok := target.(*LakeError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithContext adds context to the error.
func (e *LakeError) WithContext(key string, value interface{}) *LakeError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// New creates a new LakeError.
func New(code Code, message string) *LakeError {
	return &LakeError{
		Code:       code,
		Message:    message,
		StackTrace: captureStack(2),
	}
}

// Wrap wraps an existing error with additional context.
func Wrap(err error, code Code, message string) *LakeError {
	if err == nil {
		return nil
	}

	return &LakeError{
		Code:       code,
		Message:    message,
		Cause:      err,
		StackTrace: captureStack(2),
	}
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, code Code, format string, args ...interface{}) *LakeError {
	return Wrap(err, code, fmt.Sprintf(format, args...))
}

// captureStack captures the current stack trace.
func captureStack(skip int) []Frame {
	var frames []Frame
	pcs := make([]uintptr, 32)
	n := runtime.Callers(skip+1, pcs)
	pcs = pcs[:n]

	cf := runtime.CallersFrames(pcs)
	for {
		frame, more := cf.Next()
		frames = append(frames, Frame{
			Function: frame.Function,
			File:     frame.File,
			Line:     frame.Line,
		})
		if !more || len(frames) >= 10 {
			break
		}
	}
	return frames
}

// FormatStack returns a formatted stack trace.
func (e *LakeError) FormatStack() string {
	var sb strings.Builder
	for _, f := range e.StackTrace {
		sb.WriteString(fmt.Sprintf("  at %s\n    %s:%d\n", f.Function, f.File, f.Line))
	}
	return sb.String()
}

// --- Convenience constructors ---

// DuplicateKey signals that a record with the same id already exists.
// Callers treat it as an idempotent no-op, not a failure.
func DuplicateKey(table, id string) *LakeError {
	return New(CodeDuplicateKey, "record already exists").
		WithContext("table", table).
		WithContext("id", id)
}

// CyclicViewDefinition signals that registering a view would close a cycle
// in the view source graph.
func CyclicViewDefinition(view string, path []string) *LakeError {
	return New(CodeCyclicViewDefinition, "view source graph contains a cycle").
		WithContext("view", view).
		WithContext("path", strings.Join(path, " -> "))
}

// IncompatibleSchema signals a fingerprint mismatch between a view's current
// schema and a previously materialized partition.
func IncompatibleSchema(view, current, stored string) *LakeError {
	return New(CodeIncompatibleSchema, "partition schema fingerprint does not match view").
		WithContext("view", view).
		WithContext("current", current).
		WithContext("stored", stored)
}

// StorageWriteFailed wraps an object-storage write failure.
func StorageWriteFailed(path string, err error) *LakeError {
	return Wrap(err, CodeStorageWriteFailed, "object storage write failed").
		WithContext("path", path)
}

// LeaseTimeout signals that a waiter gave up on an in-flight materialization.
func LeaseTimeout(key string) *LakeError {
	return New(CodeLeaseTimeout, "timed out waiting for in-flight materialization").
		WithContext("lease", key)
}

// PartitionNotFound signals that a requested range has no materialized data.
// The query bridge maps it to an empty result, not a failure.
func PartitionNotFound(view, key string) *LakeError {
	return New(CodePartitionNotFound, "no partition materialized for range").
		WithContext("view", view).
		WithContext("key", key)
}

// UnknownView signals a reference to a view that is not registered.
func UnknownView(name string) *LakeError {
	return New(CodeUnknownView, "view is not registered").
		WithContext("view", name)
}

// --- Error checking utilities ---

// IsCode checks if an error has a specific code.
func IsCode(err error, code Code) bool {
	var lkErr *LakeError
	if errors.As(err, &lkErr) {
		return lkErr.Code == code
	}
	return false
}

// GetCode extracts the error code from an error.
func GetCode(err error) Code {
	var lkErr *LakeError
	if errors.As(err, &lkErr) {
		return lkErr.Code
	}
	return CodeUnknown
}

// IsRetryable returns true if the error is retryable.
// Storage and transient failures are retried with bounded backoff;
// definition and schema errors require operator action.
func IsRetryable(err error) bool {
	code := GetCode(err)
	switch code {
	case CodeStorageWriteFailed, CodeStorageReadFailed, CodeTimeout, CodeTransactionFailed:
		return true
	default:
		return false
	}
}

// IsFatal returns true if the error is unrecoverable without a
// configuration change.
func IsFatal(err error) bool {
	code := GetCode(err)
	switch code {
	case CodeCyclicViewDefinition, CodeUnknownView, CodeMetadataInit:
		return true
	default:
		return false
	}
}

// MultiError collects multiple errors.
type MultiError struct {
	Errors []error
}

// Error implements the error interface.
func (m *MultiError) Error() string {
	if len(m.Errors) == 0 {
		return "no errors"
	}
	if len(m.Errors) == 1 {
		return m.Errors[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d errors occurred:\n", len(m.Errors)))
	for i, err := range m.Errors {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// Add adds an error to the collection.
func (m *MultiError) Add(err error) {
	if err != nil {
		m.Errors = append(m.Errors, err)
	}
}

// HasErrors returns true if any errors were collected.
func (m *MultiError) HasErrors() bool {
	return len(m.Errors) > 0
}

// Combined returns nil if no errors, the single error if one, or the MultiError.
func (m *MultiError) Combined() error {
	switch len(m.Errors) {
	case 0:
		return nil
	case 1:
		return m.Errors[0]
	default:
		return m
	}
}
