// Package errs defines the error taxonomy shared by the parsing pipeline.
// Structured errors wrap one of the class sentinels below so callers can
// classify a failure with errors.Is while still reading position details
// off the concrete type.
package errs

import (
	"errors"
	"fmt"
)

// Common parsing errors.
var (
	// ErrUnexpectedEOF indicates the input ended inside a quoted field.
	ErrUnexpectedEOF = errors.New("unexpected EOF while parsing quoted field")

	// ErrMalformedQuote indicates a character other than the quotation,
	// the delimiter, or a record terminator followed a closing quotation.
	ErrMalformedQuote = errors.New("unexpected character after closing quotation")

	// ErrInvalidUTF8 indicates bytes that do not form a valid UTF-8 sequence.
	ErrInvalidUTF8 = errors.New("invalid UTF-8 sequence")

	// ErrBufferLimit indicates the field accumulator exceeded MaxBufferSize.
	ErrBufferLimit = errors.New("field buffer exceeds maximum size")

	// ErrFieldLimit indicates a record exceeded MaxFieldCount fields.
	ErrFieldLimit = errors.New("field count exceeds maximum")

	// ErrColumnCount indicates a record length differed from the header
	// length under the strict column-count policy.
	ErrColumnCount = errors.New("wrong number of fields")

	// ErrBackendUnavailable indicates an execution backend cannot run in
	// the current environment. The strategy runner treats it as
	// recoverable and advances to the next candidate.
	ErrBackendUnavailable = errors.New("backend unavailable")
)

// ParseError reports malformed content together with the position at which
// it was observed. Line and Column are 1-based, Offset is a 0-based byte
// offset, Row is the 1-based logical row.
type ParseError struct {
	Row    int
	Line   int
	Column int
	Offset int
	Err    error
}

// Error returns a formatted message with position information.
func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error on row %d, line %d, column %d: %v",
		e.Row, e.Line, e.Column, e.Err)
}

// Unwrap returns the underlying error.
func (e *ParseError) Unwrap() error { return e.Err }

// OptionsError represents an invalid option configuration.
type OptionsError struct {
	Field   string
	Message string
}

func (e *OptionsError) Error() string {
	return "csv: invalid " + e.Field + ": " + e.Message
}

// ColumnCountError reports a strict-policy violation for one record.
type ColumnCountError struct {
	// Row is the 1-based logical row of the offending record.
	Row int
	// Expected is the header length.
	Expected int
	// Got is the record's field count.
	Got int
}

func (e *ColumnCountError) Error() string {
	return fmt.Sprintf("record on row %d has %d fields, header has %d",
		e.Row, e.Got, e.Expected)
}

// Unwrap returns ErrColumnCount so the class is visible to errors.Is.
func (e *ColumnCountError) Unwrap() error { return ErrColumnCount }

// BackendError annotates a failure with the execution strategy that
// produced it.
type BackendError struct {
	Backend string
	Context string
	Err     error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend %s in context %s: %v", e.Backend, e.Context, e.Err)
}

// Unwrap returns the underlying error.
func (e *BackendError) Unwrap() error { return e.Err }

// Cancelled wraps a context error with the row at which cancellation was
// observed, so the trigger point survives propagation.
func Cancelled(row int, cause error) error {
	return fmt.Errorf("parse cancelled at row %d: %w", row, cause)
}
