package csv

import (
	"github.com/shapestone/stream-csv/internal/errs"
)

// The structured error types are aliases of the engine's internal types,
// so errors.As works on values from any layer.
type (
	// ParseError reports malformed content with its exact position.
	// Line and Column are 1-based, Offset is a 0-based byte offset, Row
	// is the 1-based record the defect belongs to.
	ParseError = errs.ParseError

	// OptionsError reports an invalid configuration field.
	OptionsError = errs.OptionsError

	// ColumnCountError reports a strict-policy violation: a record whose
	// length differs from the header length.
	ColumnCountError = errs.ColumnCountError

	// BackendError annotates a backend's refusal with the strategy that
	// declined. It is the recoverable class: the engine falls back across
	// remaining strategies and surfaces it only when all of them decline.
	BackendError = errs.BackendError
)

// Sentinel errors carried inside the structured types. Match with
// errors.Is.
var (
	// ErrUnexpectedEOF marks input ending inside a quoted field.
	ErrUnexpectedEOF = errs.ErrUnexpectedEOF

	// ErrMalformedQuote marks a stray quotation character: a bare quote
	// inside an unquoted field or trailing content after a closing quote.
	ErrMalformedQuote = errs.ErrMalformedQuote

	// ErrInvalidUTF8 marks a byte sequence that is not valid UTF-8.
	ErrInvalidUTF8 = errs.ErrInvalidUTF8

	// ErrBufferLimit marks a single field exceeding MaxBufferSize.
	ErrBufferLimit = errs.ErrBufferLimit

	// ErrFieldLimit marks a record exceeding MaxFieldCount fields.
	ErrFieldLimit = errs.ErrFieldLimit

	// ErrColumnCount marks a strict-policy column-count violation.
	ErrColumnCount = errs.ErrColumnCount

	// ErrBackendUnavailable marks a parsing strategy that cannot serve
	// the current input or environment.
	ErrBackendUnavailable = errs.ErrBackendUnavailable
)
