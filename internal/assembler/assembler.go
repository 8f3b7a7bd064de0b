// Package assembler converts the lexer's token stream into rows, resolving
// the header and reconciling column counts against it.
//
// Rows are shape-agnostic: object and array access are decided by the
// caller binding a Row to the resolved header. A Row's Width can exceed
// len(Fields) only under the pad policy; the positions in between are
// undefined, not empty strings.
package assembler

import (
	"context"
	"fmt"

	"github.com/shapestone/stream-csv/internal/errs"
	"github.com/shapestone/stream-csv/internal/lexer"
)

// DefaultMaxFieldCount caps fields per record when Config.MaxFieldCount
// is zero.
const DefaultMaxFieldCount = 100000

// DefaultCancelCheckRows is how many records pass between cancellation
// polls when Config.CancelCheckRows is zero.
const DefaultCancelCheckRows = 256

// Policy selects how a record whose length differs from the header length
// is reconciled.
type Policy uint8

const (
	// PolicyKeep emits every record as-is (default). Under object access
	// only the first len(header) fields are addressable by name.
	PolicyKeep Policy = iota
	// PolicyPad pads short records with undefined up to the header length
	// and truncates long ones.
	PolicyPad
	// PolicyStrict fails on any record whose length differs from the
	// header length.
	PolicyStrict
	// PolicyTruncate truncates long records and leaves short ones as-is.
	PolicyTruncate
)

// String returns the string representation of the policy.
func (p Policy) String() string {
	switch p {
	case PolicyKeep:
		return "keep"
	case PolicyPad:
		return "pad"
	case PolicyStrict:
		return "strict"
	case PolicyTruncate:
		return "truncate"
	default:
		return fmt.Sprintf("Policy(%d)", p)
	}
}

// Config configures an Assembler.
type Config struct {
	// Header supplies column names up front; every row is then data.
	// Empty means the header is inferred from the first row.
	Header []string

	// Headerless disables header resolution entirely; every row is data
	// and records have no names. Legal only with ArrayOutput and
	// PolicyKeep.
	Headerless bool

	// ArrayOutput marks the records as positional tuples rather than
	// name-keyed objects.
	ArrayOutput bool

	// IncludeHeader re-emits the header as the first record, verbatim,
	// once. Array output only.
	IncludeHeader bool

	// Policy is the column-count reconciliation policy. Default: keep.
	Policy Policy

	// MaxFieldCount caps fields per record. 0 uses DefaultMaxFieldCount.
	MaxFieldCount int

	// CancelCheckRows is the number of records between cancellation
	// polls. 0 uses DefaultCancelCheckRows.
	CancelCheckRows int

	// OnHeader, when set, is invoked once with the resolved header:
	// immediately for a supplied header, at first-row consumption for an
	// inferred one, never in headerless mode. It runs before any data row
	// is emitted.
	OnHeader func([]string)
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Policy > PolicyTruncate {
		return &errs.OptionsError{Field: "Policy", Message: "unknown column-count policy"}
	}
	if c.MaxFieldCount < 0 {
		return &errs.OptionsError{Field: "MaxFieldCount", Message: "must not be negative"}
	}
	if c.CancelCheckRows < 0 {
		return &errs.OptionsError{Field: "CancelCheckRows", Message: "must not be negative"}
	}
	if c.Headerless {
		if len(c.Header) > 0 {
			return &errs.OptionsError{Field: "Header", Message: "must be empty in headerless mode"}
		}
		if !c.ArrayOutput {
			return &errs.OptionsError{Field: "Headerless", Message: "requires array output"}
		}
		if c.Policy != PolicyKeep {
			return &errs.OptionsError{Field: "Policy", Message: "headerless mode supports only the keep policy"}
		}
		if c.IncludeHeader {
			return &errs.OptionsError{Field: "IncludeHeader", Message: "no header to include in headerless mode"}
		}
	}
	if c.IncludeHeader && !c.ArrayOutput {
		return &errs.OptionsError{Field: "IncludeHeader", Message: "requires array output"}
	}
	if len(c.Header) > 0 {
		if err := ValidateHeader(c.Header); err != nil {
			return err
		}
	}
	return nil
}

// ValidateHeader checks that header names are unique.
func ValidateHeader(names []string) error {
	seen := make(map[string]struct{}, len(names))
	for _, n := range names {
		if _, ok := seen[n]; ok {
			return &errs.OptionsError{Field: "Header", Message: fmt.Sprintf("duplicate name %q", n)}
		}
		seen[n] = struct{}{}
	}
	return nil
}

// Row is one assembled record before it is bound to a header. Fields holds
// the values present; Width is the logical length after policy
// reconciliation; Number is the 1-based logical row, or 0 for a header
// record injected from a caller-supplied header.
type Row struct {
	Fields []string
	Width  int
	Number int
}

// Assembler consumes tokens (or raw rows) and produces Rows. It is not
// safe for concurrent use; each parse call owns a fresh instance.
type Assembler struct {
	cfg       Config
	maxFields int
	checkRows int

	header        []string
	resolved      bool
	headerPending bool

	cur            []string
	idx            int
	dirty          bool
	row            int
	rowsSinceCheck int
}

// New creates an Assembler after validating cfg.
func New(cfg Config) (*Assembler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &Assembler{
		cfg:       cfg,
		maxFields: cfg.MaxFieldCount,
		checkRows: cfg.CancelCheckRows,
		row:       1,
	}
	if a.maxFields == 0 {
		a.maxFields = DefaultMaxFieldCount
	}
	if a.checkRows == 0 {
		a.checkRows = DefaultCancelCheckRows
	}
	switch {
	case cfg.Headerless:
		a.resolved = true
	case len(cfg.Header) > 0:
		a.header = append([]string(nil), cfg.Header...)
		a.resolved = true
		a.headerPending = cfg.IncludeHeader
		if cfg.OnHeader != nil {
			cfg.OnHeader(a.header)
		}
	}
	return a, nil
}

// Header returns the resolved header, or nil before resolution and in
// headerless mode.
func (a *Assembler) Header() []string { return a.header }

// Assemble consumes a batch of tokens, appending completed rows to dst.
// Cancellation is polled at record boundaries.
func (a *Assembler) Assemble(ctx context.Context, toks []lexer.Token, dst []Row) ([]Row, error) {
	for i := range toks {
		tok := &toks[i]
		a.row = tok.Location.Row
		switch tok.Kind {
		case lexer.Field:
			if a.idx >= a.maxFields {
				return dst, &errs.ParseError{
					Row:    tok.Location.Row,
					Line:   tok.Location.End.Line,
					Column: tok.Location.End.Column,
					Offset: tok.Location.End.Offset,
					Err:    errs.ErrFieldLimit,
				}
			}
			a.ensure(a.idx + 1)
			a.cur[a.idx] = tok.Value
			a.dirty = true

		case lexer.FieldDelimiter:
			// The delimiter closes slot idx and opens slot idx+1, so a
			// trailing delimiter still materializes its empty field.
			a.ensure(a.idx + 1)
			a.idx++
			a.ensure(a.idx + 1)
			a.dirty = true

		case lexer.RecordDelimiter:
			var err error
			dst, err = a.endRecord(tok.Location.Row, dst)
			if err != nil {
				return dst, err
			}
			if err := a.checkCancel(ctx); err != nil {
				return dst, err
			}
		}
	}
	return dst, nil
}

// PushRow feeds one already-extracted row. Header resolution, policies,
// and limits apply exactly as on the token path; backends that extract
// whole rows share this so every backend shapes records identically.
func (a *Assembler) PushRow(ctx context.Context, fields []string, number int, dst []Row) ([]Row, error) {
	if len(fields) > a.maxFields {
		return dst, fmt.Errorf("row %d: %w", number, errs.ErrFieldLimit)
	}
	a.row = number
	dst, err := a.emit(fields, number, dst)
	if err != nil {
		return dst, err
	}
	if err := a.checkCancel(ctx); err != nil {
		return dst, err
	}
	return dst, nil
}

// Flush emits any pending partial row. A row is pending only if a field
// or delimiter arrived since the last record terminator, so a trailing
// newline does not produce a phantom record. A still-unemitted
// caller-supplied header is emitted here even when no data followed it.
func (a *Assembler) Flush(dst []Row) ([]Row, error) {
	if !a.dirty {
		return a.emitPendingHeader(dst), nil
	}
	a.ensure(a.idx + 1)
	return a.endRecord(a.row, dst)
}

func (a *Assembler) ensure(n int) {
	for len(a.cur) < n {
		a.cur = append(a.cur, "")
	}
}

func (a *Assembler) endRecord(number int, dst []Row) ([]Row, error) {
	fields := a.cur
	a.cur = nil
	a.idx = 0
	a.dirty = false
	return a.emit(fields, number, dst)
}

func (a *Assembler) emit(fields []string, number int, dst []Row) ([]Row, error) {
	if !a.resolved {
		if err := ValidateHeader(fields); err != nil {
			return dst, err
		}
		a.header = fields
		a.resolved = true
		if a.cfg.OnHeader != nil {
			a.cfg.OnHeader(a.header)
		}
		if a.cfg.IncludeHeader {
			return append(dst, Row{Fields: fields, Width: len(fields), Number: number}), nil
		}
		return dst, nil
	}
	dst = a.emitPendingHeader(dst)
	row, err := a.shape(fields, number)
	if err != nil {
		return dst, err
	}
	return append(dst, row), nil
}

// emitPendingHeader injects the caller-supplied header record. It is
// synthetic, not read from input, so it carries Number 0.
func (a *Assembler) emitPendingHeader(dst []Row) []Row {
	if !a.headerPending {
		return dst
	}
	a.headerPending = false
	return append(dst, Row{Fields: a.header, Width: len(a.header)})
}

func (a *Assembler) shape(fields []string, number int) (Row, error) {
	if a.cfg.Headerless {
		return Row{Fields: fields, Width: len(fields), Number: number}, nil
	}
	h := len(a.header)
	switch a.cfg.Policy {
	case PolicyStrict:
		if len(fields) != h {
			return Row{}, &errs.ColumnCountError{Row: number, Expected: h, Got: len(fields)}
		}
	case PolicyPad:
		if len(fields) > h {
			fields = fields[:h]
		}
		return Row{Fields: fields, Width: h, Number: number}, nil
	case PolicyTruncate:
		if len(fields) > h {
			fields = fields[:h]
		}
	}
	return Row{Fields: fields, Width: len(fields), Number: number}, nil
}

func (a *Assembler) checkCancel(ctx context.Context) error {
	a.rowsSinceCheck++
	if a.rowsSinceCheck < a.checkRows {
		return nil
	}
	a.rowsSinceCheck = 0
	if err := ctx.Err(); err != nil {
		return errs.Cancelled(a.row, err)
	}
	return nil
}
