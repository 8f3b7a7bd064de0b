package csv

import (
	"fmt"

	"github.com/shapestone/stream-csv/internal/assembler"
	"github.com/shapestone/stream-csv/internal/decode"
	"github.com/shapestone/stream-csv/internal/lexer"
	"github.com/shapestone/stream-csv/internal/resolver"
)

// DefaultMaxBufferSize bounds a single field at 10 MiB. An unterminated
// quote would otherwise buffer the rest of the input.
const DefaultMaxBufferSize = 10 << 20

// DefaultStreamBuffer is the record channel capacity between the parsing
// pipeline and the consumer.
const DefaultStreamBuffer = 64

// OutputShape selects how records are exposed.
type OutputShape uint8

const (
	// OutputObjects keys each record's fields by header name (default).
	OutputObjects OutputShape = iota
	// OutputArrays exposes each record as a positional tuple.
	OutputArrays
)

// String returns the string representation of the shape.
func (s OutputShape) String() string {
	switch s {
	case OutputObjects:
		return "objects"
	case OutputArrays:
		return "arrays"
	default:
		return fmt.Sprintf("OutputShape(%d)", s)
	}
}

// Policy selects how a record whose length differs from the header length
// is reconciled.
type Policy uint8

const (
	// PolicyKeep emits every record as-is (default). Extra fields stay
	// present but are unreachable by name.
	PolicyKeep Policy = iota
	// PolicyPad pads short records up to the header length and truncates
	// long ones.
	PolicyPad
	// PolicyStrict fails the parse on the first record whose length
	// differs from the header length.
	PolicyStrict
	// PolicyTruncate truncates long records and leaves short ones as-is.
	PolicyTruncate
)

// String returns the string representation of the policy.
func (p Policy) String() string { return assembler.Policy(p).String() }

// Hint expresses what a call should optimize for. It orders the parsing
// strategies; it never changes the records produced.
type Hint uint8

const (
	// HintBalanced is the default trade-off.
	HintBalanced Hint = iota
	// HintSpeed maximizes throughput on large buffered input.
	HintSpeed
	// HintConsistency prefers the most predictable strategy.
	HintConsistency
	// HintResponsive minimizes time to the first record.
	HintResponsive
)

// String returns the string representation of the hint.
func (h Hint) String() string { return resolver.Hint(h).String() }

// Backend identifies one parsing strategy.
type Backend uint8

const (
	// BackendPlain is the universal character-at-a-time scanner.
	BackendPlain Backend = iota
	// BackendCompiled is the indexed word-at-a-time scanner.
	BackendCompiled
	// BackendAccelerated is the parallel segmented scanner.
	BackendAccelerated
)

// String returns the string representation of the backend.
func (b Backend) String() string { return resolver.Backend(b).String() }

// Strategy names one (backend, execution context) pairing of the
// fallback walk.
type Strategy struct {
	Backend Backend
	Context string
}

func (s Strategy) String() string {
	return s.Backend.String() + "/" + s.Context
}

// Fallback reports one abandoned strategy and the strategy tried in its
// place.
type Fallback struct {
	Requested Strategy
	Actual    Strategy
	Reason    error
}

// Options configures parsing behavior.
type Options struct {
	// Delimiter is the field delimiter. It must be a single character
	// other than CR or LF, distinct from Quotation.
	// Default: ','
	Delimiter rune

	// Quotation is the quote character, under the same constraints.
	// Default: '"'
	Quotation rune

	// Header supplies column names up front. When set, every input row
	// is data. Names must be unique.
	// Default: nil (header inferred from the first row)
	Header []string

	// NoHeader disables headers entirely; every row is data and records
	// have no names. Requires OutputArrays and PolicyKeep.
	// Default: false
	NoHeader bool

	// OutputShape selects name-keyed records or positional tuples.
	// Default: OutputObjects
	OutputShape OutputShape

	// IncludeHeader re-emits the header as the first record, once.
	// Requires OutputArrays.
	// Default: false
	IncludeHeader bool

	// Policy reconciles records against the header length.
	// Default: PolicyKeep
	Policy Policy

	// Hint orders the parsing strategies for this engine.
	// Default: HintBalanced
	Hint Hint

	// Charset is the declared encoding label of byte-shaped input, using
	// the WHATWG encoding names ("utf-8", "windows-1252", "shift_jis",
	// ...). String input is already decoded and ignores it.
	// Default: "" (utf-8)
	Charset string

	// DetectDelimiter sniffs the delimiter from the input head,
	// overriding Delimiter when detection is conclusive.
	// Default: false
	DetectDelimiter bool

	// MaxBufferSize caps a single field in bytes. 0 disables the cap.
	// Default under DefaultOptions: DefaultMaxBufferSize
	MaxBufferSize int

	// MaxFieldCount caps fields per record. 0 uses the engine default
	// of 100000.
	MaxFieldCount int

	// DisabledBackends switches strategies off for this engine. Listing
	// BackendPlain has no effect; it is the universal fallback.
	// Default: nil
	DisabledBackends []Backend

	// StreamBuffer is the record channel capacity; a full channel makes
	// the pipeline yield until the consumer catches up. 0 uses
	// DefaultStreamBuffer.
	StreamBuffer int

	// LexerCancelRows is the number of record boundaries between
	// cancellation polls while scanning. 0 uses the engine default.
	LexerCancelRows int

	// AssemblerCancelRows is the number of records between cancellation
	// polls while assembling. 0 uses the engine default.
	AssemblerCancelRows int

	// OnFallback is invoked when a strategy declines before producing
	// output and another one takes over.
	// Default: nil
	OnFallback func(Fallback)

	// EnableWorkers lets calls run on a shared worker pool, isolating
	// parse work from the calling goroutine.
	// Default: false
	EnableWorkers bool

	// WorkerPoolSize is the number of pool workers when EnableWorkers is
	// set. 0 uses the number of CPUs.
	WorkerPoolSize int
}

// DefaultOptions returns the default configuration.
func DefaultOptions() Options {
	return Options{
		Delimiter:     ',',
		Quotation:     '"',
		MaxBufferSize: DefaultMaxBufferSize,
		StreamBuffer:  DefaultStreamBuffer,
	}
}

// withDefaults fills the fields whose zero value stands for a default.
// MaxBufferSize is not among them: zero means uncapped.
func (o Options) withDefaults() Options {
	if o.Delimiter == 0 {
		o.Delimiter = ','
	}
	if o.Quotation == 0 {
		o.Quotation = '"'
	}
	if o.StreamBuffer == 0 {
		o.StreamBuffer = DefaultStreamBuffer
	}
	return o
}

// Validate checks the configuration. Fields left zero are validated at
// their defaults.
func (o Options) Validate() error {
	o = o.withDefaults()
	if !lexer.ValidDelimiter(o.Delimiter) {
		return &OptionsError{Field: "Delimiter", Message: "must be a single character other than CR or LF"}
	}
	if !lexer.ValidDelimiter(o.Quotation) {
		return &OptionsError{Field: "Quotation", Message: "must be a single character other than CR or LF"}
	}
	if o.Quotation == o.Delimiter {
		return &OptionsError{Field: "Quotation", Message: "must differ from the delimiter"}
	}
	if o.OutputShape > OutputArrays {
		return &OptionsError{Field: "OutputShape", Message: "unknown output shape"}
	}
	if o.Policy > PolicyTruncate {
		return &OptionsError{Field: "Policy", Message: "unknown column-count policy"}
	}
	if o.Hint > HintResponsive {
		return &OptionsError{Field: "Hint", Message: "unknown hint"}
	}
	if o.NoHeader {
		if len(o.Header) > 0 {
			return &OptionsError{Field: "Header", Message: "must be empty with NoHeader"}
		}
		if o.OutputShape != OutputArrays {
			return &OptionsError{Field: "NoHeader", Message: "requires array output"}
		}
		if o.Policy != PolicyKeep {
			return &OptionsError{Field: "Policy", Message: "NoHeader supports only the keep policy"}
		}
		if o.IncludeHeader {
			return &OptionsError{Field: "IncludeHeader", Message: "no header to include with NoHeader"}
		}
	}
	if o.IncludeHeader && o.OutputShape != OutputArrays {
		return &OptionsError{Field: "IncludeHeader", Message: "requires array output"}
	}
	if len(o.Header) > 0 {
		if err := assembler.ValidateHeader(o.Header); err != nil {
			return err
		}
	}
	for _, b := range o.DisabledBackends {
		if b > BackendAccelerated {
			return &OptionsError{Field: "DisabledBackends", Message: fmt.Sprintf("unknown backend %d", b)}
		}
	}
	if o.MaxBufferSize < 0 {
		return &OptionsError{Field: "MaxBufferSize", Message: "must not be negative"}
	}
	if o.MaxFieldCount < 0 {
		return &OptionsError{Field: "MaxFieldCount", Message: "must not be negative"}
	}
	if o.StreamBuffer < 0 {
		return &OptionsError{Field: "StreamBuffer", Message: "must not be negative"}
	}
	if o.LexerCancelRows < 0 {
		return &OptionsError{Field: "LexerCancelRows", Message: "must not be negative"}
	}
	if o.AssemblerCancelRows < 0 {
		return &OptionsError{Field: "AssemblerCancelRows", Message: "must not be negative"}
	}
	if o.WorkerPoolSize < 0 {
		return &OptionsError{Field: "WorkerPoolSize", Message: "must not be negative"}
	}
	return decode.Validate(o.Charset)
}

// lexer derives the scanner configuration.
func (o Options) lexer() lexer.Config {
	return lexer.Config{
		Delimiter:       o.Delimiter,
		Quotation:       o.Quotation,
		MaxBufferSize:   o.MaxBufferSize,
		CancelCheckRows: o.LexerCancelRows,
	}
}

// assembler derives the record-shaping configuration.
func (o Options) assembler(onHeader func([]string)) assembler.Config {
	return assembler.Config{
		Header:          o.Header,
		Headerless:      o.NoHeader,
		ArrayOutput:     o.OutputShape == OutputArrays,
		IncludeHeader:   o.IncludeHeader,
		Policy:          assembler.Policy(o.Policy),
		MaxFieldCount:   o.MaxFieldCount,
		CancelCheckRows: o.AssemblerCancelRows,
		OnHeader:        onHeader,
	}
}

// disabled maps the public backend list onto the resolver's.
func (o Options) disabled() []resolver.Backend {
	if len(o.DisabledBackends) == 0 {
		return nil
	}
	out := make([]resolver.Backend, len(o.DisabledBackends))
	for i, b := range o.DisabledBackends {
		out[i] = resolver.Backend(b)
	}
	return out
}
