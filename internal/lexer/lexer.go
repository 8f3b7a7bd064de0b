package lexer

import (
	"context"
	"errors"
	"unicode/utf8"

	"github.com/shapestone/stream-csv/internal/errs"
)

// DefaultCancelCheckRows is how many record boundaries pass between
// cancellation polls when Config.CancelCheckRows is zero.
const DefaultCancelCheckRows = 256

const bom = '\ufeff'

// ErrFinalized is returned by Feed and FeedBytes after Finalize.
var ErrFinalized = errors.New("lexer: input already finalized")

// Config configures a Lexer.
type Config struct {
	// Delimiter is the field delimiter. It must be exactly one valid
	// character, distinct from Quotation, and neither CR nor LF.
	// Default: ','
	Delimiter rune

	// Quotation is the quote character, under the same constraints.
	// Default: '"'
	Quotation rune

	// MaxBufferSize caps the field accumulator in bytes. Exceeding it
	// fails hard with ErrBufferLimit; an unterminated quote can otherwise
	// buffer the rest of the input. 0 disables the cap.
	MaxBufferSize int

	// CancelCheckRows is the number of record boundaries between
	// cancellation polls. 0 uses DefaultCancelCheckRows.
	CancelCheckRows int

	// StartPosition and StartRow seed position tracking when the lexer
	// scans a mid-document segment. Zero values mean line 1, column 1,
	// offset 0, row 1. A non-zero starting offset disables BOM stripping.
	StartPosition Position
	StartRow      int

	// KeepBOM treats a leading byte-order mark as field data. Set when
	// the caller already stripped one from the document head.
	KeepBOM bool
}

// DefaultConfig returns the default lexer configuration.
func DefaultConfig() Config {
	return Config{
		Delimiter: ',',
		Quotation: '"',
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if !ValidDelimiter(c.Delimiter) {
		return &errs.OptionsError{Field: "Delimiter", Message: "must be a single character other than CR or LF"}
	}
	if !ValidDelimiter(c.Quotation) {
		return &errs.OptionsError{Field: "Quotation", Message: "must be a single character other than CR or LF"}
	}
	if c.Delimiter == c.Quotation {
		return &errs.OptionsError{Field: "Quotation", Message: "must differ from the delimiter"}
	}
	if c.MaxBufferSize < 0 {
		return &errs.OptionsError{Field: "MaxBufferSize", Message: "must not be negative"}
	}
	if c.CancelCheckRows < 0 {
		return &errs.OptionsError{Field: "CancelCheckRows", Message: "must not be negative"}
	}
	return nil
}

// ValidDelimiter reports whether r can serve as a delimiter or quotation.
func ValidDelimiter(r rune) bool {
	return r != 0 && r != '\r' && r != '\n' && r != utf8.RuneError && utf8.ValidRune(r)
}

type state uint8

const (
	stateFieldStart state = iota
	stateInField
	stateInQuoted
	stateAfterQuote
	stateEnd
)

// Lexer converts chunked CSV input into Tokens. It is not safe for
// concurrent use; each parse call owns a fresh instance. State is reset
// only by discarding the instance; Finalize closes it permanently.
type Lexer struct {
	delim     rune
	quote     rune
	maxBuffer int
	checkRows int

	state      state
	field      []byte
	pos        Position
	start      Position
	row        int
	afterDelim bool

	carry          [utf8.UTFMax]byte
	carryLen       int
	skipLF         bool
	sawRune        bool
	rowsSinceCheck int
}

// New creates a Lexer after validating cfg.
func New(cfg Config) (*Lexer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	l := &Lexer{
		delim:     cfg.Delimiter,
		quote:     cfg.Quotation,
		maxBuffer: cfg.MaxBufferSize,
		checkRows: cfg.CancelCheckRows,
		pos:       Position{Line: 1, Column: 1},
		row:       1,
	}
	if l.checkRows == 0 {
		l.checkRows = DefaultCancelCheckRows
	}
	if cfg.StartPosition != (Position{}) {
		l.pos = cfg.StartPosition
	}
	if cfg.StartRow > 0 {
		l.row = cfg.StartRow
	}
	if l.pos.Offset > 0 || cfg.KeepBOM {
		l.sawRune = true
	}
	l.start = l.pos
	return l, nil
}

// Row returns the current 1-based logical row number.
func (l *Lexer) Row() int { return l.row }

// Position returns the current scan position.
func (l *Lexer) Position() Position { return l.pos }

// Feed scans one chunk of text, appending produced tokens to dst. Chunk
// boundaries may fall inside a multi-byte character; the incomplete
// trailing sequence is carried into the next call, exactly as in
// FeedBytes. Cancellation is polled at row boundaries.
func (l *Lexer) Feed(ctx context.Context, chunk string, dst []Token) ([]Token, error) {
	if l.state == stateEnd {
		return dst, ErrFinalized
	}
	if l.carryLen > 0 {
		for len(chunk) > 0 && l.carryLen < len(l.carry) && !utf8.FullRune(l.carry[:l.carryLen]) {
			l.carry[l.carryLen] = chunk[0]
			l.carryLen++
			chunk = chunk[1:]
		}
		if !utf8.FullRune(l.carry[:l.carryLen]) {
			// The whole chunk fit inside the split sequence.
			return dst, nil
		}
		head := l.carry[:l.carryLen]
		l.carryLen = 0
		var err error
		dst, err = l.scanBytes(ctx, head, dst)
		if err != nil {
			return dst, err
		}
	}
	return l.scanString(ctx, chunk, dst)
}

// FeedBytes scans one chunk of raw UTF-8 bytes. An incomplete trailing
// sequence is carried into the next call.
func (l *Lexer) FeedBytes(ctx context.Context, chunk []byte, dst []Token) ([]Token, error) {
	if l.state == stateEnd {
		return dst, ErrFinalized
	}
	data := chunk
	if l.carryLen > 0 {
		head := make([]byte, l.carryLen, l.carryLen+len(chunk))
		copy(head, l.carry[:l.carryLen])
		data = append(head, chunk...)
		l.carryLen = 0
	}
	valid := completeUTF8(data)
	if valid < len(data) {
		l.carryLen = copy(l.carry[:], data[valid:])
	}
	return l.scanBytes(ctx, data[:valid], dst)
}

// Finalize flushes the final field and closes the lexer. An open quoted
// field or an incomplete trailing character sequence is an error. A
// trailing delimiter still yields an explicit empty Field token.
func (l *Lexer) Finalize(dst []Token) ([]Token, error) {
	if l.state == stateEnd {
		return dst, nil
	}
	if l.carryLen > 0 {
		l.carryLen = 0
		return dst, l.parseErr(errs.ErrInvalidUTF8)
	}
	if l.state == stateInQuoted {
		return dst, l.parseErr(errs.ErrUnexpectedEOF)
	}
	if l.state != stateFieldStart || len(l.field) > 0 || l.afterDelim {
		dst = l.emitField(dst)
	}
	l.state = stateEnd
	return dst, nil
}

func (l *Lexer) scanString(ctx context.Context, s string, dst []Token) ([]Token, error) {
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		if r == utf8.RuneError && size == 1 {
			if !utf8.FullRuneInString(s[i:]) {
				l.carryLen = copy(l.carry[:], s[i:])
				return dst, nil
			}
			return dst, l.parseErr(errs.ErrInvalidUTF8)
		}
		var err error
		dst, err = l.step(ctx, r, size, dst)
		if err != nil {
			return dst, err
		}
		i += size
	}
	return dst, nil
}

func (l *Lexer) scanBytes(ctx context.Context, b []byte, dst []Token) ([]Token, error) {
	for i := 0; i < len(b); {
		r, size := utf8.DecodeRune(b[i:])
		if r == utf8.RuneError && size == 1 {
			return dst, l.parseErr(errs.ErrInvalidUTF8)
		}
		var err error
		dst, err = l.step(ctx, r, size, dst)
		if err != nil {
			return dst, err
		}
		i += size
	}
	return dst, nil
}

// step consumes one character. Transitions follow the four scanning states;
// doubled quotations unescape inline, so no post-pass is needed.
func (l *Lexer) step(ctx context.Context, r rune, size int, dst []Token) ([]Token, error) {
	if !l.sawRune {
		l.sawRune = true
		// A leading byte-order mark is stripped before scanning and is
		// not counted in positions.
		if r == bom {
			return dst, nil
		}
	}
	if l.skipLF {
		l.skipLF = false
		// The LF of a CRLF pair; its record delimiter was already
		// emitted at the CR.
		if r == '\n' {
			l.advance(r, size)
			return dst, nil
		}
	}

	atBoundary := false
	switch l.state {
	case stateFieldStart:
		l.start = l.pos
		switch {
		case r == l.quote:
			l.state = stateInQuoted
		case r == l.delim:
			dst = l.emitField(dst)
			dst = l.emitFieldDelim(dst)
		case r == '\n' || r == '\r':
			dst = l.emitField(dst)
			dst = l.emitRecordDelim(dst, r)
			atBoundary = true
		default:
			if err := l.accumulate(r, size); err != nil {
				return dst, err
			}
			l.state = stateInField
		}

	case stateInField:
		switch {
		case r == l.delim:
			dst = l.emitField(dst)
			dst = l.emitFieldDelim(dst)
			l.state = stateFieldStart
		case r == '\n' || r == '\r':
			dst = l.emitField(dst)
			dst = l.emitRecordDelim(dst, r)
			l.state = stateFieldStart
			atBoundary = true
		default:
			if err := l.accumulate(r, size); err != nil {
				return dst, err
			}
		}

	case stateInQuoted:
		if r == l.quote {
			l.state = stateAfterQuote
		} else if err := l.accumulate(r, size); err != nil {
			return dst, err
		}

	case stateAfterQuote:
		switch {
		case r == l.quote:
			// Doubled quotation: one literal quote, still quoted.
			if err := l.accumulate(r, size); err != nil {
				return dst, err
			}
			l.state = stateInQuoted
		case r == l.delim:
			dst = l.emitField(dst)
			dst = l.emitFieldDelim(dst)
			l.state = stateFieldStart
		case r == '\n' || r == '\r':
			dst = l.emitField(dst)
			dst = l.emitRecordDelim(dst, r)
			l.state = stateFieldStart
			atBoundary = true
		default:
			return dst, l.parseErr(errs.ErrMalformedQuote)
		}
	}

	l.advance(r, size)
	if atBoundary {
		if err := l.checkCancel(ctx); err != nil {
			return dst, err
		}
	}
	return dst, nil
}

func (l *Lexer) advance(r rune, size int) {
	l.pos.Offset += size
	if r == '\n' {
		l.pos.Line++
		l.pos.Column = 1
	} else {
		l.pos.Column++
	}
}

func (l *Lexer) accumulate(r rune, size int) error {
	if l.maxBuffer > 0 && len(l.field)+size > l.maxBuffer {
		return l.parseErr(errs.ErrBufferLimit)
	}
	l.field = utf8.AppendRune(l.field, r)
	return nil
}

func (l *Lexer) emitField(dst []Token) []Token {
	dst = append(dst, Token{
		Kind:     Field,
		Value:    string(l.field),
		Location: Location{Start: l.start, End: l.pos, Row: l.row},
	})
	l.field = l.field[:0]
	l.afterDelim = false
	return dst
}

func (l *Lexer) emitFieldDelim(dst []Token) []Token {
	dst = append(dst, Token{
		Kind:     FieldDelimiter,
		Value:    string(l.delim),
		Location: Location{Start: l.start, End: l.pos, Row: l.row},
	})
	l.afterDelim = true
	return dst
}

func (l *Lexer) emitRecordDelim(dst []Token, r rune) []Token {
	dst = append(dst, Token{
		Kind:     RecordDelimiter,
		Value:    string(r),
		Location: Location{Start: l.start, End: l.pos, Row: l.row},
	})
	l.row++
	l.afterDelim = false
	if r == '\r' {
		l.skipLF = true
	}
	return dst
}

func (l *Lexer) checkCancel(ctx context.Context) error {
	l.rowsSinceCheck++
	if l.rowsSinceCheck < l.checkRows {
		return nil
	}
	l.rowsSinceCheck = 0
	if err := ctx.Err(); err != nil {
		return errs.Cancelled(l.row, err)
	}
	return nil
}

func (l *Lexer) parseErr(cause error) error {
	return &errs.ParseError{
		Row:    l.row,
		Line:   l.pos.Line,
		Column: l.pos.Column,
		Offset: l.pos.Offset,
		Err:    cause,
	}
}

// completeUTF8 returns the length of the longest prefix of data ending on
// a UTF-8 sequence boundary. At most utf8.UTFMax-1 bytes are ever cut.
func completeUTF8(data []byte) int {
	n := len(data)
	for i := n - 1; i >= 0 && i >= n-utf8.UTFMax; i-- {
		b := data[i]
		if b < utf8.RuneSelf {
			return i + 1
		}
		if b >= 0xC0 {
			if size := seqLen(b); i+size <= n {
				return i + size
			}
			return i
		}
	}
	return n
}

func seqLen(b byte) int {
	switch {
	case b < utf8.RuneSelf:
		return 1
	case b&0xE0 == 0xC0:
		return 2
	case b&0xF0 == 0xE0:
		return 3
	case b&0xF8 == 0xF0:
		return 4
	default:
		// Continuation or invalid start byte; the scanner rejects it.
		return 1
	}
}
