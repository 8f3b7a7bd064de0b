package backend

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math/bits"
	"unicode/utf8"

	"github.com/shapestone/stream-csv/internal/assembler"
	"github.com/shapestone/stream-csv/internal/errs"
	"github.com/shapestone/stream-csv/internal/resolver"
)

const (
	loBits = 0x0101010101010101
	hiBits = 0x8080808080808080
)

// matchMask returns a mask with the high bit set in every byte of w equal
// to b, using the zero-byte detection trick: broadcast b, XOR so matches
// become zero bytes, then (x-lo) & ^x & hi lights up exactly those.
func matchMask(w uint64, b byte) uint64 {
	x := w ^ (loBits * uint64(b))
	return (x - loBits) &^ x & hiBits
}

var bomBytes = []byte{0xEF, 0xBB, 0xBF}

// indexedExecutor is the compiled backend. It scans buffered UTF-8 input
// word by word, locating structural bytes with SWAR masks, and feeds whole
// rows to the assembler. Inputs outside its range fail before any output
// so the runner can fall back; inputs inside its range produce rows and
// errors identical to the plain executor's, byte for byte.
type indexedExecutor struct{}

func (indexedExecutor) Backend() resolver.Backend { return resolver.BackendCompiled }

// Viable reports buffered shapes only; an unbuffered stream cannot be
// index-scanned.
func (indexedExecutor) Viable(shape resolver.InputShape, _ resolver.ExecContext) bool {
	return !shape.Streaming()
}

func (indexedExecutor) Run(ctx context.Context, in Input, cfg Config, emit EmitFunc) error {
	if err := cfg.Lexer.Validate(); err != nil {
		return err
	}
	var data []byte
	switch in.Shape {
	case resolver.ShapeBufferedBytes:
		data = in.Bytes
	case resolver.ShapeBufferedString:
		data = unsafeBytes(in.Text)
	default:
		return fmt.Errorf("indexed scan needs buffered input: %w", errs.ErrBackendUnavailable)
	}
	if cfg.Lexer.Delimiter >= utf8.RuneSelf || cfg.Lexer.Quotation >= utf8.RuneSelf {
		return fmt.Errorf("indexed scan needs single-byte delimiters: %w", errs.ErrBackendUnavailable)
	}
	if !utf8.Valid(data) {
		// Hand the input to the plain scanner, which reports the exact
		// failing position.
		return fmt.Errorf("input is not valid UTF-8: %w", errs.ErrBackendUnavailable)
	}
	data = bytes.TrimPrefix(data, bomBytes)

	asm, err := assembler.New(cfg.Assembler)
	if err != nil {
		return err
	}
	maxFields := cfg.Assembler.MaxFieldCount
	if maxFields == 0 {
		maxFields = assembler.DefaultMaxFieldCount
	}
	scan := &indexedScan{
		data:      data,
		row:       1,
		delim:     byte(cfg.Lexer.Delimiter),
		quote:     byte(cfg.Lexer.Quotation),
		maxBuffer: cfg.Lexer.MaxBufferSize,
		maxFields: maxFields,
	}
	return scan.run(ctx, asm, emit)
}

type indexedScan struct {
	data      []byte
	pos       int
	row       int
	delim     byte
	quote     byte
	maxBuffer int
	maxFields int
}

func (s *indexedScan) run(ctx context.Context, asm *assembler.Assembler, emit EmitFunc) error {
	var rows []assembler.Row
	capacityHint := 0
	for s.pos < len(s.data) {
		fields, err := s.scanRow(capacityHint)
		if err != nil {
			return err
		}
		if capacityHint == 0 {
			capacityHint = len(fields)
		}
		rows, err = asm.PushRow(ctx, fields, s.row, rows[:0])
		if eerr := emitRows(rows, emit); eerr != nil {
			return eerr
		}
		if err != nil {
			return err
		}
		s.row++
	}
	rows, err := asm.Flush(rows[:0])
	if eerr := emitRows(rows, emit); eerr != nil {
		return eerr
	}
	return err
}

func (s *indexedScan) scanRow(capacityHint int) ([]string, error) {
	var fields []string
	if capacityHint > 0 {
		fields = make([]string, 0, capacityHint)
	}
	for {
		var value string
		var end int
		var err error
		if s.pos < len(s.data) && s.data[s.pos] == s.quote {
			value, end, err = s.scanQuoted()
		} else {
			value, end, err = s.scanUnquoted()
		}
		if err != nil {
			return nil, err
		}
		if len(fields) >= s.maxFields {
			return nil, s.errorAt(end, errs.ErrFieldLimit)
		}
		fields = append(fields, value)

		if s.pos >= len(s.data) {
			// Final row without a terminator.
			return fields, nil
		}
		c := s.data[s.pos]
		s.pos++
		if c == s.delim {
			continue
		}
		if c == '\r' && s.pos < len(s.data) && s.data[s.pos] == '\n' {
			s.pos++
		}
		return fields, nil
	}
}

// scanUnquoted runs to the next structural byte. Bare quotations inside an
// unquoted field are literal data, so only the delimiter, CR, and LF stop
// the scan.
func (s *indexedScan) scanUnquoted() (string, int, error) {
	data := s.data
	start := s.pos
	pos := start
	for pos+8 <= len(data) {
		w := binary.LittleEndian.Uint64(data[pos:])
		m := matchMask(w, s.delim) | matchMask(w, '\n') | matchMask(w, '\r')
		if m != 0 {
			pos += bits.TrailingZeros64(m) >> 3
			break
		}
		pos += 8
	}
	for pos < len(data) {
		c := data[pos]
		if c == s.delim || c == '\r' || c == '\n' {
			break
		}
		pos++
	}
	if off, ok := s.limitCross(0, start, pos); ok {
		return "", 0, s.errorAt(off, errs.ErrBufferLimit)
	}
	s.pos = pos
	return unsafeString(data[start:pos]), pos, nil
}

// scanQuoted consumes a quoted field starting at the opening quotation.
// Doubled quotations unescape inline; the closing quotation must be
// followed by a structural byte or end of input.
func (s *indexedScan) scanQuoted() (string, int, error) {
	data := s.data
	pos := s.pos + 1
	segStart := pos
	var buf []byte
	escaped := false
	defer func() {
		if escaped {
			putBuffer(buf)
		}
	}()

	for {
		q := s.findQuote(pos)
		if q < 0 {
			acc := 0
			if escaped {
				acc = len(buf)
			}
			if off, ok := s.limitCross(acc, segStart, len(data)); ok {
				return "", 0, s.errorAt(off, errs.ErrBufferLimit)
			}
			return "", 0, s.errorAt(len(data), errs.ErrUnexpectedEOF)
		}
		acc := 0
		if escaped {
			acc = len(buf)
		}
		if off, ok := s.limitCross(acc, segStart, q); ok {
			return "", 0, s.errorAt(off, errs.ErrBufferLimit)
		}
		if q+1 < len(data) && data[q+1] == s.quote {
			if !escaped {
				buf = getBuffer()
				escaped = true
			}
			buf = append(buf, data[segStart:q]...)
			if s.maxBuffer > 0 && len(buf)+1 > s.maxBuffer {
				return "", 0, s.errorAt(q+1, errs.ErrBufferLimit)
			}
			buf = append(buf, s.quote)
			pos = q + 2
			segStart = pos
			continue
		}

		end := q + 1
		var value string
		if escaped {
			buf = append(buf, data[segStart:q]...)
			value = string(buf)
		} else {
			value = unsafeString(data[segStart:q])
		}
		if end < len(data) {
			c := data[end]
			if c != s.delim && c != '\r' && c != '\n' {
				return "", 0, s.errorAt(end, errs.ErrMalformedQuote)
			}
		}
		s.pos = end
		return value, end, nil
	}
}

func (s *indexedScan) findQuote(from int) int {
	data := s.data
	pos := from
	for pos+8 <= len(data) {
		w := binary.LittleEndian.Uint64(data[pos:])
		if m := matchMask(w, s.quote); m != 0 {
			return pos + bits.TrailingZeros64(m)>>3
		}
		pos += 8
	}
	for pos < len(data) {
		if data[pos] == s.quote {
			return pos
		}
		pos++
	}
	return -1
}

// limitCross reports where accumulation would first exceed the buffer cap:
// acc bytes already held plus the segment [segStart:segEnd). The returned
// offset is the start of the rune straddling the cap, which is where the
// plain scanner stops.
func (s *indexedScan) limitCross(acc, segStart, segEnd int) (int, bool) {
	if s.maxBuffer <= 0 || acc+(segEnd-segStart) <= s.maxBuffer {
		return 0, false
	}
	w := segStart + (s.maxBuffer - acc)
	for w > segStart && !utf8.RuneStart(s.data[w]) {
		w--
	}
	return w, true
}

// errorAt reconstructs the exact scan position for a byte offset, so
// indexed failures match the plain scanner's.
func (s *indexedScan) errorAt(off int, cause error) error {
	pre := s.data[:off]
	line := 1 + bytes.Count(pre, []byte{'\n'})
	col := 1 + utf8.RuneCount(pre[bytes.LastIndexByte(pre, '\n')+1:])
	return &errs.ParseError{Row: s.row, Line: line, Column: col, Offset: off, Err: cause}
}

func emitRows(rows []assembler.Row, emit EmitFunc) error {
	for i := range rows {
		if err := emit(rows[i]); err != nil {
			return err
		}
	}
	return nil
}
