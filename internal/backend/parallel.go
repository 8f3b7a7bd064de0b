package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"runtime"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/shapestone/stream-csv/internal/assembler"
	"github.com/shapestone/stream-csv/internal/errs"
	"github.com/shapestone/stream-csv/internal/lexer"
	"github.com/shapestone/stream-csv/internal/resolver"
)

// parallelExecutor splits buffered input at row boundaries and scans the
// segments concurrently with position-seeded lexers. Rows are then pushed
// through a single assembler in document order, so output and errors are
// indistinguishable from a single pass. Streams are windowed: each full
// window is split and scanned the same way, with the partial tail carried
// into the next window.
type parallelExecutor struct{}

func (parallelExecutor) Backend() resolver.Backend { return resolver.BackendAccelerated }

// Viable allows every buffered placement. A stream can only be consumed
// where it is read, so streaming shapes stay in-process.
func (parallelExecutor) Viable(shape resolver.InputShape, exec resolver.ExecContext) bool {
	if shape.Streaming() {
		return exec == resolver.ExecInProcess
	}
	return true
}

func (e parallelExecutor) Run(ctx context.Context, in Input, cfg Config, emit EmitFunc) error {
	if err := cfg.Lexer.Validate(); err != nil {
		return err
	}
	if cfg.Lexer.Delimiter >= utf8.RuneSelf || cfg.Lexer.Quotation >= utf8.RuneSelf {
		return fmt.Errorf("parallel scan needs single-byte delimiters: %w", errs.ErrBackendUnavailable)
	}
	tun := tuningOrDefault(cfg.Tuning)
	switch in.Shape {
	case resolver.ShapeBufferedBytes:
		return e.runBuffered(ctx, in.Bytes, cfg, tun, emit)
	case resolver.ShapeBufferedString:
		return e.runBuffered(ctx, unsafeBytes(in.Text), cfg, tun, emit)
	case resolver.ShapeByteStream, resolver.ShapeStringStream:
		return e.runStream(ctx, in, cfg, tun, emit)
	default:
		return fmt.Errorf("input shape %v: %w", in.Shape, errs.ErrBackendUnavailable)
	}
}

func (e parallelExecutor) runBuffered(ctx context.Context, data []byte, cfg Config, tun resolver.Tuning, emit EmitFunc) error {
	asm, err := assembler.New(cfg.Assembler)
	if err != nil {
		return err
	}
	// The splitter never sees the BOM; segment offsets must match the
	// single-pass scanner, which skips it without counting.
	trimmed := bytes.TrimPrefix(data, bomBytes)
	delim, quote := byte(cfg.Lexer.Delimiter), byte(cfg.Lexer.Quotation)
	segs, _, _, _ := splitSegments(trimmed, delim, quote, segmentTarget(len(trimmed), tun), true)
	results := scanSegments(ctx, trimmed, cfg.Lexer, segs, seed{line: 1, row: 1}, tun.Parallelism, cfg.Assembler.MaxFieldCount)
	if _, err := deliver(ctx, asm, results, 1, emit); err != nil {
		return err
	}
	rows, err := asm.Flush(nil)
	if eerr := emitRows(rows, emit); eerr != nil {
		return eerr
	}
	return err
}

func (e parallelExecutor) runStream(ctx context.Context, in Input, cfg Config, tun resolver.Tuning, emit EmitFunc) error {
	asm, err := assembler.New(cfg.Assembler)
	if err != nil {
		return err
	}
	w := &windowed{
		asm:         asm,
		emit:        emit,
		lexCfg:      cfg.Lexer,
		maxFields:   cfg.Assembler.MaxFieldCount,
		delim:       byte(cfg.Lexer.Delimiter),
		quote:       byte(cfg.Lexer.Quotation),
		parallelism: tun.Parallelism,
		segSize:     tun.SegmentSize,
		threshold:   tun.Parallelism * tun.SegmentSize,
		at:          seed{line: 1, row: 1},
		number:      1,
	}
	defer w.release()

	switch in.Shape {
	case resolver.ShapeByteStream:
		buf := make([]byte, readSize)
		for {
			n, rerr := in.Reader.Read(buf)
			if n > 0 {
				if err := w.push(ctx, buf[:n]); err != nil {
					return err
				}
			}
			if rerr == io.EOF {
				break
			}
			if rerr != nil {
				return rerr
			}
		}
	case resolver.ShapeStringStream:
		for {
			chunk, rerr := in.Chunks.ReadChunk()
			if chunk != "" {
				if err := w.pushString(ctx, chunk); err != nil {
					return err
				}
			}
			if rerr == io.EOF {
				break
			}
			if rerr != nil {
				return rerr
			}
		}
	}
	return w.finish(ctx)
}

// tuningOrDefault fills in accelerated tuning when the plan carries none,
// which happens when the executor is driven directly.
func tuningOrDefault(t *resolver.Tuning) resolver.Tuning {
	out := resolver.Tuning{Parallelism: runtime.GOMAXPROCS(0), SegmentSize: 64 << 10}
	if t != nil {
		if t.Parallelism > 0 {
			out.Parallelism = t.Parallelism
		}
		if t.SegmentSize > 0 {
			out.SegmentSize = t.SegmentSize
		}
	}
	if out.Parallelism < 1 {
		out.Parallelism = 1
	}
	return out
}

// segmentTarget sizes segments so the input splits into at most
// Parallelism pieces, none smaller than the tuned segment size.
func segmentTarget(total int, tun resolver.Tuning) int {
	t := (total + tun.Parallelism - 1) / tun.Parallelism
	if t < tun.SegmentSize {
		t = tun.SegmentSize
	}
	return t
}

// seed is the absolute position of a walk origin within the document.
type seed struct {
	line   int
	row    int
	offset int
}

type segResult struct {
	rows [][]string
	err  error
}

// scanSegments fans the segments out over a bounded worker group. Every
// segment runs to completion even when a sibling fails; the ordered walk
// in deliver decides which failure surfaces, so a late segment's error can
// never mask rows or errors that precede it in the document.
func scanSegments(ctx context.Context, data []byte, base lexer.Config, segs []segment, at seed, parallelism, maxFields int) []segResult {
	results := make([]segResult, len(segs))
	if len(segs) == 0 {
		return results
	}
	if maxFields <= 0 {
		maxFields = assembler.DefaultMaxFieldCount
	}
	var g errgroup.Group
	g.SetLimit(parallelism)
	for i := range segs {
		g.Go(func() error {
			rows, err := scanSegment(ctx, data, base, segs[i], at, maxFields)
			results[i] = segResult{rows: rows, err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// scanSegment runs a position-seeded lexer over one segment, folding its
// tokens into raw rows. Tokens never cross segments because every cut sits
// on a row boundary.
func scanSegment(ctx context.Context, data []byte, base lexer.Config, seg segment, at seed, maxFields int) ([][]string, error) {
	cfg := base
	cfg.StartPosition = lexer.Position{
		Line:   at.line + seg.line - 1,
		Column: 1,
		Offset: at.offset + seg.start,
	}
	cfg.StartRow = at.row + seg.row - 1
	cfg.KeepBOM = true
	lx, err := lexer.New(cfg)
	if err != nil {
		return nil, err
	}
	toks := getTokenBatch()
	defer func() { putTokenBatch(toks) }()

	var rows [][]string
	var open []string
	part := data[seg.start:seg.end]
	for off := 0; off < len(part); {
		end := off + feedSlice
		if end > len(part) {
			end = len(part)
		}
		var lerr error
		toks, lerr = lx.FeedBytes(ctx, part[off:end], toks[:0])
		rows, open, err = collect(toks, rows, open, maxFields)
		if err != nil {
			return rows, err
		}
		if lerr != nil {
			return rows, lerr
		}
		off = end
	}
	toks, lerr := lx.Finalize(toks[:0])
	rows, open, err = collect(toks, rows, open, maxFields)
	if err != nil {
		return rows, err
	}
	if lerr != nil {
		return rows, lerr
	}
	if len(open) > 0 {
		// Only the final segment can end without a terminator.
		rows = append(rows, open)
	}
	return rows, nil
}

// collect folds Field and RecordDelimiter tokens into rows. The field cap
// is enforced here, at the token that crosses it, so the error position
// matches the assembler's token path exactly.
func collect(toks []lexer.Token, rows [][]string, open []string, maxFields int) ([][]string, []string, error) {
	for i := range toks {
		switch toks[i].Kind {
		case lexer.Field:
			if len(open) >= maxFields {
				end := toks[i].Location.End
				return rows, open, &errs.ParseError{
					Row:    toks[i].Location.Row,
					Line:   end.Line,
					Column: end.Column,
					Offset: end.Offset,
					Err:    errs.ErrFieldLimit,
				}
			}
			open = append(open, toks[i].Value)
		case lexer.RecordDelimiter:
			rows = append(rows, open)
			open = nil
		}
	}
	return rows, open, nil
}

// deliver walks segment results in document order, pushing raw rows
// through the shared assembler. The first error ends the walk after the
// rows preceding it are out, which keeps emit-then-error ordering exactly
// as a single pass would have produced it.
func deliver(ctx context.Context, asm *assembler.Assembler, results []segResult, number int, emit EmitFunc) (int, error) {
	var rows []assembler.Row
	for i := range results {
		for _, fields := range results[i].rows {
			var aerr error
			rows, aerr = asm.PushRow(ctx, fields, number, rows[:0])
			if err := emitRows(rows, emit); err != nil {
				return number, err
			}
			if aerr != nil {
				return number, aerr
			}
			number++
		}
		if results[i].err != nil {
			return number, results[i].err
		}
	}
	return number, nil
}

// windowed accumulates stream chunks into row-aligned windows and scans
// each full window in parallel. A window with no complete row degrades the
// rest of the stream to a single seeded pipeline, which keeps the buffer
// cap and its error position exact.
type windowed struct {
	asm       *assembler.Assembler
	emit      EmitFunc
	lexCfg    lexer.Config
	maxFields int

	delim, quote byte
	parallelism  int
	segSize      int
	threshold    int

	buf     []byte
	at      seed
	number  int
	bomDone bool
	deg     *pipeline
}

func (w *windowed) release() {
	if w.deg != nil {
		putTokenBatch(w.deg.toks)
		w.deg = nil
	}
}

func (w *windowed) push(ctx context.Context, chunk []byte) error {
	if w.deg != nil {
		return w.deg.feedBytes(ctx, chunk)
	}
	w.buf = append(w.buf, chunk...)
	return w.grown(ctx)
}

func (w *windowed) pushString(ctx context.Context, chunk string) error {
	if w.deg != nil {
		return w.deg.feedString(ctx, chunk)
	}
	w.buf = append(w.buf, chunk...)
	return w.grown(ctx)
}

func (w *windowed) grown(ctx context.Context) error {
	if !w.bomDone {
		// Hold until the mark can be told apart from data; a BOM may
		// arrive split across pushes.
		if len(w.buf) < len(bomBytes) {
			return nil
		}
		w.buf = bytes.TrimPrefix(w.buf, bomBytes)
		w.bomDone = true
	}
	if len(w.buf) < w.threshold {
		return nil
	}
	return w.drain(ctx, false)
}

func (w *windowed) drain(ctx context.Context, final bool) error {
	segs, consumed, line, row := splitSegments(w.buf, w.delim, w.quote, w.segSize, final)
	if !final && consumed == 0 {
		return w.degrade(ctx)
	}
	results := scanSegments(ctx, w.buf, w.lexCfg, segs, w.at, w.parallelism, w.maxFields)
	number, err := deliver(ctx, w.asm, results, w.number, w.emit)
	w.number = number
	if err != nil {
		return err
	}
	w.at = seed{
		line:   w.at.line + line - 1,
		row:    w.at.row + row - 1,
		offset: w.at.offset + consumed,
	}
	w.buf = append(w.buf[:0], w.buf[consumed:]...)
	return nil
}

// degrade hands the buffered window and all later chunks to one seeded
// pipeline. The window starts on a row boundary, so the assembler switches
// from pushed rows to token assembly cleanly.
func (w *windowed) degrade(ctx context.Context) error {
	cfg := w.lexCfg
	cfg.StartPosition = lexer.Position{Line: w.at.line, Column: 1, Offset: w.at.offset}
	cfg.StartRow = w.at.row
	cfg.KeepBOM = true
	lx, err := lexer.New(cfg)
	if err != nil {
		return err
	}
	w.deg = &pipeline{lx: lx, asm: w.asm, emit: w.emit, toks: getTokenBatch()}
	buf := w.buf
	w.buf = nil
	return w.deg.feedSliced(ctx, buf)
}

func (w *windowed) finish(ctx context.Context) error {
	if w.deg != nil {
		return w.deg.finish(ctx)
	}
	if !w.bomDone {
		w.buf = bytes.TrimPrefix(w.buf, bomBytes)
		w.bomDone = true
	}
	if len(w.buf) > 0 {
		if err := w.drain(ctx, true); err != nil {
			return err
		}
	}
	rows, err := w.asm.Flush(nil)
	if eerr := emitRows(rows, w.emit); eerr != nil {
		return eerr
	}
	return err
}
