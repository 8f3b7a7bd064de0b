// Package csv parses CSV documents through interchangeable parsing
// backends with automatic fallback.
//
// The package implements RFC 4180 with the extensions real-world data
// requires: bare CR and LF record breaks, fields larger than any fixed
// buffer, leading byte-order marks, and non-UTF-8 charsets. Input
// arrives buffered or streaming; records leave through a pull-based
// RecordStream as the pipeline produces them.
//
// Every backend produces identical records and identical errors for
// identical input. Which backend runs is an internal planning decision
// driven by Options.Hint and the host's capabilities; when a backend
// declines an input, the next one takes over transparently.
//
// # Thread Safety
//
// An Engine is safe for concurrent use by multiple goroutines. Each
// parse call builds its own pipeline with no shared mutable state. A
// RecordStream belongs to the goroutine consuming it.
//
//	// Safe: concurrent parsing on one engine
//	go func() { eng.ParseString(ctx, input1) }()
//	go func() { eng.ParseBytes(ctx, input2) }()
//
// # Parsing APIs
//
// One entry point per input shape:
//
//   - ParseString - a complete document already in memory as a string
//   - ParseBytes - a complete document as raw, possibly non-UTF-8 bytes
//   - ParseReader - a byte stream of unknown length from any io.Reader
//   - ParseChunks - a pre-chunked text stream from a ChunkReader
//
// Package-level functions of the same names run against a shared
// default engine.
//
// # Example
//
//	eng, err := csv.New(csv.DefaultOptions())
//	if err != nil {
//	    // handle error
//	}
//	defer eng.Close()
//
//	stream, err := eng.ParseString(ctx, "name,age\nAlice,30\nBob,25")
//	if err != nil {
//	    // handle error
//	}
//	defer stream.Close()
//
//	for stream.Next() {
//	    rec := stream.Record()
//	    name, _ := rec.Get("name")
//	    fmt.Println(name)
//	}
//	if err := stream.Err(); err != nil {
//	    // handle error
//	}
package csv

import (
	"bytes"
	"context"
	"errors"
	"io"
	"runtime"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/shapestone/stream-csv/internal/backend"
	"github.com/shapestone/stream-csv/internal/decode"
	"github.com/shapestone/stream-csv/internal/metric"
	"github.com/shapestone/stream-csv/internal/resolver"
	"github.com/shapestone/stream-csv/internal/runner"
	"github.com/shapestone/stream-csv/internal/tracing"
	"github.com/shapestone/stream-csv/internal/workerpool"
)

// ChunkReader yields successive pieces of a document. Chunk boundaries
// carry no meaning; they may fall inside a quoted field, a CRLF pair, or
// a multi-byte character. ReadChunk returns io.EOF after the last chunk.
type ChunkReader = backend.ChunkReader

// sniffSample bounds how much input delimiter detection reads.
const sniffSample = 8 << 10

// Engine parses CSV documents with a fixed Options set. The zero value
// is not usable; construct engines with New.
type Engine struct {
	opts    Options
	log     *zap.Logger
	met     *metric.Metrics
	tracer  trace.Tracer
	pool    *workerpool.Pool
	ownPool bool
	run     *runner.Runner
}

// EngineOption wires shared infrastructure into an engine.
type EngineOption func(*Engine)

// WithLogger sets the engine's logger. The default drops all logs.
func WithLogger(log *zap.Logger) EngineOption {
	return func(e *Engine) { e.log = log }
}

// WithMetrics sets the engine's Prometheus instrumentation. The default
// records nothing.
func WithMetrics(m *metric.Metrics) EngineOption {
	return func(e *Engine) { e.met = m }
}

// WithTracer sets the tracer for parse and attempt spans. The default
// uses the globally registered provider.
func WithTracer(t trace.Tracer) EngineOption {
	return func(e *Engine) { e.tracer = t }
}

// WithPool shares a worker pool across engines. The caller keeps
// ownership; Close leaves an injected pool open.
func WithPool(p *workerpool.Pool) EngineOption {
	return func(e *Engine) { e.pool = p }
}

// New builds an engine after validating opts. Fields left zero take
// their documented defaults. When opts.EnableWorkers is set and no pool
// is injected, the engine creates and owns one.
func New(opts Options, extras ...EngineOption) (*Engine, error) {
	opts = opts.withDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{opts: opts}
	for _, apply := range extras {
		apply(e)
	}
	if e.log == nil {
		e.log = zap.NewNop()
	}
	if e.tracer == nil {
		e.tracer = tracing.Tracer()
	}
	if opts.EnableWorkers && e.pool == nil {
		workers := opts.WorkerPoolSize
		if workers == 0 {
			workers = runtime.GOMAXPROCS(0)
		}
		e.pool = workerpool.New(workerpool.Config{Workers: workers}, e.log)
		e.ownPool = true
	}
	rcfg := runner.Config{
		Logger:  e.log,
		Metrics: e.met,
		Pool:    e.pool,
		Tracer:  e.tracer,
	}
	if opts.OnFallback != nil {
		notify := opts.OnFallback
		rcfg.OnFallback = func(f runner.Fallback) { notify(publicFallback(f)) }
	}
	e.run = runner.New(rcfg)
	return e, nil
}

func publicFallback(f runner.Fallback) Fallback {
	return Fallback{
		Requested: Strategy{Backend: Backend(f.Requested.Backend), Context: f.Requested.Context.String()},
		Actual:    Strategy{Backend: Backend(f.Actual.Backend), Context: f.Actual.Context.String()},
		Reason:    f.Reason,
	}
}

// Close releases the worker pool the engine owns, waiting for in-flight
// sessions to finish. Close streams before the engine. An injected pool
// stays open.
func (e *Engine) Close() error {
	if e.ownPool {
		e.pool.Close()
	}
	return nil
}

// ParseString parses a complete document held in a string.
func (e *Engine) ParseString(ctx context.Context, input string) (*RecordStream, error) {
	return e.parse(ctx, backend.Input{Shape: resolver.ShapeBufferedString, Text: input})
}

// ParseBytes parses a complete document held in a byte slice. The bytes
// are decoded per Options.Charset before parsing and must not be
// modified until the stream is done.
func (e *Engine) ParseBytes(ctx context.Context, data []byte) (*RecordStream, error) {
	return e.parse(ctx, backend.Input{Shape: resolver.ShapeBufferedBytes, Bytes: data})
}

// ParseReader parses a byte stream. Reads are decoded per
// Options.Charset; memory use is bounded regardless of document size.
func (e *Engine) ParseReader(ctx context.Context, r io.Reader) (*RecordStream, error) {
	return e.parse(ctx, backend.Input{Shape: resolver.ShapeByteStream, Reader: r})
}

// ParseChunks parses a pre-chunked text stream. Chunks are already
// decoded text; Options.Charset does not apply.
func (e *Engine) ParseChunks(ctx context.Context, chunks ChunkReader) (*RecordStream, error) {
	return e.parse(ctx, backend.Input{Shape: resolver.ShapeStringStream, Chunks: chunks})
}

// parse plans and launches one pipeline. Errors returned here are
// pre-flight (bad charset, sniff I/O); everything after launch surfaces
// through the stream.
func (e *Engine) parse(ctx context.Context, in backend.Input) (*RecordStream, error) {
	opts := e.opts

	// Byte-shaped input is decoded first so sniffing sees text.
	switch in.Shape {
	case resolver.ShapeBufferedBytes:
		decoded, err := decode.Bytes(in.Bytes, opts.Charset)
		if err != nil {
			return nil, err
		}
		in.Bytes = decoded
	case resolver.ShapeByteStream:
		r, err := decode.Reader(in.Reader, opts.Charset)
		if err != nil {
			return nil, err
		}
		in.Reader = r
	}

	if opts.DetectDelimiter {
		d, err := sniffDelimiter(&in)
		if err != nil {
			return nil, err
		}
		if d != 0 && d != opts.Quotation {
			opts.Delimiter = d
		}
	}

	req := resolver.Request{
		Shape:       in.Shape,
		Hint:        resolver.Hint(opts.Hint),
		ArrayOutput: opts.OutputShape == OutputArrays,
		UTF8:        decode.IsUTF8(opts.Charset),
		Disabled:    opts.disabled(),
		Workers:     e.pool != nil,
	}
	plan := resolver.Resolve(req, resolver.DetectCapabilities())

	hdr := &headerIndex{}
	cfg := backend.Config{
		Lexer:     opts.lexer(),
		Assembler: opts.assembler(hdr.set),
		Tuning:    plan.Tuning,
	}

	pctx, cancel := context.WithCancel(ctx)
	s := newRecordStream(cancel, opts.StreamBuffer, hdr)
	s.headerRecord = opts.IncludeHeader
	go s.produce(pctx, e.run, in, cfg, plan)
	return s, nil
}

// sniffDelimiter samples the input head and detects the delimiter.
// Streaming shapes are rewound by stitching the sampled head back in
// front of the unread remainder.
func sniffDelimiter(in *backend.Input) (rune, error) {
	switch in.Shape {
	case resolver.ShapeBufferedBytes:
		return DetectDialect(in.Bytes[:min(len(in.Bytes), sniffSample)]).Delimiter, nil
	case resolver.ShapeBufferedString:
		return DetectDialect([]byte(in.Text[:min(len(in.Text), sniffSample)])).Delimiter, nil
	case resolver.ShapeByteStream:
		head := make([]byte, sniffSample)
		n, err := io.ReadFull(in.Reader, head)
		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, err
		}
		head = head[:n]
		in.Reader = io.MultiReader(bytes.NewReader(head), in.Reader)
		return DetectDialect(head).Delimiter, nil
	case resolver.ShapeStringStream:
		replay := &replayChunks{rest: in.Chunks}
		total := 0
		for total < sniffSample {
			chunk, err := in.Chunks.ReadChunk()
			if chunk != "" {
				replay.head = append(replay.head, chunk)
				total += len(chunk)
			}
			if errors.Is(err, io.EOF) {
				replay.ended = true
				break
			}
			if err != nil {
				return 0, err
			}
		}
		in.Chunks = replay
		sample := strings.Join(replay.head, "")
		return DetectDialect([]byte(sample[:min(len(sample), sniffSample)])).Delimiter, nil
	}
	return 0, nil
}

// replayChunks re-serves sampled chunks before handing off to the
// underlying reader. Once the source has returned io.EOF it is never
// called again.
type replayChunks struct {
	head  []string
	rest  ChunkReader
	ended bool
}

func (r *replayChunks) ReadChunk() (string, error) {
	if len(r.head) > 0 {
		chunk := r.head[0]
		r.head = r.head[1:]
		return chunk, nil
	}
	if r.ended {
		return "", io.EOF
	}
	return r.rest.ReadChunk()
}

var defaultEngine = sync.OnceValue(func() *Engine {
	e, err := New(DefaultOptions())
	if err != nil {
		panic(err)
	}
	return e
})

// ParseString parses a string with the default engine and options.
func ParseString(ctx context.Context, input string) (*RecordStream, error) {
	return defaultEngine().ParseString(ctx, input)
}

// ParseBytes parses a byte slice with the default engine and options.
func ParseBytes(ctx context.Context, data []byte) (*RecordStream, error) {
	return defaultEngine().ParseBytes(ctx, data)
}

// ParseReader parses a byte stream with the default engine and options.
func ParseReader(ctx context.Context, r io.Reader) (*RecordStream, error) {
	return defaultEngine().ParseReader(ctx, r)
}

// ParseChunks parses a chunked text stream with the default engine and
// options.
func ParseChunks(ctx context.Context, chunks ChunkReader) (*RecordStream, error) {
	return defaultEngine().ParseChunks(ctx, chunks)
}
