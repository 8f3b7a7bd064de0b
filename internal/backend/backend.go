// Package backend holds the interchangeable parsing implementations behind
// one executor interface: plain (character-at-a-time), compiled (indexed
// word scanning), and accelerated (parallel segment scanning). The runner
// picks executors off an execution plan; every executor must produce an
// identical ordered row sequence for the same input and options.
package backend

import (
	"context"
	"io"

	"github.com/shapestone/stream-csv/internal/assembler"
	"github.com/shapestone/stream-csv/internal/lexer"
	"github.com/shapestone/stream-csv/internal/resolver"
)

// ChunkReader yields successive chunks of already-decoded text. It reports
// io.EOF after the final chunk, which may itself carry data.
type ChunkReader interface {
	ReadChunk() (string, error)
}

// Input carries one call's source in exactly one of the four shapes. Only
// the field matching Shape is consulted.
type Input struct {
	Shape  resolver.InputShape
	Bytes  []byte
	Text   string
	Reader io.Reader
	Chunks ChunkReader
}

// Config carries the per-call stage configuration. Executors construct
// fresh lexer and assembler instances from it; nothing is shared between
// calls.
type Config struct {
	Lexer     lexer.Config
	Assembler assembler.Config

	// Tuning parameterizes the accelerated executor and is nil for the
	// others.
	Tuning *resolver.Tuning
}

// EmitFunc receives assembled rows in source order. Returning an error
// aborts the attempt; emit may block to exert backpressure.
type EmitFunc func(assembler.Row) error

// Executor runs one parse attempt end to end.
type Executor interface {
	// Backend identifies the implementation.
	Backend() resolver.Backend

	// Viable reports whether the executor can structurally handle the
	// input shape in the given context. Non-viable pairs are skipped by
	// the runner, not attempted.
	Viable(shape resolver.InputShape, exec resolver.ExecContext) bool

	// Run parses the input, delivering rows through emit. An error
	// before the first emit is recoverable by falling back to another
	// executor; after the first emit it is fatal.
	Run(ctx context.Context, in Input, cfg Config, emit EmitFunc) error
}

// For returns the executor implementing b. The false return covers values
// outside the closed set.
func For(b resolver.Backend) (Executor, bool) {
	switch b {
	case resolver.BackendPlain:
		return plainExecutor{}, true
	case resolver.BackendCompiled:
		return indexedExecutor{}, true
	case resolver.BackendAccelerated:
		return parallelExecutor{}, true
	default:
		return nil, false
	}
}
