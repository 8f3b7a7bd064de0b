// Package resolver chooses the execution strategy for one parse call: an
// ordered list of candidate backends, an ordered list of execution
// contexts, and tuning for the accelerated backend. Resolution is a pure
// function of the request and the detected capabilities; it never inspects
// the input itself.
package resolver

import (
	"fmt"
	"runtime"
)

// Backend identifies one of the interchangeable parsing implementations.
type Backend uint8

const (
	// BackendPlain is the character-at-a-time scanner. It handles every
	// input shape and option; it is the universal fallback and is never
	// filtered out of a plan.
	BackendPlain Backend = iota
	// BackendCompiled is the indexed scanner working on packed words. It
	// requires buffered UTF-8 input and object-shaped output.
	BackendCompiled
	// BackendAccelerated is the parallel scanner splitting buffered input
	// into independently scanned segments.
	BackendAccelerated
)

// String returns the string representation of the backend.
func (b Backend) String() string {
	switch b {
	case BackendPlain:
		return "plain"
	case BackendCompiled:
		return "compiled"
	case BackendAccelerated:
		return "accelerated"
	default:
		return fmt.Sprintf("Backend(%d)", b)
	}
}

// ExecContext identifies where an attempt runs.
type ExecContext uint8

const (
	// ExecInProcess runs the attempt on the calling goroutine. Always a
	// candidate.
	ExecInProcess ExecContext = iota
	// ExecWorkerMessage hands fully-buffered input to a pooled worker.
	// Only a candidate for non-stream inputs.
	ExecWorkerMessage
	// ExecStreamTransfer hands a live stream to a pooled worker. Only a
	// candidate for stream inputs when the environment supports it.
	ExecStreamTransfer
)

// String returns the string representation of the context.
func (c ExecContext) String() string {
	switch c {
	case ExecInProcess:
		return "in-process"
	case ExecWorkerMessage:
		return "worker-message"
	case ExecStreamTransfer:
		return "stream-transfer"
	default:
		return fmt.Sprintf("ExecContext(%d)", c)
	}
}

// Hint expresses what the caller wants optimized. Each hint maps to one
// fixed total order over the backends and biases context ordering.
type Hint uint8

const (
	// HintBalanced prefers plain, then accelerated, then compiled.
	// Default.
	HintBalanced Hint = iota
	// HintSpeed prefers accelerated, then plain, then compiled.
	HintSpeed
	// HintConsistency prefers compiled, then plain, then accelerated.
	HintConsistency
	// HintResponsive prefers plain, then compiled, then accelerated.
	HintResponsive
)

// String returns the string representation of the hint.
func (h Hint) String() string {
	switch h {
	case HintBalanced:
		return "balanced"
	case HintSpeed:
		return "speed"
	case HintConsistency:
		return "consistency"
	case HintResponsive:
		return "responsive"
	default:
		return fmt.Sprintf("Hint(%d)", h)
	}
}

// InputShape classifies how a call's input arrives.
type InputShape uint8

const (
	ShapeBufferedBytes InputShape = iota
	ShapeBufferedString
	ShapeByteStream
	ShapeStringStream
)

// String returns the string representation of the shape.
func (s InputShape) String() string {
	switch s {
	case ShapeBufferedBytes:
		return "buffered-bytes"
	case ShapeBufferedString:
		return "buffered-string"
	case ShapeByteStream:
		return "byte-stream"
	case ShapeStringStream:
		return "string-stream"
	default:
		return fmt.Sprintf("InputShape(%d)", s)
	}
}

// Streaming reports whether the shape arrives incrementally rather than
// fully in memory.
func (s InputShape) Streaming() bool {
	return s == ShapeByteStream || s == ShapeStringStream
}

// Request carries everything resolution depends on.
type Request struct {
	Shape InputShape
	Hint  Hint

	// ArrayOutput is true when records are positional tuples. The
	// compiled backend only produces object-shaped records and is
	// excluded for array output.
	ArrayOutput bool

	// UTF8 reports whether the declared charset is native UTF-8. The
	// compiled and accelerated backends scan raw UTF-8 and are excluded
	// for transcoded input.
	UTF8 bool

	// Disabled lists backends switched off in the engine configuration.
	// Listing plain has no effect.
	Disabled []Backend

	// Workers reports whether a worker pool is available to this call.
	Workers bool
}

// Tuning parameterizes the accelerated backend.
type Tuning struct {
	// Parallelism is the number of segments scanned concurrently.
	Parallelism int
	// SegmentSize is the target segment length in bytes.
	SegmentSize int
}

const (
	segmentLarge = 1 << 20
	segmentSmall = 64 << 10
)

// Plan is the priority-ordered (contexts × backends) search space for one
// call. The runner walks contexts outer and backends inner; a pair that is
// not structurally viable for the input is skipped, not attempted.
type Plan struct {
	Backends []Backend
	Contexts []ExecContext

	// Tuning is set only when the accelerated backend survived filtering.
	Tuning *Tuning
}

// Resolve builds the execution plan for one call.
func Resolve(req Request, caps Capabilities) Plan {
	backends := filterBackends(backendOrder(req.Hint), req, caps)
	plan := Plan{
		Backends: backends,
		Contexts: contextOrder(req, caps),
	}
	for _, b := range backends {
		if b == BackendAccelerated {
			plan.Tuning = acceleratedTuning(req.Hint)
			break
		}
	}
	return plan
}

func backendOrder(h Hint) []Backend {
	switch h {
	case HintSpeed:
		return []Backend{BackendAccelerated, BackendPlain, BackendCompiled}
	case HintConsistency:
		return []Backend{BackendCompiled, BackendPlain, BackendAccelerated}
	case HintResponsive:
		return []Backend{BackendPlain, BackendCompiled, BackendAccelerated}
	default:
		return []Backend{BackendPlain, BackendAccelerated, BackendCompiled}
	}
}

func filterBackends(order []Backend, req Request, caps Capabilities) []Backend {
	kept := order[:0]
	for _, b := range order {
		if b == BackendPlain {
			kept = append(kept, b)
			continue
		}
		if disabled(req.Disabled, b) || !caps.Supports(b) || !req.UTF8 {
			continue
		}
		if b == BackendCompiled && req.ArrayOutput {
			continue
		}
		kept = append(kept, b)
	}
	return kept
}

func contextOrder(req Request, caps Capabilities) []ExecContext {
	worker := ExecWorkerMessage
	hasWorker := req.Workers
	if req.Shape.Streaming() {
		worker = ExecStreamTransfer
		if !caps.StreamHandoff {
			hasWorker = false
		}
	}
	if !hasWorker {
		return []ExecContext{ExecInProcess}
	}
	switch req.Hint {
	case HintSpeed, HintConsistency:
		return []ExecContext{ExecInProcess, worker}
	default:
		return []ExecContext{worker, ExecInProcess}
	}
}

// acceleratedTuning maps the hint to scan parameters: speed saturates the
// cores with large segments, every other hint settles for half the cores
// and smaller segments.
func acceleratedTuning(h Hint) *Tuning {
	procs := runtime.GOMAXPROCS(0)
	if h == HintSpeed {
		return &Tuning{Parallelism: procs, SegmentSize: segmentLarge}
	}
	half := procs / 2
	if half < 2 {
		half = 2
	}
	return &Tuning{Parallelism: half, SegmentSize: segmentSmall}
}

func disabled(list []Backend, b Backend) bool {
	for _, d := range list {
		if d == b {
			return true
		}
	}
	return false
}
