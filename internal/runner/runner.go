// Package runner walks an execution plan, driving backend executors with
// fallback until one completes the parse.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/shapestone/stream-csv/internal/assembler"
	"github.com/shapestone/stream-csv/internal/backend"
	"github.com/shapestone/stream-csv/internal/errs"
	"github.com/shapestone/stream-csv/internal/metric"
	"github.com/shapestone/stream-csv/internal/resolver"
	"github.com/shapestone/stream-csv/internal/tracing"
	"github.com/shapestone/stream-csv/internal/workerpool"
)

// Attempt identifies one (backend, context) pair of the walk.
type Attempt struct {
	Backend resolver.Backend
	Context resolver.ExecContext
}

func (a Attempt) String() string {
	return a.Backend.String() + "/" + a.Context.String()
}

// Fallback reports one abandoned attempt and the pair tried in its place.
type Fallback struct {
	Requested Attempt
	Actual    Attempt
	Reason    error
}

// Config wires the runner's collaborators. Every field may be left zero:
// logs are dropped, metrics and notifications are skipped, and worker
// contexts are never entered without a pool.
type Config struct {
	Logger     *zap.Logger
	Metrics    *metric.Metrics
	Pool       *workerpool.Pool
	Tracer     trace.Tracer
	OnFallback func(Fallback)
}

// Runner executes plans against backend executors. One Runner serves
// concurrent calls; all per-call state lives inside Run.
type Runner struct {
	log    *zap.Logger
	met    *metric.Metrics
	pool   *workerpool.Pool
	tracer trace.Tracer
	notify func(Fallback)
}

// New builds a Runner from its collaborators.
func New(cfg Config) *Runner {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = tracing.Tracer()
	}
	return &Runner{
		log:    cfg.Logger,
		met:    cfg.Metrics,
		pool:   cfg.Pool,
		tracer: cfg.Tracer,
		notify: cfg.OnFallback,
	}
}

// candidate pairs an attempt with its executor.
type candidate struct {
	at Attempt
	ex backend.Executor
}

// group is one context's slice of the flattened candidate list. A worker
// group runs inside a single pool session.
type group struct {
	exec       resolver.ExecContext
	start, end int
}

// walk carries one call's state across context groups. Worker groups
// mutate it from the session goroutine; the pool's handoff orders those
// writes before the caller reads them.
type walk struct {
	cands     []candidate
	emitted   int
	attempted int
	lastErr   error
	last      Attempt
	done      bool
}

func (w *walk) next(i int) (Attempt, bool) {
	if i+1 < len(w.cands) {
		return w.cands[i+1].at, true
	}
	return Attempt{}, false
}

// Run walks contexts outer and backends inner, skipping pairs that are
// not structurally viable for the input shape. An attempt that declines
// before any output is recorded, reported through the fallback callback
// and replaced by the next pair. Any failure after output, and any error
// that is not a decline, is fatal: content errors are identical on every
// backend and a re-run would re-read input and duplicate records. When
// every pair declines the last decline surfaces; when no pair was viable
// at all, plain runs in-process as a last resort.
func (r *Runner) Run(ctx context.Context, in backend.Input, cfg backend.Config, plan resolver.Plan, emit backend.EmitFunc) error {
	start := time.Now()
	r.met.ParseStarted()

	ctx, span := r.tracer.Start(ctx, "csv.parse", trace.WithAttributes(
		attribute.String("input.shape", in.Shape.String()),
		attribute.Int("plan.backends", len(plan.Backends)),
		attribute.Int("plan.contexts", len(plan.Contexts)),
	))
	defer span.End()

	w := &walk{}
	groups := flatten(w, in.Shape, plan)

	err := r.walkGroups(ctx, in, cfg, w, groups, emit)
	if err == nil && !w.done {
		if w.attempted == 0 {
			err = r.lastResort(ctx, in, cfg, w, emit)
		}
		if err == nil && !w.done {
			err = w.lastErr
		}
	}

	status := metric.StatusOK
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		status = metric.StatusCancelled
	default:
		status = metric.StatusError
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	r.met.ParseDone(w.last.Backend.String(), w.last.Context.String(), status, time.Since(start).Seconds())
	return err
}

// flatten expands the plan into the ordered candidate list and its
// context groups, dropping pairs the input shape rules out.
func flatten(w *walk, shape resolver.InputShape, plan resolver.Plan) []group {
	var groups []group
	for _, c := range plan.Contexts {
		g := group{exec: c, start: len(w.cands)}
		for _, b := range plan.Backends {
			ex, ok := backend.For(b)
			if !ok || !ex.Viable(shape, c) {
				continue
			}
			w.cands = append(w.cands, candidate{at: Attempt{Backend: b, Context: c}, ex: ex})
		}
		g.end = len(w.cands)
		if g.end > g.start {
			groups = append(groups, g)
		}
	}
	return groups
}

func (r *Runner) walkGroups(ctx context.Context, in backend.Input, cfg backend.Config, w *walk, groups []group, emit backend.EmitFunc) error {
	for _, g := range groups {
		if w.done {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("parse cancelled before backend attempt: %w", err)
		}
		if g.exec == resolver.ExecInProcess {
			if err := r.runGroup(ctx, in, cfg, w, g, emit); err != nil {
				return err
			}
			continue
		}
		if r.pool == nil {
			continue
		}
		send := in
		if g.exec == resolver.ExecWorkerMessage {
			send = message(in)
		}
		err := r.pool.Do(ctx, func(jctx context.Context) error {
			return r.runGroup(jctx, send, cfg, w, g, emit)
		})
		switch {
		case err == nil:
		case errors.Is(err, workerpool.ErrClosed):
			// The pool shut down before the session started, so nothing
			// was emitted; the remaining contexts can still serve the call.
			r.log.Warn("worker pool unavailable", zap.String("context", g.exec.String()))
		default:
			return err
		}
	}
	return nil
}

// runGroup tries each of the group's backends in order on the calling
// goroutine. It returns only fatal errors; declines are stashed on the
// walk.
func (r *Runner) runGroup(ctx context.Context, in backend.Input, cfg backend.Config, w *walk, g group, emit backend.EmitFunc) error {
	for i := g.start; i < g.end; i++ {
		cand := w.cands[i]
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("parse cancelled before backend attempt: %w", err)
		}
		w.attempted++
		w.last = cand.at

		actx, span := r.tracer.Start(ctx, "csv.attempt", trace.WithAttributes(
			attribute.String("backend", cand.at.Backend.String()),
			attribute.String("context", cand.at.Context.String()),
		))
		count := 0
		err := cand.ex.Run(actx, in, cfg, func(row assembler.Row) error {
			if err := emit(row); err != nil {
				return err
			}
			count++
			w.emitted++
			return nil
		})
		r.met.RowsEmitted(cand.at.Backend.String(), count)
		if err == nil {
			span.End()
			w.done = true
			return nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()

		if w.emitted > 0 || !errors.Is(err, errs.ErrBackendUnavailable) {
			return err
		}
		decline := &errs.BackendError{
			Backend: cand.at.Backend.String(),
			Context: cand.at.Context.String(),
			Err:     err,
		}
		w.lastErr = decline
		next, ok := w.next(i)
		if !ok {
			r.log.Warn("backend declined, no candidates remain",
				zap.String("from", cand.at.String()),
				zap.Error(err),
			)
			continue
		}
		r.log.Warn("backend declined, falling back",
			zap.String("from", cand.at.String()),
			zap.String("to", next.String()),
			zap.Error(err),
		)
		r.met.FallbackRecorded(cand.at.Backend.String(), next.Backend.String(), metric.ReasonUnavailable)
		if r.notify != nil {
			r.notify(Fallback{Requested: cand.at, Actual: next, Reason: decline})
		}
	}
	return nil
}

// lastResort runs plain in-process unconditionally. It serves plans
// whose every pair was ruled out for the input shape.
func (r *Runner) lastResort(ctx context.Context, in backend.Input, cfg backend.Config, w *walk, emit backend.EmitFunc) error {
	ex, ok := backend.For(resolver.BackendPlain)
	if !ok {
		return w.lastErr
	}
	w.cands = append(w.cands, candidate{
		at: Attempt{Backend: resolver.BackendPlain, Context: resolver.ExecInProcess},
		ex: ex,
	})
	g := group{exec: resolver.ExecInProcess, start: len(w.cands) - 1, end: len(w.cands)}
	return r.runGroup(ctx, in, cfg, w, g, emit)
}

// message copies buffered input once; the copy is what crosses the
// worker boundary. Stream shapes hand their reader through untouched.
func message(in backend.Input) backend.Input {
	switch in.Shape {
	case resolver.ShapeBufferedBytes:
		return backend.Input{Shape: in.Shape, Bytes: append([]byte(nil), in.Bytes...)}
	case resolver.ShapeBufferedString:
		return backend.Input{Shape: resolver.ShapeBufferedBytes, Bytes: []byte(in.Text)}
	default:
		return in
	}
}
