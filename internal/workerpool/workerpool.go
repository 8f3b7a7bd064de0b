// Package workerpool runs parse sessions on resident worker goroutines.
// A session occupies exactly one worker for its whole lifetime and its
// result returns to the submitting caller, so concurrent parses are
// isolated from each other while sharing a bounded set of workers.
package workerpool

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrClosed is returned by Do once the pool has shut down.
var ErrClosed = errors.New("workerpool: closed")

// Config configures a Pool.
type Config struct {
	// Workers is the number of resident worker goroutines.
	// Default: runtime.NumCPU()
	Workers int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = runtime.NumCPU()
	}
	return c
}

// Job is one parse session. It receives the submitter's context and is
// expected to honor its cancellation.
type Job func(ctx context.Context) error

type session struct {
	id   uuid.UUID
	ctx  context.Context
	fn   Job
	done chan error
}

// Stats is a point-in-time view of pool activity.
type Stats struct {
	Workers   int
	Active    int64
	Completed int64
	Failed    int64
}

// Pool owns the workers. The zero value is not usable; construct with New.
type Pool struct {
	cfg  Config
	log  *zap.Logger
	jobs chan *session
	quit chan struct{}
	stop sync.Once
	wg   sync.WaitGroup

	active    atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
}

// New starts a pool. A nil logger disables logging.
func New(cfg Config, log *zap.Logger) *Pool {
	cfg = cfg.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	p := &Pool{
		cfg:  cfg,
		log:  log,
		jobs: make(chan *session),
		quit: make(chan struct{}),
	}
	p.log.Debug("worker pool starting", zap.Int("workers", cfg.Workers))
	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	return p
}

// Size returns the number of resident workers.
func (p *Pool) Size() int { return p.cfg.Workers }

// Stats returns current activity counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Workers:   p.cfg.Workers,
		Active:    p.active.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
	}
}

// Do runs fn on a pooled worker and blocks until the session finishes.
// Sessions hand off directly to a free worker; while Do still waits for
// one, cancelling ctx abandons the attempt and Close fails it with
// ErrClosed. Once a worker holds the session it always runs to a result,
// so ErrClosed means the job never started.
func (p *Pool) Do(ctx context.Context, fn Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s := &session{
		id:   uuid.New(),
		ctx:  ctx,
		fn:   fn,
		done: make(chan error, 1),
	}
	select {
	case p.jobs <- s:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.quit:
		return ErrClosed
	}
	// The unbuffered send above put the session in a worker's hands; the
	// worker delivers exactly one result. On cancellation the session
	// observes ctx itself, so we still wait for that result.
	select {
	case err := <-s.done:
		return err
	case <-ctx.Done():
		return <-s.done
	}
}

// Close stops the workers, fails every Do still waiting for a worker
// with ErrClosed, and waits for in-flight sessions to finish. It is
// safe to call more than once.
func (p *Pool) Close() {
	p.stop.Do(func() { close(p.quit) })
	p.wg.Wait()
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.quit:
			return
		case s := <-p.jobs:
			p.run(id, s)
		}
	}
}

func (p *Pool) run(id int, s *session) {
	if err := s.ctx.Err(); err != nil {
		s.done <- err
		return
	}
	p.active.Add(1)
	p.log.Debug("session start",
		zap.Int("worker", id),
		zap.String("session", s.id.String()),
	)
	err := s.fn(s.ctx)
	p.active.Add(-1)
	if err != nil {
		p.failed.Add(1)
	} else {
		p.completed.Add(1)
	}
	p.log.Debug("session end",
		zap.Int("worker", id),
		zap.String("session", s.id.String()),
		zap.Error(err),
	)
	s.done <- err
}
