package csv

import (
	"context"
	"errors"
	"sync"

	"github.com/shapestone/stream-csv/internal/assembler"
	"github.com/shapestone/stream-csv/internal/backend"
	"github.com/shapestone/stream-csv/internal/resolver"
	"github.com/shapestone/stream-csv/internal/runner"
)

// RecordStream delivers records as the pipeline produces them. Every
// record parsed before a terminal error is observable; the error
// surfaces once Next returns false. A stream is not safe for concurrent
// use, except Header, which may be called from any goroutine.
type RecordStream struct {
	cancel context.CancelFunc
	rows   chan assembler.Row
	hdr    *headerIndex

	// headerRecord marks streams whose first record is the re-emitted
	// header rather than data.
	headerRecord bool

	cur  Record
	err  error
	done bool

	// fail is the producer's terminal error. The producer writes it
	// before closing rows; the close publishes it to the consumer.
	fail error

	closeOnce sync.Once
	closeErr  error
}

func newRecordStream(cancel context.CancelFunc, buffer int, hdr *headerIndex) *RecordStream {
	return &RecordStream{
		cancel: cancel,
		rows:   make(chan assembler.Row, buffer),
		hdr:    hdr,
	}
}

// produce walks the plan and feeds the record channel until the parse
// ends or ctx is cancelled. It runs on its own goroutine; a full channel
// makes the pipeline yield until the consumer catches up.
func (s *RecordStream) produce(ctx context.Context, r *runner.Runner, in backend.Input, cfg backend.Config, plan resolver.Plan) {
	err := r.Run(ctx, in, cfg, plan, func(row assembler.Row) error {
		select {
		case s.rows <- row:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	s.fail = err
	close(s.rows)
}

// Next advances to the next record. It returns false when the stream is
// exhausted, failed, or closed; Err reports which.
func (s *RecordStream) Next() bool {
	if s.done {
		return false
	}
	row, ok := <-s.rows
	if !ok {
		s.done = true
		s.err = s.fail
		s.cur = Record{}
		return false
	}
	s.cur = newRecord(row, s.hdr)
	return true
}

// Record returns the record Next advanced to. It is the zero Record
// before the first Next and after Next returns false.
func (s *RecordStream) Record() Record { return s.cur }

// Err returns the terminal error, or nil while records remain or when
// the stream ended cleanly.
func (s *RecordStream) Err() error {
	if !s.done {
		return nil
	}
	return s.err
}

// Header returns the resolved column names: the supplied header, the
// inferred first row once it has been consumed, or nil before resolution
// and in headerless mode.
func (s *RecordStream) Header() []string { return s.hdr.snapshot() }

// Close stops the parse, discards unread records, and waits for the
// pipeline to wind down. It is idempotent. Close returns the terminal
// parse error so a deferred Close still surfaces a failure the consumer
// never read; cancellations, including the one Close itself triggers,
// are not failures.
func (s *RecordStream) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		for range s.rows {
		}
		s.done = true
		if s.fail != nil && !errors.Is(s.fail, context.Canceled) && !errors.Is(s.fail, context.DeadlineExceeded) {
			s.closeErr = s.fail
			if s.err == nil {
				s.err = s.fail
			}
		}
	})
	return s.closeErr
}

// Collect drains the stream and returns every record it produced. On
// failure the records parsed before the error are returned with it.
func (s *RecordStream) Collect() ([]Record, error) {
	var out []Record
	for s.Next() {
		out = append(out, s.Record())
	}
	return out, s.Err()
}
