package backend

import (
	"context"
	"io"

	"github.com/shapestone/stream-csv/internal/assembler"
	"github.com/shapestone/stream-csv/internal/lexer"
	"github.com/shapestone/stream-csv/internal/resolver"
)

// feedSlice is how much buffered input goes through the lexer per feed, so
// token and row batches stay bounded instead of materializing the whole
// document at once.
const feedSlice = 64 << 10

// readSize is the read buffer length for byte streams.
const readSize = 32 << 10

// plainExecutor drives the resumable lexer and the assembler over any
// input shape. It is the universal fallback: every option combination and
// every shape is in range.
type plainExecutor struct{}

func (plainExecutor) Backend() resolver.Backend { return resolver.BackendPlain }

func (plainExecutor) Viable(resolver.InputShape, resolver.ExecContext) bool { return true }

func (plainExecutor) Run(ctx context.Context, in Input, cfg Config, emit EmitFunc) error {
	lx, err := lexer.New(cfg.Lexer)
	if err != nil {
		return err
	}
	asm, err := assembler.New(cfg.Assembler)
	if err != nil {
		return err
	}
	p := pipeline{lx: lx, asm: asm, emit: emit, toks: getTokenBatch()}
	defer func() { putTokenBatch(p.toks) }()

	switch in.Shape {
	case resolver.ShapeBufferedBytes:
		if err := p.feedSliced(ctx, in.Bytes); err != nil {
			return err
		}
	case resolver.ShapeBufferedString:
		if err := p.feedSliced(ctx, unsafeBytes(in.Text)); err != nil {
			return err
		}
	case resolver.ShapeByteStream:
		buf := make([]byte, readSize)
		for {
			n, rerr := in.Reader.Read(buf)
			if n > 0 {
				if err := p.feedBytes(ctx, buf[:n]); err != nil {
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
				if err := p.feedString(ctx, chunk); err != nil {
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
	return p.finish(ctx)
}

// pipeline pairs one lexer with one assembler and pushes completed rows
// through emit. Rows produced before a mid-chunk failure are still
// delivered; the error surfaces after them.
type pipeline struct {
	lx   *lexer.Lexer
	asm  *assembler.Assembler
	emit EmitFunc
	toks []lexer.Token
	rows []assembler.Row
}

func (p *pipeline) feedSliced(ctx context.Context, data []byte) error {
	for off := 0; off < len(data); {
		end := off + feedSlice
		if end > len(data) {
			end = len(data)
		}
		if err := p.feedBytes(ctx, data[off:end]); err != nil {
			return err
		}
		off = end
	}
	return nil
}

func (p *pipeline) feedBytes(ctx context.Context, chunk []byte) error {
	toks, lerr := p.lx.FeedBytes(ctx, chunk, p.toks[:0])
	p.toks = toks
	if err := p.drain(ctx, toks); err != nil {
		return err
	}
	return lerr
}

func (p *pipeline) feedString(ctx context.Context, chunk string) error {
	toks, lerr := p.lx.Feed(ctx, chunk, p.toks[:0])
	p.toks = toks
	if err := p.drain(ctx, toks); err != nil {
		return err
	}
	return lerr
}

func (p *pipeline) finish(ctx context.Context) error {
	toks, lerr := p.lx.Finalize(p.toks[:0])
	p.toks = toks
	if err := p.drain(ctx, toks); err != nil {
		return err
	}
	if lerr != nil {
		return lerr
	}
	rows, ferr := p.asm.Flush(p.rows[:0])
	p.rows = rows
	for i := range rows {
		if err := p.emit(rows[i]); err != nil {
			return err
		}
	}
	return ferr
}

func (p *pipeline) drain(ctx context.Context, toks []lexer.Token) error {
	rows, aerr := p.asm.Assemble(ctx, toks, p.rows[:0])
	p.rows = rows
	for i := range rows {
		if err := p.emit(rows[i]); err != nil {
			return err
		}
	}
	return aerr
}
