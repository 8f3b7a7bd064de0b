package backend

import (
	"sync"
	"unsafe"

	"github.com/shapestone/stream-csv/internal/lexer"
)

// tokenPool recycles token batches across calls; a batch is reused across
// feeds within a call anyway, so the pool only saves the initial growth.
var tokenPool = sync.Pool{
	New: func() interface{} {
		s := make([]lexer.Token, 0, 256)
		return &s
	},
}

func getTokenBatch() []lexer.Token {
	p := tokenPool.Get().(*[]lexer.Token)
	return (*p)[:0]
}

func putTokenBatch(toks []lexer.Token) {
	const maxCapacity = 4096
	if cap(toks) > maxCapacity {
		return
	}
	toks = toks[:0]
	tokenPool.Put(&toks)
}

// bufferPool recycles the scratch buffers used when unescaping quoted
// fields and when draining byte streams.
var bufferPool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, 0, 4096)
		return &b
	},
}

func getBuffer() []byte {
	p := bufferPool.Get().(*[]byte)
	return (*p)[:0]
}

func putBuffer(buf []byte) {
	const maxCapacity = 64 << 10
	if cap(buf) > maxCapacity {
		return
	}
	buf = buf[:0]
	bufferPool.Put(&buf)
}

// unsafeString views b as a string without copying. Callers must only pass
// subslices of input that is never mutated afterwards.
func unsafeString(b []byte) string {
	return unsafe.String(unsafe.SliceData(b), len(b))
}

// unsafeBytes views s as a byte slice without copying. The result must
// never be written to.
func unsafeBytes(s string) []byte {
	return unsafe.Slice(unsafe.StringData(s), len(s))
}
