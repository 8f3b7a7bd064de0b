package csv

import (
	"sync"

	"github.com/shapestone/stream-csv/internal/assembler"
)

// headerIndex is the resolved header shared by every record of one parse.
// The producer sets it once before the first record is delivered; the
// name index is built lazily on first named lookup.
type headerIndex struct {
	mu     sync.Mutex
	names  []string
	byName map[string]int
}

func (h *headerIndex) set(names []string) {
	h.mu.Lock()
	h.names = names
	h.byName = nil
	h.mu.Unlock()
}

func (h *headerIndex) snapshot() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.names == nil {
		return nil
	}
	out := make([]string, len(h.names))
	copy(out, h.names)
	return out
}

// lookup resolves a column name to its position. Header names are
// unique per the assembler's resolution rules.
func (h *headerIndex) lookup(name string) (int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.byName == nil {
		if h.names == nil {
			return 0, false
		}
		h.byName = make(map[string]int, len(h.names))
		for i, n := range h.names {
			if _, ok := h.byName[n]; !ok {
				h.byName[n] = i
			}
		}
	}
	i, ok := h.byName[name]
	return i, ok
}

// Record is one parsed row. Positional access always works; named access
// works once a header is resolved. A Record is immutable and remains
// valid after the stream advances.
type Record struct {
	fields []string
	width  int
	number int
	hdr    *headerIndex
}

func newRecord(row assembler.Row, hdr *headerIndex) Record {
	return Record{fields: row.Fields, width: row.Width, number: row.Number, hdr: hdr}
}

// Number is the 1-based row number this record was read from. A header
// record injected from a supplied header was never read from input and
// carries 0; a re-emitted inferred header keeps its document row.
func (r Record) Number() int { return r.number }

// Len is the logical field count after policy reconciliation.
func (r Record) Len() int { return r.width }

// Field returns the value at position i, or "" when i is out of range.
// Positions padded by the pad policy read as "".
func (r Record) Field(i int) string {
	if i < 0 || i >= r.width || i >= len(r.fields) {
		return ""
	}
	return r.fields[i]
}

// Fields returns the record as a positional tuple of length Len.
func (r Record) Fields() []string {
	if r.width <= len(r.fields) {
		return r.fields
	}
	out := make([]string, r.width)
	copy(out, r.fields)
	return out
}

// Get returns the value of the named column. The second result is false
// when the name is unknown or the record does not reach its position:
// under the keep policy a short record lacks its trailing columns, while
// under the pad policy they are present and empty.
func (r Record) Get(name string) (string, bool) {
	if r.hdr == nil {
		return "", false
	}
	i, ok := r.hdr.lookup(name)
	if !ok || i >= r.width {
		return "", false
	}
	return r.Field(i), true
}

// Map returns the record keyed by column name. The map is freshly
// allocated on every call. Columns beyond the record's length are
// omitted; positions beyond the header are unreachable by name and stay
// positional-only.
func (r Record) Map() map[string]string {
	if r.hdr == nil {
		return map[string]string{}
	}
	names := r.hdr.snapshot()
	out := make(map[string]string, len(names))
	for i, n := range names {
		if i >= r.width {
			break
		}
		if _, ok := out[n]; ok {
			continue
		}
		out[n] = r.Field(i)
	}
	return out
}
