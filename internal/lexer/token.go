// Package lexer implements the streaming CSV tokenizer.
//
// The lexer is a dependency-free, single-owner state machine. Input may
// arrive in arbitrary chunks: a boundary can split a multi-byte character,
// a CRLF pair, or a doubled-quotation escape, and the emitted token stream
// is identical to lexing the unchunked concatenation.
package lexer

import "fmt"

// Kind identifies the lexical class of a Token.
type Kind uint8

const (
	// Field is the decoded content of one field.
	Field Kind = iota
	// FieldDelimiter separates two fields within a record.
	FieldDelimiter
	// RecordDelimiter terminates a record. LF, CR, and CRLF each produce
	// exactly one.
	RecordDelimiter
)

// String returns the string representation of the token kind.
func (k Kind) String() string {
	switch k {
	case Field:
		return "field"
	case FieldDelimiter:
		return "field-delimiter"
	case RecordDelimiter:
		return "record-delimiter"
	default:
		return fmt.Sprintf("Kind(%d)", k)
	}
}

// Position is a location in the input. Line and Column are 1-based;
// Offset is a 0-based byte offset.
type Position struct {
	Line   int
	Column int
	Offset int
}

// Location spans the source text a token was produced from. Row is the
// 1-based logical row the token belongs to.
type Location struct {
	Start Position
	End   Position
	Row   int
}

// Token is one atomic unit of scanned input, produced in document order.
type Token struct {
	Kind     Kind
	Value    string
	Location Location
}
