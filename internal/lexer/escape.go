package lexer

import "strings"

// EscapeField renders value so that lexing the result yields value back.
// Values containing the delimiter, the quotation, CR, LF, or a byte-order
// mark are wrapped in quotations with inner quotations doubled; the empty
// value is rendered as an explicit empty quoted field.
func EscapeField(value string, delim, quote rune) string {
	if value == "" {
		return string(quote) + string(quote)
	}
	if !strings.ContainsRune(value, delim) &&
		!strings.ContainsRune(value, quote) &&
		!strings.ContainsRune(value, bom) &&
		!strings.ContainsAny(value, "\r\n") {
		return value
	}
	var b strings.Builder
	b.Grow(len(value) + 2)
	b.WriteRune(quote)
	for _, r := range value {
		if r == quote {
			b.WriteRune(quote)
		}
		b.WriteRune(r)
	}
	b.WriteRune(quote)
	return b.String()
}
