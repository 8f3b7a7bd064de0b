package csv

import (
	"strings"
	"unicode"
)

// Dialect is a detected document dialect.
type Dialect struct {
	// Delimiter is the detected field delimiter, or 0 when the sample
	// shows no delimiter at all.
	Delimiter rune

	// HasHeader reports whether the first row looks like column labels
	// over the data beneath it.
	HasHeader bool
}

// delimiterCandidates are scored in order; ties keep the earlier one.
var delimiterCandidates = []rune{',', '\t', ';', '|'}

// sniffLines caps how many sample lines detection considers.
const sniffLines = 16

// DetectDialect inspects a document sample, usually its first few
// kilobytes, and guesses the dialect. Candidate delimiters are comma,
// tab, semicolon, and pipe; a candidate appearing the same number of
// times on every line outscores a merely frequent one. Quoted sections
// are skipped while counting.
func DetectDialect(sample []byte) Dialect {
	lines := sampleLines(string(sample))
	d := Dialect{Delimiter: detectDelimiter(lines)}
	if d.Delimiter != 0 {
		d.HasHeader = detectHeader(lines, d.Delimiter)
	}
	return d
}

// sampleLines splits a sample for scoring: BOM stripped, blank lines
// dropped, and a trailing line cut mid-record discarded so its partial
// counts cannot spoil consistency.
func sampleLines(sample string) []string {
	sample = strings.TrimPrefix(sample, "\uFEFF")
	complete := strings.HasSuffix(sample, "\n")
	lines := strings.Split(sample, "\n")
	if !complete && len(lines) > 1 {
		lines = lines[:len(lines)-1]
	}
	out := make([]string, 0, min(len(lines), sniffLines))
	for _, line := range lines {
		line = strings.TrimSuffix(line, "\r")
		if line == "" {
			continue
		}
		out = append(out, line)
		if len(out) == sniffLines {
			break
		}
	}
	return out
}

func detectDelimiter(lines []string) rune {
	var best rune
	bestScore := 0
	for _, cand := range delimiterCandidates {
		total := 0
		consistent := true
		first := -1
		for _, line := range lines {
			n := countOutsideQuotes(line, cand)
			total += n
			if first == -1 {
				first = n
			} else if n != first {
				consistent = false
			}
		}
		if total == 0 {
			continue
		}
		score := total
		if consistent {
			score *= 10
		}
		if score > bestScore {
			best, bestScore = cand, score
		}
	}
	return best
}

// countOutsideQuotes counts r in line, skipping quoted sections.
func countOutsideQuotes(line string, r rune) int {
	n := 0
	inQuotes := false
	for _, c := range line {
		switch {
		case c == '"':
			inQuotes = !inQuotes
		case c == r && !inQuotes:
			n++
		}
	}
	return n
}

// detectHeader compares the first row against the one below it: a
// header row is all label-like fields while a data row tends to carry
// numbers, dates, or addresses.
func detectHeader(lines []string, delim rune) bool {
	if len(lines) < 2 {
		return false
	}
	labels, data := 0, 0
	for _, f := range splitOutsideQuotes(lines[0], delim) {
		f = strings.TrimSpace(f)
		if looksLikeLabel(f) {
			labels++
		}
		if looksLikeData(f) {
			data++
		}
	}
	return labels > data
}

// looksLikeLabel reports whether a field reads as a column name: plain
// words or identifiers, never numbers.
func looksLikeLabel(s string) bool {
	if s == "" || looksNumeric(s) {
		return false
	}
	for _, c := range s {
		if !unicode.IsLetter(c) && !unicode.IsDigit(c) && c != '_' && c != ' ' && c != '-' {
			return false
		}
	}
	return true
}

// looksLikeData reports whether a field reads as a value: numbers,
// dates, or anything with an @.
func looksLikeData(s string) bool {
	if s == "" {
		return false
	}
	if looksNumeric(s) || strings.Contains(s, "@") {
		return true
	}
	return looksLikeDate(s)
}

func looksNumeric(s string) bool {
	s = strings.TrimPrefix(s, "-")
	if s == "" {
		return false
	}
	dot := false
	for _, c := range s {
		if c == '.' {
			if dot {
				return false
			}
			dot = true
			continue
		}
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// looksLikeDate matches 2024-01-31 and 01/31/2024 shapes.
func looksLikeDate(s string) bool {
	match := func(s string, sep byte, groups ...int) bool {
		for i, g := range groups {
			if i > 0 {
				if len(s) == 0 || s[0] != sep {
					return false
				}
				s = s[1:]
			}
			if len(s) < g {
				return false
			}
			for _, c := range s[:g] {
				if c < '0' || c > '9' {
					return false
				}
			}
			s = s[g:]
		}
		return len(s) == 0
	}
	return match(s, '-', 4, 2, 2) || match(s, '/', 2, 2, 4)
}

// splitOutsideQuotes splits a line on delim, skipping quoted sections
// and stripping the quotes themselves.
func splitOutsideQuotes(line string, delim rune) []string {
	var out []string
	var cur strings.Builder
	inQuotes := false
	for _, c := range line {
		switch {
		case c == '"':
			inQuotes = !inQuotes
		case c == delim && !inQuotes:
			out = append(out, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(c)
		}
	}
	return append(out, cur.String())
}
