package backend

// segment is one independently scannable span of buffered input. Cuts sit
// on row boundaries, so a seeded lexer can scan each span in isolation and
// produce exactly the tokens a single pass would have produced there.
// line and row are 1-based counts at start, relative to the walk origin.
type segment struct {
	start, end int
	line       int
	row        int
}

// splitSegments walks data with a byte-level replica of the scanner's state
// machine, cutting a segment at the first LF-terminated row boundary after
// each target-sized stretch. A lone CR ends a row but never becomes a cut:
// the column carries across it, and a seeded scanner starts at column 1.
// With all set the remainder after the last boundary becomes the final
// segment; otherwise it stays unconsumed for the caller to retain.
// Returned line and row are the 1-based counts at the consumed point.
func splitSegments(data []byte, delim, quote byte, target int, all bool) (segs []segment, consumed, line, row int) {
	const (
		sFieldStart = iota
		sInField
		sQuoted
		sAfterQuote
	)
	if target < 1 {
		target = 1
	}
	segStart := 0
	segLine, segRow := 1, 1
	line, row = 1, 1
	cut, cutLine, cutRow := 0, 1, 1
	state := sFieldStart
	for i := 0; i < len(data); i++ {
		c := data[i]
		boundary := false
		switch state {
		case sFieldStart:
			switch c {
			case quote:
				state = sQuoted
			case delim:
			case '\n', '\r':
				boundary = true
			default:
				state = sInField
			}
		case sInField:
			switch c {
			case delim:
				state = sFieldStart
			case '\n', '\r':
				boundary = true
				state = sFieldStart
			}
		case sQuoted:
			if c == quote {
				state = sAfterQuote
			}
		case sAfterQuote:
			switch c {
			case quote:
				state = sQuoted
			case delim:
				state = sFieldStart
			case '\n', '\r':
				boundary = true
				state = sFieldStart
			default:
				// The scanner rejects this character after a closing quote.
				// Boundaries past it never take effect: the segment holding
				// it stops at that error and later segments are discarded.
				state = sInField
			}
		}
		if c == '\n' {
			line++
		}
		if !boundary {
			continue
		}
		row++
		if c == '\r' {
			if i+1 >= len(data) || data[i+1] != '\n' {
				continue
			}
			i++
			line++
		}
		end := i + 1
		cut, cutLine, cutRow = end, line, row
		if end-segStart >= target {
			segs = append(segs, segment{start: segStart, end: end, line: segLine, row: segRow})
			segStart = end
			segLine, segRow = line, row
		}
	}
	if all {
		if segStart < len(data) {
			segs = append(segs, segment{start: segStart, end: len(data), line: segLine, row: segRow})
		}
		return segs, len(data), line, row
	}
	if cut > segStart {
		segs = append(segs, segment{start: segStart, end: cut, line: segLine, row: segRow})
	}
	return segs, cut, cutLine, cutRow
}
