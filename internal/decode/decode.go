// Package decode normalizes input character encodings to UTF-8. Labels
// follow the WHATWG encoding registry, so the names accepted here are the
// ones browsers accept ("utf-8", "windows-1252", "shift_jis", ...).
package decode

import (
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/shapestone/stream-csv/internal/errs"
)

// Normalize canonicalizes a charset label. Empty means utf-8.
func Normalize(label string) string {
	label = strings.ToLower(strings.TrimSpace(label))
	if label == "" {
		return "utf-8"
	}
	return label
}

// IsUTF8 reports whether label names UTF-8 (any of its aliases).
func IsUTF8(label string) bool {
	enc, err := lookup(label)
	return err == nil && enc == unicode.UTF8
}

// Validate checks that label names a known encoding.
func Validate(label string) error {
	_, err := lookup(label)
	return err
}

// Reader wraps r so reads yield UTF-8. For UTF-8 labels r is returned
// unchanged; the scanner validates the bytes and strips the BOM itself.
func Reader(r io.Reader, label string) (io.Reader, error) {
	enc, err := lookup(label)
	if err != nil {
		return nil, err
	}
	if enc == unicode.UTF8 {
		return r, nil
	}
	return transform.NewReader(r, enc.NewDecoder()), nil
}

// Bytes transcodes buffered input to UTF-8. For UTF-8 labels the input is
// returned as is.
func Bytes(data []byte, label string) ([]byte, error) {
	enc, err := lookup(label)
	if err != nil {
		return nil, err
	}
	if enc == unicode.UTF8 {
		return data, nil
	}
	out, _, terr := transform.Bytes(enc.NewDecoder(), data)
	if terr != nil {
		return nil, terr
	}
	return out, nil
}

func lookup(label string) (encoding.Encoding, error) {
	enc, err := htmlindex.Get(Normalize(label))
	if err != nil {
		return nil, &errs.OptionsError{Field: "Charset", Message: fmt.Sprintf("unknown label %q", label)}
	}
	return enc, nil
}
