package lexer

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/shapestone/stream-csv/internal/errs"
)

type kv struct {
	kind  Kind
	value string
}

func kvs(toks []Token) []kv {
	out := make([]kv, 0, len(toks))
	for _, tk := range toks {
		out = append(out, kv{tk.Kind, tk.Value})
	}
	return out
}

func lexAll(t *testing.T, cfg Config, input string) ([]Token, error) {
	t.Helper()
	l, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	toks, err := l.Feed(context.Background(), input, nil)
	if err != nil {
		return toks, err
	}
	return l.Finalize(toks)
}

func TestLexer_TokenSequences(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []kv
	}{
		{
			name:  "empty input",
			input: "",
			want:  []kv{},
		},
		{
			name:  "single field",
			input: "abc",
			want:  []kv{{Field, "abc"}},
		},
		{
			name:  "two fields",
			input: "a,b",
			want:  []kv{{Field, "a"}, {FieldDelimiter, ","}, {Field, "b"}},
		},
		{
			name:  "two rows",
			input: "a,b\n1,2",
			want: []kv{
				{Field, "a"}, {FieldDelimiter, ","}, {Field, "b"}, {RecordDelimiter, "\n"},
				{Field, "1"}, {FieldDelimiter, ","}, {Field, "2"},
			},
		},
		{
			name:  "trailing comma before newline",
			input: "a,\n",
			want:  []kv{{Field, "a"}, {FieldDelimiter, ","}, {Field, ""}, {RecordDelimiter, "\n"}},
		},
		{
			name:  "trailing comma at EOF yields explicit empty field",
			input: "a,",
			want:  []kv{{Field, "a"}, {FieldDelimiter, ","}, {Field, ""}},
		},
		{
			name:  "consecutive commas",
			input: ",,",
			want: []kv{
				{Field, ""}, {FieldDelimiter, ","},
				{Field, ""}, {FieldDelimiter, ","},
				{Field, ""},
			},
		},
		{
			name:  "quoted field with delimiter inside",
			input: `"a,b"`,
			want:  []kv{{Field, "a,b"}},
		},
		{
			name:  "doubled quotation unescapes",
			input: `"he said ""hi"""`,
			want:  []kv{{Field, `he said "hi"`}},
		},
		{
			name:  "empty quoted field",
			input: `""`,
			want:  []kv{{Field, ""}},
		},
		{
			name:  "bare quote inside unquoted field is literal",
			input: `a"b`,
			want:  []kv{{Field, `a"b`}},
		},
		{
			name:  "newline inside quotes is content",
			input: "\"a\nb\"",
			want:  []kv{{Field, "a\nb"}},
		},
		{
			name:  "CRLF inside quotes is content",
			input: "\"a\r\nb\"",
			want:  []kv{{Field, "a\r\nb"}},
		},
		{
			name:  "blank line",
			input: "\n",
			want:  []kv{{Field, ""}, {RecordDelimiter, "\n"}},
		},
		{
			name:  "CRLF is one record delimiter",
			input: "a\r\nb",
			want:  []kv{{Field, "a"}, {RecordDelimiter, "\r"}, {Field, "b"}},
		},
		{
			name:  "lone CR is one record delimiter",
			input: "a\rb",
			want:  []kv{{Field, "a"}, {RecordDelimiter, "\r"}, {Field, "b"}},
		},
		{
			name:  "trailing newline emits nothing extra",
			input: "a\n",
			want:  []kv{{Field, "a"}, {RecordDelimiter, "\n"}},
		},
		{
			name:  "leading BOM is stripped",
			input: "\ufeffa,b",
			want:  []kv{{Field, "a"}, {FieldDelimiter, ","}, {Field, "b"}},
		},
		{
			name:  "BOM later in input is content",
			input: "a,\ufeffb",
			want:  []kv{{Field, "a"}, {FieldDelimiter, ","}, {Field, "\ufeffb"}},
		},
		{
			name:  "multi-byte characters",
			input: "héllo,wörld\n汉字,🎉",
			want: []kv{
				{Field, "héllo"}, {FieldDelimiter, ","}, {Field, "wörld"}, {RecordDelimiter, "\n"},
				{Field, "汉字"}, {FieldDelimiter, ","}, {Field, "🎉"},
			},
		},
		{
			name:  "quoted field followed by delimiter",
			input: `"x,y",z`,
			want:  []kv{{Field, "x,y"}, {FieldDelimiter, ","}, {Field, "z"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			toks, err := lexAll(t, DefaultConfig(), tt.input)
			if err != nil {
				t.Fatalf("lex %q: %v", tt.input, err)
			}
			if got := kvs(toks); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("lex %q = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestLexer_CustomDelimiters(t *testing.T) {
	cfg := Config{Delimiter: ';', Quotation: '\''}
	toks, err := lexAll(t, cfg, "a;'b;c';d")
	if err != nil {
		t.Fatalf("lex: %v", err)
	}
	want := []kv{
		{Field, "a"}, {FieldDelimiter, ";"},
		{Field, "b;c"}, {FieldDelimiter, ";"},
		{Field, "d"},
	}
	if got := kvs(toks); !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}

	// With ';' as delimiter a comma is plain content.
	toks, err = lexAll(t, cfg, "a,b;c")
	if err != nil {
		t.Fatalf("lex: %v", err)
	}
	want = []kv{{Field, "a,b"}, {FieldDelimiter, ";"}, {Field, "c"}}
	if got := kvs(toks); !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestLexer_Errors(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr error
	}{
		{
			name:    "unterminated quoted field",
			input:   `"abc`,
			wantErr: errs.ErrUnexpectedEOF,
		},
		{
			name:    "unterminated quote after escaped quote",
			input:   `"a""`,
			wantErr: errs.ErrUnexpectedEOF,
		},
		{
			name:    "character after closing quotation",
			input:   `"a"x`,
			wantErr: errs.ErrMalformedQuote,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := lexAll(t, DefaultConfig(), tt.input)
			if err == nil {
				t.Fatalf("lex %q: expected error", tt.input)
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("lex %q error = %v, want %v", tt.input, err, tt.wantErr)
			}
			var pe *errs.ParseError
			if !errors.As(err, &pe) {
				t.Errorf("lex %q error is %T, want *errs.ParseError", tt.input, err)
			}
		})
	}
}

func TestLexer_InvalidUTF8(t *testing.T) {
	l, err := New(DefaultConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = l.FeedBytes(context.Background(), []byte{'a', 0xFF, 'b'}, nil)
	if !errors.Is(err, errs.ErrInvalidUTF8) {
		t.Errorf("error = %v, want ErrInvalidUTF8", err)
	}

	// A truncated sequence at EOF is also invalid.
	l, _ = New(DefaultConfig())
	toks, err := l.FeedBytes(context.Background(), []byte{'a', 0xC3}, nil)
	if err != nil {
		t.Fatalf("FeedBytes: %v", err)
	}
	_, err = l.Finalize(toks)
	if !errors.Is(err, errs.ErrInvalidUTF8) {
		t.Errorf("Finalize error = %v, want ErrInvalidUTF8", err)
	}
}

func TestLexer_BufferLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxBufferSize = 4

	_, err := lexAll(t, cfg, "abcde")
	if !errors.Is(err, errs.ErrBufferLimit) {
		t.Errorf("error = %v, want ErrBufferLimit", err)
	}

	// The unterminated-quote attack hits the cap instead of buffering.
	_, err = lexAll(t, cfg, `"aaaaaaaaaa`)
	if !errors.Is(err, errs.ErrBufferLimit) {
		t.Errorf("error = %v, want ErrBufferLimit", err)
	}

	// Values under the cap still pass.
	toks, err := lexAll(t, cfg, "abcd,efgh")
	if err != nil {
		t.Fatalf("lex: %v", err)
	}
	want := []kv{{Field, "abcd"}, {FieldDelimiter, ","}, {Field, "efgh"}}
	if got := kvs(toks); !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestLexer_ChunkInvariance(t *testing.T) {
	docs := []string{
		"a,b\n1,2",
		"\"x,y\",z\n1,2",
		"\"he said \"\"hi\"\"\",b\r\nc,d\r\n",
		"\ufeffname,note\n\"multi\nline\",ok\n",
		"é,ü\n\"汉字\",🎉\n",
		",,\n,\n",
		"\"open",
	}
	for _, doc := range docs {
		want, wantErr := lexAll(t, DefaultConfig(), doc)
		data := []byte(doc)
		for i := 0; i <= len(data); i++ {
			for j := i; j <= len(data); j++ {
				got, gotErr := lexByteChunks(t, data[:i], data[i:j], data[j:])
				if (gotErr == nil) != (wantErr == nil) {
					t.Fatalf("doc %q split (%d,%d): err = %v, want %v", doc, i, j, gotErr, wantErr)
				}
				if gotErr != nil {
					if gotErr.Error() != wantErr.Error() {
						t.Fatalf("doc %q split (%d,%d): err = %v, want %v", doc, i, j, gotErr, wantErr)
					}
					continue
				}
				if !reflect.DeepEqual(got, want) {
					t.Fatalf("doc %q split (%d,%d): tokens = %v, want %v", doc, i, j, got, want)
				}
			}
		}
	}
}

func lexByteChunks(t *testing.T, chunks ...[]byte) ([]Token, error) {
	t.Helper()
	l, err := New(DefaultConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	var toks []Token
	for _, c := range chunks {
		toks, err = l.FeedBytes(context.Background(), c, toks)
		if err != nil {
			return toks, err
		}
	}
	return l.Finalize(toks)
}

// String chunks may also split a character: Feed carries the incomplete
// sequence just like FeedBytes does.
func TestLexer_StringChunkInvariance(t *testing.T) {
	docs := []string{
		"café,x\n1,2\n",
		"é,ü\n\"汉字\",🎉\n",
		"\ufeffname,note\nrow,два\n",
	}
	for _, doc := range docs {
		want, wantErr := lexAll(t, DefaultConfig(), doc)
		if wantErr != nil {
			t.Fatalf("lex %q: %v", doc, wantErr)
		}
		for i := 0; i <= len(doc); i++ {
			for j := i; j <= len(doc); j++ {
				got, gotErr := lexStringChunks(t, doc[:i], doc[i:j], doc[j:])
				if gotErr != nil {
					t.Fatalf("doc %q split (%d,%d): %v", doc, i, j, gotErr)
				}
				if !reflect.DeepEqual(got, want) {
					t.Fatalf("doc %q split (%d,%d): tokens = %v, want %v", doc, i, j, got, want)
				}
			}
		}
	}
}

func lexStringChunks(t *testing.T, chunks ...string) ([]Token, error) {
	t.Helper()
	l, err := New(DefaultConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	var toks []Token
	for _, c := range chunks {
		toks, err = l.Feed(context.Background(), c, toks)
		if err != nil {
			return toks, err
		}
	}
	return l.Finalize(toks)
}

func TestLexer_StringChunkTruncatedTail(t *testing.T) {
	l, err := New(DefaultConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	toks, err := l.Feed(context.Background(), "a\xc3", nil)
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if _, err := l.Finalize(toks); !errors.Is(err, errs.ErrInvalidUTF8) {
		t.Errorf("Finalize error = %v, want ErrInvalidUTF8", err)
	}

	// Invalid bytes that are not a sequence prefix still fail eagerly.
	l, _ = New(DefaultConfig())
	if _, err := l.Feed(context.Background(), "a\xffb", nil); !errors.Is(err, errs.ErrInvalidUTF8) {
		t.Errorf("Feed error = %v, want ErrInvalidUTF8", err)
	}
}

func TestLexer_Positions(t *testing.T) {
	toks, err := lexAll(t, DefaultConfig(), "ab,c\nd")
	if err != nil {
		t.Fatalf("lex: %v", err)
	}
	want := []Token{
		{Kind: Field, Value: "ab", Location: Location{
			Start: Position{Line: 1, Column: 1, Offset: 0},
			End:   Position{Line: 1, Column: 3, Offset: 2},
			Row:   1,
		}},
		{Kind: FieldDelimiter, Value: ",", Location: Location{
			Start: Position{Line: 1, Column: 1, Offset: 0},
			End:   Position{Line: 1, Column: 3, Offset: 2},
			Row:   1,
		}},
		{Kind: Field, Value: "c", Location: Location{
			Start: Position{Line: 1, Column: 4, Offset: 3},
			End:   Position{Line: 1, Column: 5, Offset: 4},
			Row:   1,
		}},
		{Kind: RecordDelimiter, Value: "\n", Location: Location{
			Start: Position{Line: 1, Column: 4, Offset: 3},
			End:   Position{Line: 1, Column: 5, Offset: 4},
			Row:   1,
		}},
		{Kind: Field, Value: "d", Location: Location{
			Start: Position{Line: 2, Column: 1, Offset: 5},
			End:   Position{Line: 2, Column: 2, Offset: 6},
			Row:   2,
		}},
	}
	if !reflect.DeepEqual(toks, want) {
		t.Errorf("tokens = %+v, want %+v", toks, want)
	}
}

func TestLexer_MultiByteOffsets(t *testing.T) {
	// é is two bytes; offsets count bytes, columns count characters.
	toks, err := lexAll(t, DefaultConfig(), "é,a")
	if err != nil {
		t.Fatalf("lex: %v", err)
	}
	if toks[0].Location.End.Offset != 2 {
		t.Errorf("end offset = %d, want 2", toks[0].Location.End.Offset)
	}
	if toks[0].Location.End.Column != 2 {
		t.Errorf("end column = %d, want 2", toks[0].Location.End.Column)
	}
	if toks[2].Location.Start.Offset != 3 {
		t.Errorf("second field start offset = %d, want 3", toks[2].Location.Start.Offset)
	}
}

func TestLexer_SeededPosition(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StartPosition = Position{Line: 10, Column: 1, Offset: 120}
	cfg.StartRow = 9
	toks, err := lexAll(t, cfg, "x,y\n")
	if err != nil {
		t.Fatalf("lex: %v", err)
	}
	if toks[0].Location.Start.Line != 10 || toks[0].Location.Start.Offset != 120 {
		t.Errorf("seeded start = %+v", toks[0].Location.Start)
	}
	if toks[0].Location.Row != 9 {
		t.Errorf("seeded row = %d, want 9", toks[0].Location.Row)
	}
	// A seeded offset also means mid-document: no BOM stripping.
	cfg.StartPosition = Position{Line: 2, Column: 1, Offset: 10}
	toks, err = lexAll(t, cfg, "\ufeffa")
	if err != nil {
		t.Fatalf("lex: %v", err)
	}
	if toks[0].Value != "\ufeffa" {
		t.Errorf("mid-document BOM stripped: %q", toks[0].Value)
	}
}

func TestLexer_RowNumbers(t *testing.T) {
	toks, err := lexAll(t, DefaultConfig(), "a\nb\nc")
	if err != nil {
		t.Fatalf("lex: %v", err)
	}
	rows := make([]int, 0, len(toks))
	for _, tk := range toks {
		rows = append(rows, tk.Location.Row)
	}
	want := []int{1, 1, 2, 2, 3}
	if !reflect.DeepEqual(rows, want) {
		t.Errorf("rows = %v, want %v", rows, want)
	}
}

func TestLexer_CancelledAtRowBoundary(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CancelCheckRows = 1
	l, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	toks, err := l.Feed(ctx, "a\nb\nc\n", nil)
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
	// Tokens up to the first row boundary were already produced.
	want := []kv{{Field, "a"}, {RecordDelimiter, "\n"}}
	if got := kvs(toks); !reflect.DeepEqual(got, want) {
		t.Errorf("tokens = %v, want %v", got, want)
	}
}

func TestLexer_FeedAfterFinalize(t *testing.T) {
	l, err := New(DefaultConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := l.Finalize(nil); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if _, err := l.Feed(context.Background(), "a", nil); !errors.Is(err, ErrFinalized) {
		t.Errorf("Feed after Finalize = %v, want ErrFinalized", err)
	}
	// A second Finalize is a no-op.
	if _, err := l.Finalize(nil); err != nil {
		t.Errorf("second Finalize: %v", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"zero delimiter", Config{Delimiter: 0, Quotation: '"'}},
		{"zero quotation", Config{Delimiter: ',', Quotation: 0}},
		{"delimiter equals quotation", Config{Delimiter: '"', Quotation: '"'}},
		{"LF delimiter", Config{Delimiter: '\n', Quotation: '"'}},
		{"CR quotation", Config{Delimiter: ',', Quotation: '\r'}},
		{"negative buffer cap", Config{Delimiter: ',', Quotation: '"', MaxBufferSize: -1}},
		{"negative cancel interval", Config{Delimiter: ',', Quotation: '"', CancelCheckRows: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg); err == nil {
				t.Errorf("New(%+v) succeeded, want error", tt.cfg)
			}
			var oe *errs.OptionsError
			_, err := New(tt.cfg)
			if !errors.As(err, &oe) {
				t.Errorf("error is %T, want *errs.OptionsError", err)
			}
		})
	}

	if _, err := New(DefaultConfig()); err != nil {
		t.Errorf("default config rejected: %v", err)
	}
}

func TestEscapeField_RoundTrip(t *testing.T) {
	values := []string{
		"",
		"plain",
		"has,comma",
		`has"quote`,
		"has\nnewline",
		"has\r\nCRLF",
		"\rleading CR",
		`",",`,
		"\ufeffbom-leading",
		"汉字 and 🎉",
		strings.Repeat("x", 300),
	}
	for _, v := range values {
		escaped := EscapeField(v, ',', '"')
		toks, err := lexAll(t, DefaultConfig(), escaped)
		if err != nil {
			t.Fatalf("lex(escape(%q)) = %v", v, err)
		}
		if len(toks) != 1 || toks[0].Kind != Field {
			t.Fatalf("lex(escape(%q)) tokens = %v, want one field", v, kvs(toks))
		}
		if toks[0].Value != v {
			t.Errorf("round trip of %q = %q", v, toks[0].Value)
		}
	}
}
