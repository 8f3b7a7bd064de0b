package csv_test

import (
	"context"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shapestone/stream-csv/internal/metric"
	"github.com/shapestone/stream-csv/internal/resolver"
	"github.com/shapestone/stream-csv/internal/workerpool"
	"github.com/shapestone/stream-csv/pkg/csv"
)

// sliceChunks serves a fixed chunk sequence.
type sliceChunks struct {
	chunks []string
	i      int
}

func (s *sliceChunks) ReadChunk() (string, error) {
	if s.i >= len(s.chunks) {
		return "", io.EOF
	}
	c := s.chunks[s.i]
	s.i++
	return c, nil
}

// flatRec is a comparable projection of a Record.
type flatRec struct {
	Number int
	Fields []string
}

func flatten(recs []csv.Record) []flatRec {
	out := make([]flatRec, len(recs))
	for i, r := range recs {
		out[i] = flatRec{Number: r.Number(), Fields: r.Fields()}
	}
	return out
}

func splitEvery(s string, n int) []string {
	var out []string
	for len(s) > n {
		out = append(out, s[:n])
		s = s[n:]
	}
	return append(out, s)
}

func TestParseDefaults(t *testing.T) {
	stream, err := csv.ParseString(context.Background(), "a,b\n1,2")
	require.NoError(t, err)
	defer stream.Close()

	recs, err := stream.Collect()
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, recs[0].Map())
	assert.Equal(t, []string{"a", "b"}, stream.Header())
}

func TestParseChunksMatchesWhole(t *testing.T) {
	const doc = "h1,h2\r\n\"a\r\nb\",\"say \"\"hi\"\"\"\r\nlast,row\r\n"

	whole, err := csv.ParseString(context.Background(), doc)
	require.NoError(t, err)
	want, err := whole.Collect()
	require.NoError(t, err)
	require.Len(t, want, 2)

	splits := map[string][]string{
		"single chunk":      {doc},
		"crlf split":        {"h1,h2\r", "\n\"a\r\nb\",\"say \"\"hi\"\"\"\r\nlast,row\r\n"},
		"quote pair split":  {"h1,h2\r\n\"a\r\nb\",\"say \"", "\"hi\"\"\"\r\nlast,row\r\n"},
		"one byte chunks":   splitEvery(doc, 1),
		"three byte chunks": splitEvery(doc, 3),
	}

	for name, chunks := range splits {
		t.Run(name, func(t *testing.T) {
			stream, err := csv.ParseChunks(context.Background(), &sliceChunks{chunks: chunks})
			require.NoError(t, err)
			defer stream.Close()

			got, err := stream.Collect()
			require.NoError(t, err)
			assert.Equal(t, flatten(want), flatten(got))
		})
	}
}

func TestParseChunksSplitsRunes(t *testing.T) {
	// Chunk boundaries inside multi-byte characters must not change the
	// output: the accent of "café" arrives one byte per chunk here.
	const doc = "café,x\n1,2\n"

	whole, err := csv.ParseString(context.Background(), doc)
	require.NoError(t, err)
	want, err := whole.Collect()
	require.NoError(t, err)
	require.Len(t, want, 1)
	assert.Equal(t, map[string]string{"café": "1", "x": "2"}, want[0].Map())

	splits := map[string][]string{
		"inside accent":    {"caf\xc3", "\xa9,x\n1,2\n"},
		"one byte chunks":  splitEvery(doc, 1),
		"prefix only tail": {"caf", "\xc3", "\xa9,x\n1,2\n"},
	}

	for name, chunks := range splits {
		t.Run(name, func(t *testing.T) {
			stream, err := csv.ParseChunks(context.Background(), &sliceChunks{chunks: chunks})
			require.NoError(t, err)
			defer stream.Close()

			got, err := stream.Collect()
			require.NoError(t, err)
			assert.Equal(t, flatten(want), flatten(got))
		})
	}

	t.Run("four byte emoji bytewise", func(t *testing.T) {
		const emojiDoc = "\ufeffcol\n🎉,🎈\n"
		whole, err := csv.ParseString(context.Background(), emojiDoc)
		require.NoError(t, err)
		want, err := whole.Collect()
		require.NoError(t, err)

		stream, err := csv.ParseChunks(context.Background(), &sliceChunks{chunks: splitEvery(emojiDoc, 1)})
		require.NoError(t, err)
		defer stream.Close()

		got, err := stream.Collect()
		require.NoError(t, err)
		assert.Equal(t, flatten(want), flatten(got))
	})
}

func TestParseReaderBytewise(t *testing.T) {
	// Single-byte reads split the BOM, CRLF pairs, and multi-byte runes
	// across scanner feeds.
	const doc = "\uFEFFname,note\r\nπ,\"a\r\nb\"\r\n"

	whole, err := csv.ParseString(context.Background(), doc)
	require.NoError(t, err)
	want, err := whole.Collect()
	require.NoError(t, err)

	stream, err := csv.ParseReader(context.Background(), iotest.OneByteReader(strings.NewReader(doc)))
	require.NoError(t, err)
	defer stream.Close()

	got, err := stream.Collect()
	require.NoError(t, err)
	assert.Equal(t, flatten(want), flatten(got))
	assert.Equal(t, []string{"name", "note"}, stream.Header())
	require.Len(t, got, 1)
	assert.Equal(t, "π", got[0].Field(0))
	assert.Equal(t, "a\r\nb", got[0].Field(1))
}

func TestQuotedHeaderFieldKeepsDelimiter(t *testing.T) {
	stream, err := csv.ParseString(context.Background(), "\"x,y\",z\n1,2\n")
	require.NoError(t, err)
	defer stream.Close()

	recs, err := stream.Collect()
	require.NoError(t, err)
	assert.Equal(t, []string{"x,y", "z"}, stream.Header())

	require.Len(t, recs, 1)
	v, ok := recs[0].Get("x,y")
	require.True(t, ok)
	assert.Equal(t, "1", v)
}

func TestSuppliedHeaderStrict(t *testing.T) {
	opts := csv.DefaultOptions()
	opts.Header = []string{"a", "b"}
	opts.Policy = csv.PolicyStrict
	eng, err := csv.New(opts)
	require.NoError(t, err)

	stream, err := eng.ParseString(context.Background(), "1,2,3\n")
	require.NoError(t, err)
	defer stream.Close()

	recs, err := stream.Collect()
	require.Error(t, err)
	assert.Empty(t, recs)
	assert.ErrorIs(t, err, csv.ErrColumnCount)

	var cce *csv.ColumnCountError
	require.ErrorAs(t, err, &cce)
	assert.Equal(t, 1, cce.Row)
	assert.Equal(t, 2, cce.Expected)
	assert.Equal(t, 3, cce.Got)
}

func TestSpeedHintWithoutCapabilities(t *testing.T) {
	resolver.SetCapabilities(resolver.Capabilities{})
	t.Cleanup(resolver.ResetCapabilities)

	opts := csv.DefaultOptions()
	opts.Hint = csv.HintSpeed
	opts.OnFallback = func(csv.Fallback) {
		t.Error("no fallback expected when the plan is already minimal")
	}
	eng, err := csv.New(opts)
	require.NoError(t, err)

	stream, err := eng.ParseString(context.Background(), "a,b\n1,2\n")
	require.NoError(t, err)
	defer stream.Close()

	recs, err := stream.Collect()
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, recs[0].Map())
}

func TestFallbackNotification(t *testing.T) {
	resolver.SetCapabilities(resolver.Capabilities{WideWords: true, MultiCore: true, StreamHandoff: true})
	t.Cleanup(resolver.ResetCapabilities)

	// A multi-byte delimiter is outside the accelerated scanner's
	// fast-path alphabet, so the speed plan's first choice declines.
	var falls []csv.Fallback
	opts := csv.DefaultOptions()
	opts.Delimiter = '¦'
	opts.Hint = csv.HintSpeed
	opts.OnFallback = func(f csv.Fallback) { falls = append(falls, f) }
	eng, err := csv.New(opts)
	require.NoError(t, err)

	stream, err := eng.ParseString(context.Background(), "a¦b\n1¦2\n")
	require.NoError(t, err)
	defer stream.Close()

	recs, err := stream.Collect()
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, recs[0].Map())

	require.Len(t, falls, 1)
	assert.Equal(t, csv.BackendAccelerated, falls[0].Requested.Backend)
	assert.Equal(t, csv.BackendPlain, falls[0].Actual.Backend)
	assert.ErrorIs(t, falls[0].Reason, csv.ErrBackendUnavailable)
}

func TestParseBytesCharset(t *testing.T) {
	opts := csv.DefaultOptions()
	opts.Charset = "windows-1252"
	eng, err := csv.New(opts)
	require.NoError(t, err)

	data := append([]byte("name,city\ncaf"), 0xE9, ',', 'm', 0xFC, 'n', 'c', 'h', 'e', 'n', '\n')
	stream, err := eng.ParseBytes(context.Background(), data)
	require.NoError(t, err)
	defer stream.Close()

	recs, err := stream.Collect()
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, map[string]string{"name": "café", "city": "münchen"}, recs[0].Map())
}

func TestParseBytesInvalidUTF8(t *testing.T) {
	opts := csv.DefaultOptions()
	opts.Charset = "utf-8"
	eng, err := csv.New(opts)
	require.NoError(t, err)

	// Raw 0xFF can never appear in UTF-8.
	stream, err := eng.ParseBytes(context.Background(), []byte("a\n\xff\n"))
	require.NoError(t, err)
	defer stream.Close()

	_, err = stream.Collect()
	assert.ErrorIs(t, err, csv.ErrInvalidUTF8)
}

func TestDetectDelimiterOption(t *testing.T) {
	opts := csv.DefaultOptions()
	opts.DetectDelimiter = true
	eng, err := csv.New(opts)
	require.NoError(t, err)

	t.Run("buffered", func(t *testing.T) {
		stream, err := eng.ParseString(context.Background(), "a;b;c\n1;2;3\n")
		require.NoError(t, err)
		defer stream.Close()

		recs, err := stream.Collect()
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c"}, stream.Header())
		require.Len(t, recs, 1)
		assert.Equal(t, []string{"1", "2", "3"}, recs[0].Fields())
	})

	t.Run("reader", func(t *testing.T) {
		stream, err := eng.ParseReader(context.Background(), strings.NewReader("a\tb\n1\t2\n"))
		require.NoError(t, err)
		defer stream.Close()

		recs, err := stream.Collect()
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, stream.Header())
		require.Len(t, recs, 1)
	})

	t.Run("chunks", func(t *testing.T) {
		stream, err := eng.ParseChunks(context.Background(), &sliceChunks{chunks: []string{"a;b\n1;", "2\n3;4\n"}})
		require.NoError(t, err)
		defer stream.Close()

		recs, err := stream.Collect()
		require.NoError(t, err)
		require.Len(t, recs, 2)
		assert.Equal(t, []string{"3", "4"}, recs[1].Fields())
	})

	t.Run("no signal keeps configured delimiter", func(t *testing.T) {
		stream, err := eng.ParseString(context.Background(), "one\ntwo\n")
		require.NoError(t, err)
		defer stream.Close()

		recs, err := stream.Collect()
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, []string{"two"}, recs[0].Fields())
	})
}

func TestEngineWorkers(t *testing.T) {
	opts := csv.DefaultOptions()
	opts.EnableWorkers = true
	opts.WorkerPoolSize = 2
	eng, err := csv.New(opts)
	require.NoError(t, err)
	defer eng.Close()

	for i := 0; i < 3; i++ {
		stream, err := eng.ParseString(context.Background(), "a,b\n1,2\n")
		require.NoError(t, err)

		recs, err := stream.Collect()
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, "1", recs[0].Field(0))
	}
}

func TestEngineSharedPool(t *testing.T) {
	pool := workerpool.New(workerpool.Config{Workers: 1}, zap.NewNop())
	defer pool.Close()

	a, err := csv.New(csv.DefaultOptions(), csv.WithPool(pool))
	require.NoError(t, err)
	b, err := csv.New(csv.DefaultOptions(), csv.WithPool(pool))
	require.NoError(t, err)

	require.NoError(t, a.Close(), "closing an engine leaves an injected pool open")

	stream, err := b.ParseString(context.Background(), "x\n1\n")
	require.NoError(t, err)
	defer stream.Close()

	recs, err := stream.Collect()
	require.NoError(t, err)
	require.Len(t, recs, 1)
}

func TestEngineMetrics(t *testing.T) {
	m := metric.New()
	eng, err := csv.New(csv.DefaultOptions(), csv.WithMetrics(m))
	require.NoError(t, err)

	stream, err := eng.ParseString(context.Background(), "a\n1\n2\n")
	require.NoError(t, err)
	defer stream.Close()

	recs, err := stream.Collect()
	require.NoError(t, err)
	require.Len(t, recs, 2)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.RowsTotal.WithLabelValues("plain")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ParsesTotal.WithLabelValues("plain", "in-process", "ok")))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.ActiveSessions))
}

func TestNewRejectsInvalidOptions(t *testing.T) {
	opts := csv.DefaultOptions()
	opts.Delimiter = '\n'

	eng, err := csv.New(opts)
	assert.Nil(t, eng)

	var oe *csv.OptionsError
	assert.ErrorAs(t, err, &oe)
}

func TestInferredHeaderMustBeUnique(t *testing.T) {
	stream, err := csv.ParseString(context.Background(), "x,x\n1,2\n")
	require.NoError(t, err)
	defer stream.Close()

	_, err = stream.Collect()
	require.Error(t, err)

	var oe *csv.OptionsError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, "Header", oe.Field)
}

func TestFieldCountLimit(t *testing.T) {
	opts := csv.DefaultOptions()
	opts.MaxFieldCount = 2
	eng, err := csv.New(opts)
	require.NoError(t, err)

	stream, err := eng.ParseString(context.Background(), "a,b\n1,2,3\n")
	require.NoError(t, err)
	defer stream.Close()

	_, err = stream.Collect()
	assert.ErrorIs(t, err, csv.ErrFieldLimit)
}

func TestBufferLimit(t *testing.T) {
	opts := csv.DefaultOptions()
	opts.MaxBufferSize = 8
	eng, err := csv.New(opts)
	require.NoError(t, err)

	stream, err := eng.ParseString(context.Background(), "h\nwell-beyond-eight-bytes\n")
	require.NoError(t, err)
	defer stream.Close()

	_, err = stream.Collect()
	assert.ErrorIs(t, err, csv.ErrBufferLimit)
}

func TestBareCarriageReturnBreaksRecords(t *testing.T) {
	stream, err := csv.ParseString(context.Background(), "h\ra\rb\n")
	require.NoError(t, err)
	defer stream.Close()

	recs, err := stream.Collect()
	require.NoError(t, err)
	assert.Equal(t, []flatRec{
		{Number: 2, Fields: []string{"a"}},
		{Number: 3, Fields: []string{"b"}},
	}, flatten(recs))
}
