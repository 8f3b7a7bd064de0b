package csv_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shapestone/stream-csv/pkg/csv"
)

func TestDefaultOptions(t *testing.T) {
	opts := csv.DefaultOptions()

	assert.Equal(t, ',', opts.Delimiter)
	assert.Equal(t, '"', opts.Quotation)
	assert.Equal(t, csv.DefaultMaxBufferSize, opts.MaxBufferSize)
	assert.Equal(t, csv.DefaultStreamBuffer, opts.StreamBuffer)
	assert.Equal(t, csv.OutputObjects, opts.OutputShape)
	assert.Equal(t, csv.PolicyKeep, opts.Policy)
	assert.Equal(t, csv.HintBalanced, opts.Hint)
	assert.False(t, opts.NoHeader)
	assert.False(t, opts.IncludeHeader)
	require.NoError(t, opts.Validate())
}

func TestZeroOptionsValidate(t *testing.T) {
	// Zero fields stand for their defaults.
	require.NoError(t, csv.Options{}.Validate())
}

func TestOptionsValidateRejects(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*csv.Options)
		wantField string
	}{
		{"newline delimiter", func(o *csv.Options) { o.Delimiter = '\n' }, "Delimiter"},
		{"carriage return delimiter", func(o *csv.Options) { o.Delimiter = '\r' }, "Delimiter"},
		{"quotation equals delimiter", func(o *csv.Options) { o.Quotation = ',' }, "Quotation"},
		{"newline quotation", func(o *csv.Options) { o.Quotation = '\n' }, "Quotation"},
		{"headerless with supplied header", func(o *csv.Options) {
			o.NoHeader = true
			o.Header = []string{"a"}
			o.OutputShape = csv.OutputArrays
		}, "Header"},
		{"headerless with object output", func(o *csv.Options) { o.NoHeader = true }, "NoHeader"},
		{"headerless with pad policy", func(o *csv.Options) {
			o.NoHeader = true
			o.OutputShape = csv.OutputArrays
			o.Policy = csv.PolicyPad
		}, "Policy"},
		{"headerless with include header", func(o *csv.Options) {
			o.NoHeader = true
			o.OutputShape = csv.OutputArrays
			o.IncludeHeader = true
		}, "IncludeHeader"},
		{"include header with object output", func(o *csv.Options) { o.IncludeHeader = true }, "IncludeHeader"},
		{"duplicate header names", func(o *csv.Options) { o.Header = []string{"a", "b", "a"} }, "Header"},
		{"unknown charset", func(o *csv.Options) { o.Charset = "no-such-charset" }, "Charset"},
		{"negative buffer cap", func(o *csv.Options) { o.MaxBufferSize = -1 }, "MaxBufferSize"},
		{"negative field cap", func(o *csv.Options) { o.MaxFieldCount = -1 }, "MaxFieldCount"},
		{"negative stream buffer", func(o *csv.Options) { o.StreamBuffer = -1 }, "StreamBuffer"},
		{"negative lexer cadence", func(o *csv.Options) { o.LexerCancelRows = -1 }, "LexerCancelRows"},
		{"negative assembler cadence", func(o *csv.Options) { o.AssemblerCancelRows = -1 }, "AssemblerCancelRows"},
		{"negative pool size", func(o *csv.Options) { o.WorkerPoolSize = -1 }, "WorkerPoolSize"},
		{"unknown policy", func(o *csv.Options) { o.Policy = csv.Policy(9) }, "Policy"},
		{"unknown hint", func(o *csv.Options) { o.Hint = csv.Hint(9) }, "Hint"},
		{"unknown output shape", func(o *csv.Options) { o.OutputShape = csv.OutputShape(9) }, "OutputShape"},
		{"unknown disabled backend", func(o *csv.Options) { o.DisabledBackends = []csv.Backend{csv.Backend(9)} }, "DisabledBackends"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := csv.DefaultOptions()
			tt.mutate(&opts)

			err := opts.Validate()
			require.Error(t, err)

			var oe *csv.OptionsError
			require.ErrorAs(t, err, &oe)
			assert.Equal(t, tt.wantField, oe.Field)
		})
	}
}

func TestOptionsValidateAccepts(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*csv.Options)
	}{
		{"tab delimiter", func(o *csv.Options) { o.Delimiter = '\t' }},
		{"multibyte delimiter", func(o *csv.Options) { o.Delimiter = '¦' }},
		{"supplied header strict", func(o *csv.Options) {
			o.Header = []string{"a", "b"}
			o.Policy = csv.PolicyStrict
		}},
		{"headerless arrays", func(o *csv.Options) {
			o.NoHeader = true
			o.OutputShape = csv.OutputArrays
		}},
		{"include header with arrays", func(o *csv.Options) {
			o.OutputShape = csv.OutputArrays
			o.IncludeHeader = true
		}},
		{"legacy charset", func(o *csv.Options) { o.Charset = "windows-1252" }},
		{"charset alias", func(o *csv.Options) { o.Charset = "Latin1" }},
		{"disabled backends", func(o *csv.Options) {
			o.DisabledBackends = []csv.Backend{csv.BackendCompiled, csv.BackendAccelerated}
		}},
		{"uncapped buffer", func(o *csv.Options) { o.MaxBufferSize = 0 }},
		{"workers", func(o *csv.Options) {
			o.EnableWorkers = true
			o.WorkerPoolSize = 2
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := csv.DefaultOptions()
			tt.mutate(&opts)
			assert.NoError(t, opts.Validate())
		})
	}
}

func TestOptionsErrorMessage(t *testing.T) {
	opts := csv.DefaultOptions()
	opts.Delimiter = '\n'

	err := opts.Validate()
	require.Error(t, err)
	assert.Equal(t, "csv: invalid Delimiter: must be a single character other than CR or LF", err.Error())
}

func TestEnumStrings(t *testing.T) {
	assert.Equal(t, "objects", csv.OutputObjects.String())
	assert.Equal(t, "arrays", csv.OutputArrays.String())

	assert.Equal(t, "keep", csv.PolicyKeep.String())
	assert.Equal(t, "pad", csv.PolicyPad.String())
	assert.Equal(t, "strict", csv.PolicyStrict.String())
	assert.Equal(t, "truncate", csv.PolicyTruncate.String())

	assert.Equal(t, "balanced", csv.HintBalanced.String())
	assert.Equal(t, "speed", csv.HintSpeed.String())
	assert.Equal(t, "consistency", csv.HintConsistency.String())
	assert.Equal(t, "responsive", csv.HintResponsive.String())

	assert.Equal(t, "plain", csv.BackendPlain.String())
	assert.Equal(t, "compiled", csv.BackendCompiled.String())
	assert.Equal(t, "accelerated", csv.BackendAccelerated.String())

	assert.Equal(t, "accelerated/worker-message", csv.Strategy{Backend: csv.BackendAccelerated, Context: "worker-message"}.String())
}
