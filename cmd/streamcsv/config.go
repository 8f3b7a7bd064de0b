package main

import (
	"fmt"
	"os"
	"unicode/utf8"

	"gopkg.in/yaml.v3"

	"github.com/shapestone/stream-csv/pkg/csv"
)

// fileConfig mirrors the parse flags for the YAML config file. Values
// set on the command line win over file values.
type fileConfig struct {
	Delimiter       string   `yaml:"delimiter"`
	Quotation       string   `yaml:"quotation"`
	Header          []string `yaml:"header"`
	NoHeader        bool     `yaml:"no_header"`
	Arrays          bool     `yaml:"arrays"`
	IncludeHeader   bool     `yaml:"include_header"`
	Policy          string   `yaml:"policy"`
	Hint            string   `yaml:"hint"`
	Charset         string   `yaml:"charset"`
	DetectDelimiter bool     `yaml:"detect_delimiter"`
	MaxBufferSize   int      `yaml:"max_buffer_size"`
	MaxFieldCount   int      `yaml:"max_field_count"`
	Disable         []string `yaml:"disable"`
	Workers         int      `yaml:"workers"`
	MetricsAddr     string   `yaml:"metrics_addr"`
	OTLPEndpoint    string   `yaml:"otlp_endpoint"`
}

func loadFileConfig(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := &fileConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// applyFileConfig copies set file values onto opts; zero values leave the
// defaults alone.
func applyFileConfig(opts *csv.Options, file *fileConfig) error {
	if file.Delimiter != "" {
		r, err := parseRuneValue(file.Delimiter)
		if err != nil {
			return fmt.Errorf("config delimiter: %w", err)
		}
		opts.Delimiter = r
	}
	if file.Quotation != "" {
		r, err := parseRuneValue(file.Quotation)
		if err != nil {
			return fmt.Errorf("config quotation: %w", err)
		}
		opts.Quotation = r
	}
	if len(file.Header) > 0 {
		opts.Header = file.Header
	}
	if file.NoHeader {
		opts.NoHeader = true
	}
	if file.Arrays {
		opts.OutputShape = csv.OutputArrays
	}
	if file.IncludeHeader {
		opts.IncludeHeader = true
	}
	if file.Policy != "" {
		p, err := parsePolicyValue(file.Policy)
		if err != nil {
			return fmt.Errorf("config policy: %w", err)
		}
		opts.Policy = p
	}
	if file.Hint != "" {
		h, err := parseHintValue(file.Hint)
		if err != nil {
			return fmt.Errorf("config hint: %w", err)
		}
		opts.Hint = h
	}
	if file.Charset != "" {
		opts.Charset = file.Charset
	}
	if file.DetectDelimiter {
		opts.DetectDelimiter = true
	}
	if file.MaxBufferSize != 0 {
		opts.MaxBufferSize = file.MaxBufferSize
	}
	if file.MaxFieldCount != 0 {
		opts.MaxFieldCount = file.MaxFieldCount
	}
	for _, name := range file.Disable {
		b, err := parseBackendValue(name)
		if err != nil {
			return fmt.Errorf("config disable: %w", err)
		}
		opts.DisabledBackends = append(opts.DisabledBackends, b)
	}
	if file.Workers > 0 {
		opts.EnableWorkers = true
		opts.WorkerPoolSize = file.Workers
	}
	return nil
}

// parseRuneValue reads a single-character flag; "tab" and "\t" name the
// tab character, which is awkward to pass literally in a shell.
func parseRuneValue(s string) (rune, error) {
	switch s {
	case "tab", "\\t":
		return '\t', nil
	}
	r, size := utf8.DecodeRuneInString(s)
	if size == 0 || size != len(s) || r == utf8.RuneError {
		return 0, fmt.Errorf("need exactly one character, got %q", s)
	}
	return r, nil
}

func parsePolicyValue(s string) (csv.Policy, error) {
	switch s {
	case "keep":
		return csv.PolicyKeep, nil
	case "pad":
		return csv.PolicyPad, nil
	case "strict":
		return csv.PolicyStrict, nil
	case "truncate":
		return csv.PolicyTruncate, nil
	}
	return 0, fmt.Errorf("unknown policy %q (keep, pad, strict, truncate)", s)
}

func parseHintValue(s string) (csv.Hint, error) {
	switch s {
	case "balanced":
		return csv.HintBalanced, nil
	case "speed":
		return csv.HintSpeed, nil
	case "consistency":
		return csv.HintConsistency, nil
	case "responsive":
		return csv.HintResponsive, nil
	}
	return 0, fmt.Errorf("unknown hint %q (balanced, speed, consistency, responsive)", s)
}

func parseBackendValue(s string) (csv.Backend, error) {
	switch s {
	case "plain":
		return csv.BackendPlain, nil
	case "compiled":
		return csv.BackendCompiled, nil
	case "accelerated":
		return csv.BackendAccelerated, nil
	}
	return 0, fmt.Errorf("unknown backend %q (plain, compiled, accelerated)", s)
}
