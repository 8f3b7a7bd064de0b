package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/shapestone/stream-csv/internal/metric"
	"github.com/shapestone/stream-csv/internal/mmapfile"
	"github.com/shapestone/stream-csv/internal/tracing"
	"github.com/shapestone/stream-csv/pkg/csv"
)

var parseFlags struct {
	delimiter       string
	quotation       string
	header          []string
	noHeader        bool
	arrays          bool
	includeHeader   bool
	policy          string
	hint            string
	charset         string
	detectDelimiter bool
	maxBuffer       int
	maxFields       int
	streamBuffer    int
	disable         []string
	workers         int
	output          string
	metricsAddr     string
	otlpEndpoint    string
}

var parseCmd = &cobra.Command{
	Use:   "parse [file]",
	Short: "Parse a CSV file, or stdin, to JSON lines",
	Long: `Parses the named file, or stdin when no file is given, and writes one
JSON value per record. With a header, records are objects keyed by
column name; with --arrays they are arrays of fields.

Files are memory-mapped; stdin is streamed. Input size is unbounded
either way.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runParse,
}

func init() {
	f := parseCmd.Flags()
	f.StringVarP(&parseFlags.delimiter, "delimiter", "d", ",", "Field delimiter (single character, or \"tab\")")
	f.StringVarP(&parseFlags.quotation, "quote", "q", "\"", "Quotation character")
	f.StringSliceVar(&parseFlags.header, "header", nil, "Treat every input row as data under these column names")
	f.BoolVar(&parseFlags.noHeader, "no-header", false, "Input has no header row; records come out as arrays")
	f.BoolVar(&parseFlags.arrays, "arrays", false, "Output records as JSON arrays instead of objects")
	f.BoolVar(&parseFlags.includeHeader, "include-header", false, "Emit the header row as the first array record")
	f.StringVar(&parseFlags.policy, "policy", "keep", "Column-count policy: keep, pad, strict, or truncate")
	f.StringVar(&parseFlags.hint, "hint", "balanced", "Backend tuning hint: balanced, speed, consistency, or responsive")
	f.StringVar(&parseFlags.charset, "charset", "", "Input charset as a WHATWG label (default UTF-8)")
	f.BoolVar(&parseFlags.detectDelimiter, "detect-delimiter", false, "Sniff the delimiter from the input head")
	f.IntVar(&parseFlags.maxBuffer, "max-buffer", csv.DefaultMaxBufferSize, "Field buffer cap in bytes; 0 removes the cap")
	f.IntVar(&parseFlags.maxFields, "max-fields", 0, "Field count cap per record; 0 uses the engine default")
	f.IntVar(&parseFlags.streamBuffer, "stream-buffer", csv.DefaultStreamBuffer, "Record channel depth between parser and writer")
	f.StringSliceVar(&parseFlags.disable, "disable", nil, "Backends to exclude: compiled, accelerated")
	f.IntVar(&parseFlags.workers, "workers", 0, "Worker pool size; 0 parses in-process")
	f.StringVarP(&parseFlags.output, "output", "o", "", "Write output to this file instead of stdout")
	f.StringVar(&parseFlags.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	f.StringVar(&parseFlags.otlpEndpoint, "otlp-endpoint", "", "Export traces over OTLP HTTP to this host:port")
}

// buildOptions layers engine options: defaults, then the config file,
// then any flag set on the command line.
func buildOptions(flags *pflag.FlagSet, file *fileConfig) (csv.Options, error) {
	opts := csv.DefaultOptions()
	if file != nil {
		if err := applyFileConfig(&opts, file); err != nil {
			return opts, err
		}
	}

	if flags.Changed("delimiter") {
		r, err := parseRuneValue(parseFlags.delimiter)
		if err != nil {
			return opts, fmt.Errorf("--delimiter: %w", err)
		}
		opts.Delimiter = r
	}
	if flags.Changed("quote") {
		r, err := parseRuneValue(parseFlags.quotation)
		if err != nil {
			return opts, fmt.Errorf("--quote: %w", err)
		}
		opts.Quotation = r
	}
	if flags.Changed("header") {
		opts.Header = parseFlags.header
	}
	if flags.Changed("no-header") {
		opts.NoHeader = parseFlags.noHeader
	}
	if flags.Changed("arrays") {
		if parseFlags.arrays {
			opts.OutputShape = csv.OutputArrays
		} else {
			opts.OutputShape = csv.OutputObjects
		}
	}
	if flags.Changed("include-header") {
		opts.IncludeHeader = parseFlags.includeHeader
	}
	if flags.Changed("policy") {
		p, err := parsePolicyValue(parseFlags.policy)
		if err != nil {
			return opts, fmt.Errorf("--policy: %w", err)
		}
		opts.Policy = p
	}
	if flags.Changed("hint") {
		h, err := parseHintValue(parseFlags.hint)
		if err != nil {
			return opts, fmt.Errorf("--hint: %w", err)
		}
		opts.Hint = h
	}
	if flags.Changed("charset") {
		opts.Charset = parseFlags.charset
	}
	if flags.Changed("detect-delimiter") {
		opts.DetectDelimiter = parseFlags.detectDelimiter
	}
	if flags.Changed("max-buffer") {
		opts.MaxBufferSize = parseFlags.maxBuffer
	}
	if flags.Changed("max-fields") {
		opts.MaxFieldCount = parseFlags.maxFields
	}
	if flags.Changed("stream-buffer") {
		opts.StreamBuffer = parseFlags.streamBuffer
	}
	if flags.Changed("disable") {
		opts.DisabledBackends = nil
		for _, name := range parseFlags.disable {
			b, err := parseBackendValue(name)
			if err != nil {
				return opts, fmt.Errorf("--disable: %w", err)
			}
			opts.DisabledBackends = append(opts.DisabledBackends, b)
		}
	}
	if flags.Changed("workers") {
		opts.EnableWorkers = parseFlags.workers > 0
		opts.WorkerPoolSize = parseFlags.workers
	}

	// Headerless parses have no names to key objects by.
	if opts.NoHeader {
		opts.OutputShape = csv.OutputArrays
	}
	return opts, nil
}

func runParse(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	var file *fileConfig
	if configPath != "" {
		c, err := loadFileConfig(configPath)
		if err != nil {
			return err
		}
		file = c
	}

	opts, err := buildOptions(cmd.Flags(), file)
	if err != nil {
		return err
	}
	opts.OnFallback = func(f csv.Fallback) {
		logger.Warn("backend fallback",
			zap.Stringer("requested", f.Requested),
			zap.Stringer("actual", f.Actual),
			zap.Error(f.Reason))
	}

	metricsAddr := parseFlags.metricsAddr
	if metricsAddr == "" && file != nil {
		metricsAddr = file.MetricsAddr
	}
	otlpEndpoint := parseFlags.otlpEndpoint
	if otlpEndpoint == "" && file != nil {
		otlpEndpoint = file.OTLPEndpoint
	}

	engOpts := []csv.EngineOption{csv.WithLogger(logger)}

	if metricsAddr != "" {
		reg := metric.NewRegistry()
		engOpts = append(engOpts, csv.WithMetrics(reg.Metrics))
		go serveMetrics(metricsAddr, reg)
	}

	if otlpEndpoint != "" {
		tcfg := tracing.DefaultConfig("streamcsv")
		tcfg.ServiceVersion = version
		tcfg.OTLPEndpoint = otlpEndpoint
		shutdown, err := tracing.Setup(ctx, tcfg, logger)
		if err != nil {
			return err
		}
		defer func() {
			flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer flushCancel()
			if err := shutdown(flushCtx); err != nil {
				logger.Warn("trace shutdown", zap.Error(err))
			}
		}()
		engOpts = append(engOpts, csv.WithTracer(tracing.Tracer()))
	}

	eng, err := csv.New(opts, engOpts...)
	if err != nil {
		return err
	}
	defer eng.Close()

	stream, release, err := openInput(ctx, eng, args)
	if err != nil {
		return err
	}
	if release != nil {
		defer release()
	}

	out, closeOut, err := openOutput(parseFlags.output)
	if err != nil {
		stream.Close()
		return err
	}

	start := time.Now()
	rows, err := writeRecords(stream, out, opts.OutputShape == csv.OutputArrays)
	if cerr := stream.Close(); err == nil {
		err = cerr
	}
	err = multierr.Append(err, closeOut())
	if err != nil {
		return err
	}
	logger.Info("parse complete",
		zap.Int("rows", rows),
		zap.Duration("elapsed", time.Since(start)),
	)
	return nil
}

// openInput starts a parse over the named file, or stdin for "-" or no
// argument. The returned release unmaps a mapped file and must run only
// after the stream is done.
func openInput(ctx context.Context, eng *csv.Engine, args []string) (*csv.RecordStream, func(), error) {
	if len(args) == 0 || args[0] == "-" {
		stream, err := eng.ParseReader(ctx, bufio.NewReaderSize(os.Stdin, 64<<10))
		return stream, nil, err
	}
	data, release, err := mmapfile.Map(args[0])
	if err != nil {
		return nil, nil, err
	}
	stream, err := eng.ParseBytes(ctx, data)
	if err != nil {
		release()
		return nil, nil, err
	}
	return stream, release, nil
}

func openOutput(path string) (io.Writer, func() error, error) {
	if path == "" || path == "-" {
		w := bufio.NewWriterSize(os.Stdout, 64<<10)
		return w, w.Flush, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("create %s: %w", path, err)
	}
	w := bufio.NewWriterSize(f, 64<<10)
	closeOut := func() error {
		return multierr.Append(w.Flush(), f.Close())
	}
	return w, closeOut, nil
}

func writeRecords(stream *csv.RecordStream, w io.Writer, arrays bool) (int, error) {
	enc := json.NewEncoder(w)
	rows := 0
	for stream.Next() {
		rec := stream.Record()
		var v any
		if arrays {
			v = rec.Fields()
		} else {
			v = rec.Map()
		}
		if err := enc.Encode(v); err != nil {
			return rows, fmt.Errorf("write record %d: %w", rec.Number(), err)
		}
		rows++
	}
	return rows, stream.Err()
}

func serveMetrics(addr string, reg *metric.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg.Prometheus(), promhttp.HandlerOpts{}))
	logger.Info("serving metrics", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics server failed", zap.Error(err))
	}
}
