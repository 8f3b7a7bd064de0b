package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/shapestone/stream-csv/pkg/csv"
)

var sniffFlags struct {
	sample int
	asJSON bool
}

var sniffCmd = &cobra.Command{
	Use:   "sniff [file]",
	Short: "Detect the dialect of a CSV file",
	Long: `Reads the head of the named file, or stdin, and reports the detected
field delimiter and whether the first row looks like a header.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSniff,
}

func init() {
	f := sniffCmd.Flags()
	f.IntVar(&sniffFlags.sample, "sample", 64<<10, "Bytes of input to inspect")
	f.BoolVar(&sniffFlags.asJSON, "json", false, "Report as JSON")
}

func runSniff(cmd *cobra.Command, args []string) error {
	sample, err := readSample(args, sniffFlags.sample)
	if err != nil {
		return err
	}

	d := csv.DetectDialect(sample)

	if sniffFlags.asJSON {
		report := struct {
			Delimiter string `json:"delimiter"`
			HasHeader bool   `json:"has_header"`
		}{HasHeader: d.HasHeader}
		if d.Delimiter != 0 {
			report.Delimiter = string(d.Delimiter)
		}
		return json.NewEncoder(os.Stdout).Encode(report)
	}

	if d.Delimiter == 0 {
		fmt.Println("no delimiter detected")
		return nil
	}
	fmt.Printf("delimiter: %q\n", d.Delimiter)
	fmt.Printf("header:    %v\n", d.HasHeader)
	return nil
}

func readSample(args []string, limit int) ([]byte, error) {
	if len(args) == 0 || args[0] == "-" {
		return io.ReadAll(io.LimitReader(os.Stdin, int64(limit)))
	}
	f, err := os.Open(args[0])
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(io.LimitReader(f, int64(limit)))
}
