package csv_test

import (
	"context"
	encodingcsv "encoding/csv"
	"fmt"
	"strings"
	"testing"

	"github.com/shapestone/stream-csv/pkg/csv"
)

type benchRecord struct {
	ID         int     `csv:"id"`
	FirstName  string  `csv:"first_name"`
	LastName   string  `csv:"last_name"`
	Email      string  `csv:"email"`
	Department string  `csv:"department"`
	Salary     float64 `csv:"salary"`
	Active     bool    `csv:"active"`
}

func benchDoc(rows int) string {
	var sb strings.Builder
	sb.WriteString("id,first_name,last_name,email,department,salary,active\n")
	for i := 0; i < rows; i++ {
		fmt.Fprintf(&sb, "%d,First%d,Last%d,user%d@example.com,dept%d,%.2f,%t\n",
			i+1, i, i, i, i%10, 50000.0+float64(i)*100, i%2 == 0)
	}
	return sb.String()
}

func benchParse(b *testing.B, eng *csv.Engine, doc string) {
	b.SetBytes(int64(len(doc)))
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		stream, err := eng.ParseString(context.Background(), doc)
		if err != nil {
			b.Fatal(err)
		}
		records, err := stream.Collect()
		if err != nil {
			b.Fatal(err)
		}
		_ = records
	}
}

func BenchmarkParseStringSmall(b *testing.B) {
	eng, err := csv.New(csv.DefaultOptions())
	if err != nil {
		b.Fatal(err)
	}
	benchParse(b, eng, benchDoc(100))
}

func BenchmarkParseStringLarge(b *testing.B) {
	eng, err := csv.New(csv.DefaultOptions())
	if err != nil {
		b.Fatal(err)
	}
	benchParse(b, eng, benchDoc(10000))
}

func BenchmarkParseArraysLarge(b *testing.B) {
	opts := csv.DefaultOptions()
	opts.OutputShape = csv.OutputArrays
	eng, err := csv.New(opts)
	if err != nil {
		b.Fatal(err)
	}
	benchParse(b, eng, benchDoc(10000))
}

func BenchmarkParseQuotedFields(b *testing.B) {
	var sb strings.Builder
	sb.WriteString("name,description,notes\n")
	for i := 0; i < 100; i++ {
		fmt.Fprintf(&sb, "\"User %d\",\"Description with, comma and \"\"quotes\"\"\",\"Multi\nline\nnotes\"\n", i)
	}
	eng, err := csv.New(csv.DefaultOptions())
	if err != nil {
		b.Fatal(err)
	}
	benchParse(b, eng, sb.String())
}

func BenchmarkDecodeAllStructsLarge(b *testing.B) {
	doc := benchDoc(10000)
	eng, err := csv.New(csv.DefaultOptions())
	if err != nil {
		b.Fatal(err)
	}

	b.SetBytes(int64(len(doc)))
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		stream, err := eng.ParseString(context.Background(), doc)
		if err != nil {
			b.Fatal(err)
		}
		var records []benchRecord
		if err := stream.DecodeAll(&records); err != nil {
			b.Fatal(err)
		}
		_ = records
	}
}

func BenchmarkEncodingCSVReadAllLarge(b *testing.B) {
	doc := benchDoc(10000)

	b.SetBytes(int64(len(doc)))
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		reader := encodingcsv.NewReader(strings.NewReader(doc))
		records, err := reader.ReadAll()
		if err != nil {
			b.Fatal(err)
		}
		_ = records
	}
}
