// Package importer loads telemetry and trouble codes from CSV, Excel and PDF
// exports of third-party scan tools.
package importer

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/xuri/excelize/v2"
)

// Format is a supported file format.
type Format string

// Supported formats.
const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
	FormatPDF  Format = "pdf"
)

// ErrEmpty is returned for files without a header row.
var ErrEmpty = errors.New("importer: file has no rows")

// Detect picks the format from the file extension, then from magic bytes.
// Anything unrecognised is treated as CSV.
func Detect(name string, head []byte) Format {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".xlsx", ".xlsm":
		return FormatXLSX
	case ".pdf":
		return FormatPDF
	case ".csv", ".tsv", ".txt":
		return FormatCSV
	}
	switch {
	case bytes.HasPrefix(head, []byte("PK")):
		return FormatXLSX
	case bytes.HasPrefix(head, []byte("%PDF")):
		return FormatPDF
	}
	return FormatCSV
}

// Table is a header row plus data rows. Row numbers in errors count the
// header as row 1.
type Table struct {
	Header []string
	Rows   [][]string
}

func newTable(records [][]string) (Table, error) {
	for i, rec := range records {
		if !blank(rec) {
			return Table{Header: rec, Rows: records[i+1:]}, nil
		}
	}
	return Table{}, ErrEmpty
}

func blank(rec []string) bool {
	for _, c := range rec {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

// ReadTable parses data in the given format.
func ReadTable(format Format, data []byte) (Table, error) {
	switch format {
	case FormatXLSX:
		return readXLSX(data)
	case FormatPDF:
		return readPDF(data)
	default:
		return readCSV(data)
	}
}

var delimiters = []rune{',', ';', '\t'}

// sniffDelimiter picks the candidate that occurs most often in the first
// non-empty line.
func sniffDelimiter(data []byte) rune {
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		best, bestCount := ',', 0
		for _, d := range delimiters {
			if n := strings.Count(line, string(d)); n > bestCount {
				best, bestCount = d, n
			}
		}
		return best
	}
	return ','
}

func readCSV(data []byte) (Table, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	r := csv.NewReader(bytes.NewReader(data))
	r.Comma = sniffDelimiter(data)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.TrimLeadingSpace = true
	records, err := r.ReadAll()
	if err != nil {
		return Table{}, fmt.Errorf("read csv: %w", err)
	}
	return newTable(records)
}

func readXLSX(data []byte) (Table, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return Table{}, fmt.Errorf("open xlsx: %w", err)
	}
	defer f.Close()
	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return Table{}, ErrEmpty
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return Table{}, fmt.Errorf("read sheet %s: %w", sheets[0], err)
	}
	return newTable(rows)
}

var cellGap = regexp.MustCompile(`\t|\s{2,}`)

// splitLine breaks one line of extracted text into cells: on commas when
// present, else on tabs or runs of spaces, else on single spaces.
func splitLine(line string) []string {
	line = strings.TrimSpace(line)
	var parts []string
	switch {
	case strings.Contains(line, ","):
		parts = strings.Split(line, ",")
	case cellGap.MatchString(line):
		parts = cellGap.Split(line, -1)
	default:
		parts = strings.Fields(line)
	}
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, strings.TrimSpace(p))
	}
	return out
}

func readPDF(data []byte) (Table, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return Table{}, fmt.Errorf("open pdf: %w", err)
	}
	var records [][]string
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		rows, err := page.GetTextByRow()
		if err != nil {
			return Table{}, fmt.Errorf("read pdf page %d: %w", i, err)
		}
		for _, row := range rows {
			records = append(records, pdfRow(row.Content)...)
		}
	}
	if len(records) == 0 {
		// Fall back to the flat text stream.
		text, err := r.GetPlainText()
		if err != nil {
			return Table{}, fmt.Errorf("read pdf text: %w", err)
		}
		plain, err := io.ReadAll(text)
		if err != nil {
			return Table{}, err
		}
		for _, line := range strings.Split(string(plain), "\n") {
			if strings.TrimSpace(line) != "" {
				records = append(records, splitLine(line))
			}
		}
	}
	return newTable(records)
}

// pdfRow turns the text runs of one visual row into records. Separate runs
// are separate cells; a single run is split like a text line.
func pdfRow(texts []pdf.Text) [][]string {
	var cells []string
	for _, t := range texts {
		if s := strings.TrimSpace(t.S); s != "" {
			cells = append(cells, s)
		}
	}
	switch len(cells) {
	case 0:
		return nil
	case 1:
		return [][]string{splitLine(cells[0])}
	}
	return [][]string{cells}
}
