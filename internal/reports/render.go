package reports

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-pdf/fpdf"
	"github.com/xuri/excelize/v2"
)

func render(f Format, doc document) ([]byte, error) {
	switch f {
	case FormatCSV:
		return renderCSV(doc)
	case FormatJSON:
		return renderJSON(doc)
	case FormatXLSX:
		return renderXLSX(doc)
	case FormatPDF:
		return renderPDF(doc)
	}
	return nil, fmt.Errorf("unsupported report format %s", f)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func formatCell(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return v
	case int:
		return strconv.Itoa(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case time.Time:
		return formatTime(v)
	default:
		return fmt.Sprint(v)
	}
}

// renderCSV writes one header and row block per table. Reports with more
// than one table prefix each block with a "# title" line.
func renderCSV(doc document) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	multi := len(doc.Tables) > 1
	for i, t := range doc.Tables {
		if multi {
			if i > 0 {
				if err := w.Write([]string{}); err != nil {
					return nil, err
				}
			}
			if err := w.Write([]string{"# " + t.Title}); err != nil {
				return nil, err
			}
		}
		if err := w.Write(t.Columns); err != nil {
			return nil, err
		}
		record := make([]string, len(t.Columns))
		for _, row := range t.Rows {
			for j := range record {
				record[j] = ""
				if j < len(row) {
					record[j] = formatCell(row[j])
				}
			}
			if err := w.Write(record); err != nil {
				return nil, err
			}
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("write csv: %w", err)
	}
	return buf.Bytes(), nil
}

type jsonReport struct {
	Title       string    `json:"title"`
	GeneratedAt time.Time `json:"generated_at"`
	Data        any       `json:"data"`
}

func renderJSON(doc document) ([]byte, error) {
	out, err := json.MarshalIndent(jsonReport{Title: doc.Title, GeneratedAt: doc.GeneratedAt, Data: doc.Data}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal report: %w", err)
	}
	return out, nil
}

const summarySheet = "Summary"

// renderXLSX writes the title and metadata to a summary sheet followed by
// one sheet per table.
func renderXLSX(doc document) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()
	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return nil, fmt.Errorf("rename sheet: %w", err)
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return nil, fmt.Errorf("create style: %w", err)
	}
	if err := f.SetSheetRow(summarySheet, "A1", &[]any{doc.Title}); err != nil {
		return nil, err
	}
	if err := f.SetSheetRow(summarySheet, "A2", &[]any{"Generated", formatTime(doc.GeneratedAt)}); err != nil {
		return nil, err
	}
	for i, m := range doc.Meta {
		cell, err := excelize.CoordinatesToCellName(1, i+3)
		if err != nil {
			return nil, err
		}
		if err := f.SetSheetRow(summarySheet, cell, &[]any{m[0], m[1]}); err != nil {
			return nil, err
		}
	}
	if err := f.SetRowStyle(summarySheet, 1, 1, bold); err != nil {
		return nil, err
	}

	used := map[string]bool{strings.ToLower(summarySheet): true}
	for _, t := range doc.Tables {
		name := sheetName(t.Title, used)
		if _, err := f.NewSheet(name); err != nil {
			return nil, fmt.Errorf("add sheet %s: %w", name, err)
		}
		header := make([]any, len(t.Columns))
		for i, c := range t.Columns {
			header[i] = c
		}
		if err := f.SetSheetRow(name, "A1", &header); err != nil {
			return nil, err
		}
		if err := f.SetRowStyle(name, 1, 1, bold); err != nil {
			return nil, err
		}
		for i, row := range t.Rows {
			cell, err := excelize.CoordinatesToCellName(1, i+2)
			if err != nil {
				return nil, err
			}
			values := make([]any, len(row))
			for j, v := range row {
				values[j] = xlsxValue(v)
			}
			if err := f.SetSheetRow(name, cell, &values); err != nil {
				return nil, err
			}
		}
	}
	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("write xlsx: %w", err)
	}
	return buf.Bytes(), nil
}

func xlsxValue(v any) any {
	if t, ok := v.(time.Time); ok {
		if t.IsZero() {
			return ""
		}
		return t.UTC()
	}
	return v
}

// sheetName makes an Excel-safe unique sheet name: at most 31 characters
// and none of []:*?/\.
func sheetName(title string, used map[string]bool) string {
	clean := strings.Map(func(r rune) rune {
		if strings.ContainsRune(`[]:*?/\`, r) {
			return -1
		}
		return r
	}, strings.TrimSpace(title))
	if clean == "" {
		clean = "Table"
	}
	name := truncateRunes(clean, 31)
	for n := 2; used[strings.ToLower(name)]; n++ {
		suffix := fmt.Sprintf(" %d", n)
		name = truncateRunes(clean, 31-len(suffix)) + suffix
	}
	used[strings.ToLower(name)] = true
	return name
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

const (
	pdfRowHeight = 6.0
	pdfMargin    = 12.0
)

// renderPDF lays out a landscape A4 document: title, metadata, then each
// table with its header repeated after page breaks.
func renderPDF(doc document) ([]byte, error) {
	pdf := fpdf.New("L", "mm", "A4", "")
	pdf.SetMargins(pdfMargin, pdfMargin, pdfMargin)
	pdf.SetAutoPageBreak(true, pdfMargin)
	pdf.SetTitle(doc.Title, true)
	pdf.SetCreator("obddash", false)
	pdf.SetCreationDate(doc.GeneratedAt)
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 16)
	pdf.CellFormat(0, 10, tr(doc.Title), "", 1, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", 10)
	meta := append([][2]string{{"Generated", formatTime(doc.GeneratedAt)}}, doc.Meta...)
	for _, m := range meta {
		pdf.SetFont("Helvetica", "B", 10)
		pdf.CellFormat(35, pdfRowHeight, tr(m[0]), "", 0, "L", false, 0, "")
		pdf.SetFont("Helvetica", "", 10)
		pdf.CellFormat(0, pdfRowHeight, tr(m[1]), "", 1, "L", false, 0, "")
	}

	pageW, pageH := pdf.GetPageSize()
	usable := pageW - 2*pdfMargin
	for _, t := range doc.Tables {
		pdf.Ln(4)
		if pdf.GetY()+3*pdfRowHeight > pageH-pdfMargin {
			pdf.AddPage()
		}
		pdf.SetFont("Helvetica", "B", 12)
		pdf.CellFormat(0, 8, tr(t.Title), "", 1, "L", false, 0, "")
		if len(t.Columns) == 0 {
			continue
		}
		width := usable / float64(len(t.Columns))
		header := func() {
			pdf.SetFont("Helvetica", "B", 9)
			pdf.SetFillColor(220, 220, 220)
			for _, c := range t.Columns {
				pdf.CellFormat(width, pdfRowHeight, fitText(pdf, tr(c), width), "1", 0, "L", true, 0, "")
			}
			pdf.Ln(-1)
			pdf.SetFont("Helvetica", "", 9)
		}
		header()
		if len(t.Rows) == 0 {
			pdf.SetFont("Helvetica", "I", 9)
			pdf.CellFormat(0, pdfRowHeight, "No data", "", 1, "L", false, 0, "")
			continue
		}
		for _, row := range t.Rows {
			if pdf.GetY()+pdfRowHeight > pageH-pdfMargin {
				pdf.AddPage()
				header()
			}
			for j := range t.Columns {
				var text string
				if j < len(row) {
					text = displayCell(row[j])
				}
				pdf.CellFormat(width, pdfRowHeight, fitText(pdf, tr(text), width), "1", 0, "L", false, 0, "")
			}
			pdf.Ln(-1)
		}
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("write pdf: %w", err)
	}
	return buf.Bytes(), nil
}

// displayCell rounds floats to two decimals for print.
func displayCell(v any) string {
	if f, ok := v.(float64); ok {
		return strconv.FormatFloat(math.Round(f*100)/100, 'f', -1, 64)
	}
	if t, ok := v.(time.Time); ok && !t.IsZero() {
		return t.UTC().Format("2006-01-02 15:04:05")
	}
	return formatCell(v)
}

// fitText truncates an already translated single-byte string to the cell.
func fitText(pdf *fpdf.Fpdf, s string, width float64) string {
	limit := width - 2
	if pdf.GetStringWidth(s) <= limit {
		return s
	}
	for len(s) > 0 && pdf.GetStringWidth(s+"...") > limit {
		s = s[:len(s)-1]
	}
	return s + "..."
}
