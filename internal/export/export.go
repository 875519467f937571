// Package export renders a completed job's tables for download, as CSV or
// an XLSX workbook with one sheet per table.
package export

import (
	"bytes"
	"encoding/csv"
	"fmt"

	"github.com/xuri/excelize/v2"

	"github.com/extractable/extractable/internal/entity"
)

// XLSX renders the tables as a workbook, one sheet per table. Column order
// follows each table's declared columns; cells missing from a row stay
// empty.
func XLSX(td entity.TableData) ([]byte, error) {
	f := excelize.NewFile()

	for i, table := range td.Tables {
		sheet := fmt.Sprintf("Table %d", i+1)
		if i == 0 {
			// Rename the default sheet instead of leaving it behind.
			if err := f.SetSheetName(f.GetSheetName(0), sheet); err != nil {
				return nil, err
			}
		} else if _, err := f.NewSheet(sheet); err != nil {
			return nil, err
		}

		for c, name := range table.Columns {
			cell, _ := excelize.CoordinatesToCellName(c+1, 1)
			if err := f.SetCellValue(sheet, cell, name); err != nil {
				return nil, err
			}
		}
		for r, row := range table.Rows {
			for c, name := range table.Columns {
				cell, _ := excelize.CoordinatesToCellName(c+1, r+2)
				if err := f.SetCellValue(sheet, cell, cellValue(row[name])); err != nil {
					return nil, err
				}
			}
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}
	return buf.Bytes(), nil
}

// CSV renders the tables as comma-separated text. Multiple tables are
// separated by a blank line, each with its own header row.
func CSV(td entity.TableData) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	for i, table := range td.Tables {
		if i > 0 {
			w.Flush()
			buf.WriteString("\n")
		}
		if err := w.Write(table.Columns); err != nil {
			return nil, err
		}
		record := make([]string, len(table.Columns))
		for _, row := range table.Rows {
			for c, name := range table.Columns {
				record[c] = stringValue(row[name])
			}
			if err := w.Write(record); err != nil {
				return nil, err
			}
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func cellValue(v any) any {
	if v == nil {
		return ""
	}
	return v
}

func stringValue(v any) string {
	if v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		// JSON numbers decode as float64; keep integers undecorated.
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	default:
		return fmt.Sprintf("%v", t)
	}
}
