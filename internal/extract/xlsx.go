package extract

import (
	"bytes"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/mahnwerk/mahnwerk/internal/model"
)

// FromXLSX extracts claim data from a spreadsheet using the streaming row
// reader, so large workbooks never load fully into memory. Rows are
// flattened to lines so the amount-keyword adjacency rule applies.
func (e *Extractors) FromXLSX(name string, data []byte) model.SourceExtraction {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return skipResult(model.SourceXLSX, name, "xlsx_unreadable: "+err.Error())
	}
	defer f.Close()

	var sb strings.Builder
	for _, sheet := range f.GetSheetList() {
		rows, err := f.Rows(sheet)
		if err != nil {
			continue
		}
		for rows.Next() {
			cols, err := rows.Columns()
			if err != nil {
				continue
			}
			sb.WriteString(strings.Join(cols, " "))
			sb.WriteString("\n")
		}
		_ = rows.Close()
	}
	return localResult(model.SourceXLSX, name, "xlsx_rows", sb.String())
}
