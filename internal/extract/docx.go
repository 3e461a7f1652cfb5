package extract

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/fumiama/go-docx"

	"github.com/mahnwerk/mahnwerk/internal/model"
)

// FromDOCX extracts claim data from a Word document by walking its
// paragraphs and tables. Fully local; no vision call.
func (e *Extractors) FromDOCX(name string, data []byte) model.SourceExtraction {
	doc, err := docx.Parse(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return skipResult(model.SourceDOCX, name, "docx_unreadable: "+err.Error())
	}

	var sb strings.Builder
	for _, item := range doc.Document.Body.Items {
		switch block := item.(type) {
		case *docx.Paragraph:
			sb.WriteString(block.String())
			sb.WriteString("\n")
		case *docx.Table:
			writeTable(&sb, block)
		}
	}
	return localResult(model.SourceDOCX, name, "docx_text", sb.String())
}

// writeTable flattens a table row by row so the amount-keyword adjacency
// rule sees label and value on the same line.
func writeTable(sb *strings.Builder, table *docx.Table) {
	for _, row := range table.TableRows {
		var cells []string
		for _, cell := range row.TableCells {
			var cellText []string
			for _, p := range cell.Paragraphs {
				if s := p.String(); s != "" {
					cellText = append(cellText, s)
				}
			}
			cells = append(cells, strings.Join(cellText, " "))
		}
		fmt.Fprintln(sb, strings.Join(cells, " "))
	}
}
