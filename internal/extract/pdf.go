package extract

import (
	"bytes"
	"context"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/mahnwerk/mahnwerk/internal/budget"
	"github.com/mahnwerk/mahnwerk/internal/llm"
	"github.com/mahnwerk/mahnwerk/internal/model"
)

const (
	// digitalTextRatio is the text-to-bytes ratio above which a PDF counts
	// as digitally generated rather than scanned.
	digitalTextRatio = 0.002

	// pdfPageWindow bounds processing: PDFs over 2*pdfPageWindow pages are
	// reduced to the first and last window.
	pdfPageWindow = 5

	// estTokensPerPDF is the vision budget estimate for a scanned PDF.
	estTokensPerPDF = 8000
)

// FromPDF extracts claim data from a PDF. Digital PDFs are read locally;
// scanned ones go through the vision capability. Encrypted PDFs are skipped.
func (e *Extractors) FromPDF(ctx context.Context, tracker *budget.Tracker, name string, data []byte) model.SourceExtraction {
	if bytes.Contains(data, []byte("/Encrypt")) {
		return skipResult(model.SourceNativePDF, name, SkipEncryptedPDF)
	}

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		// Unreadable as digital PDF: treat as scanned and let vision try.
		return e.scannedPDF(ctx, tracker, name, data)
	}

	total := reader.NumPage()
	if total == 0 {
		return skipResult(model.SourceNativePDF, name, "empty_pdf")
	}

	pages := selectPages(total)
	sampleText := extractPages(reader, pages[:min(len(pages), pdfPageWindow)])

	if isScanned(sampleText, len(data), total) {
		return e.scannedPDF(ctx, tracker, name, data)
	}

	text := sampleText
	if len(pages) > pdfPageWindow {
		text += "\n" + extractPages(reader, pages[pdfPageWindow:])
	}
	return localResult(model.SourceNativePDF, name, "pdf_text", text)
}

// selectPages returns the 1-based page numbers to process: all pages up to
// ten, otherwise the first five and last five.
func selectPages(total int) []int {
	if total <= 2*pdfPageWindow {
		pages := make([]int, total)
		for i := range pages {
			pages[i] = i + 1
		}
		return pages
	}
	pages := make([]int, 0, 2*pdfPageWindow)
	for i := 1; i <= pdfPageWindow; i++ {
		pages = append(pages, i)
	}
	for i := total - pdfPageWindow + 1; i <= total; i++ {
		pages = append(pages, i)
	}
	return pages
}

// isScanned classifies by text-to-bytes ratio over the sampled pages,
// scaled for page count so a long PDF is not misread as scanned just
// because only the first pages were sampled.
func isScanned(sampleText string, totalBytes, totalPages int) bool {
	sampled := min(totalPages, pdfPageWindow)
	sampledBytes := float64(totalBytes) * float64(sampled) / float64(totalPages)
	if sampledBytes <= 0 {
		return true
	}
	return float64(len(sampleText))/sampledBytes < digitalTextRatio
}

func extractPages(reader *pdf.Reader, pages []int) string {
	var sb strings.Builder
	for _, n := range pages {
		page := reader.Page(n)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		sb.WriteString(text)
		sb.WriteString("\n")
	}
	return sb.String()
}

func (e *Extractors) scannedPDF(ctx context.Context, tracker *budget.Tracker, name string, data []byte) model.SourceExtraction {
	if reason := e.checkVisionBudget(ctx, tracker, estTokensPerPDF); reason != "" {
		return skipResult(model.SourceScannedPDF, name, reason)
	}

	resp, err := e.vision(ctx, tracker, llm.VisionRequest{
		Data:      data,
		MediaType: "application/pdf",
		Prompt:    e.visionPromptText(ctx),
	})
	if err != nil {
		return skipResult(model.SourceScannedPDF, name, "vision_failed: "+err.Error())
	}

	ext := model.SourceExtraction{
		SourceType:       model.SourceScannedPDF,
		SourceName:       name,
		ExtractionMethod: "vision_pdf",
	}
	return parseVisionResponse(ext, resp, model.ConfidenceHigh)
}
