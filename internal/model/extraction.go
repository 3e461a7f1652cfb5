package model

import "github.com/shopspring/decimal"

// Confidence is the three-level extraction confidence scale.
type Confidence string

const (
	ConfidenceHigh   Confidence = "HIGH"
	ConfidenceMedium Confidence = "MEDIUM"
	ConfidenceLow    Confidence = "LOW"
)

// rank orders confidences for weakest-link aggregation.
func (c Confidence) rank() int {
	switch c {
	case ConfidenceHigh:
		return 3
	case ConfidenceMedium:
		return 2
	default:
		return 1
	}
}

// MinConfidence returns the weaker of two confidences.
func MinConfidence(a, b Confidence) Confidence {
	if a.rank() <= b.rank() {
		return a
	}
	return b
}

// Amount is a claim amount with its provenance.
type Amount struct {
	Value      decimal.Decimal `json:"value"`
	Currency   string          `json:"currency"`
	RawText    string          `json:"raw_text,omitempty"`
	Source     string          `json:"source,omitempty"`
	Confidence Confidence      `json:"confidence"`
}

// SourceType identifies the artifact class an extraction came from.
type SourceType string

const (
	SourceEmailBody  SourceType = "email_body"
	SourceNativePDF  SourceType = "native_pdf"
	SourceScannedPDF SourceType = "scanned_pdf"
	SourceDOCX       SourceType = "docx"
	SourceXLSX       SourceType = "xlsx"
	SourceImage      SourceType = "image"
)

// SourceExtraction is the output of one extractor over one artifact.
type SourceExtraction struct {
	SourceType       SourceType `json:"source_type"`
	SourceName       string     `json:"source_name"`
	Gesamtforderung  *Amount    `json:"gesamtforderung,omitempty"`
	Components       []Amount   `json:"components,omitempty"`
	ClientName       *string    `json:"client_name,omitempty"`
	CreditorName     *string    `json:"creditor_name,omitempty"`
	ExtractionMethod string     `json:"extraction_method"`
	TokensUsed       int        `json:"tokens_used"`
	Error            string     `json:"error,omitempty"`
}

// ConsolidatedExtraction is the merge of all source extractions for one
// message. Confidence is the weakest link over contributing sources.
type ConsolidatedExtraction struct {
	Gesamtforderung   *Amount    `json:"gesamtforderung,omitempty"`
	ClientName        *string    `json:"client_name,omitempty"`
	CreditorName      *string    `json:"creditor_name,omitempty"`
	Confidence        Confidence `json:"confidence"`
	SourcesProcessed  int        `json:"sources_processed"`
	SourcesWithAmount int        `json:"sources_with_amount"`
	TotalTokensUsed   int        `json:"total_tokens_used"`
	Defaulted         bool       `json:"defaulted,omitempty"` // no amount anywhere, 100 EUR fallback applied
	Sources           []string   `json:"sources,omitempty"`
}

// ExtractedData is the final merged result stored on the message row.
type ExtractedData struct {
	Intent           Intent     `json:"intent"`
	IsCreditorReply  bool       `json:"is_creditor_reply"`
	Amount           *Amount    `json:"amount,omitempty"`
	ClientName       *string    `json:"client_name,omitempty"`
	CreditorName     *string    `json:"creditor_name,omitempty"`
	ReferenceNumbers []string   `json:"reference_numbers,omitempty"`
	Confidence       Confidence `json:"confidence"`
	NeedsReview      bool       `json:"needs_review"`
	ConflictsFound   []string   `json:"conflicts_found,omitempty"`
}

// Intent is the A1 classification label.
type Intent string

const (
	IntentDebtStatement Intent = "debt_statement"
	IntentPaymentPlan   Intent = "payment_plan"
	IntentRejection     Intent = "rejection"
	IntentInquiry       Intent = "inquiry"
	IntentAutoReply     Intent = "auto_reply"
	IntentSpam          Intent = "spam"
)

// SkipsExtraction reports whether the intent short-circuits the pipeline.
func (i Intent) SkipsExtraction() bool {
	return i == IntentAutoReply || i == IntentSpam
}
