package extract

import (
	"regexp"
	"sort"
	"strings"

	"github.com/mahnwerk/mahnwerk/internal/model"
)

// referenceRe finds Aktenzeichen-style reference numbers. References are
// opaque identifiers; no digit substitution is applied to them.
var referenceRe = regexp.MustCompile(`(?i)(?:aktenzeichen|az\.?|unser\s+zeichen|ihr\s+zeichen|referenz(?:nummer)?|vorgangsnummer)\s*[:.]?\s*([A-Za-z0-9][A-Za-z0-9\-/._]{2,30})`)

// FindReferences extracts candidate reference numbers from text, deduped,
// in order of appearance.
func FindReferences(text string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, m := range referenceRe.FindAllStringSubmatch(text, -1) {
		ref := strings.Trim(m[1], ".,")
		key := strings.ToUpper(ref)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, ref)
	}
	return out
}

// FromText extracts claim data from a cleaned email body. Labelled amounts
// outrank unlabelled ones; the largest labelled amount (stable order on
// ties) becomes the Gesamtforderung.
func FromText(body string) model.SourceExtraction {
	text := Preprocess(body)

	ext := model.SourceExtraction{
		SourceType:       model.SourceEmailBody,
		SourceName:       "email_body",
		ExtractionMethod: "regex_de",
	}

	amounts := FindAmounts(text)
	if len(amounts) > 0 {
		best := pickBestAmount(amounts)
		ext.Gesamtforderung = &best
		ext.Components = amounts
	}

	if name := FindClientName(text); name != "" {
		ext.ClientName = &name
	}
	if name := FindCreditorName(text); name != "" {
		ext.CreditorName = &name
	}
	return ext
}

// pickBestAmount prefers labelled amounts; within a label class, the
// largest value wins so partial amounts never shadow the total.
func pickBestAmount(amounts []model.Amount) model.Amount {
	sorted := make([]model.Amount, len(amounts))
	copy(sorted, amounts)
	sort.SliceStable(sorted, func(i, j int) bool {
		li, lj := sorted[i].Source == "labeled", sorted[j].Source == "labeled"
		if li != lj {
			return li
		}
		return sorted[i].Value.GreaterThan(sorted[j].Value)
	})
	return sorted[0]
}
