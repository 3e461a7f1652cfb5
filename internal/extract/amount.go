// Package extract turns inbound artifacts (email body, PDF, DOCX, XLSX,
// images) into SourceExtractions and consolidates them into a single
// weakest-link result.
package extract

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/mahnwerk/mahnwerk/internal/model"
)

// ErrNoAmount is returned when a string cannot be parsed as an amount.
var ErrNoAmount = errors.New("extract: not an amount")

var (
	deAmountRe = regexp.MustCompile(`^\d{1,3}(\.\d{3})*(,\d{1,2})?$|^\d+(,\d{1,2})?$`)
	enAmountRe = regexp.MustCompile(`^\d{1,3}(,\d{3})*(\.\d{1,2})?$|^\d+(\.\d{1,2})?$`)
)

// ParseAmount parses a monetary string, preferring the German locale
// (1.234,56) and falling back to en_US (1,234.56). A bare "2.500" is read as
// German thousands notation, i.e. 2500.
func ParseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "€")
	s = strings.TrimSuffix(strings.TrimSpace(s), "EUR")
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Decimal{}, ErrNoAmount
	}

	if deAmountRe.MatchString(s) {
		normalized := strings.ReplaceAll(s, ".", "")
		normalized = strings.ReplaceAll(normalized, ",", ".")
		d, err := decimal.NewFromString(normalized)
		if err != nil {
			return decimal.Decimal{}, fmt.Errorf("%w: %q", ErrNoAmount, s)
		}
		return d, nil
	}

	if enAmountRe.MatchString(s) {
		normalized := strings.ReplaceAll(s, ",", "")
		d, err := decimal.NewFromString(normalized)
		if err != nil {
			return decimal.Decimal{}, fmt.Errorf("%w: %q", ErrNoAmount, s)
		}
		return d, nil
	}

	return decimal.Decimal{}, fmt.Errorf("%w: %q", ErrNoAmount, s)
}

// amountConfidence grades a raw amount string: the German comma-decimal form
// is HIGH, anything else MEDIUM.
func amountConfidence(raw string) model.Confidence {
	if strings.Contains(raw, ",") {
		return model.ConfidenceHigh
	}
	return model.ConfidenceMedium
}

// Labeled-amount regexes, in priority order. German creditor letters label
// the total as Gesamtforderung; Forderung/Betrag/Summe are weaker labels.
var labeledAmountRes = []*regexp.Regexp{
	regexp.MustCompile(`(?i)gesamtforderung\s*(?:in Höhe von|von|beträgt|:)?\s*(?:EUR|€)?\s*([\d.,]+)\s*(?:EUR|€)?`),
	regexp.MustCompile(`(?i)(?:gesamt|haupt)?forderung\s*(?:in Höhe von|von|beträgt|:)?\s*(?:EUR|€)?\s*([\d.,]+)\s*(?:EUR|€)?`),
	regexp.MustCompile(`(?i)betrag\s*(?:in Höhe von|von|beträgt|:)?\s*(?:EUR|€)?\s*([\d.,]+)\s*(?:EUR|€)?`),
	regexp.MustCompile(`(?i)summe\s*(?:in Höhe von|von|beträgt|:)?\s*(?:EUR|€)?\s*([\d.,]+)\s*(?:EUR|€)?`),
}

// unlabeledAmountRe finds bare currency-tagged amounts.
var unlabeledAmountRe = regexp.MustCompile(`(?:EUR|€)\s*([\d.,]+)|([\d.,]+)\s*(?:EUR|€)`)

// FindAmounts scans text for amounts, labelled ones first. The first
// labelled hit wins the Gesamtforderung slot; remaining hits become
// components.
func FindAmounts(text string) []model.Amount {
	var out []model.Amount
	seen := make(map[string]bool)

	add := func(raw, source string) {
		raw = strings.Trim(raw, " .,")
		if raw == "" || seen[raw+source] {
			return
		}
		value, err := ParseAmount(raw)
		if err != nil {
			return
		}
		seen[raw+source] = true
		out = append(out, model.Amount{
			Value:      value,
			Currency:   "EUR",
			RawText:    raw,
			Source:     source,
			Confidence: amountConfidence(raw),
		})
	}

	for _, re := range labeledAmountRes {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			add(m[1], "labeled")
		}
	}
	for _, m := range unlabeledAmountRe.FindAllStringSubmatch(text, -1) {
		raw := m[1]
		if raw == "" {
			raw = m[2]
		}
		add(raw, "unlabeled")
	}
	return out
}
