package extract

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahnwerk/mahnwerk/internal/model"
)

func srcWithAmount(name string, value string, conf model.Confidence) model.SourceExtraction {
	return model.SourceExtraction{
		SourceType: model.SourceNativePDF,
		SourceName: name,
		Gesamtforderung: &model.Amount{
			Value:      decimal.RequireFromString(value),
			Currency:   "EUR",
			Confidence: conf,
		},
	}
}

func TestConsolidateMaxOfDeduped(t *testing.T) {
	out := Consolidate([]model.SourceExtraction{
		srcWithAmount("body", "1234.56", model.ConfidenceHigh),
		srcWithAmount("statement.pdf", "2500.00", model.ConfidenceHigh),
	})

	require.NotNil(t, out.Gesamtforderung)
	assert.True(t, out.Gesamtforderung.Value.Equal(decimal.RequireFromString("2500")))
	assert.Equal(t, model.ConfidenceHigh, out.Confidence)
	assert.Equal(t, 2, out.SourcesProcessed)
	assert.Equal(t, 2, out.SourcesWithAmount)
	assert.False(t, out.Defaulted)
}

func TestConsolidateCollapsesWithinOneEuro(t *testing.T) {
	// 1234.56 and 1235.00 are within 1 EUR: one group. The higher-confidence
	// member represents the group even though its value is lower.
	out := Consolidate([]model.SourceExtraction{
		srcWithAmount("scan.pdf", "1235.00", model.ConfidenceMedium),
		srcWithAmount("body", "1234.56", model.ConfidenceHigh),
	})

	require.NotNil(t, out.Gesamtforderung)
	assert.True(t, out.Gesamtforderung.Value.Equal(decimal.RequireFromString("1234.56")))
	assert.Equal(t, model.ConfidenceHigh, out.Gesamtforderung.Confidence)
}

func TestConsolidateTieBreakSourceOrder(t *testing.T) {
	out := Consolidate([]model.SourceExtraction{
		srcWithAmount("first", "100.00", model.ConfidenceMedium),
		srcWithAmount("second", "100.50", model.ConfidenceMedium),
	})

	require.NotNil(t, out.Gesamtforderung)
	assert.True(t, out.Gesamtforderung.Value.Equal(decimal.RequireFromString("100")))
}

func TestConsolidateWeakestLink(t *testing.T) {
	out := Consolidate([]model.SourceExtraction{
		srcWithAmount("body", "500.00", model.ConfidenceHigh),
		srcWithAmount("photo.jpg", "1200.00", model.ConfidenceLow),
	})

	require.NotNil(t, out.Gesamtforderung)
	assert.True(t, out.Gesamtforderung.Value.Equal(decimal.RequireFromString("1200")))
	assert.Equal(t, model.ConfidenceLow, out.Confidence)
}

func TestConsolidateDefaultsWhenNoAmounts(t *testing.T) {
	out := Consolidate([]model.SourceExtraction{
		{SourceType: model.SourceEmailBody, SourceName: "body"},
	})

	require.NotNil(t, out.Gesamtforderung)
	assert.True(t, out.Gesamtforderung.Value.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, model.ConfidenceLow, out.Confidence)
	assert.True(t, out.Defaulted)
	assert.Equal(t, 0, out.SourcesWithAmount)
}

func TestConsolidateErroredSourcesDoNotContribute(t *testing.T) {
	failed := srcWithAmount("broken.pdf", "9999.00", model.ConfidenceHigh)
	failed.Error = "pdf_unreadable"

	out := Consolidate([]model.SourceExtraction{
		srcWithAmount("body", "300.00", model.ConfidenceHigh),
		failed,
	})

	require.NotNil(t, out.Gesamtforderung)
	assert.True(t, out.Gesamtforderung.Value.Equal(decimal.RequireFromString("300")))
	assert.Equal(t, 1, out.SourcesWithAmount)
}

func TestConsolidateNamePreference(t *testing.T) {
	short := "H. Müller"
	full := "Hans Müller"
	a := srcWithAmount("body", "100.00", model.ConfidenceHigh)
	a.ClientName = &short
	b := srcWithAmount("statement.pdf", "100.00", model.ConfidenceHigh)
	b.ClientName = &full

	out := Consolidate([]model.SourceExtraction{a, b})
	require.NotNil(t, out.ClientName)
	assert.Equal(t, "Hans Müller", *out.ClientName)
}

func TestConsolidateTokenTotals(t *testing.T) {
	a := srcWithAmount("body", "100.00", model.ConfidenceHigh)
	a.TokensUsed = 1200
	b := srcWithAmount("scan.pdf", "200.00", model.ConfidenceHigh)
	b.TokensUsed = 8000

	out := Consolidate([]model.SourceExtraction{a, b})
	assert.Equal(t, 9200, out.TotalTokensUsed)
}
