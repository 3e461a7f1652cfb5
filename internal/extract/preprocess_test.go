package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRestoreUmlauts(t *testing.T) {
	cases := []struct{ in, want string }{
		{"Mueller", "Müller"},
		{"Herr Mueller schuldet", "Herr Müller schuldet"},
		{"Glaeubiger", "Gläubiger"},
		{"Gesamtforderung", "Gesamtforderung"},
		// Dictionary-gated: legitimate ue/oe stay untouched.
		{"Feuer", "Feuer"},
		{"Poet", "Poet"},
		{"Steuer und Gebuehren", "Steuer und Gebühren"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, RestoreUmlauts(tc.in), "input %q", tc.in)
	}
}

func TestFixNameDigits(t *testing.T) {
	assert.Equal(t, "Meler", FixNameDigits("Me1er"))
	assert.Equal(t, "Schroeder", FixNameDigits("Schr0eder"))
	assert.Equal(t, "Weber", FixNameDigits("W3b3r"))
}

func TestValidGermanName(t *testing.T) {
	valid := []string{"Hans Müller", "Anna von Berg", "Karl-Heinz Schmidt Meyer"}
	for _, s := range valid {
		assert.True(t, ValidGermanName(s), s)
	}
	invalid := []string{"Hans", "hans müller", "Hans 123", "", "A B C D E F"}
	for _, s := range invalid {
		assert.False(t, ValidGermanName(s), s)
	}
}

func TestValidPostalCode(t *testing.T) {
	assert.True(t, ValidPostalCode("80331"))
	assert.True(t, ValidPostalCode(" 10115 "))
	assert.False(t, ValidPostalCode("1234"))
	assert.False(t, ValidPostalCode("123456"))
	assert.False(t, ValidPostalCode("8033a"))
}

func TestValidStreetAddress(t *testing.T) {
	assert.True(t, ValidStreetAddress("Hauptstraße 12"))
	assert.True(t, ValidStreetAddress("Hauptstraße 12a"))
	assert.True(t, ValidStreetAddress("Hauptstraße 12a // 3. OG"))
	assert.False(t, ValidStreetAddress("Hauptstraße"))
	assert.False(t, ValidStreetAddress("12 Hauptstraße"))
}

func TestFindClientName(t *testing.T) {
	text := "Unser Mandant: Hans Mueller\nAktenzeichen: IK-2024-001"
	assert.Equal(t, "Hans Müller", FindClientName(text))

	assert.Empty(t, FindClientName("Mandant: 12345"))
}

func TestFindCreditorName(t *testing.T) {
	text := "Im Auftrag der Stadtwerke München GmbH\nmahnen wir die offene Forderung an."
	assert.Equal(t, "Stadtwerke München GmbH", FindCreditorName(text))
}
