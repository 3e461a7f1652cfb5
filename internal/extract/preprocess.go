package extract

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// germanWords validates digraph restoration. A token is only rewritten when
// the umlaut form is a known German word or surname; restoration is never
// speculative. Lowercase forms; lookups case-fold.
var germanWords = map[string]bool{
	// Common surnames.
	"müller": true, "möller": true, "schäfer": true, "köhler": true,
	"krüger": true, "böhm": true, "lück": true, "jäger": true,
	"könig": true, "schröder": true, "früh": true, "gröner": true,
	"bäcker": true, "höfer": true, "brückner": true, "vögel": true,
	"münch": true, "kühn": true, "dürr": true, "röder": true,
	// Domain vocabulary.
	"gläubiger": true, "schuldner": true, "forderung": true,
	"gesamtforderung": true, "mahnung": true, "überweisung": true,
	"rückstand": true, "gebühren": true, "säumnis": true, "zinsen": true,
	"aktenzeichen": true, "fällig": true, "glaubhaft": true,
	"zurückweisung": true, "prüfung": true, "erledigt": true,
	"vergütung": true, "bußgeld": true, "öffentlich": true,
	"städtisch": true, "übersicht": true, "höhe": true,
}

var digraphReplacer = []struct{ from, to string }{
	{"ae", "ä"}, {"oe", "ö"}, {"ue", "ü"},
	{"Ae", "Ä"}, {"Oe", "Ö"}, {"Ue", "Ü"},
}

// Normalize applies NFKC normalization to extracted text.
func Normalize(s string) string {
	return norm.NFKC.String(s)
}

// RestoreUmlauts rewrites ae/oe/ue digraphs back to umlauts, token by
// token, but only when the rewritten token validates against the German
// dictionary. "Mueller" becomes "Müller"; "Feuer" is never rewritten.
func RestoreUmlauts(s string) string {
	fields := strings.Fields(s)
	for i, tok := range fields {
		fields[i] = restoreToken(tok)
	}
	return strings.Join(fields, " ")
}

func restoreToken(tok string) string {
	lower := strings.ToLower(tok)
	if !strings.Contains(lower, "ae") && !strings.Contains(lower, "oe") && !strings.Contains(lower, "ue") {
		return tok
	}
	candidate := tok
	for _, r := range digraphReplacer {
		candidate = strings.ReplaceAll(candidate, r.from, r.to)
	}
	if germanWords[strings.ToLower(strings.Trim(candidate, ".,;:"))] {
		return candidate
	}
	return tok
}

var nameDigitReplacer = strings.NewReplacer("3", "e", "0", "o", "1", "l")

// FixNameDigits substitutes OCR digit confusions inside name fields only:
// 3→e, 0→o, 1→l. Never applied to amounts or references.
func FixNameDigits(name string) string {
	return nameDigitReplacer.Replace(name)
}

// Preprocess runs the shared preprocessing chain over extracted text.
func Preprocess(s string) string {
	return RestoreUmlauts(Normalize(s))
}
