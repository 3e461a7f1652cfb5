package extract

import (
	"regexp"
	"strings"
)

// Name labels found in German creditor correspondence, mapped to the field
// they identify. Mandant/Schuldner label the debtor (our client);
// Gläubiger/Inkasso label the creditor side.
var (
	clientLabelRe   = regexp.MustCompile(`(?i)(?:mandant(?:in)?|schuldner(?:in)?|unser[e]?\s+kund[e]?[n]?)\s*[:\-]?\s*([A-ZÄÖÜ][^\n,;]{1,60})`)
	creditorLabelRe = regexp.MustCompile(`(?i)(?:gläubiger(?:in)?|glaeubiger(?:in)?|inkasso(?:büro|buero)?|im\s+auftrag\s+(?:der|des|von))\s*[:\-]?\s*([A-ZÄÖÜ][^\n,;]{1,60})`)
)

// noblePrefixes are lowercase particles allowed inside German names.
var noblePrefixes = map[string]bool{
	"von": true, "zu": true, "vom": true, "zum": true, "zur": true, "der": true,
}

var nameWordRe = regexp.MustCompile(`^[A-ZÄÖÜ][a-zäöüß]+(?:-[A-ZÄÖÜ][a-zäöüß]+)?$`)

// ValidGermanName gates name heuristics: every word must be a capitalized
// German-format word or a noble prefix, and at least two words must be
// present (given name + surname).
func ValidGermanName(s string) bool {
	words := strings.Fields(strings.TrimSpace(s))
	if len(words) < 2 || len(words) > 5 {
		return false
	}
	capitalized := 0
	for _, w := range words {
		w = strings.Trim(w, ".,")
		if noblePrefixes[strings.ToLower(w)] {
			continue
		}
		if !nameWordRe.MatchString(w) {
			return false
		}
		capitalized++
	}
	return capitalized >= 2
}

// postalCodeRe: German postal codes are exactly five digits.
var postalCodeRe = regexp.MustCompile(`^\d{5}$`)

// ValidPostalCode reports whether s is a German postal code.
func ValidPostalCode(s string) bool {
	return postalCodeRe.MatchString(strings.TrimSpace(s))
}

// streetRe: street name + house number with optional letter and optional
// // apartment suffix, e.g. "Hauptstraße 12a // 3. OG".
var streetRe = regexp.MustCompile(`^[A-ZÄÖÜ][\pL .\-]+\s+\d+[a-z]?(\s*//\s*.+)?$`)

// ValidStreetAddress reports whether s looks like a German street address.
func ValidStreetAddress(s string) bool {
	return streetRe.MatchString(strings.TrimSpace(s))
}

// FindClientName extracts a validated client (debtor) name from text, or "".
func FindClientName(text string) string {
	return findLabeledName(clientLabelRe, text)
}

// FindCreditorName extracts a validated creditor name from text, or "".
func FindCreditorName(text string) string {
	if m := creditorLabelRe.FindStringSubmatch(text); m != nil {
		name := cleanName(m[1])
		// Creditor is often a company; accept single capitalized tokens too.
		if name != "" && (ValidGermanName(name) || len(strings.Fields(name)) >= 1) {
			return name
		}
	}
	return ""
}

func findLabeledName(re *regexp.Regexp, text string) string {
	for _, m := range re.FindAllStringSubmatch(text, -1) {
		name := cleanName(m[1])
		if ValidGermanName(name) {
			return name
		}
	}
	return ""
}

func cleanName(s string) string {
	s = strings.TrimSpace(s)
	s = FixNameDigits(s)
	s = RestoreUmlauts(s)
	// Cut trailing boilerplate after the name line.
	if idx := strings.IndexAny(s, "(\t"); idx > 0 {
		s = strings.TrimSpace(s[:idx])
	}
	return s
}
