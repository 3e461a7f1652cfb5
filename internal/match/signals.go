// Package match scores inbound messages against the outbound-inquiry
// window and decides between auto-match, ambiguity and review. Every
// decision carries an explainability document.
package match

import (
	"strings"
	"unicode"

	fuzzy "github.com/paul-mannino/go-fuzzywuzzy"
)

// referenceCutoff: fuzzy reference similarity below this counts as no match.
const referenceCutoff = 0.80

// normalizeName lowercases and strips punctuation so fuzzy ratios compare
// words, not formatting.
func normalizeName(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case unicode.IsSpace(r) || r == '-' || r == '.' || r == ',':
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// NormalizeName is the exported form used for the inquiry dedup column.
func NormalizeName(s string) string {
	return normalizeName(s)
}

// NameScore compares two client names: the max of token-sort, partial and
// token-set ratios over normalized forms, in [0,1]. Token-set tolerates
// extra words ("Hans Müller" vs "Müller, Hans Peter"), partial tolerates
// truncation.
func NameScore(a, b string) float64 {
	na, nb := normalizeName(a), normalizeName(b)
	if na == "" || nb == "" {
		return 0
	}
	best := fuzzy.TokenSortRatio(na, nb)
	if r := fuzzy.PartialRatio(na, nb); r > best {
		best = r
	}
	if r := fuzzy.TokenSetRatio(na, nb); r > best {
		best = r
	}
	return float64(best) / 100
}

// referenceSignal scores one extracted reference against the inquiry's.
// Exact after trim/upper is 1.0; otherwise the best fuzzy ratio, zeroed
// below the cutoff.
func referenceSignal(extracted, inquiryRef string) float64 {
	e := strings.ToUpper(strings.TrimSpace(extracted))
	q := strings.ToUpper(strings.TrimSpace(inquiryRef))
	if e == "" || q == "" {
		return 0
	}
	if e == q {
		return 1.0
	}
	best := fuzzy.PartialRatio(e, q)
	if r := fuzzy.TokenSortRatio(e, q); r > best {
		best = r
	}
	score := float64(best) / 100
	if score < referenceCutoff {
		return 0
	}
	return score
}

// ReferenceScore is the best reference signal across all extracted
// references.
func ReferenceScore(extracted []string, inquiryRef string) float64 {
	var best float64
	for _, ref := range extracted {
		if s := referenceSignal(ref, inquiryRef); s > best {
			best = s
		}
	}
	return best
}
