package worker

import (
	"regexp"
	"strings"

	"github.com/jaytaylor/html2text"
)

// Markers that start a quoted earlier message. Everything from the first
// marker onward is dropped; the creditor's own text always comes first.
var replyMarkers = []*regexp.Regexp{
	regexp.MustCompile(`(?m)^-{2,}\s*Ursprüngliche Nachricht\s*-{2,}`),
	regexp.MustCompile(`(?m)^-{2,}\s*Original Message\s*-{2,}`),
	regexp.MustCompile(`(?m)^-{2,}\s*Weitergeleitete Nachricht\s*-{2,}`),
	regexp.MustCompile(`(?m)^-{2,}\s*Forwarded message\s*-{2,}`),
	regexp.MustCompile(`(?m)^Am .{4,80} schrieb .{1,120}:\s*$`),
	regexp.MustCompile(`(?m)^On .{4,80} wrote:\s*$`),
	regexp.MustCompile(`(?m)^Von:\s.+\r?\nGesendet:\s`),
	regexp.MustCompile(`(?m)^From:\s.+\r?\nSent:\s`),
}

// Markers that start a legal disclaimer footer.
var disclaimerMarkers = []*regexp.Regexp{
	regexp.MustCompile(`(?mi)^Diese E-?Mail (enthält|kann) vertrauliche`),
	regexp.MustCompile(`(?mi)^Der Inhalt dieser E-?Mail ist vertraulich`),
	regexp.MustCompile(`(?mi)^This e-?mail (contains|may contain) confidential`),
	regexp.MustCompile(`(?mi)^Wichtiger Hinweis:\s*Diese Nachricht`),
}

// CleanBody produces the text the agents work on: HTML converted to plain
// text, quoted earlier messages and disclaimer footers stripped. Returns the
// cleaned body with estimated token counts before and after.
func CleanBody(bodyHTML, bodyText string) (cleaned string, tokensRaw, tokensCleaned int) {
	raw := bodyText
	if strings.TrimSpace(raw) == "" && bodyHTML != "" {
		text, err := html2text.FromString(bodyHTML, html2text.Options{TextOnly: true})
		if err != nil {
			text = bodyHTML
		}
		raw = text
	}
	tokensRaw = estimateTokens(raw)

	cleaned = raw
	for _, re := range replyMarkers {
		if loc := re.FindStringIndex(cleaned); loc != nil {
			cleaned = cleaned[:loc[0]]
		}
	}
	for _, re := range disclaimerMarkers {
		if loc := re.FindStringIndex(cleaned); loc != nil {
			cleaned = cleaned[:loc[0]]
		}
	}
	cleaned = dropQuotedLines(cleaned)
	cleaned = strings.TrimSpace(cleaned)
	return cleaned, tokensRaw, estimateTokens(cleaned)
}

func dropQuotedLines(s string) string {
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), ">") {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

// estimateTokens uses the ~4 characters per token heuristic; good enough for
// budget floors, not billing.
func estimateTokens(s string) int {
	return len(s) / 4
}
