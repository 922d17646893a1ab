package scraper

import (
	"html"
	"regexp"
	"strings"
)

var (
	htmlTagRe  = regexp.MustCompile(`<[^>]+>`)
	cityHintRe = regexp.MustCompile(`所在地市\s*[:：]\s*([^\n\r<"]+)`)
)

// normalizeAPIText flattens a publish-API cell into plain text: tooltip
// markup stripped, entities and non-breaking spaces removed. The "--"
// placeholder is preserved verbatim so the normalizer can treat it as a
// null token.
func normalizeAPIText(value string) string {
	text := value
	if strings.Contains(text, "<") && strings.Contains(text, ">") {
		text = htmlTagRe.ReplaceAllString(text, "")
	}
	text = strings.ReplaceAll(text, "&nbsp;", "")
	text = strings.ReplaceAll(text, " ", " ")
	text = strings.ReplaceAll(text, "\n", "")
	return strings.TrimSpace(text)
}

// extractCityHint scans raw API cells for the city carried inside HTML
// tooltip fragments. Best effort; returns "" when no usable hint exists.
func extractCityHint(rawCells []string) string {
	for _, raw := range rawCells {
		if raw == "" {
			continue
		}
		match := cityHintRe.FindStringSubmatch(html.UnescapeString(raw))
		if match == nil {
			continue
		}
		city := normalizeAPIText(match[1])
		if city != "" && city != "--" {
			return city
		}
	}
	return ""
}
