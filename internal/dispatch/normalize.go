package dispatch

import (
	"regexp"
	"strings"
)

var (
	tagPattern        = regexp.MustCompile(`<[^>]*>`)
	whitespacePattern = regexp.MustCompile(`[ \t]+`)
)

var entities = strings.NewReplacer(
	"&nbsp;", " ",
	"&amp;", "&",
	"&lt;", "<",
	"&gt;", ">",
	"&quot;", `"`,
	"&#39;", "'",
)

// PlainText degrades rich text to plain text for channels that cannot carry
// markup. Block-level tags become newlines so paragraphs survive; the stored
// message keeps the original body.
func PlainText(body string) string {
	s := body
	for _, block := range []string{"</p>", "<br>", "<br/>", "<br />", "</div>", "</li>"} {
		s = strings.ReplaceAll(s, block, "\n")
	}
	s = tagPattern.ReplaceAllString(s, "")
	s = entities.Replace(s)
	s = whitespacePattern.ReplaceAllString(s, " ")

	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, line := range lines {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return strings.Join(out, "\n")
}
