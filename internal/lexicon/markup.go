package lexicon

import (
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

var (
	displayMath = regexp.MustCompile(`\$\$(.*?)\$\$`)
	inlineMath  = regexp.MustCompile(`\$([^$]*)\$`)
)

// StripMarkup turns stored definition markup into plain text. HTML tags are
// dropped and entities decoded, then $$...$$ and $...$ math delimiters are
// removed keeping their contents.
func StripMarkup(s string) string {
	if s == "" {
		return s
	}
	if strings.ContainsAny(s, "<&") {
		s = stripHTML(s)
	}
	if strings.Contains(s, "$") {
		s = displayMath.ReplaceAllString(s, "$1")
		s = inlineMath.ReplaceAllString(s, "$1")
	}
	return strings.TrimSpace(s)
}

func stripHTML(s string) string {
	var b strings.Builder
	z := html.NewTokenizer(strings.NewReader(s))
	for {
		switch z.Next() {
		case html.ErrorToken:
			return b.String()
		case html.TextToken:
			b.Write(z.Text())
		case html.StartTagToken, html.EndTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			if string(name) == "br" || string(name) == "p" {
				b.WriteByte(' ')
			}
		}
	}
}
