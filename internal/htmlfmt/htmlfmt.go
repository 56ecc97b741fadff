// Package htmlfmt converts the HTML message bodies the remote platform
// delivers into the two renditions the bridge emits: a cleaned-up formatted
// body and a plain-text fallback.
package htmlfmt

import (
	"html"
	"regexp"
	"strings"
)

var (
	divPattern     = regexp.MustCompile(`</?div>`)
	emojiPattern   = regexp.MustCompile(`<span[^>]*><img[^>]+alt="([^"]*)"[^>]*></span>`)
	breakPattern   = regexp.MustCompile(`(?i)<br\s*/?>|</p>`)
	tagPattern     = regexp.MustCompile(`<[^>]+>`)
	multiNewlines  = regexp.MustCompile(`\n{3,}`)
	trailingSpaces = regexp.MustCompile(`[ \t]+\n`)
	collapseSpaces = regexp.MustCompile(`[ \t]{2,}`)
)

// FormatBody keeps the HTML but strips the div wrappers the platform adds
// around every message and replaces emoji image spans with their alt text.
func FormatBody(raw string) string {
	out := divPattern.ReplaceAllString(raw, "")
	out = emojiPattern.ReplaceAllString(out, "$1")
	return out
}

// ToPlainText renders HTML to plain text: line breaks for <br> and closing
// paragraphs, all other tags dropped, entities decoded.
func ToPlainText(raw string) string {
	out := emojiPattern.ReplaceAllString(raw, "$1")
	out = breakPattern.ReplaceAllString(out, "\n")
	out = tagPattern.ReplaceAllString(out, "")
	out = html.UnescapeString(out)
	out = trailingSpaces.ReplaceAllString(out, "\n")
	out = collapseSpaces.ReplaceAllString(out, " ")
	out = multiNewlines.ReplaceAllString(out, "\n\n")
	return strings.TrimSpace(out)
}
