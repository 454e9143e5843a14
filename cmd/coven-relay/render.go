// ABOUTME: Markdown rendering for outbound Matrix messages
// ABOUTME: Produces org.matrix.custom.html bodies alongside the plain text fallback

package main

import (
	"bytes"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

var markdown = goldmark.New(
	goldmark.WithExtensions(extension.GFM),
	goldmark.WithRendererOptions(html.WithHardWraps()),
)

// renderHTML converts agent markdown to HTML. It returns "" when the text has
// no markup worth sending, so plain replies stay plain.
func renderHTML(text string) string {
	if !hasMarkup(text) {
		return ""
	}
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(text), &buf); err != nil {
		return ""
	}
	return strings.TrimSpace(buf.String())
}

// hasMarkup is a cheap check for characters goldmark would turn into tags.
func hasMarkup(text string) bool {
	if strings.ContainsAny(text, "*_`#[>|~") {
		return true
	}
	for _, line := range strings.Split(text, "\n") {
		l := strings.TrimSpace(line)
		if strings.HasPrefix(l, "- ") || strings.HasPrefix(l, "+ ") {
			return true
		}
		if i := strings.Index(l, ". "); i > 0 && isDigits(l[:i]) {
			return true
		}
	}
	return false
}

func isDigits(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return s != ""
}
