// Package mail holds the normalised representation of a remote message and
// the header/body/HTML-to-text rules shared by the Mail Fetcher and the LM
// Classifier's prompt preparation.
package mail

import (
	"regexp"
	"strings"
	"time"
)

// Message is the normalised form of a remote mailbox message, before it is
// persisted as a models.MailRow.
type Message struct {
	RemoteID    string
	Subject     string
	SenderEmail string
	BodyText    string
	BodyHTML    string
	ReceivedAt  time.Time
}

// SenderEmailFrom extracts the bracketed address from a From header value
// ("Name <user@example.com>" -> "user@example.com"), or returns the whole
// value unchanged if there is no bracketed form.
func SenderEmailFrom(from string) string {
	start := strings.Index(from, "<")
	end := strings.Index(from, ">")
	if start == -1 || end == -1 || end < start {
		return from
	}
	return strings.TrimSpace(from[start+1 : end])
}

var (
	scriptStyleRe = regexp.MustCompile(`(?is)<(script|style)[^>]*>.*?</(script|style)>`)
	brTagRe       = regexp.MustCompile(`(?i)<br\s*/?>`)
	blockCloseRe  = regexp.MustCompile(`(?i)</(p|div|h[1-6])>`)
	anyTagRe      = regexp.MustCompile(`(?s)<[^>]*>`)
	multiBlankRe  = regexp.MustCompile(`\n{3,}`)
)

var htmlEntities = map[string]string{
	"&nbsp;": " ",
	"&amp;":  "&",
	"&lt;":   "<",
	"&gt;":   ">",
	"&quot;": "\"",
	"&#39;":  "'",
}

// StripHTML reduces HTML to approximate plain text. This is a deliberately
// minimal scrubber, not a full HTML parser: it removes script/style blocks
// with their content, translates a handful of block-level tags to
// newlines, drops whatever tags remain, decodes a small fixed entity set,
// and collapses long runs of blank lines.
func StripHTML(html string) string {
	s := scriptStyleRe.ReplaceAllString(html, "")
	s = brTagRe.ReplaceAllString(s, "\n")
	s = blockCloseRe.ReplaceAllString(s, "\n")
	s = anyTagRe.ReplaceAllString(s, "")
	for entity, replacement := range htmlEntities {
		s = strings.ReplaceAll(s, entity, replacement)
	}
	s = multiBlankRe.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// Truncate cuts s to max characters and appends a truncation marker when it
// had to cut anything.
func Truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "\n[...truncated...]"
}

// PlainTextBody prefers the plain-text body over HTML, stripping HTML down
// to approximate plain text when no plain-text part was present.
func PlainTextBody(m Message) string {
	if strings.TrimSpace(m.BodyText) != "" {
		return m.BodyText
	}
	return StripHTML(m.BodyHTML)
}
