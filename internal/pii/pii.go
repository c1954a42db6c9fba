// Package pii screens adviser text for personal data before it is sent to a model.
package pii

import (
	"context"
	"regexp"
	"sort"
	"strings"
)

// Span is one detected piece of personal data.
type Span struct {
	Type  string `json:"type"`
	Start int    `json:"start"`
	End   int    `json:"end"`
	Text  string `json:"text"`
}

// Screener finds personal data in text. An empty result means the text is clear.
type Screener interface {
	Screen(ctx context.Context, text string) ([]Span, error)
}

// Pattern is a named detector.
type Pattern struct {
	Type string
	Expr *regexp.Regexp
}

// DefaultPatterns detect the identifiers advisers most often paste by mistake.
var DefaultPatterns = []Pattern{
	{Type: "EMAIL_ADDRESS", Expr: regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)},
	{Type: "UK_NINO", Expr: regexp.MustCompile(`\b[A-CEGHJ-PR-TW-Za-ceghj-pr-tw-z][A-CEGHJ-NPR-TW-Za-ceghj-npr-tw-z]\s?\d{2}\s?\d{2}\s?\d{2}\s?[A-Da-d]\b`)},
	{Type: "PHONE_NUMBER", Expr: regexp.MustCompile(`(?:\+44\s?|\b0)(?:\d\s?){9,10}\b`)},
	{Type: "CREDIT_CARD", Expr: regexp.MustCompile(`\b(?:\d[ -]?){13,16}\b`)},
	{Type: "UK_POSTCODE", Expr: regexp.MustCompile(`\b[A-Z]{1,2}\d[A-Z\d]?\s?\d[A-Z]{2}\b`)},
}

// PatternScreener matches regular expressions.
type PatternScreener struct {
	Patterns []Pattern
}

// NewPatternScreener creates a screener with DefaultPatterns.
func NewPatternScreener() *PatternScreener {
	return &PatternScreener{Patterns: DefaultPatterns}
}

// Screen implements Screener. Overlapping matches keep the earliest, longest span.
func (s *PatternScreener) Screen(_ context.Context, text string) ([]Span, error) {
	var spans []Span
	for _, p := range s.Patterns {
		for _, loc := range p.Expr.FindAllStringIndex(text, -1) {
			spans = append(spans, Span{Type: p.Type, Start: loc[0], End: loc[1], Text: text[loc[0]:loc[1]]})
		}
	}
	sort.Slice(spans, func(i, j int) bool {
		if spans[i].Start != spans[j].Start {
			return spans[i].Start < spans[j].Start
		}
		return spans[i].End > spans[j].End
	})

	out := spans[:0]
	end := -1
	for _, sp := range spans {
		if sp.Start < end {
			continue
		}
		out = append(out, sp)
		end = sp.End
	}
	return out, nil
}

// Redact replaces each span with its type in angle brackets.
func Redact(text string, spans []Span) string {
	var sb strings.Builder
	last := 0
	for _, sp := range spans {
		if sp.Start < last || sp.End > len(text) {
			continue
		}
		sb.WriteString(text[last:sp.Start])
		sb.WriteString("<" + sp.Type + ">")
		last = sp.End
	}
	sb.WriteString(text[last:])
	return sb.String()
}

// Types lists the distinct span types in order of appearance.
func Types(spans []Span) []string {
	seen := map[string]bool{}
	var out []string
	for _, sp := range spans {
		if !seen[sp.Type] {
			seen[sp.Type] = true
			out = append(out, sp.Type)
		}
	}
	return out
}
