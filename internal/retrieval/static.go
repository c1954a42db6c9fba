package retrieval

import (
	"context"
	"sort"
	"strings"
	"unicode"
)

// StaticRetriever scores a fixed document set by query term overlap.
type StaticRetriever struct {
	byDomain map[string][]Document
}

// NewStaticRetriever indexes docs by their "domain" metadata.
func NewStaticRetriever(docs []Document) *StaticRetriever {
	s := &StaticRetriever{byDomain: make(map[string][]Document)}
	for _, d := range docs {
		s.byDomain[d.Domain()] = append(s.byDomain[d.Domain()], d)
	}
	return s
}

// Search implements Retriever.
func (s *StaticRetriever) Search(_ context.Context, query string, filter Filter) ([]Document, error) {
	terms := tokens(query)
	type scored struct {
		doc   Document
		score int
	}
	var hits []scored
	for _, d := range s.byDomain[filter.Domain] {
		body := strings.ToLower(d.Content)
		score := 0
		for _, t := range terms {
			score += strings.Count(body, t)
		}
		if score > 0 {
			hits = append(hits, scored{d, score})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })

	limit := filter.Limit
	if limit <= 0 || limit > len(hits) {
		limit = len(hits)
	}
	out := make([]Document, 0, limit)
	for _, h := range hits[:limit] {
		out = append(out, h.doc)
	}
	return out, nil
}

func tokens(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) > 2 {
			out = append(out, f)
		}
	}
	return out
}
