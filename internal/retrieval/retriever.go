// Package retrieval fetches advice documents per source domain and ranks them for drafting.
package retrieval

import (
	"context"
)

// Document is one retrieved passage.
type Document struct {
	Content  string            `json:"content" yaml:"content"`
	Metadata map[string]string `json:"metadata,omitempty" yaml:"metadata"`
}

// Source returns the document's source URL, if it has one.
func (d Document) Source() string {
	if s := d.Metadata["source_url"]; s != "" {
		return s
	}
	return d.Metadata["source"]
}

// Domain returns the source domain the document was retrieved from.
func (d Document) Domain() string {
	return d.Metadata["domain"]
}

func (d Document) sameAs(o Document) bool {
	return d.Content == o.Content && d.Source() == o.Source()
}

// Filter scopes a search to one source domain.
type Filter struct {
	Domain string `json:"domain"`
	Limit  int    `json:"limit,omitempty"`
}

// Retriever searches one index.
type Retriever interface {
	Search(ctx context.Context, query string, filter Filter) ([]Document, error)
}

// DomainRetriever returns documents for a query across several source domains.
type DomainRetriever interface {
	Retrieve(ctx context.Context, query string, domains []string) ([]Document, error)
}

// MergeRetriever interleaves the top results of each domain, round robin,
// and serves as the ranker's alternative.
type MergeRetriever struct {
	Backend   Retriever
	PerDomain int
	Max       int
}

// Retrieve queries every domain and interleaves the results.
func (m *MergeRetriever) Retrieve(ctx context.Context, query string, domains []string) ([]Document, error) {
	lists := make([][]Document, 0, len(domains))
	for _, d := range domains {
		docs, err := m.Backend.Search(ctx, query, Filter{Domain: d, Limit: m.PerDomain})
		if err != nil {
			return nil, err
		}
		lists = append(lists, docs)
	}

	var out []Document
	for i := 0; ; i++ {
		added := false
		for _, l := range lists {
			if i >= len(l) {
				continue
			}
			added = true
			out = appendUnique(out, l[i])
			if m.Max > 0 && len(out) == m.Max {
				return out, nil
			}
		}
		if !added {
			return out, nil
		}
	}
}

func appendUnique(docs []Document, d Document) []Document {
	for _, existing := range docs {
		if existing.sameAs(d) {
			return docs
		}
	}
	return append(docs, d)
}
