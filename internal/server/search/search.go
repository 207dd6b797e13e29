// Package search provides finalized-document search for the dashboard:
// meilisearch when it is up, postgres full-text search otherwise.
package search

// Result is a single finalized document hit.
type Result struct {
	ID          string `json:"id"`
	DealID      string `json:"dealId"`
	TemplateID  string `json:"templateId"`
	Snippet     string `json:"snippet"`
	ArtifactRef string `json:"artifactRef"`
}

// Query describes a search request.
type Query struct {
	Text         string
	FilterDealID string
	Limit        int
	Offset       int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher executes a full-text search over finalized documents.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Record is the data indexed per finalized document.
type Record struct {
	ID          string `json:"id"`
	DealID      string `json:"dealId"`
	TemplateID  string `json:"templateId"`
	Summary     string `json:"summary"`
	ArtifactRef string `json:"artifactRef"`
}

// Indexer pushes finalized documents into a search index.
type Indexer interface {
	IndexDocument(rec Record) error
}
