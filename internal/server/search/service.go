package search

import "log"

// Service tries the primary searcher first and falls back to the
// secondary. In production the primary is Meilisearch and the fallback
// is postgres FTS.
type Service struct {
	primary  Searcher
	fallback Searcher
	indexer  Indexer
}

// NewService creates the search facade. primary and indexer may be nil
// when Meilisearch is not configured.
func NewService(primary Searcher, fallback Searcher, indexer Indexer) *Service {
	return &Service{primary: primary, fallback: fallback, indexer: indexer}
}

// Search tries the primary backend if healthy, otherwise the fallback.
func (s *Service) Search(q Query) Response {
	if s.primary != nil && s.primary.Healthy() {
		results, total, err := s.primary.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: primary backend error, falling back: %v", err)
	}

	results, total, err := s.fallback.Search(q)
	if err != nil {
		log.Printf("search: fallback error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexDocument pushes a finalized document to the index,
// fire-and-forget. The postgres fallback needs no indexing; it reads
// the documents table directly.
func (s *Service) IndexDocument(rec Record) {
	if s.indexer == nil {
		return
	}
	go func() {
		if err := s.indexer.IndexDocument(rec); err != nil {
			log.Printf("search: index document %s: %v", rec.ID, err)
		}
	}()
}

func nonNil(results []Result) []Result {
	if results == nil {
		return []Result{}
	}
	return results
}
