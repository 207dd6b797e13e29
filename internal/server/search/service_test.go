package search

import (
	"errors"
	"testing"
)

type fakeSearcher struct {
	healthy bool
	results []Result
	total   int
	err     error
	calls   int
}

func (f *fakeSearcher) Search(Query) ([]Result, int, error) {
	f.calls++
	return f.results, f.total, f.err
}

func (f *fakeSearcher) Healthy() bool { return f.healthy }

func TestSearchPrefersHealthyPrimary(t *testing.T) {
	primary := &fakeSearcher{healthy: true, results: []Result{{ID: "doc-1"}}, total: 1}
	fallback := &fakeSearcher{healthy: true, results: []Result{{ID: "doc-2"}}, total: 1}
	s := NewService(primary, fallback, nil)

	resp := s.Search(Query{Text: "ford"})
	if fallback.calls != 0 {
		t.Fatal("fallback queried while primary healthy")
	}
	if len(resp.Results) != 1 || resp.Results[0].ID != "doc-1" {
		t.Fatalf("results = %+v", resp.Results)
	}
}

func TestSearchFallsBackWhenPrimaryUnhealthy(t *testing.T) {
	primary := &fakeSearcher{healthy: false}
	fallback := &fakeSearcher{healthy: true, results: []Result{{ID: "doc-2"}}, total: 1}
	s := NewService(primary, fallback, nil)

	resp := s.Search(Query{Text: "ford"})
	if primary.calls != 0 {
		t.Fatal("unhealthy primary was queried")
	}
	if len(resp.Results) != 1 || resp.Results[0].ID != "doc-2" {
		t.Fatalf("results = %+v", resp.Results)
	}
}

func TestSearchFallsBackOnPrimaryError(t *testing.T) {
	primary := &fakeSearcher{healthy: true, err: errors.New("index gone")}
	fallback := &fakeSearcher{healthy: true, results: []Result{{ID: "doc-2"}}, total: 1}
	s := NewService(primary, fallback, nil)

	resp := s.Search(Query{Text: "ford"})
	if fallback.calls != 1 {
		t.Fatalf("fallback calls = %d, want 1", fallback.calls)
	}
	if resp.Total != 1 {
		t.Fatalf("total = %d, want 1", resp.Total)
	}
}

func TestSearchNeverReturnsNilResults(t *testing.T) {
	fallback := &fakeSearcher{healthy: true}
	s := NewService(nil, fallback, nil)

	resp := s.Search(Query{Text: "nothing"})
	if resp.Results == nil {
		t.Fatal("results slice is nil")
	}
}

func TestSearchNoPrimaryConfigured(t *testing.T) {
	fallback := &fakeSearcher{healthy: true, results: []Result{{ID: "doc-3"}}, total: 1}
	s := NewService(nil, fallback, nil)

	resp := s.Search(Query{Text: "ford"})
	if len(resp.Results) != 1 {
		t.Fatalf("results = %+v", resp.Results)
	}
}
