package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"dealdesk/engine/internal/server/search"
	"dealdesk/engine/internal/server/store"
)

type fakeDocStore struct {
	getFn           func(context.Context, string) (store.Document, error)
	applyDraftFn    func(context.Context, store.Document) (int64, error)
	applyFinalizeFn func(context.Context, string, int64, string) (int64, error)
	finalizeCalls   int
}

func (f *fakeDocStore) Get(ctx context.Context, id string) (store.Document, error) {
	if f.getFn != nil {
		return f.getFn(ctx, id)
	}
	return store.Document{}, store.ErrNotFound
}

func (f *fakeDocStore) ApplyDraft(ctx context.Context, d store.Document) (int64, error) {
	if f.applyDraftFn != nil {
		return f.applyDraftFn(ctx, d)
	}
	return d.ServerVersion, nil
}

func (f *fakeDocStore) ApplyFinalize(ctx context.Context, id string, version int64, ref string) (int64, error) {
	f.finalizeCalls++
	if f.applyFinalizeFn != nil {
		return f.applyFinalizeFn(ctx, id, version, ref)
	}
	return version, nil
}

func (f *fakeDocStore) ListFinalized(context.Context) ([]store.Document, error) { return nil, nil }
func (f *fakeDocStore) Ping(context.Context) error                              { return nil }

type memConfirms struct {
	recs map[string]ConfirmRecord
}

func newMemConfirms() *memConfirms { return &memConfirms{recs: make(map[string]ConfirmRecord)} }

func (m *memConfirms) key(id string, v int64) string {
	return fmt.Sprintf("%s:%d", id, v)
}

func (m *memConfirms) Lookup(_ context.Context, id string, v int64) (ConfirmRecord, bool, error) {
	rec, ok := m.recs[m.key(id, v)]
	return rec, ok, nil
}

func (m *memConfirms) Record(_ context.Context, id string, v int64, rec ConfirmRecord) error {
	m.recs[m.key(id, v)] = rec
	return nil
}

type fakeSearch struct {
	indexed []search.Record
	resp    search.Response
}

func (f *fakeSearch) Search(q search.Query) search.Response { return f.resp }
func (f *fakeSearch) IndexDocument(rec search.Record)       { f.indexed = append(f.indexed, rec) }

func newTestServer(st *fakeDocStore, confirms Confirms, searcher Searcher) *httptest.Server {
	svc := NewService(st, confirms, searcher, zerolog.Nop(), nil)
	return httptest.NewServer(NewHTTPServer(svc, "sync-tok", zerolog.Nop(), nil).Handler())
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer sync-tok")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	var payload map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&payload)
	return resp, payload
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(&fakeDocStore{}, nil, nil)
	defer srv.Close()

	resp, payload := doJSON(t, http.MethodGet, srv.URL+"/api/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if payload["ok"] != true {
		t.Fatalf("payload = %v", payload)
	}
}

func TestVersionEndpoint(t *testing.T) {
	st := &fakeDocStore{getFn: func(_ context.Context, id string) (store.Document, error) {
		if id != "doc-1" {
			return store.Document{}, store.ErrNotFound
		}
		return store.Document{ID: id, ServerVersion: 7, Status: "ready"}, nil
	}}
	srv := newTestServer(st, nil, nil)
	defer srv.Close()

	resp, payload := doJSON(t, http.MethodGet, srv.URL+"/api/documents/doc-1/version", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if payload["serverVersion"] != float64(7) || payload["status"] != "ready" {
		t.Fatalf("payload = %v", payload)
	}

	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/api/documents/doc-x/version", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown document status = %d, want 404", resp.StatusCode)
	}
}

func TestVersionRequiresSyncToken(t *testing.T) {
	srv := newTestServer(&fakeDocStore{}, nil, nil)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/documents/doc-1/version")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 without token", resp.StatusCode)
	}
}

func TestDraftEndpoint(t *testing.T) {
	var applied store.Document
	st := &fakeDocStore{applyDraftFn: func(_ context.Context, d store.Document) (int64, error) {
		applied = d
		return d.ServerVersion, nil
	}}
	srv := newTestServer(st, nil, nil)
	defer srv.Close()

	resp, payload := doJSON(t, http.MethodPost, srv.URL+"/api/documents/doc-1/draft", map[string]any{
		"dealId":       "deal-1",
		"templateId":   "tmpl-1",
		"localVersion": 4,
		"fieldValues":  map[string]any{"price": 150, "vin": "1FTSW21P"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if payload["serverVersion"] != float64(4) {
		t.Fatalf("payload = %v", payload)
	}
	if applied.DealID != "deal-1" || applied.Summary == "" {
		t.Fatalf("applied = %+v", applied)
	}
}

func TestDraftConflictCarriesServerVersion(t *testing.T) {
	st := &fakeDocStore{applyDraftFn: func(_ context.Context, d store.Document) (int64, error) {
		return 0, &store.ConflictError{ID: d.ID, ServerVersion: 9}
	}}
	srv := newTestServer(st, nil, nil)
	defer srv.Close()

	resp, payload := doJSON(t, http.MethodPost, srv.URL+"/api/documents/doc-1/draft", map[string]any{
		"dealId":       "deal-1",
		"templateId":   "tmpl-1",
		"localVersion": 4,
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
	if payload["serverVersion"] != float64(9) {
		t.Fatalf("payload = %v, want top-level serverVersion", payload)
	}
}

func TestFinalizeEndpointIdempotent(t *testing.T) {
	st := &fakeDocStore{getFn: func(_ context.Context, id string) (store.Document, error) {
		return store.Document{ID: id, Status: "finalized", ArtifactRef: "artifacts/doc-1", Summary: "price: 150"}, nil
	}}
	confirms := newMemConfirms()
	searcher := &fakeSearch{}
	srv := newTestServer(st, confirms, searcher)
	defer srv.Close()

	body := map[string]any{"localVersion": 5, "artifactRef": "artifacts/doc-1"}
	resp, payload := doJSON(t, http.MethodPost, srv.URL+"/api/documents/doc-1/finalize", body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if payload["serverVersion"] != float64(5) {
		t.Fatalf("payload = %v", payload)
	}

	// retry after a lost response replays the outcome without another write
	resp, payload = doJSON(t, http.MethodPost, srv.URL+"/api/documents/doc-1/finalize", body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("retry status = %d", resp.StatusCode)
	}
	if payload["serverVersion"] != float64(5) {
		t.Fatalf("retry payload = %v", payload)
	}
	if st.finalizeCalls != 1 {
		t.Fatalf("store finalize calls = %d, want 1", st.finalizeCalls)
	}
	if len(searcher.indexed) != 1 {
		t.Fatalf("indexed = %d, want 1", len(searcher.indexed))
	}
}

func TestFinalizeValidation(t *testing.T) {
	srv := newTestServer(&fakeDocStore{}, nil, nil)
	defer srv.Close()

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/documents/doc-1/finalize", map[string]any{
		"localVersion": 5,
	})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422 for missing artifactRef", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/api/documents/doc-1/finalize", map[string]any{
		"localVersion": 0,
		"artifactRef":  "x",
	})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422 for zero version", resp.StatusCode)
	}
}

func TestSearchEndpoint(t *testing.T) {
	searcher := &fakeSearch{resp: search.Response{
		Results: []search.Result{{ID: "doc-1", DealID: "deal-1"}},
		Total:   1,
		Query:   "ford",
	}}
	srv := newTestServer(&fakeDocStore{}, nil, searcher)
	defer srv.Close()

	resp, payload := doJSON(t, http.MethodGet, srv.URL+"/api/search?q=ford&limit=10", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	results, ok := payload["results"].([]any)
	if !ok || len(results) != 1 {
		t.Fatalf("payload = %v", payload)
	}
}
