// Package server is the hosted side of the document engine: the
// authoritative version registry, finalize confirmation with
// idempotent replay, and finalized-document search for the dashboard.
package server

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"dealdesk/engine/internal/metrics"
	"dealdesk/engine/internal/server/search"
	"dealdesk/engine/internal/server/store"
)

// DocumentStore is the persistence the service runs on.
type DocumentStore interface {
	Get(ctx context.Context, id string) (store.Document, error)
	ApplyDraft(ctx context.Context, d store.Document) (int64, error)
	ApplyFinalize(ctx context.Context, id string, version int64, artifactRef string) (int64, error)
	ListFinalized(ctx context.Context) ([]store.Document, error)
	Ping(ctx context.Context) error
}

// Confirms replays finalize outcomes for retried requests.
type Confirms interface {
	Lookup(ctx context.Context, documentID string, version int64) (ConfirmRecord, bool, error)
	Record(ctx context.Context, documentID string, version int64, rec ConfirmRecord) error
}

// Searcher is the slice of the search facade the service uses.
type Searcher interface {
	Search(q search.Query) search.Response
	IndexDocument(rec search.Record)
}

// Service implements the document API.
type Service struct {
	store    DocumentStore
	confirms Confirms
	search   Searcher
	log      zerolog.Logger
	metrics  *metrics.Metrics
}

func NewService(st DocumentStore, confirms Confirms, searcher Searcher, log zerolog.Logger, m *metrics.Metrics) *Service {
	return &Service{store: st, confirms: confirms, search: searcher, log: log, metrics: m}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// GetDocument returns the server's view of one document.
func (s *Service) GetDocument(ctx context.Context, id string) (store.Document, error) {
	return s.store.Get(ctx, id)
}

// ApplyDraft records a pushed draft and returns the resulting server
// version.
func (s *Service) ApplyDraft(ctx context.Context, id, dealID, templateID string, version int64, fields map[string]any) (int64, error) {
	sv, err := s.store.ApplyDraft(ctx, store.Document{
		ID:            id,
		DealID:        dealID,
		TemplateID:    templateID,
		ServerVersion: version,
		Summary:       summarize(fields),
	})
	if err != nil {
		return 0, err
	}
	s.log.Debug().Str("doc", id).Int64("version", sv).Msg("server: draft applied")
	return sv, nil
}

// Finalize confirms a finalize. A (document, version) pair already
// confirmed replays the recorded outcome, so lost-response retries do
// not double-write.
func (s *Service) Finalize(ctx context.Context, id string, version int64, artifactRef string) (int64, error) {
	if s.confirms != nil {
		if rec, found, err := s.confirms.Lookup(ctx, id, version); err != nil {
			s.log.Warn().Str("doc", id).Err(err).Msg("server: confirm lookup failed")
		} else if found {
			if rec.ArtifactRef != artifactRef {
				return 0, domainError(409, "CONFLICT",
					"version already finalized with a different artifact",
					map[string]any{"serverVersion": rec.ServerVersion})
			}
			return rec.ServerVersion, nil
		}
	}

	sv, err := s.store.ApplyFinalize(ctx, id, version, artifactRef)
	if err != nil {
		s.metrics.Finalize("rejected")
		return 0, err
	}
	s.metrics.Finalize("confirmed")

	if s.confirms != nil {
		if err := s.confirms.Record(ctx, id, version, ConfirmRecord{ServerVersion: sv, ArtifactRef: artifactRef}); err != nil {
			s.log.Warn().Str("doc", id).Err(err).Msg("server: confirm record failed")
		}
	}

	if s.search != nil {
		if doc, err := s.store.Get(ctx, id); err == nil {
			s.search.IndexDocument(search.Record{
				ID:          doc.ID,
				DealID:      doc.DealID,
				TemplateID:  doc.TemplateID,
				Summary:     doc.Summary,
				ArtifactRef: doc.ArtifactRef,
			})
		}
	}

	s.log.Info().Str("doc", id).Int64("version", sv).Msg("server: document finalized")
	return sv, nil
}

// Search queries finalized documents.
func (s *Service) Search(q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(q)
}

// summarize flattens field values into the indexed text blob. Keys are
// sorted so the summary is stable across pushes of the same state.
func summarize(fields map[string]any) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %v\n", k, fields[k])
	}
	return b.String()
}
