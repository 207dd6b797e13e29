// Package finalize drives the terminal lifecycle step of a document:
// flush pending edits, render, validate, convert, upload, confirm with
// the server, and only then mark the local draft finalized. The order
// is strict; no network call happens before local validation passes,
// and the local finalized mark is written only after the server
// confirmed it.
package finalize

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"dealdesk/engine/internal/draft"
	"dealdesk/engine/internal/locks"
	"dealdesk/engine/internal/metrics"
	"dealdesk/engine/internal/render"
	"dealdesk/engine/internal/retry"
)

// Store is the slice of the draft store the finalizer needs.
type Store interface {
	Load(ctx context.Context, id string) (draft.Draft, error)
	SetStatus(ctx context.Context, id string, to draft.Status) (draft.Draft, error)
	MarkFinalized(ctx context.Context, id, artifactRef string, serverVersion int64) (draft.Draft, error)
}

// Renderer produces the document HTML from the saved field values.
type Renderer interface {
	Render(ctx context.Context, templateID string, values map[string]any) (render.Result, error)
}

// Uploader stores the finalized PDF and returns its reference.
type Uploader interface {
	Upload(ctx context.Context, data []byte, m Metadata) (string, error)
}

// Metadata locates an uploaded artifact.
type Metadata struct {
	UserID       string
	DealID       string
	DocumentID   string
	LocalVersion int64
}

// DocumentService confirms the finalize with the backend.
type DocumentService interface {
	ConfirmFinalized(ctx context.Context, documentID string, localVersion int64, artifactRef string) (int64, error)
}

// Flusher persists any outstanding edits before the snapshot is taken.
type Flusher interface {
	Flush(ctx context.Context) error
}

// ValidationError reports blocking field problems found before any
// network work started. The draft keeps its previous status.
type ValidationError struct {
	DocumentID  string
	FieldErrors []render.FieldError
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("document %s: %d fields failed validation", e.DocumentID, len(e.FieldErrors))
}

// Finalizer runs the finalize sequence for drafts in one local store.
type Finalizer struct {
	store    Store
	renderer Renderer
	convert  render.Converter
	uploader Uploader
	service  DocumentService
	locks    *locks.Registry
	retry    retry.Policy
	userID   string
	log      zerolog.Logger
	metrics  *metrics.Metrics
}

// Config wires the finalizer's collaborators.
type Config struct {
	Store    Store
	Renderer Renderer
	Convert  render.Converter
	Uploader Uploader
	Service  DocumentService
	Locks    *locks.Registry
	Retry    retry.Policy
	UserID   string
	Logger   zerolog.Logger
	Metrics  *metrics.Metrics
}

func New(cfg Config) *Finalizer {
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultPolicy()
	}
	if cfg.Locks == nil {
		cfg.Locks = locks.NewRegistry()
	}
	return &Finalizer{
		store:    cfg.Store,
		renderer: cfg.Renderer,
		convert:  cfg.Convert,
		uploader: cfg.Uploader,
		service:  cfg.Service,
		locks:    cfg.Locks,
		retry:    cfg.Retry,
		userID:   cfg.UserID,
		log:      cfg.Logger,
		metrics:  cfg.Metrics,
	}
}

// Run finalizes one document. flush, when non-nil, persists
// outstanding autosave work first so the rendered artifact reflects
// every keystroke.
//
// On any failure after the draft entered finalizing, the draft lands in
// finalize_failed and Run returns the cause. A version conflict from
// the server is returned as a VersionConflictError; local fields are
// left untouched.
func (f *Finalizer) Run(ctx context.Context, documentID string, flush Flusher) (draft.Draft, error) {
	if flush != nil {
		if err := flush.Flush(ctx); err != nil {
			return draft.Draft{}, fmt.Errorf("flush pending edits: %w", err)
		}
	}

	release := f.locks.Acquire(documentID)
	defer release()

	d, err := f.store.Load(ctx, documentID)
	if err != nil {
		return draft.Draft{}, err
	}
	if d.Status == draft.StatusFinalized {
		// re-finalizing is a no-op; the artifact already exists
		return d, nil
	}
	if !draft.CanTransition(d.Status, draft.StatusFinalizing) {
		return draft.Draft{}, &draft.IllegalTransitionError{ID: documentID, From: d.Status, To: draft.StatusFinalizing}
	}

	result, err := f.renderer.Render(ctx, d.TemplateID, d.FieldValues)
	if err != nil {
		return draft.Draft{}, fmt.Errorf("render document: %w", err)
	}
	if result.Blocking() {
		// validation failures stop everything before the status moves
		// or any byte leaves the machine
		return draft.Draft{}, &ValidationError{DocumentID: documentID, FieldErrors: result.FieldErrors}
	}

	if _, err := f.store.SetStatus(ctx, documentID, draft.StatusFinalizing); err != nil {
		return draft.Draft{}, err
	}

	final, err := f.finish(ctx, d, result.HTML)
	if err != nil {
		f.metrics.Finalize("failed")
		if _, serr := f.store.SetStatus(ctx, documentID, draft.StatusFinalizeFailed); serr != nil {
			f.log.Error().Str("doc", documentID).Err(serr).Msg("finalize: mark failed state")
		}
		return draft.Draft{}, err
	}
	f.metrics.Finalize("finalized")
	return final, nil
}

// finish is the networked tail of the sequence: convert, upload,
// confirm, mark. It runs with the document already in finalizing.
func (f *Finalizer) finish(ctx context.Context, d draft.Draft, html []byte) (draft.Draft, error) {
	pdf, err := f.convert.Convert(ctx, html, d.ID)
	if err != nil {
		return draft.Draft{}, fmt.Errorf("convert pdf: %w", err)
	}

	meta := Metadata{
		UserID:       f.userID,
		DealID:       d.DealID,
		DocumentID:   d.ID,
		LocalVersion: d.LocalVersion,
	}
	var ref string
	err = f.retry.Do(ctx, func() error {
		r, uerr := f.uploader.Upload(ctx, pdf, meta)
		if uerr != nil {
			return uerr
		}
		ref = r
		return nil
	})
	if err != nil {
		return draft.Draft{}, fmt.Errorf("upload artifact: %w", err)
	}

	var serverVersion int64
	err = f.retry.Do(ctx, func() error {
		sv, cerr := f.service.ConfirmFinalized(ctx, d.ID, d.LocalVersion, ref)
		if cerr != nil {
			if draft.IsConflict(cerr) {
				// someone else won; retrying cannot help
				return retry.Permanent(cerr)
			}
			return cerr
		}
		serverVersion = sv
		return nil
	})
	if err != nil {
		if draft.IsConflict(err) {
			f.metrics.Conflict()
		}
		return draft.Draft{}, err
	}

	final, err := f.store.MarkFinalized(ctx, d.ID, ref, serverVersion)
	if err != nil {
		return draft.Draft{}, fmt.Errorf("mark finalized: %w", err)
	}
	f.log.Info().Str("doc", d.ID).Int64("version", final.LocalVersion).Str("artifact", ref).Msg("finalize: document finalized")
	return final, nil
}
