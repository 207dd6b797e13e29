// Package engine is the embedding surface of the document engine: open
// a draft, edit fields, save, finalize, and watch status changes. It
// owns the per-document single-flight locks shared by autosave,
// finalize, and the reconciler.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"dealdesk/engine/internal/autosave"
	"dealdesk/engine/internal/draft"
	"dealdesk/engine/internal/finalize"
	"dealdesk/engine/internal/locks"
	"dealdesk/engine/internal/metrics"
	"dealdesk/engine/internal/render"
	"dealdesk/engine/internal/retry"
	"dealdesk/engine/internal/store"
	"dealdesk/engine/internal/util"
)

// State is a document status notification for subscribers.
type State string

const (
	StateSaving         State = "saving"
	StateSaved          State = "saved"
	StateSaveFailed     State = "save_failed"
	StateFinalizing     State = "finalizing"
	StateFinalized      State = "finalized"
	StateFinalizeFailed State = "finalize_failed"
	StateConflict       State = "conflict"
)

// Event is delivered to status subscribers on every lifecycle change.
type Event struct {
	DocumentID  string
	State       State
	Preview     []byte
	FieldErrors []render.FieldError
	Err         error
}

// Config wires the engine's collaborators. Store, Templates, Convert,
// Uploader, and Service are required; the rest default sensibly.
type Config struct {
	Store     *store.DraftStore
	Templates render.TemplateSource
	Convert   render.Converter
	Uploader  finalize.Uploader
	Service   finalize.DocumentService
	Locks     *locks.Registry
	UserID    string
	Debounce  time.Duration
	Retry     retry.Policy
	Clock     autosave.Clock
	Logger    zerolog.Logger
	Metrics   *metrics.Metrics
}

// Engine hosts open draft handles and fans status events out to
// subscribers.
type Engine struct {
	store     *store.DraftStore
	pipeline  *render.Pipeline
	finalizer *finalize.Finalizer
	locks     *locks.Registry
	cfg       Config

	mu      sync.Mutex
	handles map[string]*Handle
	subs    map[int]func(Event)
	nextSub int
}

func New(cfg Config) *Engine {
	if cfg.Locks == nil {
		cfg.Locks = locks.NewRegistry()
	}
	if cfg.Retry == (retry.Policy{}) {
		cfg.Retry = retry.DefaultPolicy()
	}
	pipeline := render.NewPipeline(cfg.Templates)
	e := &Engine{
		store:    cfg.Store,
		pipeline: pipeline,
		locks:    cfg.Locks,
		cfg:      cfg,
		handles:  make(map[string]*Handle),
		subs:     make(map[int]func(Event)),
	}
	e.finalizer = finalize.New(finalize.Config{
		Store:    cfg.Store,
		Renderer: pipeline,
		Convert:  cfg.Convert,
		Uploader: cfg.Uploader,
		Service:  cfg.Service,
		Locks:    cfg.Locks,
		Retry:    cfg.Retry,
		UserID:   cfg.UserID,
		Logger:   cfg.Logger,
		Metrics:  cfg.Metrics,
	})
	return e
}

// Locks exposes the shared per-document lock registry so the
// reconciler can cooperate with saves and finalizes.
func (e *Engine) Locks() *locks.Registry { return e.locks }

// Finalize retries the finalize sequence for a document without an
// open handle. The reconciler uses it for finalize_failed drafts.
func (e *Engine) Finalize(ctx context.Context, documentID string) error {
	_, err := e.runFinalize(ctx, documentID, nil)
	return err
}

// SubscribeStatus registers a status listener and returns its
// unsubscribe function. Listeners run on engine goroutines and must
// not block.
func (e *Engine) SubscribeStatus(fn func(Event)) func() {
	e.mu.Lock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = fn
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		delete(e.subs, id)
		e.mu.Unlock()
	}
}

func (e *Engine) publish(ev Event) {
	e.mu.Lock()
	fns := make([]func(Event), 0, len(e.subs))
	for _, fn := range e.subs {
		fns = append(fns, fn)
	}
	e.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// OpenDraft loads an existing draft or creates a new one, and returns
// the handle edits go through. An empty id starts a fresh document.
// Opening the same document twice returns the same handle.
func (e *Engine) OpenDraft(ctx context.Context, id, dealID, templateID string) (*Handle, error) {
	if id == "" {
		id = util.NewID("doc")
	}
	e.mu.Lock()
	if h, ok := e.handles[id]; ok {
		e.mu.Unlock()
		return h, nil
	}
	e.mu.Unlock()

	d, err := e.store.Load(ctx, id)
	if errors.Is(err, draft.ErrNotFound) {
		d, err = e.store.Create(ctx, id, dealID, templateID)
	}
	if err != nil {
		return nil, err
	}

	h := &Handle{
		eng:       e,
		id:        d.ID,
		finalized: d.Finalized(),
	}
	h.sched = autosave.NewScheduler(d.ID, d.TemplateID, d.FieldValues, e.store, e.pipeline, e.locks, autosave.Config{
		Debounce: e.cfg.Debounce,
		Retry:    e.cfg.Retry,
		Clock:    e.cfg.Clock,
		Logger:   e.cfg.Logger,
		Metrics:  e.cfg.Metrics,
		Notify:   e.relay,
	})

	e.mu.Lock()
	if existing, ok := e.handles[id]; ok {
		e.mu.Unlock()
		h.sched.Close()
		return existing, nil
	}
	e.handles[id] = h
	e.mu.Unlock()
	return h, nil
}

// relay converts scheduler notifications into engine events.
func (e *Engine) relay(ev autosave.Event) {
	out := Event{
		DocumentID:  ev.DocumentID,
		Preview:     ev.Preview,
		FieldErrors: ev.FieldErrors,
		Err:         ev.Err,
	}
	switch ev.State {
	case autosave.StateSaving:
		out.State = StateSaving
	case autosave.StateSaved:
		out.State = StateSaved
	case autosave.StateFailed:
		out.State = StateSaveFailed
	}
	e.publish(out)
}

func (e *Engine) runFinalize(ctx context.Context, documentID string, flush finalize.Flusher) (draft.Draft, error) {
	e.publish(Event{DocumentID: documentID, State: StateFinalizing})
	final, err := e.finalizer.Run(ctx, documentID, flush)
	switch {
	case err == nil:
		e.publish(Event{DocumentID: documentID, State: StateFinalized})
	case draft.IsConflict(err):
		e.publish(Event{DocumentID: documentID, State: StateConflict, Err: err})
	default:
		ev := Event{DocumentID: documentID, State: StateFinalizeFailed, Err: err}
		var verr *finalize.ValidationError
		if errors.As(err, &verr) {
			ev.FieldErrors = verr.FieldErrors
		}
		e.publish(ev)
	}
	return final, err
}

// Close shuts down every open handle. Pending edits are flushed first.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	handles := make([]*Handle, 0, len(e.handles))
	for _, h := range e.handles {
		handles = append(handles, h)
	}
	e.handles = make(map[string]*Handle)
	e.mu.Unlock()

	var firstErr error
	for _, h := range handles {
		if err := h.sched.Flush(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		h.sched.Close()
	}
	return firstErr
}

// Handle is one open document draft.
type Handle struct {
	eng   *Engine
	id    string
	sched *autosave.Scheduler

	mu        sync.Mutex
	finalized bool
}

// ID returns the document id this handle edits.
func (h *Handle) ID() string { return h.id }

// EditField records a single field change. Values must be scalar
// (string, number, boolean); edits to a finalized document are
// rejected.
func (h *Handle) EditField(key string, value any) error {
	h.mu.Lock()
	finalized := h.finalized
	h.mu.Unlock()
	if finalized {
		return &draft.IllegalTransitionError{ID: h.id, From: draft.StatusFinalized, To: draft.StatusSaving}
	}
	if !draft.ScalarValue(value) {
		return fmt.Errorf("field %q: unsupported value type %T", key, value)
	}
	return h.sched.Edit(key, value)
}

// SaveNow persists outstanding edits immediately, bypassing the
// debounce window.
func (h *Handle) SaveNow(ctx context.Context) error {
	return h.sched.SaveNow(ctx)
}

// Draft returns the current persisted draft state.
func (h *Handle) Draft(ctx context.Context) (draft.Draft, error) {
	return h.eng.store.Load(ctx, h.id)
}

// Finalize flushes pending edits and runs the full finalize sequence.
// On success the handle becomes read-only.
func (h *Handle) Finalize(ctx context.Context) (draft.Draft, error) {
	final, err := h.eng.runFinalize(ctx, h.id, h.sched)
	if err != nil {
		return draft.Draft{}, err
	}
	h.mu.Lock()
	h.finalized = true
	h.mu.Unlock()
	return final, nil
}

// Close releases the handle. Pending edits are not flushed; call
// SaveNow first to keep them.
func (h *Handle) Close() {
	h.eng.mu.Lock()
	delete(h.eng.handles, h.id)
	h.eng.mu.Unlock()
	h.sched.Close()
}
