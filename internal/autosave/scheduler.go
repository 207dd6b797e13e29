// Package autosave debounces rapid field edits into a single save per
// quiescent period. Per document there is at most one save in flight;
// edits arriving during a save are coalesced into the next one, so the
// last field state is always eventually persisted.
package autosave

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"dealdesk/engine/internal/draft"
	"dealdesk/engine/internal/locks"
	"dealdesk/engine/internal/metrics"
	"dealdesk/engine/internal/render"
	"dealdesk/engine/internal/retry"
)

// Store is the slice of the draft store the scheduler mutates through.
type Store interface {
	UpsertFields(ctx context.Context, id string, fields map[string]any) (draft.Draft, error)
	SetStatus(ctx context.Context, id string, to draft.Status) (draft.Draft, error)
}

// Renderer produces the live preview during a save.
type Renderer interface {
	Render(ctx context.Context, templateID string, values map[string]any) (render.Result, error)
}

// State is the scheduler phase reported to subscribers.
type State string

const (
	StateSaving State = "saving"
	StateSaved  State = "saved"
	StateFailed State = "save_failed"
)

// Event is a status notification for UI indicators.
type Event struct {
	DocumentID  string
	State       State
	Preview     []byte
	FieldErrors []render.FieldError
	Err         error
}

// ErrClosed is returned for edits after the scheduler shut down.
var ErrClosed = errors.New("autosave scheduler closed")

type schedState int

const (
	stateIdle schedState = iota
	statePending
	stateSaving
)

// Config carries scheduler tuning; zero values fall back to defaults.
type Config struct {
	Debounce time.Duration
	Retry    retry.Policy
	Clock    Clock
	Logger   zerolog.Logger
	Metrics  *metrics.Metrics
	Notify   func(Event)
}

// Scheduler runs the idle -> pending -> saving machine for one
// document.
type Scheduler struct {
	docID      string
	templateID string
	store      Store
	renderer   Renderer
	locks      *locks.Registry
	cfg        Config

	mu       sync.Mutex
	cond     *sync.Cond
	state    schedState
	timer    Timer
	buffered map[string]any
	current  map[string]any
	lastErr  error
	closed   bool
}

func NewScheduler(docID, templateID string, seed map[string]any, store Store, renderer Renderer, reg *locks.Registry, cfg Config) *Scheduler {
	if cfg.Debounce == 0 {
		cfg.Debounce = 2 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = RealClock()
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultPolicy()
	}

	current := make(map[string]any, len(seed))
	for k, v := range seed {
		current[k] = v
	}
	s := &Scheduler{
		docID:      docID,
		templateID: templateID,
		store:      store,
		renderer:   renderer,
		locks:      reg,
		cfg:        cfg,
		buffered:   make(map[string]any),
		current:    current,
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Edit records one field change. In idle it starts the debounce timer,
// in pending it resets it, and during a save it flags the document
// dirty so the save re-triggers.
func (s *Scheduler) Edit(key string, value any) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}

	s.buffered[key] = value
	s.current[key] = value

	announce := false
	switch s.state {
	case stateIdle:
		s.state = statePending
		s.timer = s.cfg.Clock.AfterFunc(s.cfg.Debounce, s.fire)
		announce = true
	case statePending:
		s.timer.Reset(s.cfg.Debounce)
	case stateSaving:
		// dirty since save started; the save loop re-triggers. The UI
		// still has to drop back from "saved" to "saving".
		announce = true
	}
	s.mu.Unlock()

	if announce {
		s.notify(Event{DocumentID: s.docID, State: StateSaving})
	}
	return nil
}

// SaveNow short-circuits the debounce timer and waits for the pending
// work to persist. It obeys the same single-flight rule as timed saves.
func (s *Scheduler) SaveNow(ctx context.Context) error {
	return s.Flush(ctx)
}

// Flush persists all outstanding edits and blocks until the store
// reflects them (or a terminal save error occurred). The finalize
// machine calls this before rendering the final artifact.
func (s *Scheduler) Flush(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return ErrClosed
		}
		switch {
		case s.state == stateIdle && len(s.buffered) == 0:
			err := s.lastErr
			s.mu.Unlock()
			return err
		case s.state == stateSaving:
			s.cond.Wait()
			s.mu.Unlock()
		default:
			// pending, or idle with edits left behind by a failed save
			if s.timer != nil {
				s.timer.Stop()
			}
			fields, values := s.takeWorkLocked()
			s.mu.Unlock()
			if err := s.runSave(ctx, fields, values); err != nil {
				return err
			}
		}
	}
}

// Close stops the timer and rejects further edits. Pending edits are
// not flushed; call Flush first to keep them.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.closed = true
	s.cond.Broadcast()
}

// Snapshot returns a copy of the current working field values.
func (s *Scheduler) Snapshot() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	values := make(map[string]any, len(s.current))
	for k, v := range s.current {
		values[k] = v
	}
	return values
}

// takeWorkLocked moves buffered edits into a save cycle. Caller holds
// s.mu.
func (s *Scheduler) takeWorkLocked() (fields, values map[string]any) {
	s.state = stateSaving
	fields = s.buffered
	s.buffered = make(map[string]any)
	values = make(map[string]any, len(s.current))
	for k, v := range s.current {
		values[k] = v
	}
	return fields, values
}

func (s *Scheduler) fire() {
	s.mu.Lock()
	if s.closed || s.state != statePending {
		s.mu.Unlock()
		return
	}
	fields, values := s.takeWorkLocked()
	s.mu.Unlock()
	_ = s.runSave(context.Background(), fields, values)
}

func (s *Scheduler) runSave(ctx context.Context, fields, values map[string]any) error {
	release := s.locks.Acquire(s.docID)

	err := s.persist(ctx, fields, values)

	release()

	s.mu.Lock()
	s.lastErr = err
	if err != nil {
		// keep the failed diff so nothing is dropped; re-edited keys win
		for k, v := range fields {
			if _, ok := s.buffered[k]; !ok {
				s.buffered[k] = v
			}
		}
	}
	rearmed := false
	if len(s.buffered) > 0 && !s.closed {
		s.state = statePending
		s.timer = s.cfg.Clock.AfterFunc(s.cfg.Debounce, s.fire)
		rearmed = true
	} else {
		s.state = stateIdle
	}
	s.cond.Broadcast()
	s.mu.Unlock()

	if rearmed && err == nil {
		// the saved event already fired for the finished cycle; edits
		// that landed meanwhile put the document back in saving
		s.notify(Event{DocumentID: s.docID, State: StateSaving})
	}
	return err
}

// persist is one save cycle: mark saving, render the preview, write
// the coalesced diff, mark ready. Store errors retry with capped
// backoff; an illegal transition (the draft finalized underneath us)
// surfaces immediately.
func (s *Scheduler) persist(ctx context.Context, fields, values map[string]any) error {
	if _, err := s.store.SetStatus(ctx, s.docID, draft.StatusSaving); err != nil {
		s.fail(err)
		return err
	}

	var result render.Result
	if res, err := s.renderer.Render(ctx, s.templateID, values); err != nil {
		// preview failure is advisory; the raw values still get saved
		s.cfg.Logger.Warn().Str("doc", s.docID).Err(err).Msg("autosave: preview render failed")
	} else {
		result = res
	}

	attempt := 0
	err := s.cfg.Retry.Do(ctx, func() error {
		attempt++
		if attempt > 1 {
			s.cfg.Metrics.SaveRetry()
		}
		if _, err := s.store.UpsertFields(ctx, s.docID, fields); err != nil {
			if draft.IsIllegalTransition(err) {
				return retry.Permanent(err)
			}
			return err
		}
		if _, err := s.store.SetStatus(ctx, s.docID, draft.StatusReady); err != nil {
			if draft.IsIllegalTransition(err) {
				return retry.Permanent(err)
			}
			return err
		}
		return nil
	})
	if err != nil {
		s.fail(err)
		return err
	}

	s.cfg.Metrics.Save()
	s.notify(Event{
		DocumentID:  s.docID,
		State:       StateSaved,
		Preview:     result.HTML,
		FieldErrors: result.FieldErrors,
	})
	return nil
}

func (s *Scheduler) fail(err error) {
	s.cfg.Logger.Error().Str("doc", s.docID).Err(err).Msg("autosave: save failed")
	s.notify(Event{DocumentID: s.docID, State: StateFailed, Err: err})
}

func (s *Scheduler) notify(ev Event) {
	if s.cfg.Notify != nil {
		s.cfg.Notify(ev)
	}
}
