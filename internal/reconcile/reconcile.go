// Package reconcile periodically pushes pending local drafts to the
// server and surfaces version conflicts. It never merges: when the
// server has moved past the version this client last saw, the conflict
// is reported and the local draft is left exactly as it was.
package reconcile

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"dealdesk/engine/internal/draft"
	"dealdesk/engine/internal/locks"
	"dealdesk/engine/internal/metrics"
	"dealdesk/engine/internal/remote"
)

// Store is the slice of the draft store the reconciler sweeps.
type Store interface {
	ListPendingSync(ctx context.Context) ([]draft.Draft, error)
	ListFinalizing(ctx context.Context) ([]draft.Draft, error)
	SetStatus(ctx context.Context, id string, to draft.Status) (draft.Draft, error)
	MarkSynced(ctx context.Context, id string, serverVersion int64) (draft.Draft, error)
	PurgeFinalized(ctx context.Context, cutoff time.Time) (int64, error)
}

// Service is the slice of the remote client the reconciler uses.
type Service interface {
	GetVersion(ctx context.Context, documentID string) (remote.VersionInfo, error)
	PushDraft(ctx context.Context, documentID, dealID, templateID string, localVersion int64, fields map[string]any) (int64, error)
}

// Conflict describes a server-side divergence found during a sweep.
type Conflict struct {
	DocumentID    string
	LocalVersion  int64
	ServerVersion int64
	ServerStatus  string
}

// Policy sets how often sweeps run.
type Policy struct {
	Interval time.Duration
}

// ConnectedPolicy is the cadence for hosts with a live backend link.
func ConnectedPolicy() Policy { return Policy{Interval: 30 * time.Second} }

// StandalonePolicy is the cadence for mostly-offline hosts, where most
// sweeps find nothing reachable anyway.
func StandalonePolicy() Policy { return Policy{Interval: 5 * time.Minute} }

// FinalizeFunc retries the finalize sequence for a draft stuck in
// finalize_failed. It runs outside the reconciler's document lock.
type FinalizeFunc func(ctx context.Context, documentID string) error

// Config wires the reconciler's collaborators.
type Config struct {
	Store      Store
	Service    Service
	Locks      *locks.Registry
	Policy     Policy
	Retention  time.Duration
	Finalize   FinalizeFunc
	OnConflict func(Conflict)
	Logger     zerolog.Logger
	Metrics    *metrics.Metrics
}

// Reconciler owns the background sweep loop.
type Reconciler struct {
	store      Store
	service    Service
	locks      *locks.Registry
	policy     Policy
	retention  time.Duration
	finalize   FinalizeFunc
	onConflict func(Conflict)
	log        zerolog.Logger
	metrics    *metrics.Metrics
	kick       chan struct{}
}

func New(cfg Config) *Reconciler {
	if cfg.Policy.Interval == 0 {
		cfg.Policy = ConnectedPolicy()
	}
	if cfg.Locks == nil {
		cfg.Locks = locks.NewRegistry()
	}
	return &Reconciler{
		store:      cfg.Store,
		service:    cfg.Service,
		locks:      cfg.Locks,
		policy:     cfg.Policy,
		retention:  cfg.Retention,
		finalize:   cfg.Finalize,
		onConflict: cfg.OnConflict,
		log:        cfg.Logger,
		metrics:    cfg.Metrics,
		kick:       make(chan struct{}, 1),
	}
}

// Kick requests an immediate sweep, coalescing with any already queued.
// Callers use it after regaining connectivity instead of waiting out
// the interval.
func (r *Reconciler) Kick() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// Run sweeps on the policy interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.policy.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-r.kick:
		}
		if err := r.Sweep(ctx); err != nil {
			r.log.Warn().Err(err).Msg("reconcile: sweep failed")
		}
	}
}

// Sweep pushes every pending draft once and purges expired finalized
// drafts. Documents with a save or finalize in flight are skipped and
// picked up next time.
func (r *Reconciler) Sweep(ctx context.Context) error {
	r.metrics.Sweep()

	r.recoverStuck(ctx)

	pending, err := r.store.ListPendingSync(ctx)
	if err != nil {
		return err
	}
	for _, d := range pending {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.sweepOne(ctx, d)
	}

	if r.retention > 0 {
		n, err := r.store.PurgeFinalized(ctx, time.Now().Add(-r.retention))
		if err != nil {
			r.log.Warn().Err(err).Msg("reconcile: purge failed")
		} else if n > 0 {
			r.metrics.Purged(n)
			r.log.Info().Int64("count", n).Msg("reconcile: purged finalized drafts")
		}
	}
	return nil
}

// recoverStuck demotes orphaned finalizing drafts to finalize_failed.
// A draft only sits in finalizing while the finalizer holds its lock,
// so an unlocked finalizing row was abandoned by a crash; demotion
// flags it pending sync and the normal retry path picks it up.
func (r *Reconciler) recoverStuck(ctx context.Context) {
	stuck, err := r.store.ListFinalizing(ctx)
	if err != nil {
		r.log.Warn().Err(err).Msg("reconcile: list finalizing failed")
		return
	}
	for _, d := range stuck {
		release, ok := r.locks.TryAcquire(d.ID)
		if !ok {
			// a finalize is running; not orphaned
			continue
		}
		_, err := r.store.SetStatus(ctx, d.ID, draft.StatusFinalizeFailed)
		release()
		if draft.IsIllegalTransition(err) {
			// a finalize finished between the list and the lock
			continue
		}
		if err != nil {
			r.log.Warn().Str("doc", d.ID).Err(err).Msg("reconcile: demote stuck finalizing failed")
			continue
		}
		r.log.Info().Str("doc", d.ID).Msg("reconcile: recovered draft stuck in finalizing")
	}
}

func (r *Reconciler) sweepOne(ctx context.Context, d draft.Draft) {
	release, ok := r.locks.TryAcquire(d.ID)
	if !ok {
		// a save or finalize holds the document; next sweep gets it
		return
	}
	locked := true
	defer func() {
		if locked {
			release()
		}
	}()

	info, err := r.service.GetVersion(ctx, d.ID)
	if err != nil {
		r.log.Debug().Str("doc", d.ID).Err(err).Msg("reconcile: version probe failed")
		return
	}

	lastKnown := int64(0)
	if d.ServerVersion != nil {
		lastKnown = *d.ServerVersion
	}
	if info.Known && info.ServerVersion > lastKnown {
		// the server moved past us; report and leave the draft alone
		r.metrics.Conflict()
		if r.onConflict != nil {
			r.onConflict(Conflict{
				DocumentID:    d.ID,
				LocalVersion:  d.LocalVersion,
				ServerVersion: info.ServerVersion,
				ServerStatus:  info.Status,
			})
		}
		return
	}

	if d.Status == draft.StatusFinalizeFailed && r.finalize != nil {
		// the finalizer takes its own lock; release ours first
		release()
		locked = false
		if err := r.finalize(ctx, d.ID); err != nil {
			r.log.Warn().Str("doc", d.ID).Err(err).Msg("reconcile: finalize retry failed")
		}
		return
	}

	serverVersion, err := r.service.PushDraft(ctx, d.ID, d.DealID, d.TemplateID, d.LocalVersion, d.FieldValues)
	if err != nil {
		if draft.IsConflict(err) {
			r.metrics.Conflict()
			if r.onConflict != nil {
				r.onConflict(Conflict{
					DocumentID:   d.ID,
					LocalVersion: d.LocalVersion,
				})
			}
			return
		}
		r.log.Debug().Str("doc", d.ID).Err(err).Msg("reconcile: push failed")
		return
	}
	if _, err := r.store.MarkSynced(ctx, d.ID, serverVersion); err != nil {
		r.log.Warn().Str("doc", d.ID).Err(err).Msg("reconcile: mark synced failed")
	}
}
