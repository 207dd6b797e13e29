// Command standalone runs the local document engine: sqlite draft
// store, autosave, finalize against the hosted API, and the background
// sync reconciler. It is the process an offline-capable dealership
// workstation embeds.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"dealdesk/engine/internal/artifact"
	"dealdesk/engine/internal/config"
	"dealdesk/engine/internal/engine"
	"dealdesk/engine/internal/finalize"
	"dealdesk/engine/internal/logging"
	"dealdesk/engine/internal/metrics"
	"dealdesk/engine/internal/reconcile"
	"dealdesk/engine/internal/remote"
	"dealdesk/engine/internal/render"
	"dealdesk/engine/internal/store"
	"dealdesk/engine/internal/util"
)

func main() {
	cfg := config.LoadEngine()
	log := logging.New(cfg.LogLevel, cfg.LogPretty).With().Str("component", "engine").Logger()
	ctx := context.Background()

	db, err := store.Open(ctx, filepath.Join(cfg.DataDir, "drafts.db"))
	if err != nil {
		log.Fatal().Err(err).Msg("open draft store failed")
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db); err != nil {
		log.Fatal().Err(err).Msg("migrations failed")
	}
	drafts := store.NewDraftStore(db)

	userID, err := resolveUserID(ctx, drafts, cfg.UserID)
	if err != nil {
		log.Fatal().Err(err).Msg("resolve user id failed")
	}

	templates, err := loadTemplates(filepath.Join(cfg.DataDir, "templates.json"))
	if err != nil {
		log.Fatal().Err(err).Msg("load templates failed")
	}

	uploader, err := artifact.NewStore(ctx, artifact.Config{
		Endpoint:  cfg.MinioEndpoint,
		AccessKey: cfg.MinioAccess,
		SecretKey: cfg.MinioSecret,
		Bucket:    cfg.MinioBucket,
		UseSSL:    cfg.MinioSSL,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("artifact store connection failed")
	}

	client := remote.NewClient(cfg.APIBaseURL, cfg.SyncToken)
	m := metrics.New(nil)

	eng := engine.New(engine.Config{
		Store:     drafts,
		Templates: render.NewCachedSource(render.NewStaticSource(templates...)),
		Convert:   render.NewChromeConverter(cfg.ChromiumPath),
		Uploader:  artifactUploader{store: uploader},
		Service:   client,
		UserID:    userID,
		Debounce:  cfg.Debounce,
		Logger:    log,
		Metrics:   m,
	})

	policy := reconcile.ConnectedPolicy()
	if cfg.Standalone {
		policy = reconcile.StandalonePolicy()
	}
	if cfg.SyncInterval > 0 {
		policy.Interval = cfg.SyncInterval
	}

	rec := reconcile.New(reconcile.Config{
		Store:     drafts,
		Service:   client,
		Locks:     eng.Locks(),
		Policy:    policy,
		Retention: cfg.Retention,
		Finalize:  eng.Finalize,
		OnConflict: func(c reconcile.Conflict) {
			log.Warn().
				Str("doc", c.DocumentID).
				Int64("local", c.LocalVersion).
				Int64("server", c.ServerVersion).
				Msg("version conflict needs resolution")
		},
		Logger:  log,
		Metrics: m,
	})

	runCtx, stop := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		rec.Run(runCtx)
		close(done)
	}()
	rec.Kick()

	log.Info().Str("data_dir", cfg.DataDir).Bool("standalone", cfg.Standalone).Msg("dealdesk engine running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	stop()
	<-done
	if err := eng.Close(ctx); err != nil {
		log.Error().Err(err).Msg("flush on shutdown failed")
	}
}

// loadTemplates reads the cached template pack the workstation synced
// on its last connected session.
func loadTemplates(path string) ([]render.Template, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read templates: %w", err)
	}
	var templates []render.Template
	if err := json.Unmarshal(raw, &templates); err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	return templates, nil
}

// artifactUploader bridges the object store to the finalize pipeline.
type artifactUploader struct {
	store *artifact.Store
}

func (u artifactUploader) Upload(ctx context.Context, data []byte, m finalize.Metadata) (string, error) {
	return u.store.Upload(ctx, data, artifact.Metadata{
		UserID:       m.UserID,
		DealID:       m.DealID,
		DocumentID:   m.DocumentID,
		LocalVersion: m.LocalVersion,
	})
}

// resolveUserID returns the configured user id, or a generated one
// persisted in the draft store's settings so the same workstation keeps
// a stable identity across restarts.
func resolveUserID(ctx context.Context, drafts *store.DraftStore, configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	if id, ok, err := drafts.GetSetting(ctx, "device.user_id"); err != nil {
		return "", err
	} else if ok {
		return id, nil
	}
	id := util.NewID("user")
	if err := drafts.SetSetting(ctx, "device.user_id", id); err != nil {
		return "", err
	}
	return id, nil
}
