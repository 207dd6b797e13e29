package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"dealdesk/engine/internal/config"
	"dealdesk/engine/internal/logging"
	"dealdesk/engine/internal/metrics"
	"dealdesk/engine/internal/server"
	"dealdesk/engine/internal/server/search"
	"dealdesk/engine/internal/server/store"
)

func main() {
	cfg := config.LoadServer()
	log := logging.New(cfg.LogLevel, cfg.LogPretty).With().Str("component", "api").Logger()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("database connection failed")
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db); err != nil {
		log.Fatal().Err(err).Msg("migrations failed")
	}

	docStore := store.NewDocumentStore(db)

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	var searchService *search.Service
	if meiliClient != nil {
		searchService = search.NewService(meiliClient, pgfts, meiliClient)
		go reindexFinalized(ctx, docStore, meiliClient, log)
	} else {
		searchService = search.NewService(nil, pgfts, nil)
	}

	var confirms server.Confirms
	if strings.TrimSpace(cfg.RedisURL) != "" {
		confirmStore, err := server.NewConfirmStore(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("redis connection failed")
		}
		confirms = confirmStore
	} else {
		log.Warn().Msg("redis not configured; finalize replay protection disabled")
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	service := server.NewService(docStore, confirms, searchService, log, m)
	httpServer := server.NewHTTPServer(service, cfg.SyncToken, log, registry)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("dealdesk api listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
}

// reindexFinalized backfills the search index from the database so a
// wiped or newly attached meilisearch instance converges on startup.
func reindexFinalized(ctx context.Context, docStore *store.DocumentStore, idx *search.Meili, log zerolog.Logger) {
	docs, err := docStore.ListFinalized(ctx)
	if err != nil {
		log.Error().Err(err).Msg("reindex: list finalized failed")
		return
	}
	if len(docs) == 0 {
		return
	}
	recs := make([]search.Record, 0, len(docs))
	for _, d := range docs {
		recs = append(recs, search.Record{
			ID:          d.ID,
			DealID:      d.DealID,
			TemplateID:  d.TemplateID,
			Summary:     d.Summary,
			ArtifactRef: d.ArtifactRef,
		})
	}
	if err := idx.IndexDocuments(recs); err != nil {
		log.Error().Err(err).Msg("reindex: index documents failed")
		return
	}
	log.Info().Int("count", len(recs)).Msg("search index backfilled")
}
