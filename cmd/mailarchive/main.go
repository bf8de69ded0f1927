package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.io/infrasutra/mailarchive/internal/api"
	"github.io/infrasutra/mailarchive/internal/archive"
	"github.io/infrasutra/mailarchive/internal/auth"
	"github.io/infrasutra/mailarchive/internal/blobs"
	"github.io/infrasutra/mailarchive/internal/catalog"
	"github.io/infrasutra/mailarchive/internal/config"
	"github.io/infrasutra/mailarchive/internal/generators"
	"github.io/infrasutra/mailarchive/internal/index"
	"github.io/infrasutra/mailarchive/internal/normalize"
	"github.io/infrasutra/mailarchive/internal/smtpserver"
	"github.io/infrasutra/mailarchive/internal/sse"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	ctx := context.Background()
	store, err := index.Open(ctx, cfg.DBPath)
	if err != nil {
		logger.Error("open index", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	if err := store.EnsureSchema(ctx); err != nil {
		logger.Error("ensure schema", "error", err)
		os.Exit(1)
	}

	var blobStore *blobs.Store
	if cfg.BlobPath != "" {
		blobStore, err = blobs.Open(cfg.BlobPath)
		if err != nil {
			logger.Error("open blob store", "error", err)
			os.Exit(1)
		}
		defer blobStore.Close()
	} else {
		logger.Warn("BLOB_PATH not set; attachment payloads are not persisted")
	}

	gens, err := generators.NewChain(cfg.Generators, cfg.LegacyCompat)
	if err != nil {
		logger.Error("init generators", "error", err)
		os.Exit(1)
	}

	writer, err := archive.NewWriter(archive.Config{
		Store:      store,
		Blobs:      blobStore,
		Generators: gens,
		Normalizer: &normalize.Normalizer{ConvertHTML: cfg.ConvertHTML, IgnoreBody: cfg.IgnoreBody},
		Logger:     logger,
	})
	if err != nil {
		logger.Error("init archive writer", "error", err)
		os.Exit(1)
	}

	authManager, err := auth.New(cfg.AuthSecret, 30*24*time.Hour, cfg.AuthoritativeDomains, cfg.AdminEmails)
	if err != nil {
		logger.Error("init auth", "error", err)
		os.Exit(1)
	}
	if cfg.AuthSecret == "" {
		logger.Warn("AUTH_SECRET not set; sessions reset on restart")
	}

	cat := catalog.New(store, logger, time.Duration(cfg.CatalogRefreshSeconds)*time.Second)
	catalogCtx, stopCatalog := context.WithCancel(ctx)
	defer stopCatalog()
	go cat.Run(catalogCtx)

	hub := sse.NewHub()
	apiServer := api.NewServer(cfg, store, authManager, hub, cat, logger)

	smtpAuthCfg := smtpserver.AuthConfig{
		Enabled:  cfg.SMTPAuthEnabled,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
	}
	if !smtpAuthCfg.Enabled {
		logger.Warn("smtp auth disabled; server accepts unauthenticated connections")
	}

	smtpAddr := fmt.Sprintf(":%d", cfg.SMTPPort)
	smtpSrv := smtpserver.New(writer, hub, logger, smtpAddr, smtpAuthCfg, smtpserver.Policy{
		ArchiveDomain: cfg.ArchiveDomain,
		PrivateLists:  cfg.PrivateLists,
	})

	httpAddr := fmt.Sprintf(":%d", cfg.HTTPPort)
	httpSrv := &http.Server{
		Addr:    httpAddr,
		Handler: apiServer,
	}

	go func() {
		if err := smtpSrv.ListenAndServe(); err != nil {
			logger.Error("smtp server stopped", "error", err)
		}
	}()

	go func() {
		logger.Info("http server listening", "addr", httpAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server stopped", "error", err)
		}
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	<-shutdown

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown http", "error", err)
	}
	if err := smtpSrv.Close(); err != nil {
		logger.Error("shutdown smtp", "error", err)
	}
}
