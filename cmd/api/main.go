package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"lectern/api/internal/app"
	"lectern/api/internal/authpw"
	"lectern/api/internal/blob"
	"lectern/api/internal/config"
	"lectern/api/internal/search"
	"lectern/api/internal/session"
	"lectern/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)

	engine, err := search.NewEngine(search.EngineConfig{
		Name:     cfg.SearchEngine,
		IndexDir: cfg.IndexDir,
		MeiliURL: cfg.MeiliURL,
		MeiliKey: cfg.MeiliKey,
	})
	if err != nil {
		log.Fatalf("search engine failed: %v", err)
	}
	searchService := search.NewService(engine)
	defer searchService.Close()

	sessions, err := session.NewRedisStore(cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}
	defer sessions.Close()

	var assets *blob.Store
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		assets, err = blob.New(ctx, blob.Config{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			log.Fatalf("object store failed: %v", err)
		}
		log.Printf("Asset storage enabled (bucket %s)", cfg.MinioBucket)
	} else {
		log.Printf("Asset storage disabled, set MINIO_ENDPOINT to enable")
	}

	service := app.New(cfg, dataStore, sessions, authpw.NewService(dataStore), searchService, assets)
	if err := service.Bootstrap(ctx); err != nil {
		log.Printf("WARNING: bootstrap error (will retry on next restart): %v", err)
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Lectern API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
