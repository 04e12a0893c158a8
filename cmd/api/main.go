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

	"feedloop/api/internal/app"
	"feedloop/api/internal/cache"
	"feedloop/api/internal/collab"
	"feedloop/api/internal/config"
	"feedloop/api/internal/realtime"
	"feedloop/api/internal/search"
	"feedloop/api/internal/store"
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

	var commentCache collab.CommentCache
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis for recent comment history")
		redisCache, err := cache.NewRedisStore(cfg.RedisURL, cfg.RecentCommentLimit)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer redisCache.Close()
		commentCache = redisCache
	}

	var indexer collab.CommentIndexer
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
		indexer = meiliClient
	}

	hub := realtime.NewHub()
	registry := collab.NewRegistry(dataStore, commentCache, indexer, hub, collab.Options{
		RecentCommentLimit: cfg.RecentCommentLimit,
		CommentMaxLen:      cfg.CommentMaxLen,
	})
	gateway := realtime.NewGateway(registry, hub, []byte(cfg.PrincipalSecret), realtime.Limits{
		MaxMessageSize:   cfg.MaxMessageSize,
		Heartbeat:        cfg.HeartbeatInterval,
		CursorRatePerSec: cfg.CursorRatePerSec,
		CursorBurst:      cfg.CursorBurst,
	})

	service := app.New(cfg, dataStore, registry)
	janitorCtx, stopJanitor := context.WithCancel(ctx)
	defer stopJanitor()
	service.StartJanitor(janitorCtx)

	httpServer := app.NewHTTPServer(service, gateway, cfg.CORSOrigin, []byte(cfg.PrincipalSecret))
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Feedloop collab API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	hub.Close()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
