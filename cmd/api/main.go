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

	"github.com/durellwilson/sop-maker-sub002/internal/app"
	"github.com/durellwilson/sop-maker-sub002/internal/auth"
	"github.com/durellwilson/sop-maker-sub002/internal/authpw"
	"github.com/durellwilson/sop-maker-sub002/internal/config"
	"github.com/durellwilson/sop-maker-sub002/internal/export"
	"github.com/durellwilson/sop-maker-sub002/internal/media"
	"github.com/durellwilson/sop-maker-sub002/internal/notify"
	"github.com/durellwilson/sop-maker-sub002/internal/search"
	"github.com/durellwilson/sop-maker-sub002/internal/session"
	"github.com/durellwilson/sop-maker-sub002/internal/store"
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

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgfts)
	if meiliClient != nil {
		go searchService.ReindexAllFromPG(ctx)
	}

	deps := app.Deps{
		Search: searchService,
		AuthPW: authpw.NewService(dataStore),
		Legacy: auth.NewLegacyVerifier(cfg.LegacyJWTSecret, cfg.LegacyDisabled),
	}

	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			log.Printf("WARNING: redis unavailable, using Postgres for refresh tokens: %v", err)
		} else {
			log.Printf("Using Redis for refresh token storage")
			defer redisStore.Close()
			deps.Sessions = redisStore
		}
	}
	if deps.Sessions == nil {
		log.Printf("Using PostgreSQL for refresh token storage")
	}

	if strings.TrimSpace(cfg.StorageEndpoint) != "" {
		storage, err := media.NewStorage(ctx, media.StorageConfig{
			Endpoint:  cfg.StorageEndpoint,
			AccessKey: cfg.StorageAccessKey,
			SecretKey: cfg.StorageSecretKey,
			Bucket:    cfg.StorageBucket,
			UseSSL:    cfg.StorageUseSSL,
			URLTTL:    cfg.UploadURLTTL,
		})
		if err != nil {
			log.Printf("WARNING: object storage unavailable, media uploads disabled: %v", err)
		} else {
			deps.Storage = storage
			deps.Export = export.NewService(dataStore, storage)
		}
	}
	if deps.Export == nil {
		deps.Export = export.NewService(dataStore, nil)
	}

	emailer := notify.NewEmailer(notify.EmailConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})
	deps.Emailer = emailer
	deps.Notify = notify.NewService(dataStore, emailer)

	service := app.New(cfg, dataStore, deps)

	if cfg.BootstrapOnStart {
		for _, result := range dataStore.Repair(ctx) {
			if result.Status == store.RepairFailed {
				log.Printf("WARNING: bootstrap step %s failed: %s", result.Step, result.Error)
			}
		}
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
		log.Printf("SOP Maker API listening on %s", cfg.Addr)
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
