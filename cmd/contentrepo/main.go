package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/mintjamsinc/cms0-sub002/internal/app"
	"github.com/mintjamsinc/cms0-sub002/internal/blob"
	"github.com/mintjamsinc/cms0-sub002/internal/config"
	"github.com/mintjamsinc/cms0-sub002/internal/indexsync"
	"github.com/mintjamsinc/cms0-sub002/internal/journal"
	"github.com/mintjamsinc/cms0-sub002/internal/logging"
	"github.com/mintjamsinc/cms0-sub002/internal/notify"
	"github.com/mintjamsinc/cms0-sub002/internal/search"
	"github.com/mintjamsinc/cms0-sub002/internal/session"
	"github.com/mintjamsinc/cms0-sub002/internal/store"
)

func main() {
	cfg := config.Load()

	flags := pflag.NewFlagSet("contentrepo", pflag.ExitOnError)
	flags.StringVar(&cfg.Addr, "addr", cfg.Addr, "HTTP listen address")
	flags.StringVar(&cfg.MigrationsDir, "migrations-dir", cfg.MigrationsDir, "directory of *.up.sql migrations")
	flags.StringSliceVar(&cfg.Workspaces, "workspace", cfg.Workspaces, "workspace to serve (repeatable)")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level")
	migrateOnly := flags.Bool("migrate-only", false, "apply migrations and exit")
	_ = flags.Parse(os.Args[1:])

	log := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("database connection failed")
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir, log); err != nil {
		log.Fatal().Err(err).Msg("migrations failed")
	}
	if *migrateOnly {
		log.Info().Msg("migrations applied")
		return
	}

	items := store.NewPostgresStore(db)
	for _, ws := range cfg.Workspaces {
		if err := items.EnsureWorkspace(ctx, ws); err != nil {
			log.Fatal().Err(err).Str("workspace", ws).Msg("workspace setup failed")
		}
	}

	sessions, err := session.NewRedisStore(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("redis connection failed")
	}
	defer sessions.Close()
	bus := notify.NewRedisBus(sessions.Client())

	var meili *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meili = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, cfg.IndexPrefix, cfg.Workspaces, log)
	}
	searchService := search.NewService(search.NewPgIndex(db), meili, cfg.Workspaces, log)

	var blobs *blob.MinioStore
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		blobs, err = blob.NewMinioStore(ctx, blob.Config{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		}, log)
		if err != nil {
			log.Fatal().Err(err).Msg("blob store setup failed")
		}
	}

	registry := session.NewRegistry()
	service := app.New(cfg, app.Deps{
		Store:    items,
		Sessions: sessions,
		Search:   searchService,
		Blobs:    blobs,
		Registry: registry,
		Log:      log,
	})
	bootstrapAdmin(ctx, cfg, service, log)

	detector, err := indexsync.LoadDetector(cfg.MimeTypesFile)
	if err != nil {
		log.Warn().Err(err).Str("file", cfg.MimeTypesFile).Msg("mime types not loaded")
		detector = indexsync.NewDetector()
	}
	syncDeps := indexsync.Deps{
		Store:          items,
		Policies:       service.Evaluator(),
		Writer:         func(ws string) indexsync.Writer { return searchService.Writer(ws) },
		Bus:            bus,
		Invalidator:    registry,
		Mime:           detector,
		SuggestionKeys: cfg.SuggestionKeys,
	}
	if blobs != nil {
		syncDeps.Blobs = blobs
	}
	synchronizer := indexsync.New(syncDeps, log)

	journals := journal.NewManager(items, synchronizer, journal.Options{
		QueueSize: cfg.JournalQueueSize,
		Retry:     cfg.JournalRetry,
		StopWait:  cfg.JournalStopWait,
	}, log.With().Str("component", "journal").Logger())
	items.OnCommit(journals.Notify)
	if err := journals.Start(ctx, cfg.Workspaces...); err != nil {
		log.Fatal().Err(err).Msg("journal workers failed to start")
	}

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go service.RunSessionSweeper(sweepCtx, cfg.SessionSweep)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, log)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr).Strs("workspaces", cfg.Workspaces).Msg("content repository listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
	stopSweep()
	if err := journals.Close(); err != nil {
		log.Error().Err(err).Msg("journal shutdown error")
	}
	if meili != nil {
		meili.Close()
	}
}

func bootstrapAdmin(ctx context.Context, cfg config.Config, service *app.Service, log zerolog.Logger) {
	if cfg.BootstrapPassword == "" || len(cfg.AdminPrincipals) == 0 {
		return
	}
	name := cfg.AdminPrincipals[0]
	if err := service.Passwords().Register(ctx, name, cfg.BootstrapPassword, nil); err != nil {
		log.Warn().Err(err).Str("principal", name).Msg("admin bootstrap failed")
		return
	}
	log.Info().Str("principal", name).Msg("admin password set")
}
