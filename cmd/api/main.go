package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"suyang/api/internal/app"
	"suyang/api/internal/category"
	"suyang/api/internal/config"
	"suyang/api/internal/email"
	"suyang/api/internal/export"
	"suyang/api/internal/feed"
	"suyang/api/internal/geocode"
	"suyang/api/internal/logging"
	"suyang/api/internal/media"
	"suyang/api/internal/notify"
	"suyang/api/internal/profile"
	"suyang/api/internal/realtime"
	"suyang/api/internal/search"
	"suyang/api/internal/session"
	"suyang/api/internal/store"
	"suyang/api/internal/submission"
	"suyang/api/internal/workflow"
)

// complaintStore is what the engine and workflow need from the relational
// store, configured or not.
type complaintStore interface {
	realtime.Store
	workflow.Store
	search.Lister
	GetPhoto(ctx context.Context, id string) (store.Photo, error)
	Ping(ctx context.Context) error
}

func main() {
	cfg := config.Load()
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, "suyang-api")
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := category.NewDefaultRegistry()
	hub := feed.NewHub(64, logger.Named("feed"))
	defer hub.Close()

	var (
		complaints complaintStore = store.Unconfigured{}
		inserter   submission.Store
		checks     = map[string]app.Pinger{}
	)
	if cfg.RemoteConfigured() {
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("database connection failed", zap.Error(err))
		}
		defer db.Close()

		applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir, logger)
		if err != nil {
			logger.Fatal("migrations failed", zap.Error(err))
		}
		logger.Info("migrations applied", zap.Strings("versions", applied))

		pg := store.NewPostgresStore(db)
		complaints = pg
		inserter = pg

		listener := feed.NewPgListener(cfg.DatabaseURL, feed.Channel, hub, logger.Named("listener"))
		go func() {
			if err := listener.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("change feed listener stopped", zap.Error(err))
			}
		}()
	} else {
		logger.Warn("DATABASE_URL not configured, submissions stay local to this process")
	}
	checks["database"] = complaints

	kv, err := session.NewRedisStore(cfg.RedisURL)
	if err != nil {
		logger.Fatal("redis connection failed", zap.Error(err))
	}
	defer kv.Close()
	checks["redis"] = kv

	adminGate, err := session.NewGate(cfg.AdminSecret)
	if err != nil {
		logger.Fatal("admin gate", zap.Error(err))
	}
	var purgeGate *session.Gate
	if strings.TrimSpace(cfg.PurgeSecret) != "" {
		if purgeGate, err = session.NewGate(cfg.PurgeSecret); err != nil {
			logger.Fatal("purge gate", zap.Error(err))
		}
	} else {
		logger.Info("PURGE_SECRET not set, permanent delete disabled")
	}

	sess, err := session.Init(ctx, kv, profile.NewStore(kv, registry), adminGate, logger.Named("session"))
	if err != nil {
		logger.Fatal("session load failed", zap.Error(err))
	}

	var photos *media.Store
	if mcfg := (media.Config{
		Endpoint:  cfg.MinioEndpoint,
		AccessKey: cfg.MinioAccessKey,
		SecretKey: cfg.MinioSecretKey,
		Bucket:    cfg.MinioBucket,
		UseSSL:    cfg.MinioUseSSL,
	}); mcfg.Enabled() {
		photos, err = media.NewStore(mcfg, logger.Named("media"))
		if err != nil {
			logger.Fatal("object storage", zap.Error(err))
		}
		if err := photos.EnsureBucket(ctx); err != nil {
			logger.Warn("photo bucket unavailable, photos stay inline", zap.Error(err))
			photos = nil
		}
	}

	var backend search.Backend
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger.Named("meili"))
		defer meiliClient.Close()
		backend = meiliClient
	}
	searchService := search.NewService(backend, search.NewPgSearch(complaints), logger.Named("search"))

	wsHub := app.NewWSHub(cfg.CORSOrigin, logger.Named("ws"))
	triggers := notify.NewMulti(logger,
		notify.NewLogger(logger.Named("alert")),
		notify.NewBroadcast(wsHub),
	)
	if mailer := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	}); mailer.IsConfigured() && len(cfg.AlertEmails) > 0 {
		triggers.Add(notify.NewEmail(mailer, cfg.AlertEmails, cfg.DashboardURL))
	}

	wfOpts := []workflow.Option{workflow.WithIndex(searchService)}
	if photos != nil {
		wfOpts = append(wfOpts, workflow.WithMedia(photos))
	}
	var purgeChecker workflow.SecretChecker
	if purgeGate != nil {
		purgeChecker = purgeGate
	}
	wf := workflow.New(complaints, purgeChecker, logger.Named("workflow"), wfOpts...)

	engine := realtime.NewEngine(complaints, hub, wf, logger.Named("realtime"),
		realtime.WithTrigger(triggers),
		realtime.WithReconciler(searchService),
	)
	defer engine.Close()

	geocoder := geocode.NewClient(cfg.GeocoderURL, cfg.GeocoderLanguage, logger.Named("geocode"))
	subOpts := []submission.Option{submission.WithGeocoder(geocoder), submission.WithIndexer(searchService)}
	if inserter != nil {
		subOpts = append(subOpts, submission.WithStore(inserter))
	}
	if photos != nil {
		subOpts = append(subOpts, submission.WithPhotoStore(photos))
	}
	submissions := submission.NewHandler(registry, engine, logger.Named("submission"), subOpts...)

	deps := app.Deps{
		Categories:  registry,
		Session:     sess,
		Engine:      engine,
		Submissions: submissions,
		Workflow:    wf,
		Search:      searchService,
		Export:      export.NewService(registry, cfg.ChromePath),
		Geocoder:    geocoder,
		Photos:      complaints,
		Checks:      checks,
		Hub:         wsHub,
	}
	if photos != nil {
		deps.Objects = photos
	}
	service := app.NewService(deps, logger.Named("app"))
	service.Start(ctx)

	if backend != nil && cfg.RemoteConfigured() {
		go func() {
			items, err := complaints.ListComplaints(ctx)
			if err != nil {
				logger.Warn("search reindex skipped", zap.Error(err))
				return
			}
			if err := searchService.Reindex(items); err != nil {
				logger.Warn("search reindex failed", zap.Error(err))
			}
		}()
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, logger.Named("http"))
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("Suyang API listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	wsHub.Close()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
}
