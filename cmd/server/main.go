package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	_ "github.com/joho/godotenv/autoload"
	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/geo"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/reconciler"
	"github.com/example/ride-dispatch/internal/rides"
	"github.com/example/ride-dispatch/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		panic(err)
	}
	log := logging.NewLogger(cfg.LogLevel)

	var store storage.RideStore
	if cfg.PGDSN != "" {
		if cfg.RunMigrations {
			runMigrations(cfg.PGDSN, log)
		}
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			log.Error("postgres unavailable", "error", err)
			os.Exit(1)
		}
		store = ps
	} else {
		log.Warn("PG_DSN not set, using in-memory ride store")
		store = storage.NewMemoryStore()
	}

	var geoIdx geo.Index
	if cfg.RedisAddr != "" {
		geoIdx = geo.NewRedisIndex(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
	} else {
		geoIdx = geo.NewMemoryIndex()
	}

	var producer *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		producer = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaLocationTopic, cfg.KafkaEventTopic)
		defer producer.Close()
	}

	registry := presence.NewRegistry(logging.For(log, "presence"))
	offers := matcher.New(registry, logging.For(log, "matcher"))

	var router fare.Router
	if cfg.OSRMEndpoint != "" {
		router = fare.NewOSRMRouter(cfg.OSRMEndpoint)
	}
	engine := fare.NewEngine(router)

	rideSvc := rides.NewService(store, registry, offers, engine, logging.For(log, "rides"))
	rideSvc.MaxCapacity = cfg.MaxRideCapacity
	if producer != nil {
		rideSvc.Events = producer
	}
	if cfg.StripeAPIKey != "" {
		rideSvc.Payments = payments.NewStripeGateway(cfg.StripeAPIKey, cfg.StripeCurrency)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rec := reconciler.New(store, rideSvc, reconciler.Config{
		RideSweepInterval:        cfg.RideSweepInterval,
		NegotiationSweepInterval: cfg.NegotiationSweepInterval,
		SearchRebroadcastAfter:   cfg.SearchRebroadcastAfter,
		SearchCancelAfter:        cfg.SearchCancelAfter,
		JoinPendingAfter:         cfg.JoinPendingAfter,
		EarlyStopPendingAfter:    cfg.EarlyStopPendingAfter,
	}, logging.For(log, "reconciler"))
	go rec.Run(ctx)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(cfg, rideSvc, registry, geoIdx, producer, logging.For(log, "http")),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("ride-dispatch listening", "addr", cfg.HTTPAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func runMigrations(dsn string, log interface{ Warn(string, ...any) }) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Warn("migration db open error", "error", err)
		return
	}
	defer db.Close()
	b, err := os.ReadFile(filepath.Join("migrations", "001_create_rides.sql"))
	if err != nil {
		log.Warn("migration read error", "error", err)
		return
	}
	if _, err := db.Exec(string(b)); err != nil {
		log.Warn("migration exec error", "error", err)
	}
}
