package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/example/agrilink/internal/config"
	"github.com/example/agrilink/internal/httpapi"
	"github.com/example/agrilink/internal/hub"
	"github.com/example/agrilink/internal/ingest"
	"github.com/example/agrilink/internal/logging"
	"github.com/example/agrilink/internal/negotiation"
	"github.com/example/agrilink/internal/relay"
	"github.com/example/agrilink/internal/routing"
	"github.com/example/agrilink/internal/settlement"
	"github.com/example/agrilink/internal/storage"
	"github.com/example/agrilink/internal/wallet"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadServerConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	var store storage.Store
	if cfg.PGDSN != "" {
		if cfg.RunMigrations {
			if err := runMigrations(cfg.PGDSN); err != nil {
				logger.Error("migrations failed", "error", err)
			}
		}
		pg, err := storage.NewPostgres(cfg.PGDSN)
		if err != nil {
			log.Fatalf("postgres: %v", err)
		}
		defer pg.Close()
		store = pg
	} else {
		logger.Warn("PG_DSN not set, using in-memory store")
		store = storage.NewMemory()
	}

	var locations storage.Locations
	if cfg.RedisAddr != "" {
		rl := storage.NewRedisLocations(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
		defer rl.Close()
		locations = rl
	} else if mem, ok := store.(*storage.Memory); ok {
		locations = mem
	} else {
		locations = storage.NewMemory()
	}

	h := hub.New(logger)
	ledger := wallet.NewLedger(store, h, logger)
	engine := settlement.NewEngine(store, ledger, h, logger,
		settlement.WithRetryPolicy(settlement.RetryPolicy{
			MaxAttempts:  cfg.SettlementMaxAttempts,
			AttemptDelay: settlement.DefaultRetryPolicy().AttemptDelay,
			BackoffBase:  settlement.DefaultRetryPolicy().BackoffBase,
			BackoffCap:   settlement.DefaultRetryPolicy().BackoffCap,
		}),
		settlement.WithPerMinuteRate(cfg.SettlementPerMinuteRate),
	)

	relayOpts := []relay.Option{relay.WithPersistWindow(cfg.LocationPersistWindow)}
	if len(cfg.KafkaBrokers) > 0 {
		producer := ingest.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer producer.Close()
		relayOpts = append(relayOpts, relay.WithPipeline(producer))
	}
	locRelay := relay.New(h, store, locations, logger, relayOpts...)

	channel := negotiation.New(h, store, logger)
	routes := routing.NewService(cfg.OSRMEndpoint, logger)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(logger, h, locRelay, channel, engine, ledger, store, routes),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		logger.Info("agrilink realtime listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	engine.Wait()
}

func runMigrations(dsn string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	b, err := os.ReadFile(filepath.Join("migrations", "001_init.sql"))
	if err != nil {
		return err
	}
	_, err = db.Exec(string(b))
	return err
}
