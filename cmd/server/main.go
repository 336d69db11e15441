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

	_ "github.com/lib/pq"

	"github.com/example/campus-dispatch/internal/commands"
	"github.com/example/campus-dispatch/internal/config"
	"github.com/example/campus-dispatch/internal/funds"
	"github.com/example/campus-dispatch/internal/geo"
	"github.com/example/campus-dispatch/internal/httpapi"
	"github.com/example/campus-dispatch/internal/logging"
	"github.com/example/campus-dispatch/internal/notify"
	"github.com/example/campus-dispatch/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	var gidx geo.Index
	if cfg.RedisAddr != "" {
		gidx = geo.NewRedisIndex(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
	} else {
		gidx = geo.NewMemoryIndex()
	}

	var store storage.RequestStore
	if cfg.PGDSN != "" {
		if cfg.RunMigrations {
			runMigrations(cfg.PGDSN)
		}
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			log.Fatalf("postgres: %v", err)
		}
		store = ps
	} else {
		store = storage.NewMemoryStore()
	}

	if len(cfg.KafkaBrokers) == 0 {
		log.Fatal("KAFKA_BROKERS required")
	}
	bus := commands.NewKafkaBus(cfg.KafkaBrokers, cfg.KafkaTopic)
	defer bus.Close()

	wsreg := notify.NewWSRegistry()
	payments := funds.NewStripeCoordinator(store)

	srv := httpapi.NewServer(gidx, store, bus, payments, wsreg, logging.WithComponent(logger, "api"), cfg.RequestBudget, cfg.DefaultFareCents)

	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("api listening", "addr", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "error", err)
	}
}

// runMigrations applies the checked-in SQL files when MIGRATE=true.
func runMigrations(dsn string) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Printf("migration db open error: %v", err)
		return
	}
	defer db.Close()
	for _, f := range []string{"001_create_requests.sql"} {
		b, err := os.ReadFile(filepath.Join("migrations", f))
		if err != nil {
			log.Printf("migration read error: %v", err)
			continue
		}
		if _, err := db.Exec(string(b)); err != nil {
			log.Printf("migration exec error: %v", err)
		} else {
			log.Printf("migration applied: %s", f)
		}
	}
}
