// Command ruleflowd runs an embedded ruleflow engine behind the REST admin
// API and debug/trace server, wired to either the in-memory or Postgres
// persistence adapter.
package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/r3e-network/ruleflow/internal/apiserver"
	"github.com/r3e-network/ruleflow/internal/audit"
	"github.com/r3e-network/ruleflow/internal/config"
	"github.com/r3e-network/ruleflow/internal/debugserver"
	"github.com/r3e-network/ruleflow/internal/engine"
	"github.com/r3e-network/ruleflow/internal/persistence"
	"github.com/r3e-network/ruleflow/internal/ratelimit"
	"github.com/r3e-network/ruleflow/internal/rules"
	"github.com/r3e-network/ruleflow/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to configuration file (overrides CONFIG_FILE)")
	dsn := flag.String("dsn", "", "PostgreSQL DSN (overrides config/env; in-memory storage when empty)")
	flag.Parse()

	if trimmed := strings.TrimSpace(*configPath); trimmed != "" {
		os.Setenv("CONFIG_FILE", trimmed)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if trimmed := strings.TrimSpace(*dsn); trimmed != "" {
		cfg.Database.DSN = trimmed
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	log := logger.New(logger.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})

	store, closeStore := buildStore(cfg, log)
	if closeStore != nil {
		defer closeStore()
	}

	auditSink, auditFile := buildAuditSink(cfg, log)
	if auditFile != nil {
		defer auditFile.Close()
	}

	eng := engine.New(engine.Config{
		Name:            cfg.Engine.Name,
		Logger:          log,
		Store:           store,
		TraceEnabled:    cfg.Engine.TraceEnabled,
		TraceMaxEntries: cfg.Engine.TraceMaxEntries,
		DevMode:         cfg.Engine.DevMode,
		QueueSize:       cfg.Engine.QueueSize,
		Audit:           auditSink,
		RateLimit: ratelimit.New(ratelimit.Config{
			EventsPerSecond:   cfg.RateLimit.EventsPerSecond,
			EventBurst:        cfg.RateLimit.EventBurst,
			ResolverPerSecond: cfg.RateLimit.ResolverPerSecond,
			ResolverBurst:     cfg.RateLimit.ResolverBurst,
		}),
	})

	rootCtx := context.Background()
	if err := eng.Start(rootCtx); err != nil {
		log.WithError(err).Fatal("start engine")
	}

	var servers []*http.Server

	if cfg.APIServer.Enabled {
		tokens := apiserver.NewTokenService(cfg.APIServer.JWTSecret, cfg.APIServer.JWTExpiry)
		api := apiserver.New(apiserver.Config{
			Engine:      eng,
			Tokens:      tokens,
			Logger:      log,
			ReleaseMode: cfg.APIServer.ReleaseMode,
		})
		srv := &http.Server{Addr: cfg.APIServer.Addr, Handler: api.Handler()}
		servers = append(servers, srv)
		go func() {
			log.WithField("addr", cfg.APIServer.Addr).Info("api server listening")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Error("api server stopped")
			}
		}()
	}

	if cfg.DebugServer.Enabled {
		dbg := debugserver.New(debugserver.Config{Engine: eng, Logger: log})
		srv := &http.Server{Addr: cfg.DebugServer.Addr, Handler: dbg.Handler()}
		servers = append(servers, srv)
		go func() {
			log.WithField("addr", cfg.DebugServer.Addr).Info("debug server listening")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Error("debug server stopped")
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, srv := range servers {
		_ = srv.Shutdown(shutdownCtx)
	}
	if err := eng.Stop(shutdownCtx); err != nil {
		log.WithError(err).Error("shutdown engine")
	}
}

func buildStore(cfg *config.Config, log *logger.Logger) (rules.PersistenceStore, func()) {
	dsn := strings.TrimSpace(cfg.Database.DSN)
	if dsn == "" {
		return persistence.NewMemoryStore(), nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sqlxDB, err := persistence.Open(ctx, dsn)
	if err != nil {
		log.WithError(err).Fatal("connect to postgres")
	}

	var rawDB *sql.DB = sqlxDB.DB
	if cfg.Database.MigrateOnStart {
		if err := persistence.Migrate(ctx, rawDB); err != nil {
			log.WithError(err).Fatal("apply migrations")
		}
	}

	return persistence.NewPostgresStore(sqlxDB), func() { sqlxDB.Close() }
}

func buildAuditSink(cfg *config.Config, log *logger.Logger) (engine.AuditSink, *os.File) {
	if !cfg.Audit.Enabled {
		return nil, nil
	}
	f, err := os.OpenFile(cfg.Audit.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		log.WithError(err).Error("open audit log, continuing without audit sink")
		return nil, nil
	}
	return audit.NewChainWriter(f, log), f
}
