/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the commission ledger server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (defaults, YAML, .env/environment, flags)
  2. Build the zap logger and pin time.Local to the configured zone
  3. Open the store (SQLite file or PostgreSQL with migrations)
  4. Register Prometheus instruments
  5. Create API handler, auth middleware and ledger audit
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  YAML config file (default: $COMMISSION_CONFIG)
  -port    HTTP server port, overrides config
  -driver  "sqlite" or "postgres", overrides config
  -db      SQLite path or PostgreSQL DSN, overrides config
           Use ":memory:" for an in-memory SQLite database
  -demo    Mount the demo scenario loader

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the ledger audit
  2. Stop accepting new connections
  3. Wait for active requests to complete (shutdown timeout)
  4. Close database connection

EXAMPLES:
  # Local development with demo data
  ./server -db=":memory:" -demo

  # PostgreSQL, settlement periods in Sao Paulo time
  COMMISSION_TIMEZONE=America/Sao_Paulo \
  ./server -driver=postgres -db="postgres://ledger@localhost/ledger?sslmode=disable"

SEE ALSO:
  - config/config.go: Configuration layers and environment variables
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go, store/postgres/postgres.go: Stores
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/warp/commission-ledger/api"
	"github.com/warp/commission-ledger/auth"
	"github.com/warp/commission-ledger/config"
	"github.com/warp/commission-ledger/metrics"
	"github.com/warp/commission-ledger/store/postgres"
	"github.com/warp/commission-ledger/store/sqlite"
)

// closableStore is an api.Store that owns a connection.
type closableStore interface {
	api.Store
	Close() error
}

func main() {
	// Flags
	configPath := flag.String("config", "", "YAML config file")
	port := flag.Int("port", 0, "HTTP server port")
	driver := flag.String("driver", "", "Database driver (sqlite, postgres)")
	dsn := flag.String("db", "", "SQLite path or PostgreSQL DSN")
	demo := flag.Bool("demo", false, "Enable demo scenario routes")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.HTTP.Port = *port
	}
	if *driver != "" {
		cfg.Database.Driver = *driver
	}
	if *dsn != "" {
		cfg.Database.DSN = *dsn
	}
	if *demo {
		cfg.Demo = true
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}

	logger, err := initLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	// Period keys are computed on the local calendar.
	loc, _ := cfg.Location()
	time.Local = loc

	store, err := openStore(context.Background(), cfg.Database, loc)
	if err != nil {
		logger.Fatal("Failed to initialize database", zap.String("driver", cfg.Database.Driver), zap.Error(err))
	}
	defer store.Close()

	metrics.Init(nil)

	handler := api.NewHandler(store, api.WithLogger(logger))

	authMiddleware := auth.NewMiddleware([]byte(cfg.Auth.JWTSecret),
		auth.NewDefaultPolicy([]string{"/healthz", "/metrics"}, nil))
	if !authMiddleware.Enabled() {
		logger.Warn("No JWT secret configured, API is unauthenticated")
	}

	audit := api.NewAuditScheduler(store, logger.Named("audit"))
	audit.Interval = cfg.AuditInterval
	audit.Start()

	router := api.NewRouter(handler, api.RouterConfig{
		CORSOrigins: cfg.HTTP.CORSOrigins,
		Auth:        authMiddleware,
		Demo:        cfg.Demo,
		Audit:       audit,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("Server starting",
			zap.Int("port", cfg.HTTP.Port),
			zap.String("driver", cfg.Database.Driver),
			zap.String("timezone", loc.String()),
			zap.Bool("demo", cfg.Demo),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	audit.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server stopped")
}

func initLogger(cfg config.LogConfig) (*zap.Logger, error) {
	var zapCfg zap.Config

	if cfg.Format == "json" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
	}

	switch cfg.Level {
	case "debug":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	}

	return zapCfg.Build()
}

func openStore(ctx context.Context, cfg config.DatabaseConfig, loc *time.Location) (closableStore, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		store, err := postgres.Open(ctx, cfg.DSN, postgres.WithTimeZone(loc.String()))
		if err != nil {
			return nil, err
		}
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		return store, nil
	default:
		store, err := sqlite.New(cfg.DSN)
		if err != nil {
			return nil, err
		}
		return store, nil
	}
}
