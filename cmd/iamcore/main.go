// TG-ERP IAM Core - identity and access management for the TG-ERP suite.
//
// This is the main entry point. It wires the credential store, the token
// service, the one-time-code verifier, the authorization engine, the domain
// event publisher and the HTTP API, then waits for a shutdown signal.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/viktordrukker/TG-ERP/migrations"

	"github.com/viktordrukker/TG-ERP/internal/api"
	"github.com/viktordrukker/TG-ERP/internal/audit"
	"github.com/viktordrukker/TG-ERP/internal/auth"
	"github.com/viktordrukker/TG-ERP/internal/events"
	"github.com/viktordrukker/TG-ERP/internal/infrastructure/config"
	"github.com/viktordrukker/TG-ERP/internal/infrastructure/database"
	"github.com/viktordrukker/TG-ERP/internal/infrastructure/influxdb"
	"github.com/viktordrukker/TG-ERP/internal/infrastructure/logging"
	"github.com/viktordrukker/TG-ERP/internal/infrastructure/metrics"
	"github.com/viktordrukker/TG-ERP/internal/notify"
	"github.com/viktordrukker/TG-ERP/internal/session"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// It returns nil on a clean shutdown.
func run(ctx context.Context) error { //nolint:gocognit,gocyclo // linear startup sequence
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting TG-ERP IAM core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)
	metrics.Init(version)

	// Credential store
	db, err := database.Open(database.Config{
		Driver:      cfg.Database.Driver,
		Path:        cfg.Database.Path,
		DSN:         cfg.Database.DSN,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "driver", db.Driver())

	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	store := auth.NewSQLStore(db)
	if seedErr := auth.Seed(ctx, store, auth.SeedConfig{
		AdminExternalID: cfg.Security.Bootstrap.AdminExternalID,
		AdminName:       cfg.Security.Bootstrap.AdminName,
	}, log); seedErr != nil {
		return fmt.Errorf("seeding roles: %w", seedErr)
	}

	// InfluxDB auth telemetry (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(ctx, cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	// Event channel
	transport, err := events.NewTransport(cfg, log)
	if err != nil {
		return fmt.Errorf("creating event transport: %w", err)
	}
	publisher, err := events.NewPublisher(transport, events.ConfigFrom(cfg), log)
	if err != nil {
		return fmt.Errorf("creating event publisher: %w", err)
	}

	// Login flow
	notifier, err := notify.New(cfg.Notify, log)
	if err != nil {
		return fmt.Errorf("creating notifier: %w", err)
	}
	verifier := auth.NewVerifier(auth.NewMemoryCodeStore(), notifier,
		auth.WithCodeTTL(cfg.Security.Verification.CodeLifetime()),
		auth.WithMaxAttempts(cfg.Security.Verification.MaxAttempts),
		auth.WithVerifierLogger(log),
	)
	tokens, err := auth.NewTokenService(cfg.Security.JWT.Secret,
		auth.WithAccessTTL(cfg.Security.JWT.AccessTTL()),
		auth.WithRefreshTTL(cfg.Security.JWT.RefreshTTL()),
		auth.WithIssuer(cfg.Security.JWT.Issuer),
	)
	if err != nil {
		return fmt.Errorf("creating token service: %w", err)
	}
	sessions, err := session.New(session.Deps{
		Store:    store,
		Tokens:   tokens,
		Verifier: verifier,
		Notifier: notifier,
		Emitter:  publisher,
		Logger:   log,
	}, session.Config{
		TrackRefreshGeneration: cfg.Security.JWT.TrackRefreshGeneration,
		WelcomeMessage:         cfg.Notify.WelcomeMessage,
		DefaultRole:            auth.RoleUser,
	})
	if err != nil {
		return fmt.Errorf("creating session orchestrator: %w", err)
	}
	admin, err := auth.NewAdmin(store, publisher)
	if err != nil {
		return fmt.Errorf("creating rbac admin: %w", err)
	}

	auditRepo := audit.NewSQLRepository(db)
	server, err := api.New(api.Deps{
		Config:    cfg.API,
		WS:        cfg.WebSocket,
		RateLimit: cfg.Security.RateLimit,
		Logger:    log,
		Sessions:  sessions,
		Admin:     admin,
		Engine:    auth.NewEngine(store),
		Audit:     auditRepo,
		Broker:    publisher,
		DB:        db,
		Version:   version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}

	// Consumers: audit trail, optional telemetry, WebSocket relay.
	publisher.Handle("#", audit.Handler(auditRepo, log))
	if influxClient != nil {
		publisher.Handle("auth.#", audit.TelemetryHandler(influxClient))
	}
	publisher.Handle("#", server.EventHandler())

	runCtx, stopBackground := context.WithCancel(ctx)
	defer stopBackground()

	janitorInterval := time.Duration(cfg.Security.Verification.CleanupInterval) * time.Second
	if janitorInterval > 0 {
		go verifier.RunJanitor(runCtx, janitorInterval)
	}

	publisherDone := make(chan struct{})
	go func() {
		defer close(publisherDone)
		publisher.Run(runCtx)
	}()
	defer func() {
		stopBackground()
		<-publisherDone
		log.Info("event publisher stopped")
	}()
	log.Info("event publisher started",
		"transport", publisher.Transport(),
		"exchange", cfg.Broker.Exchange,
		"queue", cfg.Broker.Queue,
	)

	if err := server.Start(runCtx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	if err := healthCheck(ctx, db, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("initialisation complete, waiting for shutdown signal", "address", server.Addr())

	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")

	// Deferred calls run in reverse order: API server, publisher,
	// InfluxDB (if enabled), database.
	return nil
}

// getConfigPath returns the configuration file path.
// Uses IAM_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("IAM_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck verifies the hard dependencies. The event channel is not
// checked: publishing fails fast and the publisher keeps reconnecting.
func healthCheck(ctx context.Context, db *database.DB, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}
	return nil
}
