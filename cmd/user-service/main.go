package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sposaceee/user-microservice/internal/avatars"
	"github.com/sposaceee/user-microservice/internal/config"
	"github.com/sposaceee/user-microservice/internal/credentials"
	"github.com/sposaceee/user-microservice/internal/orchestrator"
	"github.com/sposaceee/user-microservice/internal/outcome"
	"github.com/sposaceee/user-microservice/internal/profiles"
	"github.com/sposaceee/user-microservice/internal/reconciliation"
)

// tokenVerifier resolves a bearer credential to a user id
type tokenVerifier interface {
	Verify(ctx context.Context, bearer string) (string, outcome.Outcome)
}

// AppState holds all application services
type AppState struct {
	Logger      *zap.Logger
	Config      *config.Config
	DB          *bun.DB
	Profiles    profiles.Store
	Verifier    tokenVerifier
	Coordinator *orchestrator.Coordinator
	Avatars     *avatars.Store
	// Inconsistencies is nil when records only go to the log
	Inconsistencies reconciliation.Store
	Sweeper         *reconciliation.Sweeper
}

func main() {
	// Load configuration
	config.Load()

	// Initialize logger with config
	logger := initLogger()
	logger.Info("Configuration loaded", zap.String("source", "config.Load()"))

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	as, err := newAppState(logger)
	if err != nil {
		logger.Fatal("Failed to initialize application state", zap.Error(err))
	}

	ctx, stopBackground := context.WithCancel(context.Background())
	if err := as.migrate(ctx); err != nil {
		logger.Fatal("Failed to run migrations", zap.Error(err))
	}
	if as.Sweeper != nil {
		go as.Sweeper.Run(ctx)
	}

	router := setupRouter(as)

	addr := fmt.Sprintf("%s:%d", config.Http().Host, config.Http().Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	done := setupSignalHandler(as, server, stopBackground, logger)

	logger.Info("Starting user service", zap.String("address", addr))

	err = server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("Failed to start server", zap.Error(err))
	}

	<-done
	logger.Info("Server shutdown complete")
}

// newAppState creates and initializes the application state
func newAppState(logger *zap.Logger) (*AppState, error) {
	profilesCfg := config.Profiles()
	reconCfg := config.Reconciliation()

	var db *bun.DB
	if profilesCfg.Backend == "postgres" || reconCfg.Sink == "postgres" {
		pgConfig := config.Postgres()
		logger.Info("Database configuration",
			zap.String("host", pgConfig.Host),
			zap.Int("port", pgConfig.Port),
			zap.String("database", pgConfig.Database),
			zap.String("user", pgConfig.User))

		var err error
		db, err = initializeDatabase(pgConfig.DSN(), pgConfig.MaxOpenConnections)
		if err != nil {
			return nil, err
		}
	}

	var store profiles.Store
	switch profilesCfg.Backend {
	case "postgres":
		store = profiles.NewPostgresStore(db)
	case "memory":
		logger.Warn("Using in-memory profile store; data is lost on restart")
		store = profiles.NewInMemoryStore()
	default:
		return nil, fmt.Errorf("unknown profiles backend %q", profilesCfg.Backend)
	}

	var recorder reconciliation.Recorder
	var inconsistencies reconciliation.Store
	switch reconCfg.Sink {
	case "postgres":
		pgStore := reconciliation.NewPostgresStore(db)
		recorder, inconsistencies = pgStore, pgStore
	case "memory":
		memStore := reconciliation.NewMemoryStore()
		recorder, inconsistencies = memStore, memStore
	case "log":
		recorder = reconciliation.NewLogRecorder(logger)
	default:
		return nil, fmt.Errorf("unknown reconciliation sink %q", reconCfg.Sink)
	}

	authCfg := config.AuthService()
	client, err := credentials.NewClient(credentials.Config{
		BaseURL:            authCfg.BaseURL,
		Timeout:            authCfg.Timeout,
		ServiceName:        authCfg.ServiceName,
		BreakerMaxFailures: authCfg.BreakerMaxFailures,
		BreakerOpenTimeout: authCfg.BreakerOpenTimeout,
	}, nil, logger.Named("credentials"))
	if err != nil {
		return nil, fmt.Errorf("failed to create credential client: %w", err)
	}

	coordCfg := config.Coordinator()
	coordinator, err := orchestrator.NewCoordinator(orchestrator.Config{
		OperationTimeout: coordCfg.OperationTimeout,
		Retry: orchestrator.RetryPolicy{
			MaxAttempts: coordCfg.MaxAttempts,
			BaseDelay:   coordCfg.BaseDelay,
			MaxDelay:    coordCfg.MaxDelay,
		},
	}, store, client, recorder, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create coordinator: %w", err)
	}

	uploadsCfg := config.Uploads()
	avatarStore, err := avatars.NewStore(avatars.Config{
		Dir:          uploadsCfg.Dir,
		MaxFileBytes: uploadsCfg.MaxFileBytes,
	}, logger.Named("avatars"))
	if err != nil {
		return nil, err
	}

	var sweeper *reconciliation.Sweeper
	if reconCfg.SweepInterval > 0 {
		if inconsistencies == nil {
			logger.Warn("Sweep interval set but the log sink cannot be swept; sweeper disabled")
		} else {
			sweeper, err = reconciliation.NewSweeper(inconsistencies, coordinator, reconCfg.SweepInterval, reconCfg.SweepBatch, logger)
			if err != nil {
				return nil, fmt.Errorf("failed to create sweeper: %w", err)
			}
		}
	}

	return &AppState{
		Logger:          logger,
		Config:          config.Get(),
		DB:              db,
		Profiles:        store,
		Verifier:        client,
		Coordinator:     coordinator,
		Avatars:         avatarStore,
		Inconsistencies: inconsistencies,
		Sweeper:         sweeper,
	}, nil
}

// initializeDatabase opens the PostgreSQL pool and checks it answers
func initializeDatabase(databaseURL string, maxConnections int) (*bun.DB, error) {
	if maxConnections <= 0 {
		maxConnections = 10
	}

	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(databaseURL)))
	sqldb.SetMaxOpenConns(maxConnections)
	sqldb.SetMaxIdleConns(maxConnections / 2)
	sqldb.SetConnMaxLifetime(time.Hour)

	db := bun.NewDB(sqldb, pgdialect.New())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// migrate creates the tables owned by this service
func (as *AppState) migrate(ctx context.Context) error {
	if as.DB == nil {
		return nil
	}
	if _, ok := as.Profiles.(*profiles.PostgresStore); ok {
		if err := profiles.CreateTables(ctx, as.DB); err != nil {
			return err
		}
	}
	if _, ok := as.Inconsistencies.(*reconciliation.PostgresStore); ok {
		if err := reconciliation.CreateTables(ctx, as.DB); err != nil {
			return err
		}
	}
	return nil
}

func initLogger() *zap.Logger {
	logConfig := config.Logger()

	var config zap.Config
	if logConfig.Format == "json" {
		config = zap.NewProductionConfig()
	} else {
		config = zap.NewDevelopmentConfig()
	}

	// Set log level
	switch logConfig.Level {
	case "debug":
		config.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		config.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		config.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		config.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		config.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := config.Build()
	if err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}

	return logger
}

func setupSignalHandler(as *AppState, server *http.Server, stopBackground context.CancelFunc, logger *zap.Logger) chan struct{} {
	done := make(chan struct{}, 1)

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-signalCh

		logger.Info("Shutting down server...")

		// Create context with timeout for graceful shutdown
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		// In-flight requests finish first; their second steps run detached
		if err := server.Shutdown(ctx); err != nil {
			logger.Error("Error during server shutdown", zap.Error(err))
		}

		stopBackground()

		if as.DB != nil {
			if err := as.DB.Close(); err != nil {
				logger.Error("Error closing database", zap.Error(err))
			}
		}

		_ = logger.Sync()
		done <- struct{}{}
	}()

	return done
}
