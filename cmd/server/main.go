package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"regexp"
	"syscall"
	"time"

	"github.com/liveform/syncd/internal/config"
	"github.com/liveform/syncd/internal/merge"
	"github.com/liveform/syncd/internal/server/handlers"
	"github.com/liveform/syncd/internal/server/jwt"
	"github.com/liveform/syncd/internal/server/middleware"
	"github.com/liveform/syncd/internal/server/registry"
	"github.com/liveform/syncd/internal/server/router"
	"github.com/liveform/syncd/internal/server/storage"
	"github.com/liveform/syncd/internal/server/storage/boltdb"
	"github.com/liveform/syncd/internal/server/storage/sqlite"
	"github.com/liveform/syncd/internal/server/tracker"
	"github.com/liveform/syncd/internal/server/ws"
	"github.com/liveform/syncd/internal/validation"
)

var (
	// Version information set via ldflags during build
	Version   = "dev"
	BuildDate = "unknown"
	GitCommit = "unknown"
)

// store is the intersection of the backends: both change and field
// storage plus lifecycle.
type store interface {
	storage.ChangeStore
	storage.FieldStore
	Ping() error
	Close() error
}

func main() {
	configPath := flag.String("config", "", "Path to TOML config file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		printVersion()
		os.Exit(0)
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "syncd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel(),
	}))
	slog.SetDefault(logger)

	logger.Info("Starting syncd",
		"version", Version,
		"listen_addr", cfg.Server.ListenAddr,
		"storage_backend", cfg.Storage.Backend,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	reg := registry.New(logger)
	changes := tracker.NewChangeTracker(logger, db)
	fields := tracker.NewFieldTracker(logger, db, merge.NewRegistry())

	oracle, err := buildOracle(cfg.Validation)
	if err != nil {
		return err
	}

	rt := router.New(logger, changes, fields, reg, oracle, router.Options{
		ValidationTimeout: cfg.Validation.Timeout.Std(),
		MalformedBudget:   cfg.Server.MalformedBudget,
	})
	go rt.Run(ctx)

	go retentionLoop(ctx, logger, changes, cfg.Sync)

	tokens := jwt.NewService(cfg.Auth.JWTSecret, cfg.Auth.ResumeTokenTTL.Std())

	wsHandler := ws.NewHandler(logger, rt, reg, tokens, ws.Options{
		PingInterval: cfg.Server.PingInterval.Std(),
		WriteTimeout: cfg.Server.WriteTimeout.Std(),
	})
	health := handlers.NewHealthHandler(logger, db, reg, Version)

	mux := http.NewServeMux()
	mux.Handle("/ws", middleware.RateLimitMiddleware(
		cfg.Server.ConnectRate, cfg.Server.ConnectWindow.Std(), logger,
	)(wsHandler))
	mux.HandleFunc("/healthz", health.Health)

	handler := middleware.RecoveryMiddleware(logger)(
		middleware.LoggingWithSkip(logger, []string{"/healthz"})(mux),
	)

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errC := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errC <- err
		}
	}()

	select {
	case err := <-errC:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}

	return nil
}

func openStore(ctx context.Context, cfg *config.Config) (store, error) {
	switch cfg.Storage.Backend {
	case "sqlite":
		return sqlite.New(ctx, cfg.Storage.Path)
	case "bolt":
		return boltdb.New(ctx, cfg.Storage.Path)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

// buildOracle compiles the configured field rules into a rule oracle.
func buildOracle(cfg config.ValidationConfig) (*validation.RuleOracle, error) {
	oracle := validation.NewRuleOracle()

	for form, fields := range cfg.Rules {
		for field, rc := range fields {
			rule := validation.Rule{
				PatternMessage: rc.PatternMessage,
				MinLen:         rc.MinLen,
				MaxLen:         rc.MaxLen,
				Required:       rc.Required,
			}
			if rc.Pattern != "" {
				pattern, err := regexp.Compile(rc.Pattern)
				if err != nil {
					return nil, fmt.Errorf("bad pattern for %s.%s: %w", form, field, err)
				}
				rule.Pattern = pattern
			}
			oracle.AddRule(form, field, rule)
		}
	}

	return oracle, nil
}

// retentionLoop periodically deletes change-log entries past the horizon
// that every tracked session has acknowledged.
func retentionLoop(ctx context.Context, logger *slog.Logger, changes *tracker.ChangeTracker, cfg config.SyncConfig) {
	ticker := time.NewTicker(cfg.CleanupInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := changes.CleanupOldEntries(ctx, cfg.RetentionHorizon.Std()); err != nil {
				logger.Error("Retention sweep failed", "error", err)
			}
		}
	}
}

func printVersion() {
	fmt.Printf("syncd server\n")
	fmt.Printf("Version:    %s\n", Version)
	fmt.Printf("Build Date: %s\n", BuildDate)
	fmt.Printf("Git Commit: %s\n", GitCommit)
}
