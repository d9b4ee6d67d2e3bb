// Command actiond serves the capability-scoped remote action orchestrator:
// the allowlist registry, approval state machine, capability token service
// and audit ledger behind the OhFixIt desktop helper.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/ohfixit/actiond/pkg/action"
	"github.com/ohfixit/actiond/pkg/api"
	"github.com/ohfixit/actiond/pkg/audit"
	"github.com/ohfixit/actiond/pkg/auth"
	"github.com/ohfixit/actiond/pkg/captoken"
	"github.com/ohfixit/actiond/pkg/config"
	"github.com/ohfixit/actiond/pkg/ledger"
	"github.com/ohfixit/actiond/pkg/observability"
	"github.com/ohfixit/actiond/pkg/orchestrate"
	"github.com/ohfixit/actiond/pkg/presence"
	"github.com/ohfixit/actiond/pkg/ratelimit"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the testable entrypoint.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) > 1 {
		switch args[1] {
		case "serve", "server":
			// fall through to server below
		case "actions":
			return runActionsCmd(stdout, stderr)
		case "version":
			fmt.Fprintln(stdout, "actiond 0.1.0")
			return 0
		case "help", "--help", "-h":
			printUsage(stdout)
			return 0
		default:
			fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
			printUsage(stderr)
			return 2
		}
	}
	if err := runServer(); err != nil {
		fmt.Fprintf(stderr, "actiond: %v\n", err)
		return 1
	}
	return 0
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: actiond [serve|actions|version|help]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "  serve     Start the orchestrator API server (default)")
	fmt.Fprintln(w, "  actions   Print the allowlisted action catalog")
	fmt.Fprintln(w, "  version   Print the version")
}

// runActionsCmd prints the catalog the server would load.
func runActionsCmd(stdout, stderr io.Writer) int {
	catalog := action.BuiltinCatalog()
	if path := os.Getenv("ACTIONS_FILE"); path != "" {
		loaded, err := action.LoadCatalog(path)
		if err != nil {
			fmt.Fprintf(stderr, "actiond: %v\n", err)
			return 1
		}
		catalog = loaded
	}
	for _, a := range catalog {
		fmt.Fprintf(stdout, "%-22s %-8s %-10s %s\n", a.ID, a.OS, a.Category, a.Title)
	}
	return 0
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Telemetry
	provider, err := observability.Setup(ctx, observability.Config{
		ServiceName:    "actiond",
		ServiceVersion: "0.1.0",
		Environment:    "production",
		OTLPEndpoint:   cfg.OTELEndpoint,
		Enabled:        cfg.OTELEnabled,
		Insecure:       true,
	}, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(shutdownCtx)
	}()
	metrics, err := observability.NewMetrics()
	if err != nil {
		return err
	}

	// Storage
	db, dialect, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	store := ledger.NewStore(db, dialect)
	if err := store.Init(ctx); err != nil {
		return err
	}

	// Action allowlist
	catalog := action.BuiltinCatalog()
	if cfg.ActionsFile != "" {
		catalog, err = action.LoadCatalog(cfg.ActionsFile)
		if err != nil {
			return err
		}
		logger.Info("action catalog loaded from file", "path", cfg.ActionsFile, "actions", len(catalog))
	}
	registry, err := action.NewRegistry(catalog)
	if err != nil {
		return err
	}

	// Trust plumbing
	tokens, err := captoken.NewService(cfg.CapabilitySecret)
	if err != nil {
		return err
	}
	var sessions *auth.SessionValidator
	if cfg.SessionSecret != "" {
		sessions, err = auth.NewSessionValidator(cfg.SessionSecret)
		if err != nil {
			return err
		}
	} else {
		logger.Warn("SESSION_SECRET not set; only anonymous sessions will be accepted")
	}

	auditLog := audit.NewLogger()
	tokenScope, err := captoken.ParseScope(cfg.TokenScope)
	if err != nil {
		return err
	}

	orch := orchestrate.New(registry, tokens, store, orchestrate.Options{
		ApprovalTTL: cfg.ApprovalTTL,
		TokenTTL:    cfg.TokenTTL,
		TokenScope:  tokenScope,
		Audit:       auditLog,
		Logger:      logger,
	})
	go orch.Run(ctx, time.Minute)

	helpers := presence.NewRegistry(cfg.PresenceTTL)
	defer helpers.Close()

	ingestor := ledger.NewIngestor(store, logger).WithLateThreshold(cfg.TokenTTL)

	// Rate limiting: shared Redis bucket when configured, local otherwise.
	var limiter ratelimit.Store
	if cfg.RedisAddr != "" {
		redisStore := ratelimit.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisStore.Ping(ctx); err != nil {
			return fmt.Errorf("redis unreachable at %s: %w", cfg.RedisAddr, err)
		}
		limiter = redisStore
		logger.Info("rate limiting via redis", "addr", cfg.RedisAddr)
	} else {
		limiter = ratelimit.NewLocalStore()
	}

	idempotency := api.NewIdempotencyStore(10 * time.Minute)
	defer idempotency.Close()

	svc := &api.Service{
		Registry:     registry,
		Previewer:    action.NewPreviewer(registry),
		Tokens:       tokens,
		Orchestrator: orch,
		Presence:     helpers,
		Ingestor:     ingestor,
		Audit:        auditLog,
		Logger:       logger,
		Metrics:      metrics,
	}

	handler := api.Chain(svc.Routes(),
		api.RequestIDMiddleware,
		api.AccessLogMiddleware(logger),
		metrics.HTTPMiddleware,
		api.SessionMiddleware(sessions),
		api.RateLimitMiddleware(limiter, ratelimit.Policy{RPM: cfg.RateLimitRPM, Burst: cfg.RateLimitBurst}),
		idempotency.Middleware,
	)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("actiond listening", "port", cfg.Port, "dialect", string(dialect))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func openDatabase(cfg *config.Config) (*sql.DB, ledger.Dialect, error) {
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, "", fmt.Errorf("open postgres: %w", err)
		}
		return db, ledger.DialectPostgres, nil
	}
	db, err := sql.Open("sqlite", cfg.SQLitePath)
	if err != nil {
		return nil, "", fmt.Errorf("open sqlite: %w", err)
	}
	// modernc sqlite requires a single writer connection.
	db.SetMaxOpenConns(1)
	return db, ledger.DialectSQLite, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
