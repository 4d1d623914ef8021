// Command receiptgate runs the ReceiptGate server: REST on /receipts,
// /inbox, /receipts/stats, /health, and JSON-RPC on /mcp, both backed by
// the same domain components per spec.md §5's single canonical envelope
// decision. Wiring follows cmd/helm/main.go's shape — load config, open
// the store, build the engine, register routes, wait for a shutdown
// signal — generalized to ReceiptGate's components instead of the
// teacher's kernel/guardian/console stack.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pstryder/receiptgate/pkg/api"
	"github.com/pstryder/receiptgate/pkg/audit"
	"github.com/pstryder/receiptgate/pkg/auth"
	"github.com/pstryder/receiptgate/pkg/chain"
	"github.com/pstryder/receiptgate/pkg/config"
	"github.com/pstryder/receiptgate/pkg/gateerror"
	"github.com/pstryder/receiptgate/pkg/inbox"
	"github.com/pstryder/receiptgate/pkg/mcp"
	"github.com/pstryder/receiptgate/pkg/obligation"
	"github.com/pstryder/receiptgate/pkg/search"
	"github.com/pstryder/receiptgate/pkg/store"
	"github.com/pstryder/receiptgate/pkg/validate"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "receiptgate: config: "+err.Error())
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("receiptgate: fatal", "error", err)
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToUpper(cfg.LogLevel) {
	case "DEBUG":
		level = slog.LevelDebug
	case "WARN", "WARNING":
		level = slog.LevelWarn
	case "ERROR":
		level = slog.LevelError
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	db, receiptStore, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	if cfg.AutoMigrateOnStart {
		schemaOpts := store.SchemaOptions{
			EnableGraphLayer:    cfg.EnableGraphLayer,
			EnableSemanticLayer: cfg.EnableSemanticLayer,
		}
		if err := store.Migrate(ctx, db, cfg.DBBackend(), schemaOpts); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		logger.Info("receiptgate: schema migrated", "backend", cfg.DBBackend(),
			"graph_layer", cfg.EnableGraphLayer, "semantic_layer", cfg.EnableSemanticLayer)
	}

	validator, err := validate.New(cfg.ReceiptBodyMaxBytes)
	if err != nil {
		return fmt.Errorf("compile receipt schema: %w", err)
	}

	locker := obligation.NewInProcessKeyLocker()
	engine := obligation.New(receiptStore, validator, locker, cfg.EnforceCauseExists)
	inboxProjector := inbox.New(receiptStore)
	chainWalker := chain.New(receiptStore, cfg.ReceiptChainMaxDepth)
	searchSvc := search.New(receiptStore, cfg.SearchDefaultLimit, cfg.SearchMaxLimit)
	auditLogger := audit.NewLogger(cfg.LogReceiptBodies)

	restSvc := &api.Service{
		Engine:          engine,
		Validator:       validator,
		Inbox:           inboxProjector,
		Chain:           chainWalker,
		Search:          searchSvc,
		Audit:           auditLogger,
		DefaultTenantID: cfg.DefaultTenantID,
		ServiceName:     cfg.ServiceName,
		BodyMaxBytes:    int64(cfg.ReceiptBodyMaxBytes),
	}

	mcpSvc := mcp.NewServer(&mcp.Server{
		Engine:             engine,
		Validator:          validator,
		Inbox:              inboxProjector,
		Chain:              chainWalker,
		Search:             searchSvc,
		Audit:              auditLogger,
		DefaultTenantID:    cfg.DefaultTenantID,
		ServiceName:        cfg.ServiceName,
		SearchDefaultLimit: cfg.SearchDefaultLimit,
		SearchMaxLimit:     cfg.SearchMaxLimit,
	})

	handler := buildHandler(cfg, restSvc, mcpSvc)

	addr := cfg.Host + ":" + cfg.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("receiptgate: listening", "addr", addr, "backend", cfg.DBBackend())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("receiptgate: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// openStore opens the configured database and returns the matching
// ReceiptStore implementation, branching on config.Config.DBBackend the
// way cmd/helm/main.go branched on DATABASE_URL's presence for Lite Mode.
func openStore(ctx context.Context, cfg *config.Config) (*sql.DB, store.ReceiptStore, error) {
	switch cfg.DBBackend() {
	case "postgres":
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if err := db.PingContext(ctx); err != nil {
			return nil, nil, fmt.Errorf("ping postgres: %w", err)
		}
		return db, store.NewPostgresStore(db), nil
	case "sqlite":
		dsn := strings.TrimPrefix(cfg.DatabaseURL, "sqlite://")
		db, err := sql.Open("sqlite", dsn)
		if err != nil {
			return nil, nil, err
		}
		db.SetMaxOpenConns(1) // modernc.org/sqlite: one writer at a time
		return db, store.NewSQLiteStore(db), nil
	default:
		return nil, nil, fmt.Errorf("unsupported database_url scheme: %q", cfg.DatabaseURL)
	}
}

// buildHandler wires the auth/CORS/rate-limit/request-id middleware chain
// around the REST mux and the /mcp JSON-RPC endpoint, mirroring
// pkg/auth's middleware shapes (each takes the next handler and returns
// one) composed outside-in: request ID, CORS, rate limit, then auth.
func buildHandler(cfg *config.Config, restSvc *api.Service, mcpSvc *mcp.Server) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /receipts", restSvc.HandlePutReceipt)
	mux.HandleFunc("GET /receipts/stats", restSvc.HandleStats)
	mux.HandleFunc("GET /receipts/{receipt_id}/chain", restSvc.HandleChain)
	mux.HandleFunc("GET /receipts/{receipt_id}", restSvc.HandleGetReceipt)
	mux.HandleFunc("POST /receipts/search", restSvc.HandleSearch)
	mux.HandleFunc("GET /inbox/{recipient}", restSvc.HandleInbox)
	mux.HandleFunc("GET /tasks/{task_id}/receipts", restSvc.HandleTaskReceipts)
	mux.HandleFunc("GET /health", restSvc.HandleHealth)
	mux.Handle("POST /mcp", mcpSvc)

	var limiter auth.Limiter
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err == nil {
			limiter = auth.NewRedisLimiter(redis.NewClient(opts), int64(cfg.RateLimitRPS), time.Second)
		}
	}
	if limiter == nil {
		limiter = auth.NewInProcessLimiter(float64(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}

	onUnauthorized := func(w http.ResponseWriter, r *http.Request) {
		api.WriteError(w, gateerror.Unauthorized("missing or invalid API key"))
	}
	onLimited := func(w http.ResponseWriter, r *http.Request) {
		api.WriteError(w, gateerror.RateLimited(1))
	}

	var h http.Handler = mux
	h = auth.APIKeyMiddleware(cfg.APIKey, cfg.DefaultTenantID, cfg.AllowInsecureDev, onUnauthorized)(h)
	h = auth.RateLimitMiddleware(limiter, onLimited)(h)
	h = auth.CORSMiddleware(cfg.CORSAllowedOrigins)(h)
	h = auth.RequestIDMiddleware(h)
	return h
}
