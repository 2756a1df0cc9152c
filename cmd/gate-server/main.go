package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx as database/sql driver
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/kestrel-sec/actiongate/internal/action"
	"github.com/kestrel-sec/actiongate/internal/api"
	"github.com/kestrel-sec/actiongate/internal/audit"
	"github.com/kestrel-sec/actiongate/internal/boundary"
	"github.com/kestrel-sec/actiongate/internal/chread"
	"github.com/kestrel-sec/actiongate/internal/credential"
	"github.com/kestrel-sec/actiongate/internal/gate"
	"github.com/kestrel-sec/actiongate/internal/rules"
	"github.com/kestrel-sec/actiongate/internal/store"
)

func main() {
	// Logger
	logger := mustBuildLogger(envOrDefault("GATE_LOG_LEVEL", "info"))
	defer logger.Sync() //nolint:errcheck // best-effort flush

	// Config from env
	httpPort := envOrDefault("GATE_HTTP_PORT", "8080")
	tokenSecret := os.Getenv("GATE_TOKEN_SECRET")
	tokenTTL := envOrDefaultInt("GATE_TOKEN_TTL_S", 300)
	rulesPath := os.Getenv("GATE_RULES_PATH")
	clickhouseDSN := os.Getenv("CLICKHOUSE_DSN")
	postgresDSN := os.Getenv("POSTGRES_DSN")
	cacheTTL := envOrDefaultInt("GATE_AUTH_CACHE_TTL_S", 30)

	if tokenSecret == "" {
		logger.Fatal("GATE_TOKEN_SECRET is required")
	}

	logger.Info("starting gate server",
		zap.String("http_port", httpPort),
		zap.Int("token_ttl_s", tokenTTL),
		zap.String("rules_path", rulesPath),
	)

	// Ruleset — an empty or malformed config is fatal: a gate with no rules
	// waves everything through.
	ruleset, err := loadRuleset(rulesPath)
	if err != nil {
		logger.Fatal("ruleset configuration invalid", zap.Error(err))
	}
	engine := rules.NewEngine(ruleset, logger)
	logger.Info("ruleset loaded", zap.Int("rules", len(ruleset)))

	// Audit — ClickHouse or zap fallback
	var sink audit.Sink
	if clickhouseDSN != "" {
		chSink, err := audit.NewClickHouseSink(clickhouseDSN, logger)
		if err != nil {
			logger.Warn("clickhouse connection failed, falling back to log sink",
				zap.Error(err),
			)
			sink = audit.NewZapSink(logger)
		} else {
			sink = chSink
			logger.Info("clickhouse audit sink connected")
		}
	} else {
		sink = audit.NewZapSink(logger)
		logger.Info("no CLICKHOUSE_DSN set, using log sink")
	}
	defer sink.Close()
	auditLog := audit.NewLog(sink)

	// Credential authority
	authority, err := credential.NewAuthority(
		[]byte(tokenSecret),
		time.Duration(tokenTTL)*time.Second,
		logger,
	)
	if err != nil {
		logger.Fatal("credential authority init failed", zap.Error(err))
	}

	// Executor boundary — the ack executor only acknowledges; real executors
	// plug in behind the same contract.
	bdry := boundary.New(authority, &ackExecutor{logger: logger}, auditLog, logger)

	// Gate — decisions arrive via the HTTP surface, so no in-process source.
	g := gate.New(engine, authority, bdry, auditLog, nil, logger)

	// Postgres pool (required for the HTTP API's caller registry)
	var pgStore *store.Store
	if postgresDSN != "" {
		db, err := sql.Open("pgx", postgresDSN)
		if err != nil {
			logger.Fatal("failed to open postgres", zap.Error(err))
		}
		defer func() { _ = db.Close() }()
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(context.Background()); err != nil {
			logger.Fatal("failed to ping postgres", zap.Error(err))
		}
		pgStore = store.NewStore(db)
		logger.Info("postgres connected")
	} else {
		logger.Fatal("POSTGRES_DSN is required")
	}

	// ClickHouse reader (for the events HTTP endpoint)
	var chReader *chread.Reader
	if clickhouseDSN != "" {
		chReader, err = chread.NewReader(clickhouseDSN, logger)
		if err != nil {
			logger.Warn("clickhouse reader connection failed", zap.Error(err))
		} else {
			defer func() { _ = chReader.Close() }()
			logger.Info("clickhouse reader connected")
		}
	}

	deps := &api.Dependencies{
		Store:    pgStore,
		Registry: pgStore,
		Gate:     g,
		Log:      auditLog,
		Logger:   logger,
		CacheTTL: time.Duration(cacheTTL) * time.Second,
	}
	if chReader != nil {
		deps.Reader = chReader
	}
	httpServer := &http.Server{
		Addr:        ":" + httpPort,
		Handler:     api.NewRouter(deps),
		ReadTimeout: 10 * time.Second,
		// No write timeout: a blocked submission holds its connection until
		// an external decision arrives.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	// Block until shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", zap.String("signal", sig.String()))

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", zap.Error(err))
	}

	logger.Info("gate server stopped")
}

// loadRuleset reads the ruleset config file and builds the ordered ruleset.
// An empty path uses the built-in defaults (all rules enabled).
func loadRuleset(path string) ([]rules.Rule, error) {
	cfg := &rules.Config{}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read ruleset config: %w", err)
		}
		if err := json.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse ruleset config: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return rules.BuildRules(cfg)
}

// ackExecutor acknowledges authorized actions without performing them. It
// stands in for the external executor in deployments where execution happens
// on the caller's side after the gate returns.
type ackExecutor struct {
	logger *zap.Logger
}

func (e *ackExecutor) Perform(_ context.Context, req *action.Request) ([]byte, error) {
	e.logger.Info("action authorized",
		zap.String("kind", string(req.Kind)),
		zap.String("preview", req.Preview()),
	)
	return []byte("authorized: " + req.Preview()), nil
}

func mustBuildLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to build logger: %v", err))
	}
	return logger
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}
