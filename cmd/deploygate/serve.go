package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"deploygate/internal/audit"
	"deploygate/internal/config"
	"deploygate/internal/engine"
	"deploygate/internal/idempotency"
	"deploygate/internal/lock"
	"deploygate/internal/maintenance"
	"deploygate/internal/metrics"
	"deploygate/internal/policy"
	"deploygate/internal/quota"
	"deploygate/internal/ratelimit"
	"deploygate/internal/record"
	"deploygate/internal/server"
	"deploygate/pkg/fileutil"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"
)

var (
	configFile string
	logFile    string
	dbPath     string
	host       string
	port       int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the policy engine server",
	Long: `Start the HTTP server that admits or denies deployment mutations.

The server enforces the guardrails in the configuration file, hands
admitted deployments to the pipeline engine, and tracks them to a
terminal state. Configuration changes are picked up live.`,
	RunE: runServe,
}

func init() {
	// Flags for serve command
	serveCmd.Flags().StringVarP(&configFile, "config", "c", getEnvOrDefault("DEPLOYGATE_CONFIG_FILE", ""), "Path to deploygate.yaml configuration file")
	serveCmd.Flags().StringVar(&logFile, "log", getEnvOrDefault("DEPLOYGATE_LOG_FILE", "./deploygate.log"), "Path to log file")
	serveCmd.Flags().StringVar(&dbPath, "db", getEnvOrDefault("DEPLOYGATE_DB_PATH", "./deploygate.db"), "Path to SQLite database")
	serveCmd.Flags().StringVar(&host, "host", getEnvOrDefault("DEPLOYGATE_HOST", ""), "Host to bind to (defaults to the config file's server.host)")
	serveCmd.Flags().IntVarP(&port, "port", "p", getEnvOrDefaultInt("DEPLOYGATE_PORT", 0), "Port to listen on (defaults to the config file's server.port)")
}

func runServe(cmd *cobra.Command, args []string) error {
	// Determine config file path
	if configFile == "" {
		searchPaths := fileutil.DefaultConfigPaths("deploygate.yaml")
		configFile = fileutil.SearchPathsOptional(searchPaths)
		if configFile == "" {
			fmt.Fprintf(os.Stderr, "Error: No configuration file found in default locations:\n")
			for _, path := range searchPaths {
				fmt.Fprintf(os.Stderr, "  - %s\n", path)
			}
			fmt.Fprintf(os.Stderr, "Use --config flag to specify a custom location\n")
			return fmt.Errorf("configuration file not found")
		}
	}

	// Set up logging
	logger, logFileHandle, err := setupLogging(logFile)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	defer logFileHandle.Close()

	logger.Info("starting deploygate", "version", version)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("opening database", "db", dbPath)
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()
	// modernc.org/sqlite serializes writers; a single connection avoids
	// SQLITE_BUSY under concurrent admissions.
	db.SetMaxOpenConns(1)

	revs, err := config.NewRevisionStore(db)
	if err != nil {
		return fmt.Errorf("failed to initialize revision store: %w", err)
	}

	logger.Info("loading configuration", "config", configFile)
	cfgStore, err := config.NewStore(ctx, configFile, revs, logger)
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	snap := cfgStore.Snapshot()
	if len(snap.Groups) == 0 {
		logger.Warn("no delivery groups configured", "config", configFile)
		logger.Warn("the server will start but every deployment intent will be denied")
	}

	ledger, err := idempotency.NewLedger(db)
	if err != nil {
		return fmt.Errorf("failed to initialize idempotency ledger: %w", err)
	}
	tracker, err := quota.NewTracker(db)
	if err != nil {
		return fmt.Errorf("failed to initialize quota tracker: %w", err)
	}
	records, err := record.NewStore(db)
	if err != nil {
		return fmt.Errorf("failed to initialize deployment store: %w", err)
	}
	builds, err := record.NewBuildRegistry(db)
	if err != nil {
		return fmt.Errorf("failed to initialize build registry: %w", err)
	}
	sink, err := audit.NewSQLiteSink(db, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize audit sink: %w", err)
	}

	reg := prometheus.NewRegistry()
	met := metrics.New(reg)

	limiter := ratelimit.NewLimiter(func(c ratelimit.Class) int {
		return cfgStore.RateCeiling(c == ratelimit.ClassMutate)
	})

	orch := policy.NewOrchestrator(policy.Deps{
		Config:  cfgStore,
		Ledger:  ledger,
		Limiter: limiter,
		Quota:   tracker,
		Locks:   lock.NewManager(),
		Records: records,
		Builds:  builds,
		Engine:  engine.NewHTTPAdapter(snap.Engine.BaseURL, nil),
		Audit:   sink,
		Metrics: met,
		Logger:  logger,
	})
	defer orch.Close()

	// Pick up deployments that were in flight when the last process died.
	if err := orch.Resume(ctx); err != nil {
		logger.Error("failed to resume in-flight deployments", "error", err)
		return fmt.Errorf("failed to resume in-flight deployments: %w", err)
	}

	watcher, err := config.NewWatcher(cfgStore, logger)
	if err != nil {
		return fmt.Errorf("failed to watch configuration: %w", err)
	}
	defer watcher.Close()
	go watcher.Run(ctx)

	sched := maintenance.New(orch, ledger, logger)
	if err := sched.Start(); err != nil {
		return fmt.Errorf("failed to start maintenance jobs: %w", err)
	}
	defer sched.Stop()

	srv := server.New(server.Deps{
		Orch:     orch,
		Config:   cfgStore,
		Records:  records,
		Limiter:  limiter,
		Audit:    sink,
		Logger:   logger,
		Gatherer: reg,
	})

	bindHost, bindPort := listenAddr(snap)
	if err := srv.Start(ctx, bindHost, bindPort); err != nil {
		logger.Error("server failed", "error", err)
		return fmt.Errorf("server failed: %w", err)
	}

	logger.Info("shutting down")
	return nil
}

// listenAddr resolves the bind address: flags win, then the config
// file's server section, then built-in defaults.
func listenAddr(snap *config.Snapshot) (string, int) {
	h := host
	if h == "" {
		h = snap.Server.Host
	}
	if h == "" {
		h = "127.0.0.1"
	}
	p := port
	if p == 0 {
		p = snap.Server.Port
	}
	if p == 0 {
		p = 8080
	}
	return h, p
}

// setupLogging configures slog for file logging
// Returns both the logger and the file handle (caller must close the file)
func setupLogging(logPath string) (*slog.Logger, *os.File, error) {
	logDir := filepath.Dir(logPath)
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}

	// Log to both file and console
	multiWriter := io.MultiWriter(os.Stdout, file)

	handler := slog.NewJSONHandler(multiWriter, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})

	return slog.New(handler), file, nil
}

// Helper functions for environment variables
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var intVal int
		if _, err := fmt.Sscanf(value, "%d", &intVal); err == nil {
			return intVal
		}
	}
	return defaultValue
}
