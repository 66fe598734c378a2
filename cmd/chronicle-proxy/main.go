// Command chronicle-proxy runs the LLM gateway as a standalone HTTP server.
//
// Usage:
//
//	chronicle-proxy serve                          # start the server
//	chronicle-proxy serve --config chronicle.toml  # load providers/aliases/keys from a file
//	chronicle-proxy version                        # print version info
//	chronicle-proxy health                         # liveness check against a running instance
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/dimfeld/chronicle-proxy/internal/database"
	"github.com/dimfeld/chronicle-proxy/internal/logger"
	"github.com/dimfeld/chronicle-proxy/internal/metrics"
	"github.com/dimfeld/chronicle-proxy/internal/migration"
	"github.com/dimfeld/chronicle-proxy/internal/proxy"
	"github.com/dimfeld/chronicle-proxy/internal/ratelimit"
	"github.com/dimfeld/chronicle-proxy/internal/server"
	"github.com/dimfeld/chronicle-proxy/internal/telemetry"

	_ "github.com/lib/pq" // registers the "postgres" database/sql driver for golang-migrate
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "version":
		printVersion()
	case "health":
		runHealthCheck(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

type serveConfig struct {
	configPath string

	addr            string
	readTimeout     time.Duration
	writeTimeout    time.Duration
	idleTimeout     time.Duration
	shutdownTimeout time.Duration

	dbDriver string
	dbDSN    string
	migrate  bool

	redisAddr     string
	redisPassword string
	redisDB       int

	logLevel  string
	logFormat string

	telemetryEnabled  bool
	telemetryEndpoint string
	telemetryService  string
	telemetrySample   float64
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	cfg := serveConfig{}
	fs.StringVar(&cfg.configPath, "config", os.Getenv("CHRONICLE_CONFIG"), "path to a TOML proxy config (providers/aliases/api_keys)")
	fs.StringVar(&cfg.addr, "addr", envOr("CHRONICLE_ADDR", ":8080"), "HTTP listen address")
	fs.DurationVar(&cfg.readTimeout, "read-timeout", 30*time.Second, "HTTP read timeout")
	fs.DurationVar(&cfg.writeTimeout, "write-timeout", 120*time.Second, "HTTP write timeout (streaming responses can run long)")
	fs.DurationVar(&cfg.idleTimeout, "idle-timeout", 120*time.Second, "HTTP idle timeout")
	fs.DurationVar(&cfg.shutdownTimeout, "shutdown-timeout", 30*time.Second, "graceful shutdown timeout")
	fs.StringVar(&cfg.dbDriver, "db-driver", envOr("CHRONICLE_DB_DRIVER", ""), "database driver: postgres, mysql, sqlite, or empty to disable event logging")
	fs.StringVar(&cfg.dbDSN, "db-dsn", os.Getenv("CHRONICLE_DB_DSN"), "database DSN (postgres connection string or sqlite file path)")
	fs.BoolVar(&cfg.migrate, "migrate", os.Getenv("CHRONICLE_MIGRATE") == "true", "apply versioned schema migrations instead of gorm AutoMigrate (postgres only)")
	fs.StringVar(&cfg.redisAddr, "redis-addr", os.Getenv("CHRONICLE_REDIS_ADDR"), "Redis address for the rate-limit reset-time cache, empty disables it")
	fs.StringVar(&cfg.redisPassword, "redis-password", os.Getenv("CHRONICLE_REDIS_PASSWORD"), "Redis password")
	fs.IntVar(&cfg.redisDB, "redis-db", 0, "Redis logical database number")
	fs.StringVar(&cfg.logLevel, "log-level", envOr("CHRONICLE_LOG_LEVEL", "info"), "log level: debug, info, warn, error")
	fs.StringVar(&cfg.logFormat, "log-format", envOr("CHRONICLE_LOG_FORMAT", "json"), "log format: json or console")
	fs.BoolVar(&cfg.telemetryEnabled, "telemetry", os.Getenv("CHRONICLE_OTEL_ENDPOINT") != "", "enable OpenTelemetry tracing/metrics")
	fs.StringVar(&cfg.telemetryEndpoint, "telemetry-endpoint", os.Getenv("CHRONICLE_OTEL_ENDPOINT"), "OTLP gRPC collector endpoint")
	fs.StringVar(&cfg.telemetryService, "telemetry-service-name", envOr("CHRONICLE_OTEL_SERVICE_NAME", "chronicle-proxy"), "service name reported to the OTel collector")
	fs.Float64Var(&cfg.telemetrySample, "telemetry-sample-rate", 1.0, "trace sampling ratio, 0.0-1.0")
	fs.Parse(args)

	zlog := initLogger(cfg.logLevel, cfg.logFormat)
	defer zlog.Sync()

	zlog.Info("starting chronicle-proxy",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	otelProviders, err := telemetry.Init(telemetry.Config{
		Enabled:      cfg.telemetryEnabled,
		ServiceName:  cfg.telemetryService,
		OTLPEndpoint: cfg.telemetryEndpoint,
		SampleRate:   cfg.telemetrySample,
	}, zlog)
	if err != nil {
		zlog.Warn("failed to initialize telemetry", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = otelProviders.Shutdown(ctx)
	}()

	collector := metrics.NewCollector("chronicle_proxy", zlog)

	builder := proxy.NewBuilder().WithLogger(zlog).WithMetricsCollector(collector)

	var db *gorm.DB
	if cfg.dbDriver != "" {
		db, err = openDatabase(cfg.dbDriver, cfg.dbDSN, zlog)
		if err != nil {
			zlog.Warn("database not available, event logging disabled", zap.Error(err))
		} else {
			if cfg.migrate && cfg.dbDriver == "postgres" {
				if err := runMigrations(cfg.dbDriver, cfg.dbDSN, zlog); err != nil {
					zlog.Error("database migration failed, falling back to auto-migrate", zap.Error(err))
					cfg.migrate = false
				}
			}
			if !cfg.migrate {
				if err := db.AutoMigrate(&logger.ChronicleEvent{}, &logger.ChronicleRun{}, &logger.ChronicleStep{}, &logger.ChronicleMeta{}); err != nil {
					zlog.Error("database auto-migrate failed", zap.Error(err))
				}
			}

			pool, err := database.NewPoolManager(db, database.DefaultPoolConfig(), zlog)
			if err != nil {
				zlog.Warn("database pool tuning failed, continuing with gorm's defaults", zap.Error(err))
			} else {
				defer pool.Close()
			}

			builder = builder.WithDatabase(db).LogToDatabase(true)
		}
	}

	if cfg.configPath != "" {
		if _, err := builder.WithConfigFromPath(cfg.configPath); err != nil {
			zlog.Fatal("failed to load proxy config", zap.String("path", cfg.configPath), zap.Error(err))
		}
	}

	var rlCache *ratelimit.Cache
	if cfg.redisAddr != "" {
		rlCache, err = ratelimit.New(ratelimit.Config{
			Addr:     cfg.redisAddr,
			Password: cfg.redisPassword,
			DB:       cfg.redisDB,
		}, zlog)
		if err != nil {
			zlog.Warn("rate-limit cache redis not available, proceeding without it", zap.Error(err))
		} else {
			rlCache = rlCache.WithCollector(collector)
			defer rlCache.Close()
			builder = builder.WithRateLimitCache(rlCache)
		}
	}

	p, err := builder.Build()
	if err != nil {
		zlog.Fatal("failed to build proxy", zap.Error(err))
	}

	mux := server.NewMux(p, zlog, collector)

	httpManager := server.NewManager(mux, server.Config{
		Addr:            cfg.addr,
		ReadTimeout:     cfg.readTimeout,
		WriteTimeout:    cfg.writeTimeout,
		IdleTimeout:     cfg.idleTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: cfg.shutdownTimeout,
	}, zlog)

	if err := httpManager.Start(); err != nil {
		zlog.Fatal("failed to start http server", zap.Error(err))
	}

	httpManager.WaitForShutdown()

	if p.Logger != nil {
		drainCtx, cancel := context.WithTimeout(context.Background(), cfg.shutdownTimeout)
		if err := p.Logger.CloseContext(drainCtx); err != nil {
			zlog.Warn("event logger did not drain before shutdown timeout", zap.Error(err))
		}
		cancel()
	}

	zlog.Info("chronicle-proxy stopped")
}

func runHealthCheck(args []string) {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	addr := fs.String("addr", "http://localhost:8080", "server address")
	fs.Parse(args)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(*addr + "/healthz")
	if err != nil {
		fmt.Fprintf(os.Stderr, "health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "health check failed: status %d\n", resp.StatusCode)
		os.Exit(1)
	}

	fmt.Println("OK")
}

func printVersion() {
	fmt.Printf("chronicle-proxy %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`chronicle-proxy - LLM gateway and reverse proxy

Usage:
  chronicle-proxy <command> [options]

Commands:
  serve     Start the gateway server
  version   Show version information
  health    Check server health
  help      Show this help message

Options for 'serve':
  --config <path>             Path to a TOML proxy config (providers/aliases/api_keys)
  --addr <addr>               HTTP listen address (default ":8080")
  --db-driver <driver>        Database driver: postgres, mysql, sqlite (default: disabled)
  --db-dsn <dsn>              Database DSN
  --migrate                   Apply versioned schema migrations instead of AutoMigrate (postgres only)
  --redis-addr <addr>         Redis address for the rate-limit reset-time cache (default: disabled)
  --redis-password <pass>     Redis password
  --redis-db <n>              Redis logical database number
  --log-level <level>         debug, info, warn, error (default "info")
  --log-format <format>       json or console (default "json")
  --telemetry                 Enable OpenTelemetry
  --telemetry-endpoint <addr> OTLP gRPC collector endpoint

Provider API keys (OPENAI_API_KEY, ANTHROPIC_API_KEY, GROQ_API_KEY, OLLAMA_BASE_URL,
and friends) are read from the environment the same way they are at every
call site; see the proxy config file format for declaring custom providers,
aliases, and named API keys.

Examples:
  chronicle-proxy serve
  chronicle-proxy serve --config /etc/chronicle/chronicle.toml --db-driver postgres --db-dsn "$DATABASE_URL"
  chronicle-proxy health --addr http://localhost:8080
  chronicle-proxy version`)
}

func initLogger(level, format string) *zap.Logger {
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

	var encoderConfig zapcore.EncoderConfig
	if format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      format == "console",
		Encoding:         format,
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}
	if format != "console" {
		zapConfig.Encoding = "json"
	}

	zlog, err := zapConfig.Build(
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)
	if err != nil {
		zlog, _ = zap.NewProduction()
	}
	return zlog
}

// openDatabase opens the event-logging/admin connection. postgres, mysql,
// and sqlite (the pure-Go glebarez driver, already used by the test suites)
// are wired up, matching the three migration sets under internal/migration.
func openDatabase(driver, dsn string, zlog *zap.Logger) (*gorm.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database DSN not configured")
	}

	var dialector gorm.Dialector
	switch driver {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "mysql":
		dialector = mysql.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s (supported: postgres, mysql, sqlite)", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	zlog.Info("database connected", zap.String("driver", driver))
	return db, nil
}

// runMigrations applies the versioned chronicle_* schema via golang-migrate
// instead of gorm's AutoMigrate, for deployments that want an auditable
// migration history (internal/migration, embedding migrations/postgres).
func runMigrations(driver, dsn string, zlog *zap.Logger) error {
	mig, err := migration.NewMigratorFromURL(driver, dsn)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer mig.Close()

	if err := mig.Up(context.Background()); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	zlog.Info("database migrations applied", zap.String("driver", driver))
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
