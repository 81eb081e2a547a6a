package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/reelmuse/entitlement/internal/chatgate"
	"github.com/reelmuse/entitlement/internal/httpapi"
	"github.com/reelmuse/entitlement/internal/payment"
	"github.com/reelmuse/entitlement/internal/scheduler"
	"github.com/reelmuse/entitlement/internal/store/gormstore"
	"github.com/reelmuse/entitlement/pkg/catalog"
	"github.com/reelmuse/entitlement/pkg/entitlement"
)

const (
	flagDatabaseURL      = "database-url"
	flagListenAddr       = "listen-addr"
	flagCatalogPath      = "catalog-path"
	flagWorkerCount      = "worker-count"
	flagQueueCeiling     = "queue-ceiling"
	flagJobTimeout       = "job-timeout"
	flagPaymentURL       = "payment-url"
	flagAllowedOrigins   = "allowed-origins"
	flagSessionKey       = "session-signing-key"
	flagSessionIssuer    = "session-issuer"
	flagSessionCookie    = "session-cookie"
	flagFreeMessageLimit = "free-message-limit"

	configKeyDatabaseURL      = "database_url"
	configKeyListenAddr       = "listen_addr"
	configKeyCatalogPath      = "catalog_path"
	configKeyWorkerCount      = "worker_count"
	configKeyQueueCeiling     = "queue_ceiling"
	configKeyJobTimeout       = "job_timeout"
	configKeyPaymentURL       = "payment_url"
	configKeyAllowedOrigins   = "allowed_origins"
	configKeySessionKey       = "session_signing_key"
	configKeySessionIssuer    = "session_issuer"
	configKeySessionCookie    = "session_cookie"
	configKeyFreeMessageLimit = "free_message_limit"

	defaultDatabaseURL = "sqlite:///tmp/entitlement.db"
	defaultListenAddr  = ":9090"
)

type runtimeConfig struct {
	DatabaseURL      string
	ListenAddr       string
	CatalogPath      string
	WorkerCount      int
	QueueCeiling     int
	JobTimeout       time.Duration
	PaymentURL       string
	AllowedOrigins   string
	SessionKey       string
	SessionIssuer    string
	SessionCookie    string
	FreeMessageLimit int64
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "entitlementd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "entitlementd",
		Short:         "Entitlement and job lifecycle server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "database connection string")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().String(flagCatalogPath, "", "pricing catalog file (built-in defaults when empty)")
	cmd.Flags().Int(flagWorkerCount, 0, "video generation worker count")
	cmd.Flags().Int(flagQueueCeiling, 0, "pending job ceiling, 0 for unbounded")
	cmd.Flags().Duration(flagJobTimeout, 0, "per-job wall clock timeout")
	cmd.Flags().String(flagPaymentURL, "", "payment provider base URL (charges auto-approved when empty)")
	cmd.Flags().String(flagAllowedOrigins, "", "comma-delimited CORS origins")
	cmd.Flags().String(flagSessionKey, "", "session JWT signing key")
	cmd.Flags().String(flagSessionIssuer, "", "session JWT issuer")
	cmd.Flags().String(flagSessionCookie, "", "session cookie name")
	cmd.Flags().Int64(flagFreeMessageLimit, 0, "free messages per persona, 0 for default")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	_ = godotenv.Load()

	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := map[string]string{
		configKeyDatabaseURL:      "DATABASE_URL",
		configKeyListenAddr:       "LISTEN_ADDR",
		configKeyCatalogPath:      "CATALOG_PATH",
		configKeyWorkerCount:      "WORKER_COUNT",
		configKeyQueueCeiling:     "QUEUE_CEILING",
		configKeyJobTimeout:       "JOB_TIMEOUT",
		configKeyPaymentURL:       "PAYMENT_URL",
		configKeyAllowedOrigins:   "ALLOWED_ORIGINS",
		configKeySessionKey:       "SESSION_SIGNING_KEY",
		configKeySessionIssuer:    "SESSION_ISSUER",
		configKeySessionCookie:    "SESSION_COOKIE",
		configKeyFreeMessageLimit: "FREE_MESSAGE_LIMIT",
	}
	for configKey, envName := range bindings {
		if err := viper.BindEnv(configKey, envName); err != nil {
			return err
		}
	}

	flagBindings := map[string]string{
		configKeyDatabaseURL:      flagDatabaseURL,
		configKeyListenAddr:       flagListenAddr,
		configKeyCatalogPath:      flagCatalogPath,
		configKeyWorkerCount:      flagWorkerCount,
		configKeyQueueCeiling:     flagQueueCeiling,
		configKeyJobTimeout:       flagJobTimeout,
		configKeyPaymentURL:       flagPaymentURL,
		configKeyAllowedOrigins:   flagAllowedOrigins,
		configKeySessionKey:       flagSessionKey,
		configKeySessionIssuer:    flagSessionIssuer,
		configKeySessionCookie:    flagSessionCookie,
		configKeyFreeMessageLimit: flagFreeMessageLimit,
	}
	for configKey, flagName := range flagBindings {
		if err := viper.BindPFlag(configKey, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	cfg.ListenAddr = viper.GetString(configKeyListenAddr)
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	cfg.CatalogPath = viper.GetString(configKeyCatalogPath)
	cfg.WorkerCount = viper.GetInt(configKeyWorkerCount)
	cfg.QueueCeiling = viper.GetInt(configKeyQueueCeiling)
	cfg.JobTimeout = viper.GetDuration(configKeyJobTimeout)
	cfg.PaymentURL = viper.GetString(configKeyPaymentURL)
	cfg.AllowedOrigins = viper.GetString(configKeyAllowedOrigins)
	cfg.SessionKey = viper.GetString(configKeySessionKey)
	cfg.SessionIssuer = viper.GetString(configKeySessionIssuer)
	cfg.SessionCookie = viper.GetString(configKeySessionCookie)
	cfg.FreeMessageLimit = viper.GetInt64(configKeyFreeMessageLimit)

	if cfg.SessionKey == "" {
		return fmt.Errorf("session signing key is required")
	}
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	gormDB, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = cleanup() }()

	store := gormstore.New(gormDB)
	if driver == "sqlite" {
		if err := store.AutoMigrate(); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
	}

	pricing, err := loadCatalog(cfg.CatalogPath)
	if err != nil {
		return fmt.Errorf("catalog load: %w", err)
	}

	clock := func() int64 { return time.Now().UTC().Unix() }
	ledger, err := entitlement.NewService(store, pricing, clock,
		entitlement.WithOperationLogger(entitlement.NewZapOperationLogger(logger)))
	if err != nil {
		return fmt.Errorf("entitlement service init: %w", err)
	}

	gate, err := chatgate.New(ledger, cfg.FreeMessageLimit)
	if err != nil {
		return fmt.Errorf("chat gate init: %w", err)
	}

	jobs, err := scheduler.New(ledger, store, scheduler.SimulatedGenerator{}, logger, scheduler.Config{
		WorkerCount:  cfg.WorkerCount,
		QueueCeiling: cfg.QueueCeiling,
		JobTimeout:   cfg.JobTimeout,
	}, clock)
	if err != nil {
		return fmt.Errorf("scheduler init: %w", err)
	}

	var charger payment.Charger = payment.NopCharger{}
	if cfg.PaymentURL != "" {
		charger = payment.NewHTTPCharger(&http.Client{Timeout: 15 * time.Second}, cfg.PaymentURL, payment.DefaultRetryPolicy())
	}

	api, err := httpapi.New(httpapi.Config{
		ListenAddr:        cfg.ListenAddr,
		AllowedOrigins:    httpapi.ParseAllowedOrigins(cfg.AllowedOrigins),
		SessionSigningKey: cfg.SessionKey,
		SessionIssuer:     cfg.SessionIssuer,
		SessionCookieName: cfg.SessionCookie,
		FreeMessageLimit:  cfg.FreeMessageLimit,
	}, logger, ledger, gate, jobs, pricing, charger, nil)
	if err != nil {
		return fmt.Errorf("httpapi init: %w", err)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return jobs.Run(groupCtx) })
	group.Go(func() error { return api.Run(groupCtx) })
	return group.Wait()
}

func loadCatalog(path string) (*catalog.Catalog, error) {
	if path == "" {
		return catalog.Default(), nil
	}
	return catalog.Load(path)
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	gormCfg := &gorm.Config{}
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), gormCfg)
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), gormCfg)
	default:
		return nil, nil, "", fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, "", err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, "", err
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, driver, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres", "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "entitlement.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return "sqlite", sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return "sqlite", sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}
