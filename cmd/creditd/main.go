package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/resumelift/creditledger/internal/checkout"
	"github.com/resumelift/creditledger/internal/eventcache"
	"github.com/resumelift/creditledger/internal/httpapi"
	"github.com/resumelift/creditledger/internal/provider"
	"github.com/resumelift/creditledger/internal/store/gormstore"
	"github.com/resumelift/creditledger/internal/store/pgstore"
	"github.com/resumelift/creditledger/internal/webhook"
	"github.com/resumelift/creditledger/migrations"
	"github.com/resumelift/creditledger/pkg/catalog"
	"github.com/resumelift/creditledger/pkg/ledger"
	"github.com/resumelift/creditledger/pkg/redact"
)

const (
	flagDatabaseURL = "database-url"
	flagListenAddr  = "listen-addr"
	flagConfigFile  = "config"

	configKeyDatabaseURL    = "database_url"
	configKeyListenAddr     = "listen_addr"
	configKeyAllowedOrigins = "allowed_origins"
	configKeySigningKey     = "session_signing_key"
	configKeySessionIssuer  = "session_issuer"
	configKeySessionCookie  = "session_cookie_name"
	configKeySignupBonus    = "signup_bonus_credits"
	configKeyWebhookSecret  = "webhook_secret"
	configKeyProviderSecret = "provider_secret_key"
	configKeyProviderBase   = "provider_base_url"
	configKeySuccessURL     = "checkout_success_url"
	configKeyCancelURL      = "checkout_cancel_url"
	configKeyRedisURL       = "redis_url"
	configKeyCatalog        = "catalog.packages"

	defaultDatabaseURL = "sqlite://creditledger.db"
	defaultListenAddr  = ":9090"
)

type runtimeConfig struct {
	DatabaseURL string
	RedisURL    string

	API httpapi.Config

	WebhookSecret  string
	ProviderSecret string
	ProviderBase   string
	SuccessURL     string
	CancelURL      string

	Packages []catalog.Package
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "creditd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	root := &cobra.Command{
		Use:           "creditd",
		Short:         "Credit ledger and payment reconciliation service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().String(flagDatabaseURL, defaultDatabaseURL, "database connection string (sqlite:// or postgres://)")
	root.PersistentFlags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	root.PersistentFlags().String(flagConfigFile, "", "optional config file with the credit package catalog")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and webhook ingestion server",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	audit := &cobra.Command{
		Use:   "audit",
		Short: "Replay every account's ledger and report balance mismatches",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAudit(cmd.Context(), cfg)
		},
	}

	root.AddCommand(serve, audit)
	return root
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	_ = godotenv.Load()

	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	envBindings := map[string]string{
		configKeyDatabaseURL:    "DATABASE_URL",
		configKeyListenAddr:     "LISTEN_ADDR",
		configKeyAllowedOrigins: "ALLOWED_ORIGINS",
		configKeySigningKey:     "SESSION_SIGNING_KEY",
		configKeySessionIssuer:  "SESSION_ISSUER",
		configKeySessionCookie:  "SESSION_COOKIE_NAME",
		configKeySignupBonus:    "SIGNUP_BONUS_CREDITS",
		configKeyWebhookSecret:  "WEBHOOK_SECRET",
		configKeyProviderSecret: "PROVIDER_SECRET_KEY",
		configKeyProviderBase:   "PROVIDER_BASE_URL",
		configKeySuccessURL:     "CHECKOUT_SUCCESS_URL",
		configKeyCancelURL:      "CHECKOUT_CANCEL_URL",
		configKeyRedisURL:       "REDIS_URL",
	}
	for key, envName := range envBindings {
		if err := viper.BindEnv(key, envName); err != nil {
			return err
		}
	}
	if err := viper.BindPFlag(configKeyDatabaseURL, cmd.Flags().Lookup(flagDatabaseURL)); err != nil {
		return err
	}
	if err := viper.BindPFlag(configKeyListenAddr, cmd.Flags().Lookup(flagListenAddr)); err != nil {
		return err
	}

	if configFile, _ := cmd.Flags().GetString(flagConfigFile); configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("read config file: %w", err)
		}
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	cfg.RedisURL = viper.GetString(configKeyRedisURL)
	cfg.API = httpapi.Config{
		ListenAddr:         viper.GetString(configKeyListenAddr),
		AllowedOrigins:     httpapi.ParseAllowedOrigins(viper.GetString(configKeyAllowedOrigins)),
		SessionSigningKey:  viper.GetString(configKeySigningKey),
		SessionIssuer:      viper.GetString(configKeySessionIssuer),
		SessionCookieName:  viper.GetString(configKeySessionCookie),
		SignupBonusCredits: viper.GetInt64(configKeySignupBonus),
	}
	cfg.WebhookSecret = viper.GetString(configKeyWebhookSecret)
	cfg.ProviderSecret = viper.GetString(configKeyProviderSecret)
	cfg.ProviderBase = viper.GetString(configKeyProviderBase)
	cfg.SuccessURL = viper.GetString(configKeySuccessURL)
	cfg.CancelURL = viper.GetString(configKeyCancelURL)

	if viper.IsSet(configKeyCatalog) {
		if err := viper.UnmarshalKey(configKeyCatalog, &cfg.Packages); err != nil {
			return fmt.Errorf("parse catalog: %w", err)
		}
	}

	if cfg.DatabaseURL == "" {
		return fmt.Errorf("database url is required")
	}
	return nil
}

// persistence is the full store surface the daemon needs: the ledger
// contract plus the webhook processed-event registry.
type persistence interface {
	ledger.Store
	MarkEventProcessed(ctx context.Context, provider string, eventID ledger.EventID) (bool, error)
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	store, cleanup, err := openStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer cleanup()

	clock := func() int64 { return time.Now().UTC().Unix() }
	ledgerService, err := ledger.NewService(store, clock, ledger.WithOperationLogger(&zapOperationLogger{logger: logger}))
	if err != nil {
		return fmt.Errorf("ledger service init: %w", err)
	}

	packageCatalog, err := catalog.New(catalogPackages(cfg))
	if err != nil {
		return fmt.Errorf("catalog init: %w", err)
	}

	providerClient, err := provider.NewClient(provider.Config{
		SecretKey: cfg.ProviderSecret,
		BaseURL:   cfg.ProviderBase,
	})
	if err != nil {
		return fmt.Errorf("provider client init: %w", err)
	}

	checkoutService, err := checkout.NewService(packageCatalog, providerClient, store, checkout.Config{
		SuccessURL: cfg.SuccessURL,
		CancelURL:  cfg.CancelURL,
	}, logger)
	if err != nil {
		return fmt.Errorf("checkout service init: %w", err)
	}

	verifier, err := webhook.NewVerifier(cfg.WebhookSecret, webhook.DefaultTolerance, nil)
	if err != nil {
		return fmt.Errorf("webhook verifier init: %w", err)
	}

	handlerOptions := []webhook.HandlerOption{}
	if cfg.RedisURL != "" {
		cache, cacheErr := eventcache.New(ctx, cfg.RedisURL, eventcache.DefaultTTL)
		if cacheErr != nil {
			return fmt.Errorf("event cache init: %w", cacheErr)
		}
		defer func() { _ = cache.Close() }()
		handlerOptions = append(handlerOptions, webhook.WithEventCache(cache))
	}
	webhookHandler, err := webhook.NewHandler(ledgerService, verifier, store, logger, handlerOptions...)
	if err != nil {
		return fmt.Errorf("webhook handler init: %w", err)
	}

	apiServer, err := httpapi.NewServer(cfg.API, ledgerService, checkoutService, webhookHandler, logger)
	if err != nil {
		return fmt.Errorf("http server init: %w", err)
	}
	validator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.API.SessionSigningKey),
		Issuer:     cfg.API.SessionIssuer,
		CookieName: cfg.API.SessionCookieName,
	})
	if err != nil {
		return fmt.Errorf("session validator init: %w", err)
	}

	return apiServer.Run(ctx, apiServer.Router(validator))
}

func runAudit(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	store, cleanup, err := openStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer cleanup()

	ledgerService, err := ledger.NewService(store, func() int64 { return time.Now().UTC().Unix() })
	if err != nil {
		return fmt.Errorf("ledger service init: %w", err)
	}

	owners, err := store.ListAccountOwners(ctx)
	if err != nil {
		return fmt.Errorf("list accounts: %w", err)
	}

	mismatches := 0
	for _, owner := range owners {
		consistent, auditErr := ledgerService.VerifyConsistency(ctx, owner)
		if auditErr != nil {
			return fmt.Errorf("audit %s: %w", owner.String(), auditErr)
		}
		if !consistent {
			mismatches++
			logger.Error("balance mismatch", zap.String("owner", owner.String()))
		}
	}
	logger.Info("audit complete",
		zap.Int("accounts", len(owners)),
		zap.Int("mismatches", mismatches),
	)
	if mismatches > 0 {
		return fmt.Errorf("%d account(s) out of balance", mismatches)
	}
	return nil
}

// zapOperationLogger mirrors ledger operation callbacks into structured logs.
type zapOperationLogger struct {
	logger *zap.Logger
}

func (observer *zapOperationLogger) LogOperation(_ context.Context, entry ledger.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
		zap.String("owner", redact.Identifier(entry.Owner.String())),
		zap.Int64("amount", entry.Amount),
		zap.String("reason", entry.Reason.String()),
	}
	if entry.EventID != "" {
		fields = append(fields, zap.String("event_id", entry.EventID))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		observer.logger.Warn("ledger operation", fields...)
		return
	}
	observer.logger.Info("ledger operation", fields...)
}

func catalogPackages(cfg *runtimeConfig) []catalog.Package {
	if len(cfg.Packages) > 0 {
		return cfg.Packages
	}
	return []catalog.Package{
		{PriceID: "price_starter_200", PackageID: "starter", Credits: 200, AmountCents: 500, Currency: "usd", Active: true},
		{PriceID: "price_pro_1000", PackageID: "pro", Credits: 1000, AmountCents: 2000, Currency: "usd", Active: true},
		{PriceID: "price_power_3000", PackageID: "power", Credits: 3000, AmountCents: 5000, Currency: "usd", Active: true},
	}
}

func openStore(ctx context.Context, dsn string) (persistence, func(), error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return openPostgres(ctx, dsn)
	}
	return openSQLite(ctx, dsn)
}

func openPostgres(ctx context.Context, dsn string) (persistence, func(), error) {
	if err := migrations.Apply(dsn); err != nil {
		return nil, nil, fmt.Errorf("apply migrations: %w", err)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return pgstore.New(pool), pool.Close, nil
}

func openSQLite(ctx context.Context, dsn string) (persistence, func(), error) {
	path, err := sqlitePath(dsn)
	if err != nil {
		return nil, nil, err
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, nil, err
	}
	if err := gormstore.AutoMigrate(db); err != nil {
		return nil, nil, fmt.Errorf("auto migrate: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() { _ = sqlDB.Close() }
	return gormstore.New(db.WithContext(ctx)), cleanup, nil
}

func sqlitePath(dsn string) (string, error) {
	path := dsn
	if strings.HasPrefix(dsn, "sqlite://") {
		parsed, err := url.Parse(dsn)
		if err != nil {
			return "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path = parsed.Path
		if path == "" {
			path = parsed.Host
		}
	}
	if path == "" || path == "/" {
		path = "creditledger.db"
	}
	if path == ":memory:" {
		return path, nil
	}
	if err := os.MkdirAll(filepath.Dir(filepath.Join(".", path)), 0o755); err != nil {
		return "", err
	}
	return path, nil
}
