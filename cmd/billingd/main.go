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
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/narau/billing/internal/httpserver"
	"github.com/narau/billing/internal/scheduler"
	"github.com/narau/billing/internal/store/gormstore"
	"github.com/narau/billing/pkg/billing"
)

const (
	flagDatabaseURL     = "database-url"
	flagListenAddr      = "listen-addr"
	flagJWTSigningKey   = "jwt-signing-key"
	flagJWTIssuer       = "jwt-issuer"
	flagAllowedOrigins  = "allowed-origins"
	flagTokenTTL        = "token-ttl-seconds"
	flagWorkerEnabled   = "worker-enabled"
	flagWorkerInterval  = "worker-poll-interval"
	flagWorkerBatch     = "worker-batch-size"
	flagWorkerParallel  = "worker-parallelism"
	flagWorkerClaimTTL  = "worker-claim-timeout"
	flagRewardPercent   = "reward-first-level-percent"
	flagRewardDivisor   = "reward-level-denominator"
	flagRewardMinimum   = "reward-minimum-payout"
	flagRewardMaxDepth  = "reward-max-depth"
	defaultDatabaseURL  = "sqlite:///tmp/billing.db"
	defaultListenAddr   = ":8080"
	defaultTokenTTL     = int64(300)
	defaultJWTIssuer    = "billing"
	defaultPollInterval = 15 * time.Second
	defaultClaimTimeout = 5 * time.Minute
)

type runtimeConfig struct {
	DatabaseURL    string
	ListenAddr     string
	JWTSigningKey  string
	JWTIssuer      string
	AllowedOrigins []string
	TokenTTL       int64
	WorkerEnabled  bool
	WorkerInterval time.Duration
	WorkerBatch    int
	WorkerParallel int
	WorkerClaimTTL time.Duration
	RewardPercent  int64
	RewardDivisor  int64
	RewardMinimum  int64
	RewardMaxDepth int
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "billingd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "billingd",
		Short:         "Balance and billing engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL URL or sqlite path")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().String(flagJWTSigningKey, "", "HS256 key verifying API bearer tokens")
	cmd.Flags().String(flagJWTIssuer, defaultJWTIssuer, "expected JWT issuer")
	cmd.Flags().StringSlice(flagAllowedOrigins, nil, "CORS allowed origins")
	cmd.Flags().Int64(flagTokenTTL, defaultTokenTTL, "authorization token lifetime in seconds")
	cmd.Flags().Bool(flagWorkerEnabled, true, "run the scheduled-send worker")
	cmd.Flags().Duration(flagWorkerInterval, defaultPollInterval, "worker poll interval")
	cmd.Flags().Int(flagWorkerBatch, 50, "worker batch size per pass")
	cmd.Flags().Int(flagWorkerParallel, 4, "concurrent sends per pass")
	cmd.Flags().Duration(flagWorkerClaimTTL, defaultClaimTimeout, "claim age before the reaper requeues")
	cmd.Flags().Int64(flagRewardPercent, 0, "first-level referral percent, 0 disables rewards")
	cmd.Flags().Int64(flagRewardDivisor, 20, "per-level referral denominator")
	cmd.Flags().Int64(flagRewardMinimum, 10, "minimum referral payout in minor units")
	cmd.Flags().Int(flagRewardMaxDepth, 10, "maximum referral chain depth")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := map[string]string{
		flagDatabaseURL:   "DATABASE_URL",
		flagListenAddr:    "LISTEN_ADDR",
		flagJWTSigningKey: "JWT_SIGNING_KEY",
		flagJWTIssuer:     "JWT_ISSUER",
	}
	for flagName, envName := range bindings {
		configKey := strings.ReplaceAll(flagName, "-", "_")
		if err := viper.BindEnv(configKey, envName); err != nil {
			return err
		}
		if err := viper.BindPFlag(configKey, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString("database_url")
	cfg.ListenAddr = viper.GetString("listen_addr")
	cfg.JWTSigningKey = viper.GetString("jwt_signing_key")
	cfg.JWTIssuer = viper.GetString("jwt_issuer")
	cfg.AllowedOrigins, _ = cmd.Flags().GetStringSlice(flagAllowedOrigins)
	cfg.TokenTTL, _ = cmd.Flags().GetInt64(flagTokenTTL)
	cfg.WorkerEnabled, _ = cmd.Flags().GetBool(flagWorkerEnabled)
	cfg.WorkerInterval, _ = cmd.Flags().GetDuration(flagWorkerInterval)
	cfg.WorkerBatch, _ = cmd.Flags().GetInt(flagWorkerBatch)
	cfg.WorkerParallel, _ = cmd.Flags().GetInt(flagWorkerParallel)
	cfg.WorkerClaimTTL, _ = cmd.Flags().GetDuration(flagWorkerClaimTTL)
	cfg.RewardPercent, _ = cmd.Flags().GetInt64(flagRewardPercent)
	cfg.RewardDivisor, _ = cmd.Flags().GetInt64(flagRewardDivisor)
	cfg.RewardMinimum, _ = cmd.Flags().GetInt64(flagRewardMinimum)
	cfg.RewardMaxDepth, _ = cmd.Flags().GetInt(flagRewardMaxDepth)

	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	if cfg.JWTSigningKey == "" {
		return fmt.Errorf("jwt signing key is required")
	}
	return nil
}

func run(ctx context.Context, cfg *runtimeConfig) error {
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

	clock := func() int64 { return time.Now().UTC().Unix() }
	serviceOptions := []billing.ServiceOption{
		billing.WithTokenTTL(cfg.TokenTTL),
		billing.WithOperationLogger(billing.NewZapOperationLogger(logger)),
	}
	if cfg.RewardPercent > 0 {
		serviceOptions = append(serviceOptions, billing.WithRewardPolicy(billing.RewardPolicy{
			FirstLevelPercent: cfg.RewardPercent,
			LevelDenominator:  cfg.RewardDivisor,
			MinimumPayout:     billing.Amount(cfg.RewardMinimum),
			MaxDepth:          cfg.RewardMaxDepth,
		}))
	}
	service, err := billing.NewService(store, clock, serviceOptions...)
	if err != nil {
		return fmt.Errorf("billing service init: %w", err)
	}

	server, err := httpserver.New(service, store, logger, httpserver.Config{
		ListenAddr:     cfg.ListenAddr,
		AllowedOrigins: cfg.AllowedOrigins,
		JWTSigningKey:  cfg.JWTSigningKey,
		JWTIssuer:      cfg.JWTIssuer,
	})
	if err != nil {
		return fmt.Errorf("http server init: %w", err)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return server.Run(groupCtx) })

	if cfg.WorkerEnabled {
		worker, err := scheduler.New(store, service, loggingSender{logger: logger}, logger, scheduler.Config{
			PollInterval: cfg.WorkerInterval,
			BatchSize:    cfg.WorkerBatch,
			Parallelism:  cfg.WorkerParallel,
			ClaimTimeout: cfg.WorkerClaimTTL,
		})
		if err != nil {
			return fmt.Errorf("scheduler init: %w", err)
		}
		group.Go(func() error {
			err := worker.Run(groupCtx)
			if err == context.Canceled {
				return nil
			}
			return err
		})
	}

	return group.Wait()
}

// loggingSender is the stand-in delivery backend: it reports every recipient
// as delivered. Wire a real provider adapter here for production.
type loggingSender struct {
	logger *zap.Logger
}

func (sender loggingSender) Send(ctx context.Context, send billing.ScheduledSend) (int, error) {
	sender.logger.Info("dispatching scheduled send",
		zap.String("send_id", send.ID),
		zap.String("channel", send.Channel.String()),
		zap.Int("recipients", send.RecipientCount))
	return send.RecipientCount, nil
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	gormConfig := &gorm.Config{}
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), gormConfig)
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), gormConfig)
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
		parsed, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := parsed.Path
		if path == "" {
			path = parsed.Host
		}
		if path == "" || path == "/" {
			path = "billing.db"
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
