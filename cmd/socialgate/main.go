// Package main is the entry point for the socialgate service.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"github.com/carlossalguero/socialgate/internal/httpapi"
	"github.com/carlossalguero/socialgate/internal/identity"
	"github.com/carlossalguero/socialgate/internal/provider"
	"github.com/carlossalguero/socialgate/internal/session"
	"github.com/carlossalguero/socialgate/internal/shared/cache"
	"github.com/carlossalguero/socialgate/internal/shared/events"
	"github.com/carlossalguero/socialgate/internal/shared/health"
	"github.com/carlossalguero/socialgate/internal/shared/logger"
	"github.com/carlossalguero/socialgate/internal/shared/metrics"
	"github.com/carlossalguero/socialgate/internal/shared/tracing"
	"github.com/carlossalguero/socialgate/internal/store"
)

// Config holds the service configuration.
type Config struct {
	HTTP httpapi.Config `mapstructure:"http"`

	Database struct {
		Host            string        `mapstructure:"host"`
		Port            int           `mapstructure:"port"`
		User            string        `mapstructure:"user"`
		Password        string        `mapstructure:"password"`
		Name            string        `mapstructure:"name"`
		SSLMode         string        `mapstructure:"ssl_mode"`
		MaxOpenConns    int           `mapstructure:"max_open_conns"`
		MaxIdleConns    int           `mapstructure:"max_idle_conns"`
		ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
		Migrate         bool          `mapstructure:"migrate"`
	} `mapstructure:"database"`

	Redis cache.Config  `mapstructure:"redis"`
	NATS  events.Config `mapstructure:"nats"`

	Session struct {
		Secret string        `mapstructure:"secret"`
		TTL    time.Duration `mapstructure:"ttl"`
		Secure bool          `mapstructure:"secure_cookie"`
	} `mapstructure:"session"`

	Flow struct {
		TTL time.Duration `mapstructure:"ttl"`
	} `mapstructure:"flow"`

	Avatar identity.AvatarConfig `mapstructure:"avatar"`

	Providers struct {
		// CallbackBase is the externally reachable base URL; each
		// provider calls back to <callback_base>/login/<name>.
		CallbackBase string `mapstructure:"callback_base"`
		// ReloadSchedule is a cron expression for reloading provider
		// credentials from the database.
		ReloadSchedule string `mapstructure:"reload_schedule"`
	} `mapstructure:"providers"`

	Tracing tracing.Config `mapstructure:"tracing"`

	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		ServiceName: "socialgate",
		Environment: os.Getenv("ENVIRONMENT"),
	})

	log := logger.Default()
	log.Info("starting socialgate service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Tracing
	if cfg.Tracing.Enabled {
		_, cleanup, err := tracing.Init(cfg.Tracing)
		if err != nil {
			log.Warn("tracing disabled", "error", err)
		} else {
			defer func() {
				cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cleanupCancel()
				_ = cleanup(cleanupCtx)
			}()
		}
	}

	// Database
	dbPool, err := initDatabase(ctx, cfg)
	if err != nil {
		log.Error("failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer dbPool.Close()

	if cfg.Database.Migrate {
		if err := store.Migrate(ctx, dbPool); err != nil {
			log.Error("failed to run migrations", "error", err)
			os.Exit(1)
		}
	}

	accounts := store.NewPostgres(dbPool)

	// Redis
	redisClient, err := cache.New(cfg.Redis)
	if err != nil {
		log.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()

	// NATS is optional: login flows work without events.
	var eventsClient *events.Client
	if cfg.NATS.URL != "" {
		eventsClient, err = events.New(cfg.NATS)
		if err != nil {
			log.Warn("events disabled", "error", err)
			eventsClient = nil
		} else {
			defer eventsClient.Close()
		}
	}

	m := metrics.New(metrics.Config{ServiceName: "socialgate"})

	// Sessions
	tokens, err := session.NewTokenManager(session.TokenConfig{
		Secret: cfg.Session.Secret,
		TTL:    cfg.Session.TTL,
		Issuer: "socialgate",
	})
	if err != nil {
		log.Error("failed to initialize session tokens", "error", err)
		os.Exit(1)
	}

	sessions := session.NewManager(redisClient, tokens, session.Config{
		TTL:    cfg.Session.TTL,
		Secure: cfg.Session.Secure,
	})
	flows := session.NewFlowStore(redisClient, cfg.Flow.TTL)

	// Avatars
	avatars, err := identity.NewAvatarFetcher(cfg.Avatar)
	if err != nil {
		log.Error("failed to initialize avatar storage", "error", err)
		os.Exit(1)
	}

	// Providers, reloaded from stored credentials on a schedule so
	// credential rotations apply without a restart.
	registry := provider.NewRegistry()
	reloadProviders(ctx, registry, accounts, cfg.Providers.CallbackBase, log)

	scheduler := cron.New()
	if cfg.Providers.ReloadSchedule != "" {
		_, err := scheduler.AddFunc(cfg.Providers.ReloadSchedule, func() {
			reloadProviders(ctx, registry, accounts, cfg.Providers.CallbackBase, log)
		})
		if err != nil {
			log.Error("invalid provider reload schedule", "error", err)
			os.Exit(1)
		}
		scheduler.Start()
		defer scheduler.Stop()
	}

	linkerCfg := identity.Config{
		Store:    accounts,
		Sessions: sessions,
		Avatars:  avatars,
		Metrics:  m,
		Logger:   log,
	}
	if eventsClient != nil {
		linkerCfg.Events = eventsClient
	}
	linker := identity.New(linkerCfg)

	// Health
	checker := health.NewChecker(
		health.WithVersion(version()),
		health.WithTimeout(5*time.Second),
	)
	checker.Register("database", health.PostgresCheck(dbPool.Ping))
	checker.Register("redis", health.RedisCheck(redisClient.Ping))
	if eventsClient != nil {
		checker.Register("events", health.NATSCheck(eventsClient.IsConnected))
	}

	server := httpapi.New(cfg.HTTP, registry, linker, sessions, flows, accounts, checker, m, log)

	go func() {
		if err := server.Start(); err != nil {
			log.Error("http server error", "error", err)
			cancel()
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-ctx.Done():
	}

	log.Info("shutting down...")

	shutdownTimeout := cfg.HTTP.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", "error", err)
	}

	log.Info("stopped")
}

// reloadProviders rebuilds the registry from stored credentials.
// Failures keep the previous configuration in place.
func reloadProviders(ctx context.Context, registry *provider.Registry, creds store.Credentials, callbackBase string, log *logger.Logger) {
	list, err := creds.ListProviderCredentials(ctx)
	if err != nil {
		log.Warn("loading provider credentials failed", "error", err)
		return
	}

	registry.Configure(list, callbackBase)
	log.Info("providers configured", "providers", registry.Names())
}

func initDatabase(ctx context.Context, cfg *Config) (*pgxpool.Pool, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Database.Host,
		cfg.Database.Port,
		cfg.Database.User,
		cfg.Database.Password,
		cfg.Database.Name,
		cfg.Database.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.Database.MaxOpenConns)
	poolConfig.MinConns = int32(cfg.Database.MaxIdleConns)
	poolConfig.MaxConnLifetime = cfg.Database.ConnMaxLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return pool, nil
}

func loadConfig() (*Config, error) {
	viper.SetConfigName("socialgate")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath("/etc/socialgate")

	viper.SetDefault("http.addr", "0.0.0.0:8080")
	viper.SetDefault("http.read_timeout", "10s")
	viper.SetDefault("http.write_timeout", "30s")
	viper.SetDefault("http.shutdown_timeout", "30s")
	viper.SetDefault("http.login_rate_per_second", 5)
	viper.SetDefault("http.login_burst", 10)
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.user", "socialgate")
	viper.SetDefault("database.password", "socialgate_secret")
	viper.SetDefault("database.name", "socialgate")
	viper.SetDefault("database.ssl_mode", "disable")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.conn_max_lifetime", "5m")
	viper.SetDefault("database.migrate", true)
	viper.SetDefault("redis.address", "localhost:6379")
	viper.SetDefault("redis.key_prefix", "socialgate:")
	viper.SetDefault("nats.url", "")
	viper.SetDefault("session.ttl", "24h")
	viper.SetDefault("session.secure_cookie", false)
	viper.SetDefault("flow.ttl", "10m")
	viper.SetDefault("avatar.dir", "./data/avatars")
	viper.SetDefault("avatar.timeout", "10s")
	viper.SetDefault("providers.callback_base", "http://localhost:8080")
	viper.SetDefault("providers.reload_schedule", "@every 5m")
	viper.SetDefault("tracing.enabled", false)
	viper.SetDefault("tracing.service_name", "socialgate")
	viper.SetDefault("tracing.endpoint", "localhost:4317")
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "json")

	viper.SetEnvPrefix("SOCIALGATE")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	return &cfg, nil
}

func version() string {
	if v := os.Getenv("VERSION"); v != "" {
		return v
	}
	return "dev"
}
