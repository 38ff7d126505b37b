package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/relaymeter/relaymeter-gateway/internal/adapter"
	adapteranthropic "github.com/relaymeter/relaymeter-gateway/internal/adapter/anthropic"
	"github.com/relaymeter/relaymeter-gateway/internal/adapter/loopback"
	adapteropenai "github.com/relaymeter/relaymeter-gateway/internal/adapter/openai"
	"github.com/relaymeter/relaymeter-gateway/internal/config"
	"github.com/relaymeter/relaymeter-gateway/internal/credential"
	credpostgres "github.com/relaymeter/relaymeter-gateway/internal/credential/postgres"
	credsqlite "github.com/relaymeter/relaymeter-gateway/internal/credential/sqlite"
	"github.com/relaymeter/relaymeter-gateway/internal/health"
	"github.com/relaymeter/relaymeter-gateway/internal/httpserver"
	"github.com/relaymeter/relaymeter-gateway/internal/ledger"
	ledgerpostgres "github.com/relaymeter/relaymeter-gateway/internal/ledger/postgres"
	ledgersqlite "github.com/relaymeter/relaymeter-gateway/internal/ledger/sqlite"
	"github.com/relaymeter/relaymeter-gateway/internal/logging"
	"github.com/relaymeter/relaymeter-gateway/internal/metrics"
	"github.com/relaymeter/relaymeter-gateway/internal/pipeline"
	"github.com/relaymeter/relaymeter-gateway/internal/pricing"
	"github.com/relaymeter/relaymeter-gateway/internal/ratelimit"
	"github.com/relaymeter/relaymeter-gateway/internal/routing"
	routingpostgres "github.com/relaymeter/relaymeter-gateway/internal/routing/postgres"
	"github.com/relaymeter/relaymeter-gateway/internal/vault"
	"github.com/relaymeter/relaymeter-gateway/internal/version"
)

func main() {
	configPath := flag.String("config", "gateway.yaml", "path to the gateway config file")
	flag.Parse()

	// .env is a developer convenience; absence is not an error.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logs, err := logging.New(cfg.Logging.File, cfg.Logging.MaxBytes, cfg.Logging.KeepDays)
	if err != nil {
		log.Fatalf("init logging: %v", err)
	}
	defer logs.Close()
	logger := logs.Logger("gatewayd")
	logger.Printf("starting %s", version.FullInfo())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Master key and vault.
	masterKey, err := vault.LoadKey(ctx, cfg.MasterKeyRef, cfg.VaultServer)
	if err != nil {
		logger.Fatalf("load master key: %v", err)
	}
	vlt, err := vault.New(masterKey)
	if err != nil {
		logger.Fatalf("init vault: %v", err)
	}
	for i := range masterKey {
		masterKey[i] = 0
	}

	// Stores.
	var (
		ledgerStore ledger.Store
		credStore   credential.Store
	)
	switch cfg.Database.Driver {
	case "postgres":
		ledgerStore, err = ledgerpostgres.New(cfg.Database.DSN, 10, 5, time.Hour)
		if err != nil {
			logger.Fatalf("open ledger store: %v", err)
		}
		credStore, err = credpostgres.Open(cfg.Database.DSN)
		if err != nil {
			logger.Fatalf("open credential store: %v", err)
		}
	default:
		if err := os.MkdirAll(cfg.Database.Path, 0o755); err != nil {
			logger.Fatalf("create data dir: %v", err)
		}
		ledgerStore, err = ledgersqlite.New(filepath.Join(cfg.Database.Path, "ledger.db"))
		if err != nil {
			logger.Fatalf("open ledger store: %v", err)
		}
		credStore, err = credsqlite.Open(filepath.Join(cfg.Database.Path, "credentials.db"))
		if err != nil {
			logger.Fatalf("open credential store: %v", err)
		}
	}
	defer ledgerStore.Close()
	defer credStore.Close()

	// Provider adapters.
	registry := adapter.NewRegistry()
	for name, p := range cfg.Providers {
		var a adapter.Adapter
		switch name {
		case "openai":
			a = adapteropenai.New(adapteropenai.Config{
				BaseURL:        p.BaseURL,
				Organization:   p.Organization,
				RequestTimeout: cfg.AttemptTimeout,
			})
		case "anthropic":
			a = adapteranthropic.New(adapteranthropic.Config{
				BaseURL:        p.BaseURL,
				Version:        p.Version,
				RequestTimeout: cfg.AttemptTimeout,
			})
		case "loopback":
			a = loopback.New()
		default:
			logger.Fatalf("unknown provider %q in config", name)
		}
		if err := registry.Register(a); err != nil {
			logger.Fatalf("register provider %q: %v", name, err)
		}
	}

	mset := metrics.New()
	platformKeys := cfg.PlatformKeys()

	// Health monitor probes each provider with its platform key.
	monitor := health.New(health.Config{
		Probe: func(ctx context.Context, provider string) error {
			a, ok := registry.Get(provider)
			if !ok {
				return nil
			}
			_, err := a.ListModels(ctx, platformKeys[provider])
			return err
		},
		Interval:      cfg.Health.Interval,
		Timeout:       cfg.Health.Timeout,
		SlowThreshold: cfg.Health.SlowThreshold,
		FlipThreshold: cfg.Health.FlipThreshold,
		WindowSize:    cfg.Health.WindowSize,
		Logger:        logs.Logger("health"),
		OnChange:      mset.ProviderStatus,
	})
	for _, name := range registry.Names() {
		monitor.Register(name)
	}
	monitor.Start(ctx)

	// Routing rules.
	var rules *routing.RuleSet
	if cfg.RulesFromDB {
		ruleStore, err := routingpostgres.Open(cfg.Database.DSN)
		if err != nil {
			logger.Fatalf("open routing store: %v", err)
		}
		defer ruleStore.Close()
		rules, err = ruleStore.Load(ctx, cfg.ProviderNames())
		if err != nil {
			logger.Fatalf("load routing rules: %v", err)
		}
	} else {
		rules, err = cfg.LoadRules()
		if err != nil {
			logger.Fatalf("load routing rules: %v", err)
		}
	}

	// Shared Redis client, when configured: balance cache and rate limit
	// buckets live in the same database.
	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
	}

	// Ledger with balance cache.
	var cache ledger.BalanceCache
	if redisClient != nil {
		cache = ledger.NewRedisBalanceCache(redisClient, cfg.Ledger.CacheTTL)
	} else {
		cache = ledger.NewMemoryBalanceCache(cfg.Ledger.CacheTTL)
	}
	allocations := make(map[string]decimal.Decimal, len(cfg.Ledger.Allocations))
	for tier, amount := range cfg.Ledger.Allocations {
		allocations[tier], err = decimal.NewFromString(amount)
		if err != nil {
			logger.Fatalf("parse allocation for tier %q: %v", tier, err)
		}
	}
	led, err := ledger.New(ledger.Config{
		Store:       ledgerStore,
		Cache:       cache,
		CacheStats:  mset,
		Allocations: allocations,
		DefaultTier: cfg.Ledger.DefaultTier,
		Logger:      logs.Logger("ledger"),
	})
	if err != nil {
		logger.Fatalf("init ledger: %v", err)
	}
	scheduler := ledger.NewResetScheduler(led, cfg.Ledger.ResetCheckInterval)
	scheduler.Start(ctx)
	defer scheduler.Stop()

	// Credential directory.
	directory, err := credential.NewDirectory(credential.Config{
		Store:        credStore,
		Vault:        vlt,
		Validator:    adapter.NewKeyChecker(registry),
		AllowedTiers: cfg.Ledger.ByokTiers,
		Logger:       logs.Logger("credential"),
	})
	if err != nil {
		logger.Fatalf("init credential directory: %v", err)
	}

	priceTable, err := pricing.NewTable(cfg.Pricing)
	if err != nil {
		logger.Fatalf("init pricing table: %v", err)
	}

	engine := routing.NewEngine(rules, directory, monitor, logs.Logger("routing"))

	pipe, err := pipeline.New(pipeline.Config{
		Router:         engine,
		Registry:       registry,
		Credentials:    directory,
		Ledger:         led,
		Pricing:        priceTable,
		PlatformKeys:   platformKeys,
		AttemptTimeout: cfg.AttemptTimeout,
		Logger:         logs.Logger("pipeline"),
		Observer:       mset,
	})
	if err != nil {
		logger.Fatalf("init pipeline: %v", err)
	}

	var throttle httpserver.Throttle
	if cfg.RateLimit.Enabled {
		var limitStore ratelimit.Store
		if redisClient != nil {
			limitStore = ratelimit.NewRedisStore(redisClient, "ratelimit")
		} else {
			store := ratelimit.NewMemoryStore(10 * time.Minute)
			defer store.Close()
			limitStore = store
		}
		tierLimits := make(map[string]ratelimit.Limit, len(cfg.RateLimit.Tiers))
		for tier, l := range cfg.RateLimit.Tiers {
			tierLimits[tier] = ratelimit.Limit{PerSecond: l.PerSecond, Burst: l.Burst}
		}
		throttle = ratelimit.New(limitStore,
			ratelimit.Limit{PerSecond: cfg.RateLimit.PerSecond, Burst: cfg.RateLimit.Burst},
			tierLimits, logs.Logger("ratelimit"))
	}

	server := httpserver.New(httpserver.Config{
		Listen:      cfg.Listen,
		Pipeline:    pipe,
		Credentials: directory,
		Accounts:    led,
		Health:      monitor,
		Models:      rules,
		Throttle:    throttle,
		Metrics:     mset.Handler(),
		Logger:      logs.Logger("httpserver"),
	})

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case <-ctx.Done():
		logger.Printf("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Fatalf("http server: %v", err)
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Printf("graceful shutdown failed: %v", err)
	}
	monitor.Wait()
	logger.Printf("stopped")
}
