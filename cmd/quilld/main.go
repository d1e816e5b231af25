// quilld is the data-assistant daemon: it answers questions about the
// user's data by running an LLM reasoning loop over warehouse tools.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/dataquill/quill-agent/examples"
	"github.com/dataquill/quill-agent/internal/agent"
	"github.com/dataquill/quill-agent/internal/api"
	"github.com/dataquill/quill-agent/internal/buildinfo"
	"github.com/dataquill/quill-agent/internal/cache"
	"github.com/dataquill/quill-agent/internal/config"
	"github.com/dataquill/quill-agent/internal/llm"
	"github.com/dataquill/quill-agent/internal/quota"
	"github.com/dataquill/quill-agent/internal/session"
	"github.com/dataquill/quill-agent/internal/tools"
	"github.com/dataquill/quill-agent/internal/usage"
	"github.com/dataquill/quill-agent/internal/warehouse"
	"github.com/dataquill/quill-agent/internal/window"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	initConfig := flag.Bool("init", false, "write an example config.yaml and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(buildinfo.String())
		return
	}
	if *initConfig {
		if err := writeExampleConfig("config.yaml"); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println("wrote config.yaml")
		return
	}

	// .env is optional; deployed environments set variables directly.
	_ = godotenv.Load()

	path, err := config.FindConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config %s: %v\n", path, err)
		os.Exit(1)
	}

	logger := config.NewLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	logger.Info("starting", "build", buildinfo.String(), "config", path)

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	sessions, err := session.NewStore(filepath.Join(cfg.DataDir, "sessions.db"))
	if err != nil {
		return err
	}
	defer sessions.Close()

	usageStore, err := usage.NewStore(filepath.Join(cfg.DataDir, "usage.db"))
	if err != nil {
		return err
	}
	defer usageStore.Close()

	enforcer, err := quota.NewEnforcer(filepath.Join(cfg.DataDir, "quota.db"), quota.Config{
		Period:       quota.Period(cfg.Quota.Period),
		DefaultLimit: cfg.Quota.DefaultLimit,
		Limits:       cfg.Quota.Limits,
	}, logger)
	if err != nil {
		return err
	}
	defer enforcer.Close()

	cacheStore, err := openCache(cfg, logger)
	if err != nil {
		return err
	}
	defer cacheStore.Close()

	if cfg.Warehouse.Path == "" {
		return fmt.Errorf("warehouse.path is required")
	}
	wh, err := warehouse.NewSQLiteBackend(cfg.Warehouse.Path, cfg.Warehouse.MaxRows)
	if err != nil {
		return err
	}
	defer wh.Close()

	registry := tools.NewRegistry(tools.DuplicateOverwrite, logger)
	if err := tools.RegisterDataTools(registry, wh, cfg.Warehouse.MaxCells); err != nil {
		return fmt.Errorf("register tools: %w", err)
	}
	logger.Info("tools registered", "count", registry.Len(), "names", registry.Names())

	ollama := llm.NewOllamaClient(cfg.Models.OllamaURL, cfg.Agent.MaxTokens)
	client := llm.NewMultiClient(ollama)
	if cfg.Anthropic.APIKey != "" {
		client.AddProvider(llm.ProviderAnthropic,
			llm.NewAnthropicClient(cfg.Anthropic.APIKey, cfg.Agent.MaxTokens, logger))
		logger.Info("anthropic provider enabled")
	}

	engine := agent.NewEngine(agent.Options{
		LLM:      client,
		Registry: registry,
		Sessions: sessions,
		Window: window.New(window.Config{
			MaxTurns:        cfg.Window.MaxTurns,
			KeepRecent:      cfg.Window.KeepRecent,
			MaxMessageChars: cfg.Window.MaxMessageChars,
		}, logger),
		Quota: enforcer,
		Cache: cacheStore,
		Usage: usage.NewRecorder(usageStore, enforcer, cfg.Pricing, logger),
		Config: agent.Config{
			Model:         cfg.Models.Default,
			MaxIterations: cfg.Agent.MaxIterations,
			MaxTokens:     cfg.Agent.MaxTokens,
			CacheTTL:      time.Duration(cfg.Cache.TTLMinutes) * time.Minute,
		},
		Logger: logger,
	})

	server := api.NewServer(api.Config{
		Listen:         fmt.Sprintf("%s:%d", cfg.Listen.Address, cfg.Listen.Port),
		RequestTimeout: time.Duration(cfg.Agent.RequestTimeoutSec) * time.Second,
	}, engine, usageStore, registry, client, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go sweepLoop(ctx, cacheStore, time.Duration(cfg.Cache.SweepIntervalMin)*time.Minute, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

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

// writeExampleConfig writes the embedded example config, refusing to
// overwrite an existing file.
func writeExampleConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	return os.WriteFile(path, examples.ConfigYAML, 0o644)
}

// openCache builds the configured response cache backend.
func openCache(cfg *config.Config, logger *slog.Logger) (cache.Store, error) {
	switch cfg.Cache.Backend {
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Cache.RedisAddr,
			Password: cfg.Cache.RedisPassword,
			DB:       cfg.Cache.RedisDB,
		})
		logger.Info("cache backend", "backend", "redis", "addr", cfg.Cache.RedisAddr)
		return cache.NewRedisStore(rdb, "quill:cache:"), nil
	default:
		store, err := cache.NewSQLiteStore(filepath.Join(cfg.DataDir, "cache.db"))
		if err != nil {
			return nil, err
		}
		logger.Info("cache backend", "backend", "sqlite")
		return store, nil
	}
}

// sweepLoop periodically removes expired cache entries.
func sweepLoop(ctx context.Context, store cache.Store, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.Sweep(ctx)
			if err != nil {
				logger.Warn("cache sweep failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Debug("cache sweep", "removed", n)
			}
		}
	}
}
