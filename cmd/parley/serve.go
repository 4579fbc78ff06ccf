package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/parley/internal/auth"
	"github.com/ashita-ai/parley/internal/broker"
	"github.com/ashita-ai/parley/internal/config"
	"github.com/ashita-ai/parley/internal/janitor"
	"github.com/ashita-ai/parley/internal/mcp"
	"github.com/ashita-ai/parley/internal/model"
	"github.com/ashita-ai/parley/internal/quota"
	"github.com/ashita-ai/parley/internal/ratelimit"
	"github.com/ashita-ai/parley/internal/registry"
	"github.com/ashita-ai/parley/internal/server"
	"github.com/ashita-ai/parley/internal/service/chat"
	"github.com/ashita-ai/parley/internal/service/dispatch"
	"github.com/ashita-ai/parley/internal/service/runs"
	"github.com/ashita-ai/parley/internal/storage"
	"github.com/ashita-ai/parley/internal/storage/memory"
	"github.com/ashita-ai/parley/internal/telemetry"
	"github.com/ashita-ai/parley/internal/tools"
	"github.com/ashita-ai/parley/migrations"
)

func buildServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, event streams and MCP endpoint",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return serve(ctx, cfg, logger)
		},
	}
}

// openStore connects the configured store. Postgres is migrated on open.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (storage.Store, func(), error) {
	if cfg.Store == config.StoreMemory {
		logger.Warn("store: in-memory (state is lost on restart)")
		return memory.New(), func() {}, nil
	}
	db, err := storage.New(ctx, cfg.DatabaseURL, int32(cfg.MaxDBConns), logger) //nolint:gosec // validated small positive
	if err != nil {
		return nil, nil, fmt.Errorf("storage: %w", err)
	}
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		db.Close(ctx)
		return nil, nil, fmt.Errorf("migrations: %w", err)
	}
	return db, func() { db.Close(context.Background()) }, nil
}

// openQuotaCounter picks the usage counter backend.
func openQuotaCounter(ctx context.Context, cfg config.Config, store storage.Store, logger *slog.Logger) (quota.Counter, func(), error) {
	switch cfg.QuotaBackend {
	case config.StoreRedis:
		rc, err := quota.NewRedisCounter(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("quota: %w", err)
		}
		logger.Info("quota: redis counters")
		return rc, func() { _ = rc.Close() }, nil
	case config.StoreMemory:
		if cfg.Store != config.StoreMemory {
			logger.Warn("quota: in-memory counters (usage resets on restart)")
			return memory.New(), func() {}, nil
		}
	}
	return store, func() {}, nil
}

func quotaConfig(cfg config.Config) quota.Config {
	qc := quota.DefaultConfig()
	qc.Tiers[model.TierFree] = quota.Limits{Tasks: cfg.FreeTaskLimit, Tokens: cfg.FreeTokenBudget}
	qc.Tiers[model.TierPaid] = quota.Limits{Tasks: cfg.PaidTaskLimit, Tokens: cfg.PaidTokenBudget}
	qc.DefaultTier = cfg.DefaultTier
	return qc
}

func serve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	logger.Info("parley starting", "version", version, "port", cfg.Port, "store", cfg.Store)

	otelShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Endpoint:    cfg.OTELEndpoint,
		Insecure:    cfg.OTELInsecure,
		ServiceName: cfg.ServiceName,
		Version:     version,
		SampleRatio: cfg.OTELSampleRatio,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	counter, closeCounter, err := openQuotaCounter(ctx, cfg, store, logger)
	if err != nil {
		return err
	}
	defer closeCounter()

	reg, err := registry.Default()
	if err != nil {
		return fmt.Errorf("registry: %w", err)
	}
	toolSet, err := tools.Default(tools.Config{
		ArtifactsDir: cfg.ArtifactsDir,
		ChromeURL:    cfg.ChromeURL,
		Timeout:      cfg.ToolTimeout,
		MaxDownload:  cfg.MaxDownloadBytes,
		SMTPAddr:     cfg.SMTPAddr,
		SMTPFrom:     cfg.SMTPFrom,
	}, store, logger)
	if err != nil {
		return fmt.Errorf("tools: %w", err)
	}

	runSvc := runs.New(store, reg, logger)
	events := broker.New(cfg.StreamQueueSize, logger)
	guard := quota.New(counter, quotaConfig(cfg), logger)
	disp := dispatch.New(runSvc, reg, toolSet, guard, events, cfg.DispatchConcurrency, logger)
	chatSvc := chat.New(chat.Deps{
		Conversations: store,
		Files:         store,
		Runs:          runSvc,
		Dispatcher:    disp,
		Quota:         guard,
		Registry:      reg,
		Publisher:     events,
		Logger:        logger,
		TokenDelay:    cfg.TokenDelay,
	})

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	var demo *auth.DemoToken
	if cfg.AuthDemo {
		if demo, err = auth.NewDemoToken(cfg.DemoToken, cfg.DefaultTier); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
		logger.Warn("auth: demo token enabled", "user_id", auth.DemoUserID, "tier", cfg.DefaultTier)
	}

	var limiter ratelimit.Limiter = ratelimit.NoopLimiter{}
	if cfg.RateLimitEnabled {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst).
			WithClass(string(model.TierPaid), ratelimit.Rule{RPS: cfg.RateLimitPaidRPS, Burst: cfg.RateLimitPaidBurst})
		logger.Info("rate limiting: per-user token buckets",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst,
			"paid_rps", cfg.RateLimitPaidRPS, "paid_burst", cfg.RateLimitPaidBurst)
	} else {
		logger.Info("rate limiting: disabled")
	}
	defer func() { _ = limiter.Close() }()

	mcpSrv := mcp.New(chatSvc, runSvc, reg, logger, version)

	jan, err := janitor.New(runSvc, store, events, janitor.Config{
		Schedule:       cfg.JanitorSchedule,
		PendingTTL:     cfg.PendingTTL,
		IdempotencyTTL: cfg.IdempotencyTTL,
	}, logger)
	if err != nil {
		return err
	}
	jan.Start()

	srv := server.New(server.ServerConfig{
		Store:               store,
		Auth:                auth.NewAuthenticator(jwtMgr, demo),
		Chat:                chatSvc,
		Runs:                runSvc,
		Broker:              events,
		Usage:               guard,
		Catalog:             reg,
		Logger:              logger,
		Limiter:             limiter,
		MCPServer:           mcpSrv.MCPServer(),
		Dispatcher:          disp,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		StoreName:           cfg.Store,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("parley shutting down")

		// Stop taking requests first so no new runs are submitted, then let
		// in-flight tool runs finish or be marked cancelled.
		httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := srv.Shutdown(httpCtx); err != nil {
			logger.Error("http shutdown error", "error", err)
		}
		httpCancel()

		janCtx, janCancel := context.WithTimeout(context.Background(), 5*time.Second)
		jan.Stop(janCtx)
		janCancel()

		dispCtx, dispCancel := context.WithTimeout(context.Background(), 15*time.Second)
		if err := disp.Shutdown(dispCtx); err != nil {
			logger.Error("dispatcher shutdown error", "error", err)
		}
		dispCancel()
		return nil
	})

	err = g.Wait()
	logger.Info("parley stopped")
	return err
}
