package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/opsgate/pkg/api"
	"github.com/Mindburn-Labs/opsgate/pkg/approval"
	"github.com/Mindburn-Labs/opsgate/pkg/config"
	"github.com/Mindburn-Labs/opsgate/pkg/executor"
	"github.com/Mindburn-Labs/opsgate/pkg/lock"
	"github.com/Mindburn-Labs/opsgate/pkg/observability"
	"github.com/Mindburn-Labs/opsgate/pkg/signing"
	"github.com/Mindburn-Labs/opsgate/pkg/store"
	"github.com/Mindburn-Labs/opsgate/pkg/webhook"
)

// app holds everything a command needs, wired from config.
type app struct {
	cfg       *config.Config
	store     *store.SQLStore
	svc       *approval.Service
	redis     redis.UniversalClient
	hooks     *webhook.Dispatcher
	telemetry *observability.Provider
	logger    *slog.Logger
}

func newApp(ctx context.Context, cfg *config.Config) (_ *app, err error) {
	a := &app{cfg: cfg, logger: slog.Default().With("component", "opsgate")}
	defer func() {
		if err != nil {
			a.close(context.Background())
		}
	}()

	otelCfg := observability.DefaultConfig()
	otelCfg.Enabled = cfg.OTelEnabled
	otelCfg.OTLPEndpoint = cfg.OTelEndpoint
	otelCfg.Insecure = cfg.OTelInsecure
	if a.telemetry, err = observability.New(ctx, otelCfg); err != nil {
		return nil, err
	}

	if a.store, err = openStore(ctx, cfg); err != nil {
		return nil, err
	}

	registry := executor.NewRegistry()
	for actionType, url := range cfg.Handlers {
		if err := registry.Register(actionType, executor.NewRemoteHandler(actionType, url, nil)); err != nil {
			return nil, err
		}
	}
	if len(cfg.Handlers) == 0 {
		a.logger.WarnContext(ctx, "no action handlers configured; approved actions will fail on execute")
	}

	opts := []approval.Option{approval.WithTelemetry(a.telemetry)}

	if cfg.RedisAddr != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
		}
		opts = append(opts, approval.WithLocker(lock.NewRedisLocker(a.redis)))
	} else {
		opts = append(opts, approval.WithLocker(lock.NewLocalLocker()))
	}

	if len(cfg.Webhooks) > 0 {
		endpoints := make([]webhook.Endpoint, 0, len(cfg.Webhooks))
		for _, t := range cfg.Webhooks {
			endpoints = append(endpoints, webhook.Endpoint{ID: t.ID, URL: t.URL})
		}
		a.hooks, err = webhook.NewDispatcher(webhook.Config{
			Endpoints:    endpoints,
			MasterSecret: []byte(cfg.WebhookSecret),
			RPS:          cfg.WebhookRPS,
		})
		if err != nil {
			return nil, err
		}
		opts = append(opts, approval.WithPublisher(a.hooks))
	}

	if cfg.VoteSigningSecret != "" {
		opts = append(opts, approval.WithVerifier(signing.NewVerifier([]byte(cfg.VoteSigningSecret), cfg.RequireVoteSignature)))
	}

	dispatcher := executor.NewDispatcher(registry, cfg.HandlerTimeout)
	if a.svc, err = approval.NewService(a.store, dispatcher, opts...); err != nil {
		return nil, err
	}

	if cfg.PolicyFile != "" {
		policies, err := config.LoadPolicies(cfg.PolicyFile)
		if err != nil {
			return nil, err
		}
		created, updated, err := a.svc.ImportPolicies(ctx, policies)
		if err != nil {
			return nil, err
		}
		a.logger.InfoContext(ctx, "policy bundle loaded", "path", cfg.PolicyFile, "created", created, "updated", updated)
	}
	return a, nil
}

// responseCache shares Redis with the locker when configured.
func (a *app) responseCache() api.ResponseCache {
	if a.redis != nil {
		return api.NewRedisResponseCache(a.redis, a.cfg.IdempotencyTTL)
	}
	return api.NewMemoryResponseCache(a.cfg.IdempotencyTTL)
}

// close releases resources in reverse order of acquisition. Pending
// webhooks are flushed while ctx allows.
func (a *app) close(ctx context.Context) {
	var errs []error
	if a.hooks != nil {
		errs = append(errs, a.hooks.Close(ctx))
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.telemetry != nil {
		errs = append(errs, a.telemetry.Shutdown(ctx))
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.WarnContext(ctx, "shutdown incomplete", "error", err)
	}
}
