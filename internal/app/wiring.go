package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/lumenstudio/media-orchestrator/internal/adapter/generation"
	"github.com/lumenstudio/media-orchestrator/internal/adapter/repo/postgres"
	"github.com/lumenstudio/media-orchestrator/internal/adapter/storage"
	"github.com/lumenstudio/media-orchestrator/internal/batchqueue"
	"github.com/lumenstudio/media-orchestrator/internal/checkpoint"
	"github.com/lumenstudio/media-orchestrator/internal/config"
	"github.com/lumenstudio/media-orchestrator/internal/domain"
	"github.com/lumenstudio/media-orchestrator/internal/orchestrator"
	"github.com/lumenstudio/media-orchestrator/internal/reliability"
	"github.com/lumenstudio/media-orchestrator/internal/usecase"
	"github.com/lumenstudio/media-orchestrator/internal/validate"
)

// Runtime holds the wired application graph shared by the entry points.
type Runtime struct {
	Pool    *pgxpool.Pool
	Users   *postgres.UserRepo
	Ledger  *postgres.LedgerRepo
	Batches *postgres.BatchRepo
	Store   *storage.S3Store
	Redis   *redis.Client

	Validator    *validate.Service
	Registry     *generation.Registry
	Checkpoints  *checkpoint.Manager
	Cooldowns    *reliability.CooldownTracker
	Orchestrator *orchestrator.Orchestrator
	Queue        *batchqueue.Queue
	Credits      *usecase.CreditService
}

// BuildRuntime connects every adapter and service from configuration.
func BuildRuntime(ctx context.Context, cfg config.Config) (*Runtime, error) {
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		return nil, fmt.Errorf("op=app.build: %w", err)
	}

	rt := &Runtime{
		Pool:    pool,
		Users:   postgres.NewUserRepo(pool),
		Ledger:  postgres.NewLedgerRepo(pool),
		Batches: postgres.NewBatchRepo(pool),
	}

	rt.Validator = validate.New()
	if cfg.ModelTableFile != "" {
		rt.Validator, err = validate.NewFromFile(cfg.ModelTableFile)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("op=app.build: %w", err)
		}
	}

	if cfg.S3AccessKey != "" || cfg.S3Endpoint != "" {
		uploads := postgres.NewUploadCacheRepo(pool)
		rt.Store, err = storage.NewS3Store(storage.Config{
			Endpoint:  cfg.S3Endpoint,
			Region:    cfg.S3Region,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			PublicURL: cfg.S3PublicURL,
		}, uploads)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("op=app.build: %w", err)
		}
	}

	rt.Registry = buildRegistry(cfg)

	rt.Checkpoints, err = checkpoint.NewManager(cfg.CheckpointDir(), "jobs")
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("op=app.build: %w", err)
	}
	rt.Cooldowns = reliability.NewCooldownTracker(cfg.CooldownFile())

	limiter := reliability.NewMultiRateLimiter("provider",
		reliability.NewSlidingWindow("provider_minute", cfg.ProviderRatePerMin, time.Minute),
		reliability.NewTokenBucket("provider_burst", float64(cfg.ProviderRatePerMin)/60.0, cfg.ProviderBurst),
	)

	var distributed *reliability.RedisLuaLimiter
	if cfg.RedisAddr != "" {
		rt.Redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		buckets := map[string]reliability.BucketConfig{}
		for _, provider := range []string{"fal", "kling", "tunnel"} {
			buckets[provider] = reliability.NewBucketConfigFromPerMinute(cfg.ProviderRatePerMin)
		}
		distributed = reliability.NewRedisLuaLimiter(rt.Redis, buckets)
	}

	rt.Orchestrator = orchestrator.New(rt.Registry, rt.Validator, rt.Cooldowns, rt.Checkpoints,
		limiter, distributed, orchestrator.Config{
			RetryConfig: reliability.RetryConfig{
				MaxAttempts:    cfg.RetryMaxAttempts,
				BaseDelay:      cfg.RetryBaseDelay,
				MaxDelay:       cfg.RetryMaxDelay,
				Multiplier:     cfg.RetryMultiplier,
				JitterFraction: cfg.RetryJitter,
				RetryableClasses: []reliability.ErrorClass{
					reliability.ClassNetwork, reliability.ClassRateLimit, reliability.ClassTransient,
				},
			},
			AcquireTimeout: 30 * time.Second,
			PollInterval:   cfg.PollInterval,
			MaxPolls:       cfg.MaxPolls,
			FlowLogDir:     cfg.FlowLogDir(),
		})

	qcfg := batchqueue.Config{
		MaxConcurrency: int64(cfg.MaxConcurrency),
		StuckJobMaxAge: cfg.StuckJobMaxAge,
		CacheResults:   rt.Store != nil,
	}
	var objectStore domain.ObjectStore
	if rt.Store != nil {
		objectStore = rt.Store
	}
	rt.Queue = batchqueue.New(rt.Users, rt.Batches, rt.Orchestrator, objectStore, qcfg)
	rt.Credits = usecase.NewCreditService(rt.Users, rt.Ledger)
	return rt, nil
}

// buildRegistry maps every configured backend onto the models it serves.
func buildRegistry(cfg config.Config) *generation.Registry {
	reg := generation.NewRegistry()
	if cfg.FalAPIKey != "" {
		fal := generation.NewFalClient(cfg.FalBaseURL, cfg.FalAPIKey)
		reg.Register(fal,
			"wan", "wan21", "wan22", "wan-pro",
			"veo2", "veo31", "veo31-fast", "veo31-flf", "veo31-fast-flf",
			"sora-2", "sora-2-pro",
		)
	}
	if cfg.KlingAPIKey != "" {
		kling := generation.NewKlingClient(cfg.KlingBaseURL, cfg.KlingAPIKey)
		reg.Register(kling, "kling", "kling-std", "kling-master")
	}
	if cfg.TunnelBaseURL != "" {
		tunnel := generation.NewTunnelClient(cfg.TunnelBaseURL, cfg.TunnelAuthToken)
		reg.Register(tunnel, "tunnel")
		if cfg.FalAPIKey != "" {
			fal := generation.NewFalClient(cfg.FalBaseURL, cfg.FalAPIKey)
			reg.Register(generation.NewPipelineClient(tunnel, fal), "pipeline")
		}
	}
	return reg
}

// Close releases the runtime's external connections.
func (rt *Runtime) Close() {
	if rt.Checkpoints != nil {
		_ = rt.Checkpoints.Close()
	}
	if rt.Redis != nil {
		_ = rt.Redis.Close()
	}
	if rt.Pool != nil {
		rt.Pool.Close()
	}
}

// DBCheck returns a readiness probe over the connection pool.
func (rt *Runtime) DBCheck() func(context.Context) error {
	return func(ctx context.Context) error { return rt.Pool.Ping(ctx) }
}

// RedisCheck returns a readiness probe over Redis, or nil when Redis is
// not configured.
func (rt *Runtime) RedisCheck() func(context.Context) error {
	if rt.Redis == nil {
		return nil
	}
	return func(ctx context.Context) error { return rt.Redis.Ping(ctx).Err() }
}

// StorageCheck returns a readiness probe over the object store, or nil
// when result caching is disabled.
func (rt *Runtime) StorageCheck() func(context.Context) error {
	if rt.Store == nil {
		return nil
	}
	return rt.Store.Healthy
}
