package cache

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"

	"github.com/brandforge/mediacache/config"
	"github.com/brandforge/mediacache/logger"
	"github.com/brandforge/mediacache/telemetry"
)

// FromConfig assembles a coordinator from a loaded configuration: memory
// tier, durable tier per the configured driver, and telemetry recorder.
// The returned coordinator owns every component it builds; Close releases
// them.
func FromConfig(ctx context.Context, cfg *config.Config, log logger.Logger) (*Tiered, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.Discard()
	}

	memOpts := []MemoryOption{WithMaxSize(cfg.Memory.MaxItems)}
	if cfg.Memory.MaxMemory > 0 {
		memOpts = append(memOpts, WithMaxMemory(cfg.Memory.MaxMemory))
	}
	if cfg.Memory.TTL > 0 {
		memOpts = append(memOpts, WithTTL(cfg.Memory.TTL))
	}
	memory := NewMemory(ctx, memOpts...)

	durOpts := make([]DurableOption, 0, len(cfg.Durable.Categories)+1)
	for name, quota := range cfg.Durable.Categories {
		durOpts = append(durOpts, WithCategoryQuota(Category(name), CategoryQuota{
			MaxItems: quota.MaxItems,
			MaxBytes: quota.MaxBytes,
		}))
	}
	if cfg.Durable.DefaultTTL > 0 {
		durOpts = append(durOpts, WithDurableTTL(cfg.Durable.DefaultTTL))
	}

	var durable Durable
	switch cfg.Durable.Driver {
	case config.DriverSQLite:
		tier, err := NewSQLite(ctx, cfg.Durable.Path, log, durOpts...)
		if err != nil {
			// An unopenable durable tier is a degradation, not a
			// startup failure: fall back to memory-only mode.
			log.Warn("sqlite tier unavailable, continuing memory-only: %v", err)
		} else {
			durable = tier
		}
	case config.DriverRedis:
		opts, err := redis.ParseURL(cfg.Durable.RedisURL)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing durable.redis_url %q", cfg.Durable.RedisURL)
		}
		tier := NewRedis(ctx, redis.NewClient(opts), log, durOpts...)
		tier.ownsClient = true
		durable = tier
	case config.DriverNone:
	}

	recorder := telemetry.NewRecorder(
		telemetry.WithHistorySize(cfg.Telemetry.History),
		telemetry.WithTrendInterval(cfg.Telemetry.TrendInterval),
	)

	tiered := NewTiered(ctx,
		WithMemory(memory),
		WithDurable(durable),
		WithRecorder(recorder),
		WithLogger(log),
		WithDefaultTTL(cfg.Durable.DefaultTTL),
	)
	tiered.ownsMemory = true
	return tiered, nil
}
