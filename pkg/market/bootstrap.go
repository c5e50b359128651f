package market

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/settld/pkg/config"
	"github.com/Mindburn-Labs/settld/pkg/evidence"
	"github.com/Mindburn-Labs/settld/pkg/idempotency"
	"github.com/Mindburn-Labs/settld/pkg/outbox"
	"github.com/Mindburn-Labs/settld/pkg/settlement"
	"github.com/Mindburn-Labs/settld/pkg/store"
)

// OptionsFromConfig maps environment configuration onto service options:
// retry curve, drain and dispatch limits, idempotency and evidence
// backends, the SQLite read models, and the default settlement policy when
// a "default" profile is present under the configured profiles path.
func OptionsFromConfig(ctx context.Context, cfg *config.Config, logger *slog.Logger) (Options, error) {
	opts := Options{
		Backoff: outbox.BackoffPolicy{
			BaseMs:      cfg.RetryBaseMs,
			MaxMs:       cfg.RetryMaxMs,
			MaxJitterMs: cfg.RetryMaxJitterMs,
			MaxAttempts: cfg.RetryMaxAttempts,
		},
		MaxDrain:           cfg.OutboxMaxDrain,
		DispatchTimeout:    cfg.DispatchTimeout,
		DispatchRatePerSec: cfg.DispatchRatePerSec,
		Logger:             logger,
	}

	switch cfg.IdempotencyBackend {
	case "", "memory":
		// Default projection-backed store.
	case "redis":
		opts.IdempotencyStore = idempotency.NewRedisStore(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}))
	default:
		return Options{}, fmt.Errorf("market: unknown idempotency backend %q", cfg.IdempotencyBackend)
	}

	switch cfg.EvidenceBackend {
	case "", "memory":
		opts.Evidence = evidence.NewMemoryStore()
	case "fs":
		st, err := evidence.NewFileStore(cfg.EvidenceDir)
		if err != nil {
			return Options{}, err
		}
		opts.Evidence = st
	case "s3":
		st, err := evidence.NewS3Store(ctx, cfg.EvidenceBucket, "evidence/")
		if err != nil {
			return Options{}, err
		}
		opts.Evidence = st
	default:
		return Options{}, fmt.Errorf("market: unknown evidence backend %q", cfg.EvidenceBackend)
	}

	if cfg.ReadStorePath != "" {
		rs, err := store.OpenReadStores(cfg.ReadStorePath)
		if err != nil {
			return Options{}, err
		}
		opts.ReadStores = rs
	}

	if cfg.PolicyProfilesPath != "" {
		profiles, err := config.LoadProfiles(cfg.PolicyProfilesPath)
		if err != nil {
			return Options{}, err
		}
		if p, ok := profiles["default"]; ok {
			policy := PolicyFromProfile(p)
			opts.DefaultPolicy = &policy
		}
	}
	return opts, nil
}

// PolicyFromProfile converts a loaded YAML profile into a settlement policy.
func PolicyFromProfile(p config.PolicyProfile) settlement.Policy {
	mode := settlement.PolicyAutomatic
	if p.Mode == "manual" {
		mode = settlement.PolicyManual
	}
	return settlement.Policy{
		Mode:                mode,
		GreenReleaseRatePct: p.GreenReleaseRatePct,
		AmberReleaseRatePct: p.AmberReleaseRatePct,
		RedReleaseRatePct:   p.RedReleaseRatePct,
		DisputeWindowHours:  p.DisputeWindowHours,
	}
}
