// Package quota gates tool execution on per-user, per-day task and token
// ceilings.
//
// Check must pass before a side-effecting tool runs; Increment is called only
// after the tool reports success. Counters are updated with a single atomic
// increment in every backend, so concurrent dispatches for the same user never
// lose updates.
package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/parley/internal/model"
	"github.com/ashita-ai/parley/internal/telemetry"
)

// ErrQuotaExceeded is wrapped by every *ExceededError.
var ErrQuotaExceeded = errors.New("quota: exceeded")

// Kind names the exhausted counter.
type Kind string

const (
	KindTasks  Kind = "tasks"
	KindTokens Kind = "tokens"
)

// ExceededError reports which ceiling was hit.
type ExceededError struct {
	Kind  Kind
	Used  int64
	Limit int64
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("quota exceeded: %s %d/%d", e.Kind, e.Used, e.Limit)
}

func (e *ExceededError) Unwrap() error { return ErrQuotaExceeded }

// Limits is a tier's daily ceiling.
type Limits struct {
	Tasks  int64 `json:"tasks"`
	Tokens int64 `json:"tokens"`
}

// Config maps tiers onto limits. Unknown tiers use DefaultTier.
type Config struct {
	Tiers       map[model.Tier]Limits
	DefaultTier model.Tier
}

// DefaultConfig returns the built-in tier profiles.
func DefaultConfig() Config {
	return Config{
		Tiers: map[model.Tier]Limits{
			model.TierFree: {Tasks: 50, Tokens: 200_000},
			model.TierPaid: {Tasks: 9999, Tokens: 10_000_000},
			model.TierDev:  {Tasks: 1_000_000_000, Tokens: 1_000_000_000_000},
		},
		DefaultTier: model.TierFree,
	}
}

// Counter is the backing store for usage counters.
type Counter interface {
	GetUsage(ctx context.Context, userID, day string) (model.UsageCounter, error)
	IncrementUsage(ctx context.Context, userID, day string, tasks, tokens int64) error
}

// Snapshot is a user's usage for today together with the limits applied.
type Snapshot struct {
	Usage  model.UsageCounter `json:"usage"`
	Tier   model.Tier         `json:"tier"`
	Limits Limits             `json:"limits"`
}

// Guard checks and records quota consumption.
type Guard struct {
	counter Counter
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time

	denied   metric.Int64Counter
	consumed metric.Int64Counter
}

// New creates a Guard. A zero cfg.Tiers falls back to DefaultConfig.
func New(counter Counter, cfg Config, logger *slog.Logger) *Guard {
	if len(cfg.Tiers) == 0 {
		cfg.Tiers = DefaultConfig().Tiers
	}
	if _, ok := cfg.Tiers[cfg.DefaultTier]; !ok {
		cfg.DefaultTier = model.TierFree
	}

	meter := telemetry.Meter(telemetry.ScopeQuota)
	denied, _ := meter.Int64Counter("parley.quota.denied",
		metric.WithDescription("Tool invocations refused by the quota guard"))
	consumed, _ := meter.Int64Counter("parley.quota.tokens",
		metric.WithDescription("Tokens charged for successful tool runs"))

	return &Guard{
		counter:  counter,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		denied:   denied,
		consumed: consumed,
	}
}

// SetClock overrides the time source. Tests only.
func (g *Guard) SetClock(now func() time.Time) { g.now = now }

// LimitsFor resolves a tier (falling back to the default) and its limits.
func (g *Guard) LimitsFor(tier model.Tier) (model.Tier, Limits) {
	if l, ok := g.cfg.Tiers[tier]; ok {
		return tier, l
	}
	return g.cfg.DefaultTier, g.cfg.Tiers[g.cfg.DefaultTier]
}

// Usage returns today's snapshot without enforcing anything.
func (g *Guard) Usage(ctx context.Context, userID string, tier model.Tier) (Snapshot, error) {
	tier, limits := g.LimitsFor(tier)
	u, err := g.counter.GetUsage(ctx, userID, model.UsageDay(g.now()))
	if err != nil {
		return Snapshot{}, fmt.Errorf("quota: read usage: %w", err)
	}
	return Snapshot{Usage: u, Tier: tier, Limits: limits}, nil
}

// Check returns today's snapshot, or an *ExceededError when either counter
// has reached its ceiling. Tasks are checked before tokens.
func (g *Guard) Check(ctx context.Context, userID string, tier model.Tier) (Snapshot, error) {
	snap, err := g.Usage(ctx, userID, tier)
	if err != nil {
		return Snapshot{}, err
	}

	var exceeded *ExceededError
	switch {
	case snap.Usage.Tasks >= snap.Limits.Tasks:
		exceeded = &ExceededError{Kind: KindTasks, Used: snap.Usage.Tasks, Limit: snap.Limits.Tasks}
	case snap.Usage.Tokens >= snap.Limits.Tokens:
		exceeded = &ExceededError{Kind: KindTokens, Used: snap.Usage.Tokens, Limit: snap.Limits.Tokens}
	}
	if exceeded != nil {
		g.denied.Add(ctx, 1, metric.WithAttributes(
			attribute.String("tier", string(snap.Tier)),
			attribute.String("kind", string(exceeded.Kind)),
		))
		g.logger.Info("quota: denied", "user_id", userID, "tier", snap.Tier, "kind", exceeded.Kind,
			"used", exceeded.Used, "limit", exceeded.Limit)
		return snap, exceeded
	}
	return snap, nil
}

// Increment records consumption for today. Call only after a tool succeeded.
func (g *Guard) Increment(ctx context.Context, userID string, tasks, tokens int64) error {
	if err := g.counter.IncrementUsage(ctx, userID, model.UsageDay(g.now()), tasks, tokens); err != nil {
		return fmt.Errorf("quota: increment: %w", err)
	}
	g.consumed.Add(ctx, tokens)
	return nil
}
