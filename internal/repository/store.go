package repository

import (
	"context"
	"time"

	"github.com/Taimoorkn/llm-popularity-tracker/internal/model"
)

// Store is the persistent record of items, live votes, aggregates and the
// vote audit log. ApplyVote is the only write path for votes and aggregates.
type Store interface {
	// ApplyVote runs one vote transaction. Returns model.ErrUnknownItem for
	// an unseeded item and an error wrapping model.ErrTransient for failures
	// that are safe to retry.
	ApplyVote(ctx context.Context, cmd model.VoteCommand) (model.VoteOutcome, error)

	GetAggregate(ctx context.Context, itemID string) (model.Aggregate, error)
	ListAggregates(ctx context.Context) ([]model.Aggregate, error)

	// GetUserVotes always reads the primary so a client sees its own writes.
	GetUserVotes(ctx context.Context, fingerprint string) (map[string]model.VoteValue, error)

	ListItems(ctx context.Context) ([]model.Item, error)
	GetItem(ctx context.Context, itemID string) (*model.Item, error)

	// ReadStats fills every GlobalStats field except TopItem, which comes
	// from the ranking.
	ReadStats(ctx context.Context, now time.Time) (*model.GlobalStats, error)

	RefreshRollups(ctx context.Context, granularity string, since time.Time) (int64, error)
	ListRollups(ctx context.Context, f RollupFilter) ([]model.Rollup, error)

	// RebuildAggregates recomputes every aggregate from live votes and
	// returns the items whose stored counters had drifted.
	RebuildAggregates(ctx context.Context) ([]AggregateDrift, error)

	Ping(ctx context.Context) error
}

type primaryReadKey struct{}

// WithPrimary returns a context whose reads skip the replicas, for callers
// that must observe writes they just made.
func WithPrimary(ctx context.Context) context.Context {
	return context.WithValue(ctx, primaryReadKey{}, true)
}

// PrimaryRequested reports whether ctx came from WithPrimary.
func PrimaryRequested(ctx context.Context) bool {
	v, _ := ctx.Value(primaryReadKey{}).(bool)
	return v
}

// RollupFilter selects rollup rows. Zero values mean "any".
type RollupFilter struct {
	Granularity string
	Since       time.Time
	ItemID      string
	Limit       int
}

// AggregateDrift is an item whose stored aggregate disagreed with its votes.
type AggregateDrift struct {
	ItemID string          `json:"itemId"`
	Stored model.Aggregate `json:"stored"`
	Actual model.Aggregate `json:"actual"`
}

const (
	defaultRollupLimit = 500
	maxRollupLimit     = 5000
	trendingSize       = 3
)

func rollupLimit(n int) int {
	switch {
	case n <= 0:
		return defaultRollupLimit
	case n > maxRollupLimit:
		return maxRollupLimit
	default:
		return n
	}
}
