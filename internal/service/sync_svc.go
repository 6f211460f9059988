package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Taimoorkn/llm-popularity-tracker/internal/middleware"
	"github.com/Taimoorkn/llm-popularity-tracker/internal/model"
	"github.com/Taimoorkn/llm-popularity-tracker/internal/repository"
)

// SyncService serves every read: resync payloads, public totals, rankings,
// stats, the item catalog and rollups. Reads go through the cache and fall
// back to the store on a miss.
type SyncService struct {
	store   repository.Store
	cache   *CacheService
	fraud   *FraudService
	limiter Limiter
	log     zerolog.Logger
	now     func() time.Time
}

func NewSyncService(store repository.Store, cache *CacheService, fraud *FraudService, limiter Limiter, log zerolog.Logger) *SyncService {
	return &SyncService{
		store:   store,
		cache:   cache,
		fraud:   fraud,
		limiter: limiter,
		log:     log.With().Str("component", "sync").Logger(),
		now:     time.Now,
	}
}

// Resync returns the full state a client needs to replace its local view.
func (s *SyncService) Resync(ctx context.Context, fingerprint string) (*model.ResyncResponse, error) {
	fp, msg := middleware.ValidateFingerprint(fingerprint)
	if msg != "" {
		return nil, model.Validationf("%s", msg)
	}
	if s.limiter != nil {
		if err := s.limiter.Check(ctx, middleware.ActionSync, fp); err != nil {
			return nil, err
		}
	}
	if s.fraud != nil {
		s.fraud.Check(ctx, fp, model.ActivityRecord{Action: model.ActionSync})
	}

	resp := &model.ResyncResponse{}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		resp.Votes, err = s.AllVotes(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		resp.UserVotes, err = s.UserVotes(gctx, fp)
		return err
	})
	g.Go(func() error {
		var err error
		resp.Rankings, err = s.Rankings(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		resp.Stats, err = s.Stats(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	resp.Timestamp = s.now().UTC()
	return resp, nil
}

// PublicVotes returns totals, rankings and stats without client state.
func (s *SyncService) PublicVotes(ctx context.Context) (*model.PublicVotesResponse, error) {
	resp := &model.PublicVotesResponse{}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		resp.Votes, err = s.AllVotes(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		resp.Rankings, err = s.Rankings(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		resp.Stats, err = s.Stats(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	resp.Timestamp = s.now().UTC()
	return resp, nil
}

// StatsView returns stats with the ranking.
func (s *SyncService) StatsView(ctx context.Context) (*model.StatsResponse, error) {
	rankings, err := s.Rankings(ctx)
	if err != nil {
		return nil, err
	}
	stats, err := s.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return &model.StatsResponse{Stats: stats, Rankings: rankings, Timestamp: s.now().UTC()}, nil
}

// AllVotes maps every item id to its total.
func (s *SyncService) AllVotes(ctx context.Context) (map[string]int64, error) {
	if votes, ok := s.cache.GetAllVotes(ctx); ok {
		return votes, nil
	}
	aggs, err := s.store.ListAggregates(ctx)
	if err != nil {
		return nil, fmt.Errorf("list aggregates: %w", err)
	}
	votes := totals(aggs)
	s.cache.SetAllVotes(ctx, votes)
	return votes, nil
}

func (s *SyncService) Rankings(ctx context.Context) ([]model.RankingEntry, error) {
	if rankings, ok := s.cache.GetRankings(ctx); ok {
		return rankings, nil
	}
	votes, err := s.AllVotes(ctx)
	if err != nil {
		return nil, err
	}
	rankings := model.BuildRankings(votes)
	s.cache.SetRankings(ctx, rankings)
	return rankings, nil
}

func (s *SyncService) Stats(ctx context.Context) (*model.GlobalStats, error) {
	if stats, ok := s.cache.GetStats(ctx); ok {
		return stats, nil
	}
	rankings, err := s.Rankings(ctx)
	if err != nil {
		return nil, err
	}
	stats, err := s.buildStats(ctx, rankings)
	if err != nil {
		return nil, err
	}
	s.cache.SetStats(ctx, stats)
	return stats, nil
}

// Refresh rebuilds totals, rankings and stats from the primary, bypassing
// the cache and the replicas, and writes the results back.
func (s *SyncService) Refresh(ctx context.Context) ([]model.RankingEntry, *model.GlobalStats, error) {
	ctx = repository.WithPrimary(ctx)
	aggs, err := s.store.ListAggregates(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("list aggregates: %w", err)
	}
	votes := totals(aggs)
	rankings := model.BuildRankings(votes)
	stats, err := s.buildStats(ctx, rankings)
	if err != nil {
		return nil, nil, err
	}

	s.cache.SetAllVotes(ctx, votes)
	s.cache.SetRankings(ctx, rankings)
	s.cache.SetStats(ctx, stats)
	return rankings, stats, nil
}

func (s *SyncService) buildStats(ctx context.Context, rankings []model.RankingEntry) (*model.GlobalStats, error) {
	stats, err := s.store.ReadStats(ctx, s.now())
	if err != nil {
		return nil, fmt.Errorf("read stats: %w", err)
	}
	if stats.TotalVotes > 0 {
		stats.TopItem = model.TopItem(rankings)
	}
	return stats, nil
}

// UserVotes returns the client's live votes. A miss reads the primary.
func (s *SyncService) UserVotes(ctx context.Context, fingerprint string) (map[string]model.VoteValue, error) {
	if votes, ok := s.cache.GetUserVotes(ctx, fingerprint); ok {
		return votes, nil
	}
	version, cacheable := s.cache.UserVotesVersion(ctx, fingerprint)
	votes, err := s.store.GetUserVotes(ctx, fingerprint)
	if err != nil {
		return nil, fmt.Errorf("user votes: %w", err)
	}
	if cacheable {
		s.cache.SetUserVotes(ctx, fingerprint, votes, version)
	}
	return votes, nil
}

// Aggregate returns one item's counters.
func (s *SyncService) Aggregate(ctx context.Context, itemID string) (model.Aggregate, error) {
	if agg, ok := s.cache.GetAggregate(ctx, itemID); ok {
		return agg, nil
	}
	agg, err := s.store.GetAggregate(ctx, itemID)
	if err != nil {
		return model.Aggregate{}, fmt.Errorf("get aggregate %s: %w", itemID, err)
	}
	s.cache.SetAggregate(ctx, agg)
	return agg, nil
}

// Items returns the catalog with each item's aggregate and rank.
func (s *SyncService) Items(ctx context.Context) ([]model.ItemResponse, error) {
	items, err := s.store.ListItems(ctx)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.ID
	}

	aggs := s.cache.GetAggregates(ctx, ids)
	if len(aggs) < len(ids) {
		fresh, err := s.store.ListAggregates(ctx)
		if err != nil {
			return nil, fmt.Errorf("list aggregates: %w", err)
		}
		for _, agg := range fresh {
			if _, ok := aggs[agg.ItemID]; !ok {
				aggs[agg.ItemID] = agg
				s.cache.SetAggregate(ctx, agg)
			}
		}
	}

	rankings, err := s.Rankings(ctx)
	if err != nil {
		return nil, err
	}
	ranks := rankIndex(rankings)

	out := make([]model.ItemResponse, 0, len(items))
	for _, it := range items {
		out = append(out, model.ItemResponse{
			Item:  it,
			Votes: aggs[it.ID].DTO(),
			Rank:  ranks[it.ID],
		})
	}
	return out, nil
}

// Item returns one catalog entry with its aggregate and rank.
func (s *SyncService) Item(ctx context.Context, itemID string) (*model.ItemResponse, error) {
	id, msg := middleware.ValidateItemID(itemID)
	if msg != "" {
		return nil, model.Validationf("%s", msg)
	}
	it, err := s.store.GetItem(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get item %s: %w", id, err)
	}
	agg, err := s.Aggregate(ctx, id)
	if err != nil {
		return nil, err
	}
	rankings, err := s.Rankings(ctx)
	if err != nil {
		return nil, err
	}
	return &model.ItemResponse{Item: *it, Votes: agg.DTO(), Rank: rankIndex(rankings)[id]}, nil
}

// Rollups lists hourly or daily summaries.
func (s *SyncService) Rollups(ctx context.Context, f repository.RollupFilter) ([]model.Rollup, error) {
	g, msg := middleware.ValidateGranularity(f.Granularity)
	if msg != "" {
		return nil, model.Validationf("%s", msg)
	}
	f.Granularity = g
	if f.ItemID != "" {
		id, msg := middleware.ValidateItemID(f.ItemID)
		if msg != "" {
			return nil, model.Validationf("%s", msg)
		}
		f.ItemID = id
	}
	if f.Since.IsZero() {
		if g == model.GranularityDay {
			f.Since = s.now().Add(-30 * 24 * time.Hour)
		} else {
			f.Since = s.now().Add(-24 * time.Hour)
		}
	}

	rollups, err := s.store.ListRollups(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list rollups: %w", err)
	}
	return rollups, nil
}

func totals(aggs []model.Aggregate) map[string]int64 {
	votes := make(map[string]int64, len(aggs))
	for _, agg := range aggs {
		votes[agg.ItemID] = agg.Total
	}
	return votes
}

func rankIndex(rankings []model.RankingEntry) map[string]int {
	idx := make(map[string]int, len(rankings))
	for _, r := range rankings {
		idx[r.ItemID] = r.Rank
	}
	return idx
}
