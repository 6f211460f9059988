package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Taimoorkn/llm-popularity-tracker/internal/model"
)

// itemState is one item's aggregate and live votes, guarded by its own lock
// so votes on different items never contend.
type itemState struct {
	mu    sync.Mutex
	item  model.Item
	agg   model.Aggregate
	votes map[string]model.VoteValue
}

type rollupKey struct {
	granularity string
	bucket      time.Time
	itemID      string
}

// MemoryStore is an in-process Store for development and tests. It keeps the
// same transactional guarantees as PGStore within a single process.
type MemoryStore struct {
	items map[string]*itemState
	order []string

	eventsMu sync.RWMutex
	events   []model.VoteEvent

	rollupsMu sync.RWMutex
	rollups   map[rollupKey]model.Rollup

	now func() time.Time
}

// NewMemoryStore seeds the store with items and zero aggregates.
func NewMemoryStore(items []model.Item) *MemoryStore {
	s := &MemoryStore{
		items:   make(map[string]*itemState, len(items)),
		rollups: make(map[rollupKey]model.Rollup),
		now:     time.Now,
	}
	for _, it := range items {
		if _, ok := s.items[it.ID]; ok {
			continue
		}
		s.items[it.ID] = &itemState{
			item:  it,
			agg:   model.Aggregate{ItemID: it.ID},
			votes: make(map[string]model.VoteValue),
		}
		s.order = append(s.order, it.ID)
	}
	sort.Strings(s.order)
	return s
}

func (s *MemoryStore) ApplyVote(ctx context.Context, cmd model.VoteCommand) (model.VoteOutcome, error) {
	if err := ctx.Err(); err != nil {
		return model.VoteOutcome{}, err
	}
	st, ok := s.items[cmd.ItemID]
	if !ok {
		return model.VoteOutcome{}, model.ErrUnknownItem
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	previous := st.votes[cmd.Fingerprint]
	if previous == cmd.Value {
		return model.VoteOutcome{Aggregate: st.agg, Previous: previous, Current: previous, Unchanged: true}, nil
	}

	now := s.now().UTC()
	if cmd.Value == model.VoteNone {
		delete(st.votes, cmd.Fingerprint)
	} else {
		st.votes[cmd.Fingerprint] = cmd.Value
	}

	s.eventsMu.Lock()
	s.events = append(s.events, model.VoteEvent{
		ID:            int64(len(s.events) + 1),
		Fingerprint:   cmd.Fingerprint,
		ItemID:        cmd.ItemID,
		Value:         cmd.Value,
		PreviousValue: previous,
		IPHash:        cmd.IPHash,
		UserAgent:     cmd.UserAgent,
		CreatedAt:     now,
	})
	s.eventsMu.Unlock()

	st.agg = st.agg.Apply(model.Transition(previous, cmd.Value))
	st.agg.UpdatedAt = now

	return model.VoteOutcome{Aggregate: st.agg, Previous: previous, Current: cmd.Value}, nil
}

func (s *MemoryStore) GetAggregate(_ context.Context, itemID string) (model.Aggregate, error) {
	st, ok := s.items[itemID]
	if !ok {
		return model.Aggregate{ItemID: itemID}, model.ErrUnknownItem
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.agg, nil
}

func (s *MemoryStore) ListAggregates(_ context.Context) ([]model.Aggregate, error) {
	out := make([]model.Aggregate, 0, len(s.order))
	for _, id := range s.order {
		st := s.items[id]
		st.mu.Lock()
		out = append(out, st.agg)
		st.mu.Unlock()
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Total != out[j].Total {
			return out[i].Total > out[j].Total
		}
		return out[i].ItemID < out[j].ItemID
	})
	return out, nil
}

func (s *MemoryStore) GetUserVotes(_ context.Context, fingerprint string) (map[string]model.VoteValue, error) {
	votes := make(map[string]model.VoteValue)
	for _, id := range s.order {
		st := s.items[id]
		st.mu.Lock()
		if v, ok := st.votes[fingerprint]; ok {
			votes[id] = v
		}
		st.mu.Unlock()
	}
	return votes, nil
}

func (s *MemoryStore) ListItems(_ context.Context) ([]model.Item, error) {
	items := make([]model.Item, 0, len(s.order))
	for _, id := range s.order {
		items = append(items, s.items[id].item)
	}
	return items, nil
}

func (s *MemoryStore) GetItem(_ context.Context, itemID string) (*model.Item, error) {
	st, ok := s.items[itemID]
	if !ok {
		return nil, model.ErrUnknownItem
	}
	it := st.item
	return &it, nil
}

func (s *MemoryStore) ReadStats(_ context.Context, now time.Time) (*model.GlobalStats, error) {
	now = now.UTC()
	dayStart := model.Truncate(model.GranularityDay, now)
	hourAgo := now.Add(-time.Hour)

	stats := &model.GlobalStats{Trending: []string{}, LastUpdated: now}
	for _, id := range s.order {
		st := s.items[id]
		st.mu.Lock()
		stats.TotalVotes += int64(len(st.votes))
		st.mu.Unlock()
	}

	recent := make(map[string]int64)
	s.eventsMu.RLock()
	for _, e := range s.events {
		if e.CreatedAt.Before(hourAgo) {
			if e.Value != model.VoteNone && !e.CreatedAt.Before(dayStart) {
				stats.VotesToday++
			}
			continue
		}
		recent[e.ItemID]++
		if e.Value == model.VoteNone {
			continue
		}
		stats.VotesLastHour++
		if !e.CreatedAt.Before(dayStart) {
			stats.VotesToday++
		}
	}
	s.eventsMu.RUnlock()

	ids := make([]string, 0, len(recent))
	for id := range recent {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if recent[ids[i]] != recent[ids[j]] {
			return recent[ids[i]] > recent[ids[j]]
		}
		return ids[i] < ids[j]
	})
	if len(ids) > trendingSize {
		ids = ids[:trendingSize]
	}
	stats.Trending = append(stats.Trending, ids...)
	return stats, nil
}

func (s *MemoryStore) RefreshRollups(_ context.Context, granularity string, since time.Time) (int64, error) {
	since = model.Truncate(granularity, since)
	fresh := make(map[rollupKey]model.Rollup)

	s.eventsMu.RLock()
	for _, e := range s.events {
		if e.CreatedAt.Before(since) {
			continue
		}
		k := rollupKey{granularity, model.Truncate(granularity, e.CreatedAt), e.ItemID}
		r := fresh[k]
		r.Granularity, r.BucketStart, r.ItemID = k.granularity, k.bucket, k.itemID
		switch e.Value {
		case model.VoteUp:
			r.Upvotes++
		case model.VoteDown:
			r.Downvotes++
		default:
			r.Retractions++
		}
		r.Events++
		fresh[k] = r
	}
	s.eventsMu.RUnlock()

	s.rollupsMu.Lock()
	for k, r := range fresh {
		s.rollups[k] = r
	}
	s.rollupsMu.Unlock()
	return int64(len(fresh)), nil
}

func (s *MemoryStore) ListRollups(_ context.Context, f RollupFilter) ([]model.Rollup, error) {
	s.rollupsMu.RLock()
	out := make([]model.Rollup, 0, len(s.rollups))
	for _, r := range s.rollups {
		if f.Granularity != "" && r.Granularity != f.Granularity {
			continue
		}
		if f.ItemID != "" && r.ItemID != f.ItemID {
			continue
		}
		if r.BucketStart.Before(f.Since) {
			continue
		}
		out = append(out, r)
	}
	s.rollupsMu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].BucketStart.Equal(out[j].BucketStart) {
			return out[i].BucketStart.After(out[j].BucketStart)
		}
		if out[i].ItemID != out[j].ItemID {
			return out[i].ItemID < out[j].ItemID
		}
		return out[i].Granularity < out[j].Granularity
	})
	if limit := rollupLimit(f.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) RebuildAggregates(_ context.Context) ([]AggregateDrift, error) {
	var drifts []AggregateDrift
	for _, id := range s.order {
		st := s.items[id]
		st.mu.Lock()
		actual := model.Aggregate{ItemID: id, UpdatedAt: st.agg.UpdatedAt}
		for _, v := range st.votes {
			actual = actual.Apply(model.Transition(model.VoteNone, v))
		}
		if actual.Total != st.agg.Total || actual.Positive != st.agg.Positive || actual.Negative != st.agg.Negative {
			drifts = append(drifts, AggregateDrift{ItemID: id, Stored: st.agg, Actual: actual})
			actual.UpdatedAt = s.now().UTC()
			st.agg = actual
		}
		st.mu.Unlock()
	}
	return drifts, nil
}

func (s *MemoryStore) Ping(_ context.Context) error { return nil }

// Events returns a copy of the audit log, oldest first.
func (s *MemoryStore) Events() []model.VoteEvent {
	s.eventsMu.RLock()
	defer s.eventsMu.RUnlock()
	return append([]model.VoteEvent(nil), s.events...)
}
