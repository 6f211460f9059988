package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Taimoorkn/llm-popularity-tracker/internal/middleware"
	"github.com/Taimoorkn/llm-popularity-tracker/internal/model"
	"github.com/Taimoorkn/llm-popularity-tracker/internal/repository"
)

func newSyncFixture(t *testing.T, cache *CacheService, limiter Limiter) (*SyncService, *repository.MemoryStore) {
	t.Helper()
	store := repository.NewMemoryStore(serviceItems())
	if cache == nil {
		cache = NewCacheService(nil, CacheOptions{}, zerolog.Nop())
	}
	return NewSyncService(store, cache, NewFraudService(cache, zerolog.Nop()), limiter, zerolog.Nop()), store
}

func mustApply(t *testing.T, store repository.Store, fp, item string, v model.VoteValue) {
	t.Helper()
	if _, err := store.ApplyVote(context.Background(), model.VoteCommand{Fingerprint: fp, ItemID: item, Value: v}); err != nil {
		t.Fatalf("apply %s/%s: %v", fp, item, err)
	}
}

func TestSyncService_Resync(t *testing.T) {
	svc, store := newSyncFixture(t, nil, nil)
	mustApply(t, store, "client-A-0001", "grok", model.VoteUp)
	mustApply(t, store, "client-B-0001", "grok", model.VoteUp)
	mustApply(t, store, "client-A-0001", "gpt-4o", model.VoteDown)

	resp, err := svc.Resync(context.Background(), "client-A-0001")
	if err != nil {
		t.Fatalf("resync: %v", err)
	}
	if resp.Votes["grok"] != 2 || resp.Votes["gpt-4o"] != -1 || resp.Votes["claude-3-5-sonnet"] != 0 {
		t.Errorf("votes = %v", resp.Votes)
	}
	if len(resp.UserVotes) != 2 || resp.UserVotes["grok"] != model.VoteUp || resp.UserVotes["gpt-4o"] != model.VoteDown {
		t.Errorf("user votes = %v", resp.UserVotes)
	}
	if len(resp.Rankings) != 3 || resp.Rankings[0].ItemID != "grok" || resp.Rankings[2].ItemID != "gpt-4o" {
		t.Errorf("rankings = %v", resp.Rankings)
	}
	if resp.Stats.TopItem != "grok" || resp.Stats.TotalVotes != 3 {
		t.Errorf("stats = %+v", resp.Stats)
	}
}

func TestSyncService_Resync_NoVotes(t *testing.T) {
	svc, _ := newSyncFixture(t, nil, nil)

	resp, err := svc.Resync(context.Background(), "client-A-0001")
	if err != nil {
		t.Fatalf("resync: %v", err)
	}
	if resp.Stats.TopItem != "" {
		t.Errorf("top item with no votes = %q", resp.Stats.TopItem)
	}
	if resp.UserVotes == nil || len(resp.UserVotes) != 0 {
		t.Errorf("user votes = %v, want empty map", resp.UserVotes)
	}
}

func TestSyncService_Resync_Rejections(t *testing.T) {
	limiter := middleware.NewRateLimiter(nil, map[string]middleware.Limit{
		middleware.ActionSync: {Max: 1, Window: time.Minute},
	}, zerolog.Nop())
	svc, _ := newSyncFixture(t, nil, limiter)
	ctx := context.Background()

	if _, err := svc.Resync(ctx, "tiny"); model.ErrorKind(err) != model.KindValidation {
		t.Errorf("short fingerprint err = %v", err)
	}
	if _, err := svc.Resync(ctx, "client-A-0001"); err != nil {
		t.Fatalf("first resync: %v", err)
	}
	var rle *model.RateLimitedError
	if _, err := svc.Resync(ctx, "client-A-0001"); !errors.As(err, &rle) {
		t.Errorf("second resync err = %v, want rate limited", err)
	}
}

func TestSyncService_ReadsThroughCache(t *testing.T) {
	cache, mr := newTestCache(t)
	svc, store := newSyncFixture(t, cache, nil)
	ctx := context.Background()

	mustApply(t, store, "client-A-0001", "grok", model.VoteUp)
	votes, err := svc.AllVotes(ctx)
	if err != nil || votes["grok"] != 1 {
		t.Fatalf("all votes = %v, %v", votes, err)
	}
	if !mr.Exists("all_votes") {
		t.Fatal("all_votes not written to redis")
	}

	// A write that skips invalidation stays invisible until the key goes.
	mustApply(t, store, "client-B-0001", "grok", model.VoteUp)
	if votes, _ := svc.AllVotes(ctx); votes["grok"] != 1 {
		t.Errorf("expected cached total 1, got %d", votes["grok"])
	}
	cache.InvalidateVote(ctx, "grok", "client-B-0001")
	if votes, _ := svc.AllVotes(ctx); votes["grok"] != 2 {
		t.Errorf("after invalidation total = %d, want 2", votes["grok"])
	}
}

func TestSyncService_UserVotesCachedAsHash(t *testing.T) {
	cache, mr := newTestCache(t)
	svc, store := newSyncFixture(t, cache, nil)
	ctx := context.Background()

	mustApply(t, store, "client-A-0001", "grok", model.VoteDown)
	if _, err := svc.UserVotes(ctx, "client-A-0001"); err != nil {
		t.Fatalf("user votes: %v", err)
	}
	if got := mr.HGet("user_votes:client-A-0001", "grok"); got != "-1" {
		t.Errorf("hash field grok = %q", got)
	}

	// A client with no votes is cached too.
	votes, err := svc.UserVotes(ctx, "client-Z-0001")
	if err != nil || len(votes) != 0 {
		t.Fatalf("empty user votes = %v, %v", votes, err)
	}
	if !mr.Exists("user_votes:client-Z-0001") {
		t.Error("empty vote map not cached")
	}
	if votes, ok := cache.GetUserVotes(ctx, "client-Z-0001"); !ok || len(votes) != 0 {
		t.Errorf("cached empty map = %v, %v", votes, ok)
	}
}

func TestSyncService_Items(t *testing.T) {
	svc, store := newSyncFixture(t, nil, nil)
	ctx := context.Background()
	mustApply(t, store, "client-A-0001", "claude-3-5-sonnet", model.VoteUp)

	items, err := svc.Items(ctx)
	if err != nil {
		t.Fatalf("items: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("len = %d", len(items))
	}
	for _, it := range items {
		if it.ID == "claude-3-5-sonnet" && (it.Votes.Total != 1 || it.Rank != 1) {
			t.Errorf("claude entry = %+v", it)
		}
	}

	it, err := svc.Item(ctx, "claude-3-5-sonnet")
	if err != nil || it.Name != "Claude 3.5 Sonnet" || it.Votes.Voters != 1 {
		t.Errorf("item = %+v, %v", it, err)
	}
	if _, err := svc.Item(ctx, "llama-9"); !errors.Is(err, model.ErrUnknownItem) {
		t.Errorf("unknown item err = %v", err)
	}
	if _, err := svc.Item(ctx, "bad id"); model.ErrorKind(err) != model.KindValidation {
		t.Errorf("malformed item err = %v", err)
	}
}

func TestSyncService_Rollups(t *testing.T) {
	svc, store := newSyncFixture(t, nil, nil)
	ctx := context.Background()
	mustApply(t, store, "client-A-0001", "grok", model.VoteUp)
	mustApply(t, store, "client-A-0001", "grok", model.VoteNone)

	if _, err := store.RefreshRollups(ctx, model.GranularityHour, time.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	rollups, err := svc.Rollups(ctx, repository.RollupFilter{ItemID: "grok"})
	if err != nil {
		t.Fatalf("rollups: %v", err)
	}
	if len(rollups) != 1 || rollups[0].Upvotes != 1 || rollups[0].Retractions != 1 {
		t.Errorf("rollups = %+v", rollups)
	}
	if _, err := svc.Rollups(ctx, repository.RollupFilter{Granularity: "week"}); model.ErrorKind(err) != model.KindValidation {
		t.Errorf("bad granularity err = %v", err)
	}
}

func TestStatsWorker_FlushBatches(t *testing.T) {
	svc, store := newSyncFixture(t, nil, nil)
	pub := &recordingPublisher{}
	w := NewStatsWorker(svc, pub, time.Hour, zerolog.Nop())
	ctx := context.Background()

	w.flush(ctx)
	if pub.count() != 0 {
		t.Fatal("flush with nothing pending must not publish")
	}

	for i := 0; i < 50; i++ {
		mustApply(t, store, "client-"+string(rune('a'+i%26))+string(rune('a'+i/26))+"-0001", "grok", model.VoteUp)
		w.Notify("grok")
	}
	w.flush(ctx)

	if pub.count() != 2 {
		t.Fatalf("published %d events, want rankings + stats", pub.count())
	}
	if pub.events[0].Type != model.EventRankingsUpdate || pub.events[1].Type != model.EventStatsUpdate {
		t.Errorf("event types = %s, %s", pub.events[0].Type, pub.events[1].Type)
	}

	w.flush(ctx)
	if pub.count() != 2 {
		t.Error("second flush without new votes published again")
	}
}

func TestRollupWorker_Tick(t *testing.T) {
	store := repository.NewMemoryStore(serviceItems())
	mustApply(t, store, "client-A-0001", "gpt-4o", model.VoteUp)
	mustApply(t, store, "client-B-0001", "gpt-4o", model.VoteDown)

	w := NewRollupWorker(store, time.Minute, zerolog.Nop())
	w.tick(context.Background())

	for _, g := range []string{model.GranularityHour, model.GranularityDay} {
		rollups, err := store.ListRollups(context.Background(), repository.RollupFilter{Granularity: g, ItemID: "gpt-4o"})
		if err != nil {
			t.Fatalf("%s rollups: %v", g, err)
		}
		if len(rollups) != 1 || rollups[0].Events != 2 || rollups[0].Upvotes != 1 || rollups[0].Downvotes != 1 {
			t.Errorf("%s rollups = %+v", g, rollups)
		}
	}
}

func TestRollupWorker_Stop(t *testing.T) {
	w := NewRollupWorker(repository.NewMemoryStore(serviceItems()), time.Hour, zerolog.Nop())
	done := make(chan struct{})
	go func() {
		w.Start(context.Background())
		close(done)
	}()
	w.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}

// gatedStore holds its first GetUserVotes after reading until release closes.
type gatedStore struct {
	repository.Store
	once    sync.Once
	read    chan struct{}
	release chan struct{}
}

func (g *gatedStore) GetUserVotes(ctx context.Context, fp string) (map[string]model.VoteValue, error) {
	votes, err := g.Store.GetUserVotes(ctx, fp)
	g.once.Do(func() {
		close(g.read)
		<-g.release
	})
	return votes, err
}

func TestSyncService_UserVotesFillRacingVote(t *testing.T) {
	cache, _ := newTestCache(t)
	f := newVoteFixture(t, nil, cache, nil, VoteOptions{})
	gate := &gatedStore{Store: f.store, read: make(chan struct{}), release: make(chan struct{})}
	svc := NewSyncService(gate, cache, NewFraudService(cache, zerolog.Nop()), nil, zerolog.Nop())
	ctx := context.Background()

	done := make(chan map[string]model.VoteValue, 1)
	go func() {
		votes, err := svc.UserVotes(ctx, "client-A-0001")
		if err != nil {
			t.Errorf("user votes: %v", err)
		}
		done <- votes
	}()

	<-gate.read
	if _, err := f.svc.Submit(ctx, voteReq("client-A-0001", "grok", 1)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	close(gate.release)

	if stale := <-done; len(stale) != 0 {
		t.Fatalf("fill read %v, expected the pre-vote map", stale)
	}

	votes, err := svc.UserVotes(ctx, "client-A-0001")
	if err != nil {
		t.Fatalf("user votes: %v", err)
	}
	if votes["grok"] != model.VoteUp {
		t.Errorf("user votes after racing fill = %v, want grok:+1", votes)
	}
}

func TestCacheService_SetUserVotesStaleVersion(t *testing.T) {
	cache, mr := newTestCache(t)
	ctx := context.Background()

	version, ok := cache.UserVotesVersion(ctx, "client-A-0001")
	if !ok || version != "" {
		t.Fatalf("initial version = %q, %v", version, ok)
	}
	cache.InvalidateVote(ctx, "grok", "client-A-0001")

	cache.SetUserVotes(ctx, "client-A-0001", map[string]model.VoteValue{}, version)
	if mr.Exists("user_votes:client-A-0001") {
		t.Error("fill written after a newer vote")
	}

	version, _ = cache.UserVotesVersion(ctx, "client-A-0001")
	cache.SetUserVotes(ctx, "client-A-0001", map[string]model.VoteValue{"grok": model.VoteUp}, version)
	if got := mr.HGet("user_votes:client-A-0001", "grok"); got != "1" {
		t.Errorf("current fill not written, grok = %q", got)
	}
}

// primaryCheckStore records whether rebuild reads asked for the primary.
type primaryCheckStore struct {
	repository.Store
	mu      sync.Mutex
	replica []string
}

func (p *primaryCheckStore) note(ctx context.Context, op string) {
	if !repository.PrimaryRequested(ctx) {
		p.mu.Lock()
		p.replica = append(p.replica, op)
		p.mu.Unlock()
	}
}

func (p *primaryCheckStore) ListAggregates(ctx context.Context) ([]model.Aggregate, error) {
	p.note(ctx, "ListAggregates")
	return p.Store.ListAggregates(ctx)
}

func (p *primaryCheckStore) ReadStats(ctx context.Context, now time.Time) (*model.GlobalStats, error) {
	p.note(ctx, "ReadStats")
	return p.Store.ReadStats(ctx, now)
}

func TestSyncService_RefreshReadsPrimary(t *testing.T) {
	store := repository.NewMemoryStore(serviceItems())
	check := &primaryCheckStore{Store: store}
	cache := NewCacheService(nil, CacheOptions{}, zerolog.Nop())
	svc := NewSyncService(check, cache, NewFraudService(cache, zerolog.Nop()), nil, zerolog.Nop())
	mustApply(t, store, "client-A-0001", "grok", model.VoteUp)

	rankings, stats, err := svc.Refresh(context.Background())
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if rankings[0].ItemID != "grok" || stats.TotalVotes != 1 {
		t.Errorf("rankings = %v, stats = %+v", rankings, stats)
	}
	if len(check.replica) != 0 {
		t.Errorf("rebuild reads allowed on replicas: %v", check.replica)
	}
}
