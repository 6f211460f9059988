package repository

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Taimoorkn/llm-popularity-tracker/internal/model"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"serialization failure", &pgconn.PgError{Code: "40001"}, true},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, true},
		{"lock timeout", &pgconn.PgError{Code: "55P03"}, true},
		{"concurrent first insert", &pgconn.PgError{Code: "23505"}, true},
		{"wrapped", fmt.Errorf("apply: %w", &pgconn.PgError{Code: "40001"}), true},
		{"check violation", &pgconn.PgError{Code: "23514"}, false},
		{"syntax error", &pgconn.PgError{Code: "42601"}, false},
		{"plain error", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	err := classify(&pgconn.PgError{Code: "40P01"})
	if !errors.Is(err, model.ErrTransient) {
		t.Errorf("deadlock should classify as transient, got %v", err)
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		t.Error("classified error should keep the pg error")
	}
	if errors.Is(classify(errors.New("boom")), model.ErrTransient) {
		t.Error("plain errors are not transient")
	}
}

func TestPGStore_ReadPool(t *testing.T) {
	ctx := context.Background()
	newPool := func(host string) *pgxpool.Pool {
		t.Helper()
		// Pools connect lazily, so unreachable hosts are fine here.
		p, err := pgxpool.New(ctx, "postgres://llm:pw@"+host+":5432/llm_tracker")
		if err != nil {
			t.Fatalf("pool %s: %v", host, err)
		}
		t.Cleanup(p.Close)
		return p
	}
	primary, r1, r2 := newPool("primary.invalid"), newPool("replica1.invalid"), newPool("replica2.invalid")

	if p, replica := NewPGStore(primary, nil, 0).readPool(ctx); p != primary || replica {
		t.Error("store without replicas must read the primary")
	}

	s := NewPGStore(primary, []*pgxpool.Pool{r1, r2}, 0)
	hits := map[*pgxpool.Pool]int{}
	for i := 0; i < 4; i++ {
		p, replica := s.readPool(ctx)
		if !replica {
			t.Fatalf("read %d went to the primary", i)
		}
		hits[p]++
	}
	if hits[r1] != 2 || hits[r2] != 2 {
		t.Errorf("replica reads = %d/%d, want round-robin 2/2", hits[r1], hits[r2])
	}

	if p, replica := s.readPool(WithPrimary(ctx)); p != primary || replica {
		t.Error("WithPrimary read went to a replica")
	}
}

// TestPGStore_Integration runs against a real database when TEST_DATABASE_URL
// is set. The schema must already exist.
func TestPGStore_Integration(t *testing.T) {
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer pool.Close()

	itemID := fmt.Sprintf("it-test-%d", time.Now().UnixNano())
	if _, err := pool.Exec(ctx, `INSERT INTO items (id, name, company) VALUES ($1, 'Test', 'Test')`, itemID); err != nil {
		t.Fatalf("insert item: %v", err)
	}
	if _, err := pool.Exec(ctx, `INSERT INTO item_aggregates (item_id) VALUES ($1)`, itemID); err != nil {
		t.Fatalf("insert aggregate: %v", err)
	}
	t.Cleanup(func() {
		c := context.Background()
		pool.Exec(c, `DELETE FROM vote_rollups WHERE item_id = $1`, itemID)
		pool.Exec(c, `DELETE FROM vote_events WHERE item_id = $1`, itemID)
		pool.Exec(c, `DELETE FROM votes WHERE item_id = $1`, itemID)
		pool.Exec(c, `DELETE FROM item_aggregates WHERE item_id = $1`, itemID)
		pool.Exec(c, `DELETE FROM items WHERE id = $1`, itemID)
	})

	s := NewPGStore(pool, nil, time.Second)

	const clients = 20
	var wg sync.WaitGroup
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			fp := fmt.Sprintf("pg-client-%04d", i)
			for attempt := 0; attempt < 3; attempt++ {
				_, err := s.ApplyVote(ctx, vote(fp, itemID, model.VoteUp))
				if err == nil {
					return
				}
				if !errors.Is(err, model.ErrTransient) {
					t.Errorf("ApplyVote: %v", err)
					return
				}
			}
		}(i)
	}
	wg.Wait()

	agg, err := s.GetAggregate(ctx, itemID)
	if err != nil {
		t.Fatalf("GetAggregate: %v", err)
	}
	if agg.Total != clients || !agg.Consistent() {
		t.Errorf("aggregate = %+v, want total %d", agg, clients)
	}

	out, err := s.ApplyVote(ctx, vote("pg-client-0000", itemID, model.VoteNone))
	if err != nil || out.Previous != model.VoteUp || out.Aggregate.Total != clients-1 {
		t.Errorf("retract: out=%+v err=%v", out, err)
	}

	if _, err := s.ApplyVote(ctx, vote("pg-client-0000", "missing-item-xyz", model.VoteUp)); !errors.Is(err, model.ErrUnknownItem) {
		t.Errorf("unknown item err = %v", err)
	}

	drifts, err := s.RebuildAggregates(ctx)
	if err != nil {
		t.Fatalf("RebuildAggregates: %v", err)
	}
	for _, d := range drifts {
		if d.ItemID == itemID {
			t.Errorf("unexpected drift %+v", d)
		}
	}
}
