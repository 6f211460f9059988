package repository

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Taimoorkn/llm-popularity-tracker/internal/model"
)

// querier is the read surface shared by the primary and replica pools.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGStore is the Postgres-backed Store. Writes and client vote maps go to the
// primary; aggregate and stats reads rotate across replicas and fall back to
// the primary when a replica fails.
type PGStore struct {
	primary     *pgxpool.Pool
	replicas    []*pgxpool.Pool
	next        atomic.Uint64
	lockTimeout time.Duration
}

// NewPGStore creates a store. lockTimeout bounds how long a vote waits for
// the item's aggregate row lock.
func NewPGStore(primary *pgxpool.Pool, replicas []*pgxpool.Pool, lockTimeout time.Duration) *PGStore {
	if lockTimeout <= 0 {
		lockTimeout = time.Second
	}
	return &PGStore{primary: primary, replicas: replicas, lockTimeout: lockTimeout}
}

// ApplyVote locks the item's aggregate row, reads the client's previous vote,
// writes the new vote (deleting on zero), appends the audit event and applies
// the transition delta, all in one transaction.
func (s *PGStore) ApplyVote(ctx context.Context, cmd model.VoteCommand) (model.VoteOutcome, error) {
	tx, err := s.primary.Begin(ctx)
	if err != nil {
		return model.VoteOutcome{}, classify(err)
	}
	defer tx.Rollback(ctx)

	if _, err = tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())); err != nil {
		return model.VoteOutcome{}, classify(err)
	}

	agg := model.Aggregate{ItemID: cmd.ItemID}
	err = tx.QueryRow(ctx, `
		SELECT total, positive, negative, updated_at
		FROM item_aggregates WHERE item_id = $1
		FOR UPDATE`, cmd.ItemID).Scan(&agg.Total, &agg.Positive, &agg.Negative, &agg.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.VoteOutcome{}, model.ErrUnknownItem
	}
	if err != nil {
		return model.VoteOutcome{}, classify(err)
	}

	var prev int16
	err = tx.QueryRow(ctx, `
		SELECT value FROM votes WHERE fingerprint = $1 AND item_id = $2`,
		cmd.Fingerprint, cmd.ItemID).Scan(&prev)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return model.VoteOutcome{}, classify(err)
	}
	previous := model.VoteValue(prev)

	if previous == cmd.Value {
		if err := tx.Commit(ctx); err != nil {
			return model.VoteOutcome{}, classify(err)
		}
		return model.VoteOutcome{Aggregate: agg, Previous: previous, Current: previous, Unchanged: true}, nil
	}

	if cmd.Value == model.VoteNone {
		_, err = tx.Exec(ctx, `DELETE FROM votes WHERE fingerprint = $1 AND item_id = $2`,
			cmd.Fingerprint, cmd.ItemID)
	} else {
		_, err = tx.Exec(ctx, `
			INSERT INTO votes (fingerprint, item_id, value, previous_value, ip_hash, user_agent)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (fingerprint, item_id) DO UPDATE
			SET value = EXCLUDED.value, previous_value = votes.value,
			    ip_hash = EXCLUDED.ip_hash, user_agent = EXCLUDED.user_agent, updated_at = NOW()`,
			cmd.Fingerprint, cmd.ItemID, int16(cmd.Value), prev, cmd.IPHash, cmd.UserAgent)
	}
	if err != nil {
		return model.VoteOutcome{}, classify(err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO vote_events (fingerprint, item_id, value, previous_value, ip_hash, user_agent)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		cmd.Fingerprint, cmd.ItemID, int16(cmd.Value), prev, cmd.IPHash, cmd.UserAgent)
	if err != nil {
		return model.VoteOutcome{}, classify(err)
	}

	d := model.Transition(previous, cmd.Value)
	err = tx.QueryRow(ctx, `
		UPDATE item_aggregates
		SET total = total + $2, positive = positive + $3, negative = negative + $4, updated_at = NOW()
		WHERE item_id = $1
		RETURNING total, positive, negative, updated_at`,
		cmd.ItemID, d.Total, d.Positive, d.Negative).Scan(&agg.Total, &agg.Positive, &agg.Negative, &agg.UpdatedAt)
	if err != nil {
		return model.VoteOutcome{}, classify(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.VoteOutcome{}, classify(err)
	}
	return model.VoteOutcome{Aggregate: agg, Previous: previous, Current: cmd.Value}, nil
}

func (s *PGStore) GetAggregate(ctx context.Context, itemID string) (model.Aggregate, error) {
	agg := model.Aggregate{ItemID: itemID}
	err := s.read(ctx, func(q querier) error {
		return q.QueryRow(ctx, `
			SELECT total, positive, negative, updated_at
			FROM item_aggregates WHERE item_id = $1`, itemID).
			Scan(&agg.Total, &agg.Positive, &agg.Negative, &agg.UpdatedAt)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return agg, model.ErrUnknownItem
	}
	return agg, err
}

func (s *PGStore) ListAggregates(ctx context.Context) ([]model.Aggregate, error) {
	var out []model.Aggregate
	err := s.read(ctx, func(q querier) error {
		out = out[:0]
		rows, err := q.Query(ctx, `
			SELECT item_id, total, positive, negative, updated_at
			FROM item_aggregates
			ORDER BY total DESC, item_id`)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var a model.Aggregate
			if err := rows.Scan(&a.ItemID, &a.Total, &a.Positive, &a.Negative, &a.UpdatedAt); err != nil {
				return err
			}
			out = append(out, a)
		}
		return rows.Err()
	})
	return out, err
}

func (s *PGStore) GetUserVotes(ctx context.Context, fingerprint string) (map[string]model.VoteValue, error) {
	rows, err := s.primary.Query(ctx, `SELECT item_id, value FROM votes WHERE fingerprint = $1`, fingerprint)
	if err != nil {
		return nil, fmt.Errorf("query user votes: %w", err)
	}
	defer rows.Close()

	votes := make(map[string]model.VoteValue)
	for rows.Next() {
		var itemID string
		var value int16
		if err := rows.Scan(&itemID, &value); err != nil {
			return nil, err
		}
		votes[itemID] = model.VoteValue(value)
	}
	return votes, rows.Err()
}

func (s *PGStore) ListItems(ctx context.Context) ([]model.Item, error) {
	var items []model.Item
	err := s.read(ctx, func(q querier) error {
		items = items[:0]
		rows, err := q.Query(ctx, `
			SELECT id, name, company, COALESCE(release_year, 0), COALESCE(logo, '')
			FROM items ORDER BY id`)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var it model.Item
			if err := rows.Scan(&it.ID, &it.Name, &it.Company, &it.ReleaseYear, &it.Logo); err != nil {
				return err
			}
			items = append(items, it)
		}
		return rows.Err()
	})
	return items, err
}

func (s *PGStore) GetItem(ctx context.Context, itemID string) (*model.Item, error) {
	var it model.Item
	err := s.read(ctx, func(q querier) error {
		return q.QueryRow(ctx, `
			SELECT id, name, company, COALESCE(release_year, 0), COALESCE(logo, '')
			FROM items WHERE id = $1`, itemID).
			Scan(&it.ID, &it.Name, &it.Company, &it.ReleaseYear, &it.Logo)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrUnknownItem
	}
	if err != nil {
		return nil, err
	}
	return &it, nil
}

func (s *PGStore) ReadStats(ctx context.Context, now time.Time) (*model.GlobalStats, error) {
	now = now.UTC()
	dayStart := model.Truncate(model.GranularityDay, now)
	hourAgo := now.Add(-time.Hour)

	stats := &model.GlobalStats{Trending: []string{}, LastUpdated: now}
	err := s.read(ctx, func(q querier) error {
		stats.Trending = stats.Trending[:0]
		err := q.QueryRow(ctx, `
			SELECT
				(SELECT COUNT(*) FROM votes),
				(SELECT COUNT(*) FROM vote_events WHERE value <> 0 AND created_at >= $1),
				(SELECT COUNT(*) FROM vote_events WHERE value <> 0 AND created_at >= $2)`,
			dayStart, hourAgo).Scan(&stats.TotalVotes, &stats.VotesToday, &stats.VotesLastHour)
		if err != nil {
			return err
		}

		rows, err := q.Query(ctx, `
			SELECT item_id FROM vote_events
			WHERE created_at >= $1
			GROUP BY item_id
			ORDER BY COUNT(*) DESC, item_id
			LIMIT $2`, hourAgo, trendingSize)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return err
			}
			stats.Trending = append(stats.Trending, id)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// RefreshRollups recomputes every bucket at or after since from the audit
// log. Buckets are replaced, never incremented, so re-running is harmless.
func (s *PGStore) RefreshRollups(ctx context.Context, granularity string, since time.Time) (int64, error) {
	tag, err := s.primary.Exec(ctx, `
		INSERT INTO vote_rollups (granularity, bucket_start, item_id, upvotes, downvotes, retractions, events)
		SELECT $1::text,
		       date_trunc($1::text, created_at AT TIME ZONE 'UTC') AT TIME ZONE 'UTC' AS bucket,
		       item_id,
		       COUNT(*) FILTER (WHERE value = 1),
		       COUNT(*) FILTER (WHERE value = -1),
		       COUNT(*) FILTER (WHERE value = 0),
		       COUNT(*)
		FROM vote_events
		WHERE created_at >= $2
		GROUP BY bucket, item_id
		ON CONFLICT (granularity, bucket_start, item_id) DO UPDATE
		SET upvotes = EXCLUDED.upvotes, downvotes = EXCLUDED.downvotes,
		    retractions = EXCLUDED.retractions, events = EXCLUDED.events`,
		granularity, model.Truncate(granularity, since))
	if err != nil {
		return 0, fmt.Errorf("refresh %s rollups: %w", granularity, err)
	}
	return tag.RowsAffected(), nil
}

func (s *PGStore) ListRollups(ctx context.Context, f RollupFilter) ([]model.Rollup, error) {
	var out []model.Rollup
	err := s.read(ctx, func(q querier) error {
		out = out[:0]
		rows, err := q.Query(ctx, `
			SELECT granularity, bucket_start, item_id, upvotes, downvotes, retractions, events
			FROM vote_rollups
			WHERE ($1 = '' OR granularity = $1)
			  AND bucket_start >= $2
			  AND ($3 = '' OR item_id = $3)
			ORDER BY bucket_start DESC, item_id
			LIMIT $4`,
			f.Granularity, f.Since, f.ItemID, rollupLimit(f.Limit))
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var r model.Rollup
			if err := rows.Scan(&r.Granularity, &r.BucketStart, &r.ItemID,
				&r.Upvotes, &r.Downvotes, &r.Retractions, &r.Events); err != nil {
				return err
			}
			out = append(out, r)
		}
		return rows.Err()
	})
	return out, err
}

// RebuildAggregates holds an exclusive lock on item_aggregates for the
// duration, so concurrent vote transactions wait rather than interleave.
func (s *PGStore) RebuildAggregates(ctx context.Context) ([]AggregateDrift, error) {
	tx, err := s.primary.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `LOCK TABLE item_aggregates IN EXCLUSIVE MODE`); err != nil {
		return nil, fmt.Errorf("lock aggregates: %w", err)
	}

	rows, err := tx.Query(ctx, `
		WITH live AS (
			SELECT item_id,
			       SUM(value)::bigint AS total,
			       COUNT(*) FILTER (WHERE value = 1) AS positive,
			       COUNT(*) FILTER (WHERE value = -1) AS negative
			FROM votes
			GROUP BY item_id
		)
		SELECT i.id,
		       COALESCE(a.total, 0), COALESCE(a.positive, 0), COALESCE(a.negative, 0),
		       COALESCE(l.total, 0), COALESCE(l.positive, 0), COALESCE(l.negative, 0)
		FROM items i
		LEFT JOIN item_aggregates a ON a.item_id = i.id
		LEFT JOIN live l ON l.item_id = i.id
		ORDER BY i.id`)
	if err != nil {
		return nil, fmt.Errorf("compute aggregates: %w", err)
	}

	var drifts []AggregateDrift
	for rows.Next() {
		d := AggregateDrift{}
		if err := rows.Scan(&d.ItemID,
			&d.Stored.Total, &d.Stored.Positive, &d.Stored.Negative,
			&d.Actual.Total, &d.Actual.Positive, &d.Actual.Negative); err != nil {
			rows.Close()
			return nil, err
		}
		d.Stored.ItemID, d.Actual.ItemID = d.ItemID, d.ItemID
		if d.Stored.Total != d.Actual.Total || d.Stored.Positive != d.Actual.Positive ||
			d.Stored.Negative != d.Actual.Negative {
			drifts = append(drifts, d)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, d := range drifts {
		_, err := tx.Exec(ctx, `
			INSERT INTO item_aggregates (item_id, total, positive, negative, updated_at)
			VALUES ($1, $2, $3, $4, NOW())
			ON CONFLICT (item_id) DO UPDATE
			SET total = EXCLUDED.total, positive = EXCLUDED.positive,
			    negative = EXCLUDED.negative, updated_at = NOW()`,
			d.ItemID, d.Actual.Total, d.Actual.Positive, d.Actual.Negative)
		if err != nil {
			return nil, fmt.Errorf("repair aggregate %s: %w", d.ItemID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return drifts, nil
}

func (s *PGStore) Ping(ctx context.Context) error {
	return s.primary.Ping(ctx)
}

// read runs fn against the next replica, retrying on the primary if the
// replica fails. ErrNoRows is an answer, not a failure.
func (s *PGStore) read(ctx context.Context, fn func(q querier) error) error {
	pool, replica := s.readPool(ctx)
	err := fn(pool)
	if !replica || err == nil || errors.Is(err, pgx.ErrNoRows) || ctx.Err() != nil {
		return err
	}
	return fn(s.primary)
}

// readPool picks the next replica, or the primary when there are none or
// ctx came from WithPrimary.
func (s *PGStore) readPool(ctx context.Context) (*pgxpool.Pool, bool) {
	if len(s.replicas) == 0 || PrimaryRequested(ctx) {
		return s.primary, false
	}
	return s.replicas[s.next.Add(1)%uint64(len(s.replicas))], true
}

// classify wraps retryable failures with model.ErrTransient.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if IsTransient(err) {
		return fmt.Errorf("%w: %w", model.ErrTransient, err)
	}
	return err
}

// Postgres error codes treated as transient.
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeLockNotAvailable     = "55P03"
	codeUniqueViolation      = "23505"
	codeTooManyConnections   = "53300"
	codeAdminShutdown        = "57P01"
)

// IsTransient reports whether a Postgres error is worth retrying.
func IsTransient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeSerializationFailure, codeDeadlockDetected, codeLockNotAvailable,
			codeUniqueViolation, codeTooManyConnections, codeAdminShutdown:
			return true
		}
		return false
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	return pgconn.SafeToRetry(err) || pgconn.Timeout(err)
}
