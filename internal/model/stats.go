package model

import (
	"sort"
	"time"
)

// GlobalStats is a derived snapshot over all items.
type GlobalStats struct {
	TotalVotes    int64     `json:"totalVotes"`
	VotesToday    int64     `json:"votesToday"`
	VotesLastHour int64     `json:"votesLastHour"`
	TopItem       string    `json:"topItem,omitempty"`
	Trending      []string  `json:"trending"`
	LastUpdated   time.Time `json:"lastUpdated"`
}

// RankingEntry is one position in the ranking.
type RankingEntry struct {
	ItemID string `json:"itemId"`
	Total  int64  `json:"total"`
	Rank   int    `json:"rank"`
}

// BuildRankings orders items by total descending, breaking ties by item id.
// Equal totals share a rank (1, 2, 2, 4).
func BuildRankings(totals map[string]int64) []RankingEntry {
	out := make([]RankingEntry, 0, len(totals))
	for id, total := range totals {
		out = append(out, RankingEntry{ItemID: id, Total: total})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Total != out[j].Total {
			return out[i].Total > out[j].Total
		}
		return out[i].ItemID < out[j].ItemID
	})
	for i := range out {
		if i > 0 && out[i].Total == out[i-1].Total {
			out[i].Rank = out[i-1].Rank
			continue
		}
		out[i].Rank = i + 1
	}
	return out
}

// TopItem returns the first ranked item, or "" for an empty ranking.
func TopItem(rankings []RankingEntry) string {
	if len(rankings) == 0 {
		return ""
	}
	return rankings[0].ItemID
}

// ResyncResponse is the full state a client needs to reconcile its local view.
// Server aggregates always win over optimistic local deltas.
type ResyncResponse struct {
	Votes     map[string]int64     `json:"votes"`
	UserVotes map[string]VoteValue `json:"userVotes"`
	Rankings  []RankingEntry       `json:"rankings"`
	Stats     *GlobalStats         `json:"stats"`
	Timestamp time.Time            `json:"timestamp"`
}

// PublicVotesResponse is the anonymous view: totals without any client state.
type PublicVotesResponse struct {
	Votes     map[string]int64 `json:"votes"`
	Rankings  []RankingEntry   `json:"rankings"`
	Stats     *GlobalStats     `json:"stats"`
	Timestamp time.Time        `json:"timestamp"`
}

// StatsResponse is the public aggregate view.
type StatsResponse struct {
	Stats     *GlobalStats   `json:"stats"`
	Rankings  []RankingEntry `json:"rankings"`
	Timestamp time.Time      `json:"timestamp"`
}

// Rollup granularities.
const (
	GranularityHour = "hour"
	GranularityDay  = "day"
)

// Rollup is an hourly or daily per-item summary of the audit log.
type Rollup struct {
	Granularity string    `json:"granularity"`
	BucketStart time.Time `json:"bucketStart"`
	ItemID      string    `json:"itemId"`
	Upvotes     int64     `json:"upvotes"`
	Downvotes   int64     `json:"downvotes"`
	Retractions int64     `json:"retractions"`
	Events      int64     `json:"events"`
}

// Truncate returns the bucket start for t at the given granularity (UTC).
func Truncate(granularity string, t time.Time) time.Time {
	t = t.UTC()
	if granularity == GranularityDay {
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	}
	return t.Truncate(time.Hour)
}
