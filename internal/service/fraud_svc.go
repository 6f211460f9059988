package service

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Taimoorkn/llm-popularity-tracker/internal/metrics"
	"github.com/Taimoorkn/llm-popularity-tracker/internal/model"
	"github.com/Taimoorkn/llm-popularity-tracker/pkg/hash"
)

const (
	// More than rapidVoteLimit votes inside rapidVoteWindow.
	rapidVoteLimit  = 10
	rapidVoteWindow = time.Minute

	// More than repeatLimit identical actions inside repeatWindow.
	repeatLimit  = 5
	repeatWindow = 5 * time.Minute

	// At least flipLimit value changes among the last flipSample votes.
	flipLimit  = 5
	flipSample = 10

	indicatorWeight = 25
	maxRiskScore    = 100

	activityMax = 100
	activityTTL = 24 * time.Hour
)

// Assess scores one action against the client's recent history. history is
// newest first and must not include current. Assess has no side effects.
func Assess(history []model.ActivityRecord, current model.ActivityRecord, now time.Time) model.Assessment {
	all := make([]model.ActivityRecord, 0, len(history)+1)
	all = append(all, current)
	all = append(all, history...)

	var indicators []string
	if rapidVoting(all, now) {
		indicators = append(indicators, model.IndicatorRapidVoting)
	}
	if repeatedRequests(all, current, now) {
		indicators = append(indicators, model.IndicatorRepeatedRequests)
	}
	if alternatingVotes(all) {
		indicators = append(indicators, model.IndicatorAlternatingVotes)
	}

	score := min(len(indicators)*indicatorWeight, maxRiskScore)
	if indicators == nil {
		indicators = []string{}
	}
	return model.Assessment{
		Suspicious: len(indicators) > 0,
		RiskScore:  score,
		Indicators: indicators,
	}
}

func rapidVoting(all []model.ActivityRecord, now time.Time) bool {
	cutoff := now.Add(-rapidVoteWindow)
	n := 0
	for _, r := range all {
		if r.At.Before(cutoff) {
			continue
		}
		if r.Action == model.ActionVote {
			n++
		}
	}
	return n > rapidVoteLimit
}

func repeatedRequests(all []model.ActivityRecord, current model.ActivityRecord, now time.Time) bool {
	cutoff := now.Add(-repeatWindow)
	n := 0
	for _, r := range all {
		if !r.At.Before(cutoff) && r.SameContext(current) {
			n++
		}
	}
	return n > repeatLimit
}

func alternatingVotes(all []model.ActivityRecord) bool {
	values := make([]model.VoteValue, 0, flipSample)
	for _, r := range all {
		if r.Action != model.ActionVote {
			continue
		}
		values = append(values, r.Value)
		if len(values) == flipSample {
			break
		}
	}
	changes := 0
	for i := 1; i < len(values); i++ {
		if values[i] != values[i-1] {
			changes++
		}
	}
	return changes >= flipLimit
}

// FraudService records client activity and assesses each action. History is
// kept in Redis so every instance sees the same window; without Redis it
// falls back to a per-process log.
type FraudService struct {
	cache *CacheService
	log   zerolog.Logger
	now   func() time.Time

	mu    sync.Mutex
	local map[string][]model.ActivityRecord
}

func NewFraudService(cache *CacheService, log zerolog.Logger) *FraudService {
	return &FraudService{
		cache: cache,
		log:   log.With().Str("component", "fraud").Logger(),
		now:   time.Now,
		local: make(map[string][]model.ActivityRecord),
	}
}

// Check assesses an action and then records it. It never fails: a history
// that cannot be read is treated as empty.
func (s *FraudService) Check(ctx context.Context, fingerprint string, action model.ActivityRecord) model.Assessment {
	now := s.now()
	if action.At.IsZero() {
		action.At = now
	}

	history, err := s.cache.Activity(ctx, fingerprint, activityMax)
	if err != nil {
		history = s.localHistory(fingerprint)
	}

	a := Assess(history, action, now)

	if err := s.cache.PushActivity(ctx, fingerprint, action, activityMax, activityTTL); err != nil {
		s.pushLocal(fingerprint, action, now)
	}

	if a.Suspicious {
		for _, ind := range a.Indicators {
			metrics.FraudIndicators.WithLabelValues(ind).Inc()
		}
		s.log.Warn().
			Str("fingerprint", hash.ForLog(fingerprint)).
			Str("action", action.Action).
			Str("item_id", action.ItemID).
			Int("risk_score", a.RiskScore).
			Strs("indicators", a.Indicators).
			Msg("suspicious activity")
	}
	return a
}

func (s *FraudService) localHistory(fingerprint string) []model.ActivityRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.ActivityRecord(nil), s.local[fingerprint]...)
}

func (s *FraudService) pushLocal(fingerprint string, rec model.ActivityRecord, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := append([]model.ActivityRecord{rec}, s.local[fingerprint]...)
	cutoff := now.Add(-activityTTL)
	for i, r := range list {
		if r.At.Before(cutoff) || i >= activityMax {
			list = list[:i]
			break
		}
	}
	s.local[fingerprint] = list

	// Drop idle fingerprints so the map does not grow without bound.
	if len(s.local) > 10*activityMax {
		for fp, l := range s.local {
			if len(l) == 0 || l[0].At.Before(now.Add(-repeatWindow)) {
				delete(s.local, fp)
			}
		}
	}
}
