package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/Taimoorkn/llm-popularity-tracker/internal/metrics"
	"github.com/Taimoorkn/llm-popularity-tracker/internal/middleware"
	"github.com/Taimoorkn/llm-popularity-tracker/internal/model"
	"github.com/Taimoorkn/llm-popularity-tracker/internal/repository"
	"github.com/Taimoorkn/llm-popularity-tracker/pkg/hash"
)

// Limiter rejects requests over their action's window with a
// *model.RateLimitedError.
type Limiter interface {
	Check(ctx context.Context, action, key string) error
}

// Publisher fans an event out to subscribers on every instance.
type Publisher interface {
	Publish(ctx context.Context, ev model.Event)
}

// StatsNotifier is told which items changed so rankings and stats can be
// rebuilt in batches.
type StatsNotifier interface {
	Notify(itemID string)
}

// VoteOptions are the vote path's policy knobs.
type VoteOptions struct {
	TxTimeout           time.Duration
	MaxAttempts         int
	BlockThreshold      int
	RestrictionDuration time.Duration
	IPHashSalt          string
}

type VoteService struct {
	store   repository.Store
	cache   *CacheService
	fraud   *FraudService
	limiter Limiter
	pub     Publisher
	stats   StatsNotifier
	opts    VoteOptions
	log     zerolog.Logger
	now     func() time.Time
}

func NewVoteService(store repository.Store, cache *CacheService, fraud *FraudService, limiter Limiter,
	pub Publisher, stats StatsNotifier, opts VoteOptions, log zerolog.Logger) *VoteService {
	if opts.TxTimeout <= 0 {
		opts.TxTimeout = 3 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.BlockThreshold <= 0 {
		opts.BlockThreshold = 50
	}
	if opts.RestrictionDuration <= 0 {
		opts.RestrictionDuration = 5 * time.Minute
	}
	return &VoteService{
		store:   store,
		cache:   cache,
		fraud:   fraud,
		limiter: limiter,
		pub:     pub,
		stats:   stats,
		opts:    opts,
		log:     log.With().Str("component", "vote").Logger(),
		now:     time.Now,
	}
}

// Submit validates, screens and applies one vote. The result is returned
// only after the store transaction has committed.
func (s *VoteService) Submit(ctx context.Context, req model.VoteRequest) (*model.VoteResult, error) {
	cmd, err := s.validate(req)
	if err != nil {
		metrics.VotesTotal.WithLabelValues("invalid", model.KindValidation).Inc()
		return nil, err
	}
	label := cmd.Value.String()

	if s.cache.IsRestricted(ctx, cmd.Fingerprint) {
		metrics.VotesTotal.WithLabelValues(label, model.KindSuspicious).Inc()
		return nil, fmt.Errorf("%w: fingerprint temporarily restricted", model.ErrSuspiciousActivity)
	}

	if s.limiter != nil {
		if err := s.limiter.Check(ctx, middleware.ActionVote, cmd.Fingerprint); err != nil {
			metrics.VotesTotal.WithLabelValues(label, model.ErrorKind(err)).Inc()
			return nil, err
		}
	}

	a := s.fraud.Check(ctx, cmd.Fingerprint, model.ActivityRecord{
		Action: model.ActionVote,
		ItemID: cmd.ItemID,
		Value:  cmd.Value,
	})
	if a.RiskScore > s.opts.BlockThreshold {
		s.cache.SetRestriction(context.WithoutCancel(ctx), cmd.Fingerprint, s.opts.RestrictionDuration)
		metrics.FraudBlocks.Inc()
		metrics.VotesTotal.WithLabelValues(label, model.KindSuspicious).Inc()
		s.log.Warn().
			Str("fingerprint", hash.ForLog(cmd.Fingerprint)).
			Int("risk_score", a.RiskScore).
			Strs("indicators", a.Indicators).
			Dur("restriction", s.opts.RestrictionDuration).
			Msg("vote blocked")
		return nil, fmt.Errorf("%w: risk score %d", model.ErrSuspiciousActivity, a.RiskScore)
	}

	out, err := s.apply(ctx, cmd)
	if err != nil {
		kind := model.ErrorKind(err)
		metrics.VotesTotal.WithLabelValues(label, kind).Inc()
		if kind == model.KindInternal || kind == model.KindTransient {
			s.log.Error().Err(err).
				Str("fingerprint", hash.ForLog(cmd.Fingerprint)).
				Str("item_id", cmd.ItemID).
				Msg("vote failed")
		}
		return nil, err
	}

	if out.Unchanged {
		metrics.VotesTotal.WithLabelValues(label, "unchanged").Inc()
	} else {
		metrics.VotesTotal.WithLabelValues(label, "applied").Inc()
		s.afterCommit(context.WithoutCancel(ctx), cmd, out)
	}

	return &model.VoteResult{
		Success:      true,
		Unchanged:    out.Unchanged,
		Aggregate:    out.Aggregate.DTO(),
		UserVote:     out.Current,
		PreviousVote: out.Previous,
	}, nil
}

func (s *VoteService) validate(req model.VoteRequest) (model.VoteCommand, error) {
	fp, msg := middleware.ValidateFingerprint(req.Fingerprint)
	if msg != "" {
		return model.VoteCommand{}, model.Validationf("%s", msg)
	}
	itemID, msg := middleware.ValidateItemID(req.ItemID)
	if msg != "" {
		return model.VoteCommand{}, model.Validationf("%s", msg)
	}
	value, msg := middleware.ValidateVoteValue(req.Value)
	if msg != "" {
		return model.VoteCommand{}, model.Validationf("%s", msg)
	}

	cmd := model.VoteCommand{Fingerprint: fp, ItemID: itemID, Value: value}
	if req.Metadata != nil {
		cmd.IPHash = hash.HashIP(req.Metadata.IP, s.opts.IPHashSalt)
		cmd.UserAgent = middleware.ValidateUserAgent(req.Metadata.UserAgent)
	}
	return cmd, nil
}

// apply runs the store transaction with a per-attempt timeout, retrying
// transient failures. Each attempt re-reads the previous vote inside its own
// transaction, so a retry can never double-apply.
func (s *VoteService) apply(ctx context.Context, cmd model.VoteCommand) (model.VoteOutcome, error) {
	start := time.Now()
	defer func() { metrics.TxDuration.Observe(time.Since(start).Seconds()) }()

	var lastErr error
	for attempt := 1; attempt <= s.opts.MaxAttempts; attempt++ {
		if attempt > 1 {
			metrics.TxRetries.Inc()
			select {
			case <-time.After(time.Duration(attempt-1) * 20 * time.Millisecond):
			case <-ctx.Done():
				return model.VoteOutcome{}, fmt.Errorf("%w: %w", model.ErrTransient, ctx.Err())
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, s.opts.TxTimeout)
		out, err := s.store.ApplyVote(attemptCtx, cmd)
		cancel()
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			return model.VoteOutcome{}, fmt.Errorf("%w: %w", model.ErrTransient, ctx.Err())
		}
		if !errors.Is(err, model.ErrTransient) && !errors.Is(err, context.DeadlineExceeded) {
			return model.VoteOutcome{}, err
		}

		lastErr = err
		s.log.Debug().Err(err).Int("attempt", attempt).Str("item_id", cmd.ItemID).Msg("vote transaction retry")
	}

	return model.VoteOutcome{}, fmt.Errorf("%w: gave up after %d attempts: %v",
		model.ErrTransient, s.opts.MaxAttempts, lastErr)
}

// afterCommit runs the side effects of a committed vote. None of them can
// fail the vote.
func (s *VoteService) afterCommit(ctx context.Context, cmd model.VoteCommand, out model.VoteOutcome) {
	s.cache.InvalidateVote(ctx, cmd.ItemID, cmd.Fingerprint)

	if s.pub != nil {
		ev, err := model.NewVoteUpdateEvent(out.Aggregate, s.now().UTC())
		if err != nil {
			s.log.Error().Err(err).Msg("encode vote update")
		} else {
			s.pub.Publish(ctx, ev)
		}
	}

	if s.stats != nil {
		s.stats.Notify(cmd.ItemID)
	}

	s.log.Info().
		Str("fingerprint", hash.ForLog(cmd.Fingerprint)).
		Str("item_id", cmd.ItemID).
		Int("value", int(out.Current)).
		Int("previous", int(out.Previous)).
		Int64("total", out.Aggregate.Total).
		Msg("vote applied")
}
