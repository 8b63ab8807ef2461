// Package rank promotes users to higher tiers as their teams grow.
//
// Tier bonuses are paid at most once per user. The grant is a single
// conditional update on the user document that checks the rank observed at
// decision time and the absence of the tier in granted_tiers, so concurrent
// evaluations of the same user cannot both pay.
package rank

import (
	"context"
	"fmt"
	"time"

	"github.com/dalemusser/uplinehub/internal/app/rewards"
	"github.com/dalemusser/uplinehub/internal/app/rewards/team"
	"github.com/dalemusser/uplinehub/internal/app/system/metrics"
	"github.com/dalemusser/uplinehub/internal/domain/models"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
)

// Result describes one evaluation.
type Result struct {
	UserID       primitive.ObjectID `json:"user_id"`
	PreviousRank models.Rank        `json:"previous_rank"`
	NewRank      models.Rank        `json:"new_rank,omitempty"` // set only when promoted
	Promoted     bool               `json:"promoted"`
	Tier         string             `json:"tier,omitempty"` // highest qualifying tier, if any
	Bonus        decimal.Decimal    `json:"bonus"`
}

// Engine evaluates and applies promotions.
type Engine struct {
	users     rewards.UserReader
	resolver  *team.Resolver
	writer    rewards.RankWriter
	tiers     Table
	teamDepth int
	retry     rewards.RetryPolicy
	metrics   *metrics.Metrics
	log       *zap.Logger
}

// Options configures an Engine.
type Options struct {
	Tiers     Table // nil means DefaultTable
	TeamDepth int   // depth resolved for team_paid tiers; <= 0 means team.MaxDepth
	Retry     rewards.RetryPolicy
	Metrics   *metrics.Metrics
}

// New returns an Engine. The table must already be valid.
func New(users rewards.UserReader, resolver *team.Resolver, writer rewards.RankWriter, opts Options, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	tiers := opts.Tiers
	if tiers == nil {
		tiers = DefaultTable()
	}
	depth := opts.TeamDepth
	if depth <= 0 || depth > team.MaxDepth {
		depth = team.MaxDepth
	}
	return &Engine{
		users:     users,
		resolver:  resolver,
		writer:    writer,
		tiers:     tiers,
		teamDepth: depth,
		retry:     opts.Retry,
		metrics:   opts.Metrics,
		log:       logger.Named("rank"),
	}
}

// Tiers returns the active table.
func (e *Engine) Tiers() Table { return e.tiers }

// EvaluateAndPromote resolves the user's team, finds the highest qualifying
// tier and promotes the user to it if that is above the current rank and the
// tier has not been granted before. Only the bonus of the tier reached is
// paid; skipped intermediate tiers are not back-filled.
//
// When the conditional update does not match, the user is re-read: a rank
// already at or above the tier, or the tier already granted, means another
// evaluation won and the call is a no-op. Otherwise the whole evaluation is
// retried; after the configured attempts it fails with ErrRetryExhausted.
func (e *Engine) EvaluateAndPromote(ctx context.Context, userID primitive.ObjectID) (*Result, error) {
	log := e.log.With(zap.String("user_id", userID.Hex()))

	res, err := rewards.RetryOnConflict(ctx, e.retry, func() (*Result, error) {
		return e.attempt(ctx, userID)
	}, func(err error, wait time.Duration) {
		e.metrics.RecordConflict("promote")
		log.Info("promotion raced; re-evaluating", zap.Duration("wait", wait))
	})
	if err != nil {
		return nil, err
	}

	if res.Promoted {
		e.metrics.RecordPromotion(string(res.NewRank))
		log.Info("user promoted",
			zap.String("from", string(res.PreviousRank)),
			zap.String("to", string(res.NewRank)),
			zap.String("tier", res.Tier),
			zap.String("bonus", res.Bonus.String()))
	}
	return res, nil
}

func (e *Engine) attempt(ctx context.Context, userID primitive.ObjectID) (*Result, error) {
	u, err := e.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	current := u.CurrentRank.Normalize()
	res := &Result{UserID: userID, PreviousRank: current, Bonus: decimal.Zero}

	depth := 1
	if e.tiers.NeedsTeam() {
		depth = e.teamDepth
	}
	snap, err := e.resolver.Resolve(ctx, userID, depth)
	if err != nil {
		return nil, fmt.Errorf("resolve team: %w", err)
	}

	tier, ok := e.tiers.Highest(snap)
	if !ok {
		return res, nil
	}
	res.Tier = tier.Name
	if !tier.Rank.Above(current) || u.HasGranted(tier.Name) {
		return res, nil
	}

	applied, err := e.writer.Promote(ctx, rewards.Promotion{
		UserID: userID,
		From:   current,
		To:     tier.Rank,
		Tier:   tier.Name,
		Bonus:  tier.Bonus,
	})
	if err != nil {
		return nil, fmt.Errorf("promote: %w", err)
	}
	if applied {
		res.Promoted = true
		res.NewRank = tier.Rank
		res.Bonus = tier.Bonus
		return res, nil
	}

	// Lost the compare-and-set. Decide whether the winner already did our work.
	now, err := e.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if now.HasGranted(tier.Name) || now.CurrentRank.Normalize().AtLeast(tier.Rank) {
		res.PreviousRank = now.CurrentRank.Normalize()
		return res, nil
	}
	return nil, fmt.Errorf("promote %s to %s: %w", userID.Hex(), tier.Rank, rewards.ErrConflict)
}
