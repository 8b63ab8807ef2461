package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dalemusser/uplinehub/internal/app/rewards"
	"github.com/dalemusser/uplinehub/internal/app/rewards/commission"
	"github.com/dalemusser/uplinehub/internal/app/rewards/rank"
	"github.com/dalemusser/uplinehub/internal/app/system/metrics"
	"github.com/dalemusser/uplinehub/internal/domain/models"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
)

// Distributor is the commission engine as seen by the handler.
type Distributor interface {
	Distribute(ctx context.Context, eventID string, sourceUserID primitive.ObjectID, amount decimal.Decimal, currency string) (*commission.Result, error)
}

// Evaluator is the rank engine as seen by the handler.
type Evaluator interface {
	EvaluateAndPromote(ctx context.Context, userID primitive.ObjectID) (*rank.Result, error)
}

// Handler executes tasks.
type Handler struct {
	users     rewards.UserReader
	dist      Distributor
	eval      Evaluator
	followUps Enqueuer
	metrics   *metrics.Metrics
	log       *zap.Logger
}

// NewHandler returns a Handler. m may be nil.
func NewHandler(users rewards.UserReader, dist Distributor, eval Evaluator, m *metrics.Metrics, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{users: users, dist: dist, eval: eval, metrics: m, log: logger.Named("dispatch")}
}

// SetFollowUps makes the handler enqueue a team_recheck for the referrer of
// every user it promotes. Call it before the first Handle; q is usually the
// queue that feeds this handler.
func (h *Handler) SetFollowUps(q Enqueuer) { h.followUps = q }

// Handle runs one task.
//
// Monetary tasks distribute the amount up the source user's chain and then
// re-evaluate the direct referrer, whose team just changed. A recheck task
// only evaluates its user. Either way a promotion queues a recheck of the
// promoted user's referrer when follow-ups are enabled.
func (h *Handler) Handle(ctx context.Context, t Task) error {
	start := time.Now()
	log := h.log.With(
		zap.String("task_id", t.ID),
		zap.String("type", string(t.Type)),
		zap.String("user_id", t.UserID.Hex()))

	err := t.Validate()
	if err == nil {
		if t.Type.Monetary() {
			err = h.monetary(ctx, log, t)
		} else {
			err = h.evaluate(ctx, log, t.UserID)
		}
	}

	outcome := "ok"
	switch {
	case err == nil:
		log.Debug("task done", zap.Duration("took", time.Since(start)))
	case Permanent(err):
		outcome = "rejected"
		log.Warn("task rejected", zap.Error(err))
	default:
		outcome = "failed"
		log.Error("task failed", zap.Error(err))
	}
	h.metrics.RecordTask(string(t.Type), outcome, time.Since(start))
	return err
}

func (h *Handler) monetary(ctx context.Context, log *zap.Logger, t Task) error {
	res, err := h.dist.Distribute(ctx, t.ID, t.UserID, t.Amount, t.Currency)
	if err != nil {
		return fmt.Errorf("distribute: %w", err)
	}
	if res.Warning != nil {
		log.Warn("partial distribution",
			zap.String("kind", res.Warning.Kind),
			zap.Int("level", res.Warning.Level),
			zap.Int("credits", len(res.Credits)))
	}

	u, err := h.users.GetByID(ctx, t.UserID)
	if err != nil {
		return fmt.Errorf("reload source user: %w", err)
	}
	if u.ReferrerID == nil {
		return nil
	}
	if err := h.evaluate(ctx, log, *u.ReferrerID); err != nil {
		if errors.Is(err, rewards.ErrUserNotFound) {
			// dangling referrer; the distribution already reported it
			return nil
		}
		return fmt.Errorf("evaluate referrer: %w", err)
	}
	return nil
}

// evaluate runs the rank engine for userID. A promotion changes the team of
// the user's referrer, so that referrer is queued for its own recheck.
// Failing to queue it is logged; the periodic sweep catches it later.
func (h *Handler) evaluate(ctx context.Context, log *zap.Logger, userID primitive.ObjectID) error {
	res, err := h.eval.EvaluateAndPromote(ctx, userID)
	if err != nil {
		return err
	}
	if h.followUps == nil || res == nil || !res.Promoted {
		return nil
	}

	u, err := h.users.GetByID(ctx, userID)
	if err != nil {
		log.Warn("reload promoted user failed; referrer not rechecked",
			zap.String("promoted_id", userID.Hex()), zap.Error(err))
		return nil
	}
	if u.ReferrerID == nil {
		return nil
	}
	next := NewTask(TypeTeamRecheck, *u.ReferrerID, decimal.Zero, "")
	if err := h.followUps.Enqueue(ctx, next); err != nil {
		log.Warn("queue referrer recheck failed",
			zap.String("promoted_id", userID.Hex()),
			zap.String("referrer_id", u.ReferrerID.Hex()),
			zap.Error(err))
		return nil
	}
	log.Debug("referrer recheck queued",
		zap.String("promoted_id", userID.Hex()),
		zap.String("referrer_id", u.ReferrerID.Hex()),
		zap.String("follow_up_id", next.ID))
	return nil
}

// Permanent reports whether err will recur on every redelivery, so the task
// should be dropped rather than retried.
func Permanent(err error) bool {
	return errors.Is(err, ErrMalformed) ||
		errors.Is(err, rewards.ErrInvalidAmount) ||
		errors.Is(err, rewards.ErrInvalidCurrency) ||
		errors.Is(err, rewards.ErrInvalidEvent) ||
		errors.Is(err, rewards.ErrUserNotFound) ||
		errors.Is(err, models.ErrInvalidUser)
}
