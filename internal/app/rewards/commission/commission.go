// Package commission distributes level-based commissions up a referral chain.
//
// Distribute walks referrer_id upward from the user who caused an event and
// credits each ancestor once. Each credit is its own atomic store operation
// (record insert plus balance increment); there is no transaction spanning
// the whole walk, so a walk that stops early keeps the levels it already
// credited and reports why it stopped in Result.Warning.
package commission

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dalemusser/uplinehub/internal/app/rewards"
	"github.com/dalemusser/uplinehub/internal/app/system/metrics"
	"github.com/dalemusser/uplinehub/internal/domain/models"
	"github.com/dalemusser/uplinehub/internal/domain/money"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
)

// Defaults for Config.
var (
	DefaultCloseRate = decimal.RequireFromString("0.002")
	DefaultFarRate   = decimal.RequireFromString("0.001")
)

const (
	DefaultCloseLevels = 5
	DefaultMaxLevels   = 15
)

// Warning kinds reported when a walk ends before reaching a root.
const (
	WarnAncestorMissing  = "ancestor_missing"
	WarnAncestorInvalid  = "ancestor_invalid"
	WarnCycleDetected    = "cycle_detected"
	WarnDeadlineExceeded = "deadline_exceeded"
)

// Config is the rate schedule and walk bounds.
type Config struct {
	CloseRate   decimal.Decimal // levels 1..CloseLevels
	FarRate     decimal.Decimal // levels CloseLevels+1..MaxLevels
	CloseLevels int
	MaxLevels   int
	Retry       rewards.RetryPolicy
}

// DefaultConfig returns the standard two-band schedule.
func DefaultConfig() Config {
	return Config{
		CloseRate:   DefaultCloseRate,
		FarRate:     DefaultFarRate,
		CloseLevels: DefaultCloseLevels,
		MaxLevels:   DefaultMaxLevels,
	}
}

// Validate reports a schedule that cannot be used.
func (c Config) Validate() error {
	if c.CloseRate.IsNegative() || c.FarRate.IsNegative() {
		return errors.New("commission rates must not be negative")
	}
	if c.MaxLevels < 1 || c.MaxLevels > DefaultMaxLevels {
		return fmt.Errorf("max levels must be between 1 and %d", DefaultMaxLevels)
	}
	if c.CloseLevels < 0 || c.CloseLevels > c.MaxLevels {
		return errors.New("close levels must be between 0 and max levels")
	}
	return nil
}

// RateFor returns the rate applied at level (1 = direct referrer). Levels
// outside 1..MaxLevels earn nothing.
func (c Config) RateFor(level int) decimal.Decimal {
	switch {
	case level < 1 || level > c.MaxLevels:
		return decimal.Zero
	case level <= c.CloseLevels:
		return c.CloseRate
	default:
		return c.FarRate
	}
}

// CheckAmount returns ErrInvalidAmount when amount is not positive or when
// its credit at either band rate does not fit a Decimal128.
func (c Config) CheckAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return rewards.ErrInvalidAmount
	}
	for _, rate := range []decimal.Decimal{c.CloseRate, c.FarRate} {
		if _, err := money.ToDecimal128(amount.Mul(rate)); err != nil {
			return fmt.Errorf("%w: %v", rewards.ErrInvalidAmount, err)
		}
	}
	return nil
}

func (c Config) band(level int) string {
	if level <= c.CloseLevels {
		return "close"
	}
	return "far"
}

// Credit is one applied commission.
type Credit struct {
	AncestorID primitive.ObjectID `json:"ancestor_id"`
	Level      int                `json:"level"`
	Amount     decimal.Decimal    `json:"amount"`
	Rate       decimal.Decimal    `json:"rate"`
}

// Skip is an ancestor that had already been paid for this event.
type Skip struct {
	AncestorID primitive.ObjectID `json:"ancestor_id"`
	Level      int                `json:"level"`
}

// Warning explains why a walk stopped before a root or the depth cap.
type Warning struct {
	Kind       string             `json:"kind"`
	Level      int                `json:"level"`
	AncestorID primitive.ObjectID `json:"ancestor_id"`
}

// Result describes one Distribute call.
type Result struct {
	EventID      string             `json:"event_id"`
	SourceUserID primitive.ObjectID `json:"source_user_id"`
	Credits      []Credit           `json:"credits"`
	Skipped      []Skip             `json:"skipped,omitempty"`
	LevelsWalked int                `json:"levels_walked"`
	Warning      *Warning           `json:"warning,omitempty"`
}

// Total sums the credited amounts.
func (r *Result) Total() decimal.Decimal {
	sum := decimal.Zero
	for _, c := range r.Credits {
		sum = sum.Add(c.Amount)
	}
	return sum
}

// Engine runs distributions.
type Engine struct {
	users   rewards.UserReader
	ledger  rewards.CommissionLedger
	cfg     Config
	metrics *metrics.Metrics
	log     *zap.Logger
}

// New returns an Engine. m may be nil.
func New(users rewards.UserReader, ledger rewards.CommissionLedger, cfg Config, m *metrics.Metrics, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		users:   users,
		ledger:  ledger,
		cfg:     cfg,
		metrics: m,
		log:     logger.Named("commission"),
	}
}

// Config returns the engine's schedule.
func (e *Engine) Config() Config { return e.cfg }

// CheckAmount applies Config.CheckAmount with the engine's rates.
func (e *Engine) CheckAmount(amount decimal.Decimal) error { return e.cfg.CheckAmount(amount) }

// Distribute credits the upline of sourceUserID for eventID.
//
// Calling it again with the same eventID pays nobody twice: ancestors that
// already hold a record for the event are reported in Result.Skipped.
//
// A missing or unreadable ancestor, a cycle in the referral chain or the
// context deadline ends the walk with a Warning and a nil error. A non-nil error is returned
// with the partial Result when a write kept conflicting (ErrRetryExhausted)
// or the store failed.
func (e *Engine) Distribute(ctx context.Context, eventID string, sourceUserID primitive.ObjectID, amount decimal.Decimal, currency string) (*Result, error) {
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return nil, rewards.ErrInvalidEvent
	}
	if err := e.cfg.CheckAmount(amount); err != nil {
		return nil, err
	}
	currency, err := rewards.NormalizeCurrency(currency)
	if err != nil {
		return nil, err
	}

	log := e.log.With(zap.String("event_id", eventID), zap.String("user_id", sourceUserID.Hex()))

	source, err := e.users.GetByID(ctx, sourceUserID)
	if err != nil {
		return nil, fmt.Errorf("load source user: %w", err)
	}

	res := &Result{EventID: eventID, SourceUserID: sourceUserID}
	seen := map[primitive.ObjectID]bool{sourceUserID: true}
	next := source.ReferrerID

	for level := 1; level <= e.cfg.MaxLevels && next != nil; level++ {
		ancestorID := *next
		if seen[ancestorID] {
			e.warn(log, res, WarnCycleDetected, level, ancestorID)
			return res, nil
		}
		seen[ancestorID] = true

		ancestor, err := e.users.GetByID(ctx, ancestorID)
		if err != nil {
			if kind, ok := warningFor(err); ok {
				e.warn(log, res, kind, level, ancestorID)
				return res, nil
			}
			return res, fmt.Errorf("load ancestor at level %d: %w", level, err)
		}
		res.LevelsWalked = level

		rate := e.cfg.RateFor(level)
		reward := amount.Mul(rate)
		if reward.IsPositive() {
			created, err := e.credit(ctx, log, eventID, sourceUserID, ancestor.ID, level, reward, rate, currency)
			if err != nil {
				if kind, ok := warningFor(err); ok {
					e.warn(log, res, kind, level, ancestorID)
					return res, nil
				}
				log.Error("credit failed; walk stopped",
					zap.Int("level", level),
					zap.String("ancestor_id", ancestorID.Hex()),
					zap.Error(err))
				return res, fmt.Errorf("credit level %d: %w", level, err)
			}
			if created {
				res.Credits = append(res.Credits, Credit{AncestorID: ancestor.ID, Level: level, Amount: reward, Rate: rate})
				e.metrics.RecordCredit(e.cfg.band(level), currency, reward)
			} else {
				res.Skipped = append(res.Skipped, Skip{AncestorID: ancestor.ID, Level: level})
				e.metrics.RecordAlreadyPaid()
			}
		}

		next = ancestor.ReferrerID
	}

	log.Debug("distribution complete",
		zap.Int("credits", len(res.Credits)),
		zap.Int("skipped", len(res.Skipped)),
		zap.Int("levels_walked", res.LevelsWalked))
	return res, nil
}

func (e *Engine) credit(ctx context.Context, log *zap.Logger, eventID string, sourceID, beneficiaryID primitive.ObjectID, level int, amount, rate decimal.Decimal, currency string) (bool, error) {
	amt, err := money.ToDecimal128(amount)
	if err != nil {
		return false, err
	}
	r, err := money.ToDecimal128(rate)
	if err != nil {
		return false, err
	}
	rec := models.CommissionRecord{
		BeneficiaryID: beneficiaryID,
		SourceUserID:  sourceID,
		SourceEventID: eventID,
		Level:         level,
		Amount:        amt,
		Rate:          r,
		Currency:      currency,
		CreatedAt:     time.Now().UTC(),
	}

	return rewards.RetryOnConflict(ctx, e.cfg.Retry, func() (bool, error) {
		return e.ledger.Credit(ctx, rec)
	}, func(err error, wait time.Duration) {
		e.metrics.RecordConflict("credit")
		log.Warn("credit conflicted; retrying",
			zap.Int("level", level),
			zap.String("ancestor_id", beneficiaryID.Hex()),
			zap.Duration("wait", wait),
			zap.Error(err))
	})
}

func (e *Engine) warn(log *zap.Logger, res *Result, kind string, level int, ancestorID primitive.ObjectID) {
	res.Warning = &Warning{Kind: kind, Level: level, AncestorID: ancestorID}
	e.metrics.RecordWalkWarning(kind)
	log.Warn("distribution stopped early",
		zap.String("kind", kind),
		zap.Int("level", level),
		zap.String("ancestor_id", ancestorID.Hex()),
		zap.Int("credits", len(res.Credits)))
}

// warningFor maps errors that end a walk without failing it.
func warningFor(err error) (string, bool) {
	switch {
	case errors.Is(err, rewards.ErrUserNotFound):
		return WarnAncestorMissing, true
	case errors.Is(err, models.ErrInvalidUser):
		return WarnAncestorInvalid, true
	case errors.Is(err, context.DeadlineExceeded):
		return WarnDeadlineExceeded, true
	}
	return "", false
}
