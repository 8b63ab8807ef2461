// Package rewards holds the store contracts shared by the commission, team
// and rank engines.
//
// The engines never talk to MongoDB directly. They are handed implementations
// of the interfaces below at construction: the Mongo stores in production and
// an in-memory ledger in tests.
package rewards

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/dalemusser/uplinehub/internal/domain/models"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

var (
	// ErrUserNotFound is returned when a user document does not exist.
	ErrUserNotFound = errors.New("user not found")
	// ErrConflict is returned when a transactional or conditional write lost a
	// race with another writer. Callers retry it.
	ErrConflict = errors.New("concurrent write conflict")
	// ErrRetryExhausted wraps ErrConflict once the bounded retries are used up.
	ErrRetryExhausted = errors.New("retries exhausted")
	// ErrInvalidAmount rejects non-positive amounts, and amounts whose credits
	// cannot be stored, before any store access.
	ErrInvalidAmount = errors.New("amount must be positive and storable")
	// ErrInvalidCurrency rejects a currency that is not a 3 to 5 letter code.
	ErrInvalidCurrency = errors.New("currency must be a 3 to 5 letter code")
	// ErrInvalidEvent rejects an empty source event id.
	ErrInvalidEvent = errors.New("source event id is required")
)

var currencyCode = regexp.MustCompile(`^[A-Z]{3,5}$`)

// NormalizeCurrency trims and upper-cases code. It returns ErrInvalidCurrency
// unless the result is 3 to 5 ASCII letters.
func NormalizeCurrency(code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if !currencyCode.MatchString(code) {
		return "", fmt.Errorf("%w: %q", ErrInvalidCurrency, code)
	}
	return code, nil
}

// UserReader loads a single user. It returns ErrUserNotFound when absent.
type UserReader interface {
	GetByID(ctx context.Context, id primitive.ObjectID) (*models.User, error)
}

// ReferralIndex answers the descendant-direction query: every user whose
// referrer_id is in ids. Implementations must issue one batched query, not
// one query per id.
type ReferralIndex interface {
	ListByReferrers(ctx context.Context, ids []primitive.ObjectID) ([]models.User, error)
}

// CommissionLedger applies one commission credit. It inserts rec and
// increments the beneficiary's total_commission and balance by rec.Amount in
// a single transaction. created is false when a record for
// (SourceEventID, BeneficiaryID) already exists, in which case nothing
// changed. A missing beneficiary returns ErrUserNotFound with nothing written.
type CommissionLedger interface {
	Credit(ctx context.Context, rec models.CommissionRecord) (created bool, err error)
}

// Promotion describes a conditional rank change.
type Promotion struct {
	UserID primitive.ObjectID
	From   models.Rank // rank observed when the decision was made
	To     models.Rank
	Tier   string // grant-once key
	Bonus  decimal.Decimal
}

// RankWriter applies a Promotion only if the user's rank still equals From
// and Tier is not yet granted. applied is false when the condition did not
// match; the caller re-reads to decide whether that was a no-op or a race.
type RankWriter interface {
	Promote(ctx context.Context, p Promotion) (applied bool, err error)
}
