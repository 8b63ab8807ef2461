// internal/domain/models/user.go
package models

import (
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Account classes.
const (
	AccountPaid = "paid"
	AccountFree = "free"
)

// User is a participant in the referral forest.
//
// NOTE:
//   - ReferrerID is written once at registration and never repointed.
//   - TotalCommission and Balance are only changed with $inc; never $set them.
//   - GrantedTiers is the grant-once set for tier bonuses.
type User struct {
	ID           primitive.ObjectID  `bson:"_id,omitempty" json:"id"`
	FullName     string              `bson:"full_name" json:"full_name"`
	ReferralCode string              `bson:"referral_code" json:"referral_code"`
	ReferrerID   *primitive.ObjectID `bson:"referrer_id,omitempty" json:"referrer_id,omitempty"`
	AccountClass string              `bson:"account_class" json:"account_class"` // paid | free
	CurrentRank  Rank                `bson:"current_rank" json:"current_rank"`
	GrantedTiers []string            `bson:"granted_tiers,omitempty" json:"granted_tiers"`

	TotalCommission primitive.Decimal128 `bson:"total_commission" json:"total_commission"`
	Balance         primitive.Decimal128 `bson:"balance" json:"balance"`

	CreatedAt time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt time.Time `bson:"updated_at" json:"updated_at"`
}

// ErrInvalidUser is wrapped by Validate failures.
var ErrInvalidUser = errors.New("invalid user document")

// Validate checks the fields the reward engines depend on. It is applied to
// every document read from or written to the users collection.
func (u *User) Validate() error {
	if u.ID.IsZero() {
		return fmt.Errorf("%w: missing _id", ErrInvalidUser)
	}
	switch u.AccountClass {
	case AccountPaid, AccountFree:
	default:
		return fmt.Errorf("%w: %s: account_class %q", ErrInvalidUser, u.ID.Hex(), u.AccountClass)
	}
	if !u.CurrentRank.Valid() {
		return fmt.Errorf("%w: %s: current_rank %q", ErrInvalidUser, u.ID.Hex(), u.CurrentRank)
	}
	if u.ReferrerID != nil && *u.ReferrerID == u.ID {
		return fmt.Errorf("%w: %s: refers itself", ErrInvalidUser, u.ID.Hex())
	}
	for _, v := range []primitive.Decimal128{u.TotalCommission, u.Balance} {
		if v.IsNaN() || v.IsInf() != 0 {
			return fmt.Errorf("%w: %s: non-finite amount", ErrInvalidUser, u.ID.Hex())
		}
	}
	return nil
}

// IsPaid reports whether the user holds a paid account.
func (u *User) IsPaid() bool { return u.AccountClass == AccountPaid }

// HasGranted reports whether the bonus for tier has already been paid.
func (u *User) HasGranted(tier string) bool {
	for _, t := range u.GrantedTiers {
		if t == tier {
			return true
		}
	}
	return false
}
