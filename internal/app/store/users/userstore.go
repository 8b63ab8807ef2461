package userstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dalemusser/uplinehub/internal/app/rewards"
	"github.com/dalemusser/uplinehub/internal/domain/models"
	"github.com/dalemusser/uplinehub/internal/domain/money"
	wafflemongo "github.com/dalemusser/waffle/pantry/mongo"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Collection is the users collection name.
const Collection = "users"

// referralCodeLen is the length of generated referral codes.
const referralCodeLen = 8

// maxCodeAttempts bounds retries when a generated referral code collides.
const maxCodeAttempts = 5

type Store struct {
	c *mongo.Collection
}

func New(db *mongo.Database) *Store {
	return &Store{c: db.Collection(Collection)}
}

var (
	// ErrUnknownReferralCode is returned by Register when the referral code
	// does not resolve to a user.
	ErrUnknownReferralCode = errors.New("unknown referral code")
	// ErrInvalidRegistration wraps every input validation failure in Register.
	ErrInvalidRegistration = errors.New("invalid registration")
	errNameRequired        = fmt.Errorf("%w: full name is required", ErrInvalidRegistration)
	errBadAccountClass     = fmt.Errorf(`%w: account class must be "paid"|"free"`, ErrInvalidRegistration)
	errCodeSpaceExhausted  = errors.New("could not generate a unique referral code")
)

// GetByID loads a user by ObjectID. Returns rewards.ErrUserNotFound if absent.
func (s *Store) GetByID(ctx context.Context, id primitive.ObjectID) (*models.User, error) {
	return s.findOne(ctx, bson.M{"_id": id})
}

// GetByReferralCode looks up the owner of a referral code (case-insensitive).
func (s *Store) GetByReferralCode(ctx context.Context, code string) (*models.User, error) {
	return s.findOne(ctx, bson.M{"referral_code": normalizeCode(code)})
}

func (s *Store) findOne(ctx context.Context, filter bson.M) (*models.User, error) {
	var u models.User
	if err := s.c.FindOne(ctx, filter).Decode(&u); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, rewards.ErrUserNotFound
		}
		return nil, err
	}
	if err := checked(&u); err != nil {
		return nil, err
	}
	return &u, nil
}

// ListByReferrers returns every user whose referrer_id is in ids, using a
// single $in query. Order is by _id.
func (s *Store) ListByReferrers(ctx context.Context, ids []primitive.ObjectID) ([]models.User, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	cur, err := s.c.Find(ctx, bson.M{"referrer_id": bson.M{"$in": ids}}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []models.User
	for cur.Next(ctx) {
		var u models.User
		if err := cur.Decode(&u); err != nil {
			return nil, err
		}
		if err := checked(&u); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, cur.Err()
}

// ReferrerIDsAfter returns up to limit distinct referrer ids greater than
// after, in ascending order. It is used to page through every user that has
// at least one direct referral.
func (s *Store) ReferrerIDsAfter(ctx context.Context, after primitive.ObjectID, limit int) ([]primitive.ObjectID, error) {
	match := bson.M{"referrer_id": bson.M{"$ne": nil}}
	if !after.IsZero() {
		match["referrer_id"] = bson.M{"$gt": after}
	}
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: match}},
		{{Key: "$group", Value: bson.M{"_id": "$referrer_id"}}},
		{{Key: "$sort", Value: bson.M{"_id": 1}}},
		{{Key: "$limit", Value: limit}},
	}
	cur, err := s.c.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var ids []primitive.ObjectID
	for cur.Next(ctx) {
		var row struct {
			ID primitive.ObjectID `bson:"_id"`
		}
		if err := cur.Decode(&row); err != nil {
			return nil, err
		}
		ids = append(ids, row.ID)
	}
	return ids, cur.Err()
}

// Registration holds the inputs for Register.
type Registration struct {
	FullName     string
	ReferralCode string // code of the referrer; empty for a root user
	AccountClass string // defaults to free
}

// Register creates a user. The referrer is resolved from the referral code
// now and is never changed afterwards. A fresh unique referral code is
// generated for the new user.
func (s *Store) Register(ctx context.Context, reg Registration) (models.User, error) {
	name := strings.TrimSpace(reg.FullName)
	if name == "" {
		return models.User{}, errNameRequired
	}
	class := strings.ToLower(strings.TrimSpace(reg.AccountClass))
	if class == "" {
		class = models.AccountFree
	}
	if class != models.AccountPaid && class != models.AccountFree {
		return models.User{}, errBadAccountClass
	}

	var referrerID *primitive.ObjectID
	if code := strings.TrimSpace(reg.ReferralCode); code != "" {
		ref, err := s.GetByReferralCode(ctx, code)
		if err != nil {
			if errors.Is(err, rewards.ErrUserNotFound) {
				return models.User{}, ErrUnknownReferralCode
			}
			return models.User{}, err
		}
		referrerID = &ref.ID
	}

	now := time.Now().UTC()
	u := models.User{
		ID:              primitive.NewObjectID(),
		FullName:        name,
		ReferrerID:      referrerID,
		AccountClass:    class,
		CurrentRank:     models.RankNone,
		TotalCommission: money.Zero,
		Balance:         money.Zero,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		u.ReferralCode = newReferralCode()
		if _, err := s.c.InsertOne(ctx, u); err != nil {
			if wafflemongo.IsDup(err) {
				continue // code collision; draw another
			}
			return models.User{}, err
		}
		return u, nil
	}
	return models.User{}, errCodeSpaceExhausted
}

// Promote applies p only if the user's rank still equals p.From and p.Tier
// has not been granted. Rank, bonus and grant marker change in one document
// update, so a concurrent writer can never erase the marker.
func (s *Store) Promote(ctx context.Context, p rewards.Promotion) (bool, error) {
	bonus, err := money.ToDecimal128(p.Bonus)
	if err != nil {
		return false, err
	}

	filter := bson.M{
		"_id":           p.UserID,
		"granted_tiers": bson.M{"$ne": p.Tier},
	}
	if p.From.Normalize() == models.RankNone {
		// older documents may carry no rank at all
		filter["current_rank"] = bson.M{"$in": bson.A{models.RankNone, "", nil}}
	} else {
		filter["current_rank"] = p.From
	}

	update := bson.M{
		"$set":      bson.M{"current_rank": p.To, "updated_at": time.Now().UTC()},
		"$addToSet": bson.M{"granted_tiers": p.Tier},
	}
	if p.Bonus.IsPositive() {
		update["$inc"] = bson.M{"balance": bonus}
	}

	res, err := s.c.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, fmt.Errorf("promote %s to %s: %w", p.UserID.Hex(), p.To, err)
	}
	return res.MatchedCount == 1, nil
}

func checked(u *models.User) error {
	u.CurrentRank = u.CurrentRank.Normalize()
	return u.Validate()
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func newReferralCode() string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return strings.ToUpper(raw[:referralCodeLen])
}
