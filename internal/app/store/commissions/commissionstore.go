// internal/app/store/commissions/commissionstore.go
package commissionstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dalemusser/uplinehub/internal/app/rewards"
	userstore "github.com/dalemusser/uplinehub/internal/app/store/users"
	"github.com/dalemusser/uplinehub/internal/app/system/txn"
	"github.com/dalemusser/uplinehub/internal/domain/models"
	wafflemongo "github.com/dalemusser/waffle/pantry/mongo"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// Collection is the commission records collection name.
const Collection = "commission_records"

// errAlreadyPaid aborts the transaction when the idempotency key exists.
var errAlreadyPaid = errors.New("commission already recorded")

// Store persists commission records and applies the matching balance credit.
type Store struct {
	db    *mongo.Database
	c     *mongo.Collection
	users *mongo.Collection
	log   *zap.Logger
}

// New returns a Store. The database must be backed by a replica set or
// sharded cluster; Credit refuses to run without transactions.
func New(db *mongo.Database, logger *zap.Logger) *Store {
	return &Store{
		db:    db,
		c:     db.Collection(Collection),
		users: db.Collection(userstore.Collection),
		log:   logger.Named("commissionstore"),
	}
}

// Credit inserts rec and $inc's the beneficiary's total_commission and balance
// by rec.Amount in one transaction. The unique (source_event_id,
// beneficiary_id) index makes the insert the idempotency check: a duplicate
// aborts the transaction and Credit reports created=false.
func (s *Store) Credit(ctx context.Context, rec models.CommissionRecord) (bool, error) {
	if rec.ID.IsZero() {
		rec.ID = primitive.NewObjectID()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	err := txn.Run(ctx, s.db, s.log, func(ctx context.Context) error {
		if _, err := s.c.InsertOne(ctx, rec); err != nil {
			if wafflemongo.IsDup(err) {
				return errAlreadyPaid
			}
			return err
		}
		res, err := s.users.UpdateOne(ctx,
			bson.M{"_id": rec.BeneficiaryID},
			bson.M{
				"$inc": bson.M{"total_commission": rec.Amount, "balance": rec.Amount},
				"$set": bson.M{"updated_at": rec.CreatedAt},
			})
		if err != nil {
			return err
		}
		if res.MatchedCount == 0 {
			return rewards.ErrUserNotFound
		}
		return nil
	})

	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, errAlreadyPaid):
		return false, nil
	case txn.IsConflict(err):
		return false, fmt.Errorf("%w: %v", rewards.ErrConflict, err)
	default:
		return false, err
	}
}

// ListByEvent returns the records created for a source event, shallowest
// level first.
func (s *Store) ListByEvent(ctx context.Context, sourceEventID string) ([]models.CommissionRecord, error) {
	opts := options.Find().SetSort(bson.D{{Key: "level", Value: 1}})
	return s.find(ctx, bson.M{"source_event_id": sourceEventID}, opts)
}

// ListByBeneficiary returns the newest records paid to a user.
func (s *Store) ListByBeneficiary(ctx context.Context, userID primitive.ObjectID, limit int64) ([]models.CommissionRecord, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}).
		SetLimit(limit)
	return s.find(ctx, bson.M{"beneficiary_id": userID}, opts)
}

func (s *Store) find(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]models.CommissionRecord, error) {
	cur, err := s.c.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []models.CommissionRecord
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}
