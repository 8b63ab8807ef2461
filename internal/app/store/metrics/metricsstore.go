package metricsstore

import (
	"context"

	commissionstore "github.com/dalemusser/uplinehub/internal/app/store/commissions"
	userstore "github.com/dalemusser/uplinehub/internal/app/store/users"
	"github.com/dalemusser/uplinehub/internal/domain/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

// Counts is the set of ledger totals served by the stats endpoint.
type Counts struct {
	Users             int64                 `json:"users"`
	PaidUsers         int64                 `json:"paid_users"`
	ReferredUsers     int64                 `json:"referred_users"`
	CommissionRecords int64                 `json:"commission_records"`
	Ranks             map[models.Rank]int64 `json:"ranks"`
}

type Store struct {
	db *mongo.Database
}

func New(db *mongo.Database) *Store {
	return &Store{db: db}
}

// FetchCounts returns the high-level ledger counts.
// Intentionally tolerant: on error it returns 0 for that counter.
func (s *Store) FetchCounts(ctx context.Context) Counts {
	out := Counts{Ranks: make(map[models.Rank]int64, len(models.Ranks))}
	users := s.db.Collection(userstore.Collection)

	if n, err := users.CountDocuments(ctx, bson.M{}); err == nil {
		out.Users = n
	}
	if n, err := users.CountDocuments(ctx, bson.M{"account_class": models.AccountPaid}); err == nil {
		out.PaidUsers = n
	}
	if n, err := users.CountDocuments(ctx, bson.M{"referrer_id": bson.M{"$ne": nil}}); err == nil {
		out.ReferredUsers = n
	}
	if n, err := s.db.Collection(commissionstore.Collection).EstimatedDocumentCount(ctx); err == nil {
		out.CommissionRecords = n
	}

	// ranks; missing or empty current_rank counts as none
	cur, err := users.Aggregate(ctx, mongo.Pipeline{
		{{Key: "$group", Value: bson.M{"_id": "$current_rank", "n": bson.M{"$sum": 1}}}},
	})
	if err != nil {
		return out
	}
	defer cur.Close(ctx)
	for cur.Next(ctx) {
		var row struct {
			Rank *string `bson:"_id"`
			N    int64   `bson:"n"`
		}
		if err := cur.Decode(&row); err != nil {
			continue
		}
		r := models.RankNone
		if row.Rank != nil {
			r = models.Rank(*row.Rank).Normalize()
		}
		out.Ranks[r] += row.N
	}
	return out
}
