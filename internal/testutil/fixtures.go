package testutil

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/dalemusser/uplinehub/internal/domain/models"
	"github.com/dalemusser/uplinehub/internal/domain/money"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
)

// Fixtures provides helper methods for creating test data.
type Fixtures struct {
	db *mongo.Database
	t  *testing.T
}

// NewFixtures creates a new Fixtures instance for the given test database.
func NewFixtures(t *testing.T, db *mongo.Database) *Fixtures {
	t.Helper()
	return &Fixtures{db: db, t: t}
}

// DB returns the underlying database for direct access in tests.
func (f *Fixtures) DB() *mongo.Database {
	return f.db
}

// CreateUser inserts a user directly, bypassing registration. referrer may
// be nil for a root user; it may also point at an id that does not exist,
// which is how tests model referential corruption.
func (f *Fixtures) CreateUser(ctx context.Context, name, class string, referrer *primitive.ObjectID) models.User {
	f.t.Helper()

	now := time.Now().UTC()
	id := primitive.NewObjectID()
	u := models.User{
		ID:              id,
		FullName:        name,
		ReferralCode:    strings.ToUpper(id.Hex()),
		ReferrerID:      referrer,
		AccountClass:    class,
		CurrentRank:     models.RankNone,
		TotalCommission: money.Zero,
		Balance:         money.Zero,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if _, err := f.db.Collection("users").InsertOne(ctx, u); err != nil {
		f.t.Fatalf("failed to create test user: %v", err)
	}
	return u
}

// CreateChain inserts n users where each refers the next one down. The
// returned slice is root first; the last element is the deepest user.
func (f *Fixtures) CreateChain(ctx context.Context, n int) []models.User {
	f.t.Helper()

	chain := make([]models.User, 0, n)
	var parent *primitive.ObjectID
	for i := 0; i < n; i++ {
		u := f.CreateUser(ctx, "chain member", models.AccountPaid, parent)
		chain = append(chain, u)
		id := u.ID
		parent = &id
	}
	return chain
}

// SetRank overwrites a user's rank, for arranging promotion scenarios.
func (f *Fixtures) SetRank(ctx context.Context, id primitive.ObjectID, r models.Rank) {
	f.t.Helper()
	_, err := f.db.Collection("users").UpdateByID(ctx, id, bson.M{"$set": bson.M{"current_rank": r}})
	if err != nil {
		f.t.Fatalf("failed to set rank: %v", err)
	}
}
