// internal/app/system/indexes/indexes.go
package indexes

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	commissionstore "github.com/dalemusser/uplinehub/internal/app/store/commissions"
	userstore "github.com/dalemusser/uplinehub/internal/app/store/users"
	wafflemongo "github.com/dalemusser/waffle/pantry/mongo"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

/*
EnsureAll is called at startup. Each collection's set is reconciled
independently and every problem is reported, so startup fails fast with the
full picture.

The unique index on commission_records is the idempotency key that stops a
replayed event from paying twice. Startup must fail if it cannot be created.
*/
func EnsureAll(ctx context.Context, db *mongo.Database) error {
	sets := []struct {
		coll string
		want []index
	}{
		{userstore.Collection, userIndexes},
		{commissionstore.Collection, commissionIndexes},
	}

	var problems []error
	for _, s := range sets {
		if err := reconcile(ctx, db.Collection(s.coll), s.want); err != nil {
			problems = append(problems, fmt.Errorf("%s: %w", s.coll, err))
		}
	}
	return errors.Join(problems...)
}

/* -------------------------------------------------------------------------- */
/* Desired indexes                                                            */
/* -------------------------------------------------------------------------- */

// index is one desired index. Keys are matched by signature, so an index with
// the same keys under another name is replaced rather than duplicated.
type index struct {
	name   string
	keys   bson.D
	unique bool
}

var userIndexes = []index{
	// Referral codes resolve to exactly one user.
	{name: "uniq_users_referral_code", keys: bson.D{{Key: "referral_code", Value: 1}}, unique: true},
	// Descendant lookups ($in per BFS level) and the recheck sweep.
	{name: "idx_users_referrer_id", keys: bson.D{{Key: "referrer_id", Value: 1}, {Key: "_id", Value: 1}}},
}

var commissionIndexes = []index{
	// One record per (event, beneficiary).
	{
		name:   "uniq_commissions_event_beneficiary",
		keys:   bson.D{{Key: "source_event_id", Value: 1}, {Key: "beneficiary_id", Value: 1}},
		unique: true,
	},
	// Per-user history, newest first.
	{
		name: "idx_commissions_beneficiary_created",
		keys: bson.D{{Key: "beneficiary_id", Value: 1}, {Key: "created_at", Value: -1}, {Key: "_id", Value: -1}},
	},
}

func (ix index) model() mongo.IndexModel {
	opts := options.Index().SetName(ix.name)
	if ix.unique {
		opts.SetUnique(true)
	}
	return mongo.IndexModel{Keys: ix.keys, Options: opts}
}

/* -------------------------------------------------------------------------- */
/* Reconciliation                                                             */
/* -------------------------------------------------------------------------- */

type existingIndex struct {
	Name   string `bson:"name"`
	Key    bson.D `bson:"key"`
	Unique bool   `bson:"unique,omitempty"`
}

func signature(keys bson.D) string {
	var b strings.Builder
	for i, kv := range keys {
		if i > 0 {
			b.WriteString(",")
		}
		fmt.Fprintf(&b, "%s:%v", kv.Key, kv.Value)
	}
	return b.String()
}

func existingBySignature(ctx context.Context, coll *mongo.Collection) (map[string]existingIndex, error) {
	cur, err := coll.Indexes().List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list indexes: %w", err)
	}
	defer cur.Close(ctx)

	out := make(map[string]existingIndex)
	for cur.Next(ctx) {
		var ex existingIndex
		if err := cur.Decode(&ex); err != nil {
			zap.L().Warn("skipping undecodable index", zap.String("collection", coll.Name()), zap.Error(err))
			continue
		}
		out[signature(ex.Key)] = ex
	}
	return out, cur.Err()
}

func reconcile(ctx context.Context, coll *mongo.Collection, want []index) error {
	existing, err := existingBySignature(ctx, coll)
	if err != nil {
		return err
	}
	var errs []error
	for _, ix := range want {
		if err := ensure(ctx, coll, existing, ix); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func ensure(ctx context.Context, coll *mongo.Collection, existing map[string]existingIndex, ix index) error {
	sig := signature(ix.keys)
	log := zap.L().With(
		zap.String("collection", coll.Name()),
		zap.String("name", ix.name),
		zap.String("keys", sig),
		zap.Bool("unique", ix.unique))

	if ex, ok := existing[sig]; ok {
		if ex.Name == ix.name && ex.Unique == ix.unique {
			log.Debug("index up to date")
			return nil
		}
		log.Info("replacing index", zap.String("existing", ex.Name))
		if _, err := coll.Indexes().DropOne(ctx, ex.Name); err != nil {
			return fmt.Errorf("%s: drop %s: %w", ix.name, ex.Name, err)
		}
	}

	start := time.Now()
	if _, err := coll.Indexes().CreateOne(ctx, ix.model()); err != nil {
		if ix.unique && wafflemongo.IsDup(err) {
			return fmt.Errorf("%s: duplicates present, cannot create unique index", ix.name)
		}
		log.Warn("index create failed", zap.Error(err))
		return fmt.Errorf("%s: %w", ix.name, err)
	}
	log.Info("index created", zap.Duration("took", time.Since(start)))
	return nil
}
