package commissionstore_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/dalemusser/uplinehub/internal/app/rewards"
	"github.com/dalemusser/uplinehub/internal/app/rewards/commission"
	commissionstore "github.com/dalemusser/uplinehub/internal/app/store/commissions"
	userstore "github.com/dalemusser/uplinehub/internal/app/store/users"
	"github.com/dalemusser/uplinehub/internal/app/system/indexes"
	"github.com/dalemusser/uplinehub/internal/domain/models"
	"github.com/dalemusser/uplinehub/internal/domain/money"
	"github.com/dalemusser/uplinehub/internal/testutil"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"
)

func setup(t *testing.T) (*commissionstore.Store, *mongo.Database, *testutil.Fixtures) {
	t.Helper()
	db := testutil.SetupTestDB(t)
	testutil.RequireTransactions(t, db)
	ctx, cancel := testutil.TestContext()
	defer cancel()
	if err := indexes.EnsureAll(ctx, db); err != nil {
		t.Fatalf("EnsureAll failed: %v", err)
	}
	return commissionstore.New(db, zap.NewNop()), db, testutil.NewFixtures(t, db)
}

func record(event string, beneficiary, source primitive.ObjectID, level int, amount string) models.CommissionRecord {
	return models.CommissionRecord{
		BeneficiaryID: beneficiary,
		SourceUserID:  source,
		SourceEventID: event,
		Level:         level,
		Amount:        mustD128(amount),
		Rate:          mustD128("0.002"),
		Currency:      "USD",
	}
}

func mustD128(s string) primitive.Decimal128 {
	d, err := money.ToDecimal128(decimal.RequireFromString(s))
	if err != nil {
		panic(err)
	}
	return d
}

func balances(t *testing.T, db *mongo.Database, id primitive.ObjectID) (balance, total decimal.Decimal) {
	t.Helper()
	ctx, cancel := testutil.TestContext()
	defer cancel()
	u, err := userstore.New(db).GetByID(ctx, id)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	return money.MustFromDecimal128(u.Balance), money.MustFromDecimal128(u.TotalCommission)
}

func TestStore_Credit_Once(t *testing.T) {
	store, db, fx := setup(t)
	ctx, cancel := testutil.TestContext()
	defer cancel()

	parent := fx.CreateUser(ctx, "parent", models.AccountPaid, nil)
	child := fx.CreateUser(ctx, "child", models.AccountPaid, &parent.ID)
	rec := record("evt-1", parent.ID, child.ID, 1, "2")

	created, err := store.Credit(ctx, rec)
	if err != nil || !created {
		t.Fatalf("first Credit: created=%v err=%v", created, err)
	}
	created, err = store.Credit(ctx, rec)
	if err != nil {
		t.Fatalf("second Credit failed: %v", err)
	}
	if created {
		t.Error("expected replayed credit to report created=false")
	}

	bal, total := balances(t, db, parent.ID)
	if !bal.Equal(decimal.NewFromInt(2)) || !total.Equal(decimal.NewFromInt(2)) {
		t.Errorf("expected balance and total 2, got %s / %s", bal, total)
	}

	recs, err := store.ListByEvent(ctx, "evt-1")
	if err != nil {
		t.Fatalf("ListByEvent failed: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recs))
	}
}

func TestStore_Credit_MissingBeneficiaryWritesNothing(t *testing.T) {
	store, _, fx := setup(t)
	ctx, cancel := testutil.TestContext()
	defer cancel()

	child := fx.CreateUser(ctx, "child", models.AccountPaid, nil)
	_, err := store.Credit(ctx, record("evt-2", primitive.NewObjectID(), child.ID, 1, "2"))
	if !errors.Is(err, rewards.ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}

	recs, err := store.ListByEvent(ctx, "evt-2")
	if err != nil {
		t.Fatalf("ListByEvent failed: %v", err)
	}
	if len(recs) != 0 {
		t.Errorf("expected the insert to roll back, found %d records", len(recs))
	}
}

func TestStore_Credit_ConcurrentReplays(t *testing.T) {
	store, db, fx := setup(t)
	ctx, cancel := testutil.TestContext()
	defer cancel()

	parent := fx.CreateUser(ctx, "parent", models.AccountPaid, nil)
	rec := record("evt-3", parent.ID, primitive.NewObjectID(), 1, "1.5")

	const n = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.Credit(ctx, rec)
			if err != nil && !errors.Is(err, rewards.ErrConflict) {
				t.Errorf("unexpected error: %v", err)
			}
			if ok {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if created != 1 {
		t.Errorf("expected exactly one credit applied, got %d", created)
	}
	bal, _ := balances(t, db, parent.ID)
	if !bal.Equal(decimal.RequireFromString("1.5")) {
		t.Errorf("expected balance 1.5, got %s", bal)
	}
}

func TestStore_ListByBeneficiary_NewestFirst(t *testing.T) {
	store, _, fx := setup(t)
	ctx, cancel := testutil.TestContext()
	defer cancel()

	parent := fx.CreateUser(ctx, "parent", models.AccountPaid, nil)
	for _, evt := range []string{"evt-a", "evt-b", "evt-c"} {
		if _, err := store.Credit(ctx, record(evt, parent.ID, primitive.NewObjectID(), 1, "1")); err != nil {
			t.Fatalf("Credit %s failed: %v", evt, err)
		}
	}

	recs, err := store.ListByBeneficiary(ctx, parent.ID, 2)
	if err != nil {
		t.Fatalf("ListByBeneficiary failed: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected limit of 2, got %d", len(recs))
	}
	if recs[0].SourceEventID != "evt-c" {
		t.Errorf("expected newest record first, got %s", recs[0].SourceEventID)
	}
}

// Distribute over the Mongo stores: a four-user chain pays three ancestors
// once, however often the event is replayed.
func TestDistribute_AgainstMongo(t *testing.T) {
	store, db, fx := setup(t)
	ctx, cancel := testutil.TestContext()
	defer cancel()

	chain := fx.CreateChain(ctx, 4)
	buyer := chain[3]
	eng := commission.New(userstore.New(db), store, commission.DefaultConfig(), nil, zap.NewNop())

	for i := 0; i < 2; i++ {
		res, err := eng.Distribute(ctx, "order-1", buyer.ID, decimal.NewFromInt(1000), "usd")
		if err != nil {
			t.Fatalf("Distribute #%d failed: %v", i+1, err)
		}
		if i == 0 && len(res.Credits) != 3 {
			t.Fatalf("expected 3 credits, got %d", len(res.Credits))
		}
		if i == 1 && (len(res.Credits) != 0 || len(res.Skipped) != 3) {
			t.Fatalf("replay: expected 0 credits and 3 skips, got %d / %d", len(res.Credits), len(res.Skipped))
		}
	}

	for _, u := range chain[:3] {
		bal, _ := balances(t, db, u.ID)
		if !bal.Equal(decimal.NewFromInt(2)) {
			t.Errorf("user %s: expected balance 2, got %s", u.ID.Hex(), bal)
		}
	}
}
