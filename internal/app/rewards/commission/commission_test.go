package commission_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dalemusser/uplinehub/internal/app/rewards"
	"github.com/dalemusser/uplinehub/internal/app/rewards/commission"
	"github.com/dalemusser/uplinehub/internal/domain/models"
	"github.com/dalemusser/uplinehub/internal/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
)

func newEngine(l *testutil.MemLedger) *commission.Engine {
	cfg := commission.DefaultConfig()
	cfg.Retry = rewards.RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	return commission.New(l, l, cfg, nil, zap.NewNop())
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func assertDec(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...interface{}) {
	t.Helper()
	assert.True(t, dec(want).Equal(got), "want %s, got %s %v", want, got, msgAndArgs)
}

func TestRateFor(t *testing.T) {
	cfg := commission.DefaultConfig()
	assertDec(t, "0", cfg.RateFor(0))
	for level := 1; level <= 5; level++ {
		assertDec(t, "0.002", cfg.RateFor(level), "level %d", level)
	}
	for level := 6; level <= 15; level++ {
		assertDec(t, "0.001", cfg.RateFor(level), "level %d", level)
	}
	assertDec(t, "0", cfg.RateFor(16))
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, commission.DefaultConfig().Validate())

	cfg := commission.DefaultConfig()
	cfg.MaxLevels = 16
	assert.Error(t, cfg.Validate())

	cfg = commission.DefaultConfig()
	cfg.CloseLevels = 6
	cfg.MaxLevels = 5
	assert.Error(t, cfg.Validate())

	cfg = commission.DefaultConfig()
	cfg.FarRate = dec("-0.001")
	assert.Error(t, cfg.Validate())
}

func TestDistribute_RateSchedule(t *testing.T) {
	l := testutil.NewMemLedger()
	ids := l.Chain(17) // 16 ancestors above the leaf
	leaf := ids[16]

	res, err := newEngine(l).Distribute(context.Background(), "evt-rates", leaf, dec("1000"), "usdt")
	require.NoError(t, err)
	require.Nil(t, res.Warning)

	require.Len(t, res.Credits, 15)
	assert.Equal(t, 15, res.LevelsWalked)
	for _, c := range res.Credits {
		want := "2"
		if c.Level > 5 {
			want = "1"
		}
		assertDec(t, want, c.Amount, "level %d", c.Level)
		assertDec(t, want, l.Balance(c.AncestorID), "balance at level %d", c.Level)
		assertDec(t, want, l.TotalCommission(c.AncestorID), "total at level %d", c.Level)
	}
	assertDec(t, "20", res.Total())

	assertDec(t, "0", l.Balance(ids[0]), "level 16 earns nothing")
	assertDec(t, "0", l.Balance(leaf), "source earns nothing")

	for _, r := range l.Records() {
		assert.Equal(t, "USDT", r.Currency)
		assert.Equal(t, leaf, r.SourceUserID)
	}
}

func TestDistribute_DepthBound(t *testing.T) {
	l := testutil.NewMemLedger()
	ids := l.Chain(30)

	res, err := newEngine(l).Distribute(context.Background(), "evt-deep", ids[29], dec("100"), "USDT")
	require.NoError(t, err)
	assert.Len(t, res.Credits, commission.DefaultMaxLevels)
	assert.Len(t, l.Records(), commission.DefaultMaxLevels)
}

func TestDistribute_RootUserCreditsNobody(t *testing.T) {
	l := testutil.NewMemLedger()
	root := l.AddUser(models.AccountPaid, nil)

	res, err := newEngine(l).Distribute(context.Background(), "evt-root", root, dec("100"), "USDT")
	require.NoError(t, err)
	assert.Empty(t, res.Credits)
	assert.Nil(t, res.Warning)
	assert.Zero(t, res.LevelsWalked)
	assert.Empty(t, l.Records())
}

func TestDistribute_EndToEnd(t *testing.T) {
	l := testutil.NewMemLedger()
	ids := l.Chain(4)
	a, b, c, d := ids[0], ids[1], ids[2], ids[3]
	e := newEngine(l)
	ctx := context.Background()

	res, err := e.Distribute(ctx, "event1", d, dec("10000"), "USDT")
	require.NoError(t, err)
	require.Len(t, res.Credits, 3)

	assert.Equal(t, c, res.Credits[0].AncestorID)
	assert.Equal(t, b, res.Credits[1].AncestorID)
	assert.Equal(t, a, res.Credits[2].AncestorID)
	assertDec(t, "20", l.Balance(c))
	assertDec(t, "20", l.Balance(b))
	assertDec(t, "20", l.Balance(a))
	assertDec(t, "0", l.Balance(d))
	assert.Len(t, l.Records(), 3)

	again, err := e.Distribute(ctx, "event1", d, dec("10000"), "USDT")
	require.NoError(t, err)
	assert.Empty(t, again.Credits)
	assert.Len(t, again.Skipped, 3)
	assert.Len(t, l.Records(), 3)
	assertDec(t, "20", l.Balance(c))
}

func TestDistribute_DistinctEventsBothPay(t *testing.T) {
	l := testutil.NewMemLedger()
	ids := l.Chain(2)
	e := newEngine(l)

	_, err := e.Distribute(context.Background(), "evt-1", ids[1], dec("500"), "USDT")
	require.NoError(t, err)
	_, err = e.Distribute(context.Background(), "evt-2", ids[1], dec("500"), "USDT")
	require.NoError(t, err)

	assertDec(t, "2", l.Balance(ids[0]))
	assert.Len(t, l.Records(), 2)
}

func TestDistribute_ConcurrentSameEvent(t *testing.T) {
	l := testutil.NewMemLedger()
	ids := l.Chain(16)
	leaf := ids[15]
	e := newEngine(l)

	const callers = 20
	var wg sync.WaitGroup
	credited := make([]int, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := e.Distribute(context.Background(), "evt-race", leaf, dec("1000"), "USDT")
			if assert.NoError(t, err) {
				credited[i] = len(res.Credits)
			}
		}(i)
	}
	wg.Wait()

	total := 0
	for _, n := range credited {
		total += n
	}
	assert.Equal(t, 15, total, "each ancestor credited by exactly one caller")
	assert.Len(t, l.Records(), 15)
	for i := 0; i < 15; i++ {
		level := 15 - i
		want := "2"
		if level > 5 {
			want = "1"
		}
		assertDec(t, want, l.Balance(ids[i]), "level %d", level)
	}
}

func TestDistribute_MissingAncestorKeepsShallowerCredits(t *testing.T) {
	l := testutil.NewMemLedger()
	ids := l.Chain(8) // level 7 above the leaf is ids[0]
	l.Remove(ids[0])

	res, err := newEngine(l).Distribute(context.Background(), "evt-missing", ids[7], dec("1000"), "USDT")
	require.NoError(t, err)
	assert.Len(t, res.Credits, 6)
	require.NotNil(t, res.Warning)
	assert.Equal(t, commission.WarnAncestorMissing, res.Warning.Kind)
	assert.Equal(t, 7, res.Warning.Level)
	assert.Equal(t, ids[0], res.Warning.AncestorID)
	assert.Len(t, l.Records(), 6)
}

func TestDistribute_CycleStopsWalk(t *testing.T) {
	l := testutil.NewMemLedger()
	a := l.AddUser(models.AccountPaid, nil)
	b := l.AddUser(models.AccountPaid, &a)
	l.SetReferrer(a, &b)
	src := l.AddUser(models.AccountPaid, &a)

	res, err := newEngine(l).Distribute(context.Background(), "evt-cycle", src, dec("1000"), "USDT")
	require.NoError(t, err)
	assert.Len(t, res.Credits, 2)
	require.NotNil(t, res.Warning)
	assert.Equal(t, commission.WarnCycleDetected, res.Warning.Kind)
	assert.Equal(t, 3, res.Warning.Level)
}

func TestDistribute_SourceInOwnUpline(t *testing.T) {
	l := testutil.NewMemLedger()
	a := l.AddUser(models.AccountPaid, nil)
	b := l.AddUser(models.AccountPaid, &a)
	l.SetReferrer(a, &b)

	res, err := newEngine(l).Distribute(context.Background(), "evt-self", b, dec("1000"), "USDT")
	require.NoError(t, err)
	assert.Len(t, res.Credits, 1)
	require.NotNil(t, res.Warning)
	assert.Equal(t, commission.WarnCycleDetected, res.Warning.Kind)
	assertDec(t, "0", l.Balance(b))
}

func TestDistribute_DeadlineMidWalk(t *testing.T) {
	l := testutil.NewMemLedger()
	ids := l.Chain(5)
	l.CreditHook = func(rec models.CommissionRecord) error {
		if rec.Level == 3 {
			return context.DeadlineExceeded
		}
		return nil
	}

	res, err := newEngine(l).Distribute(context.Background(), "evt-deadline", ids[4], dec("1000"), "USDT")
	require.NoError(t, err)
	assert.Len(t, res.Credits, 2)
	require.NotNil(t, res.Warning)
	assert.Equal(t, commission.WarnDeadlineExceeded, res.Warning.Kind)
	assert.Equal(t, 3, res.Warning.Level)
}

func TestDistribute_ConflictRetriedThenApplied(t *testing.T) {
	l := testutil.NewMemLedger()
	ids := l.Chain(2)
	failures := 2
	l.CreditHook = func(models.CommissionRecord) error {
		if failures > 0 {
			failures--
			return rewards.ErrConflict
		}
		return nil
	}

	res, err := newEngine(l).Distribute(context.Background(), "evt-retry", ids[1], dec("1000"), "USDT")
	require.NoError(t, err)
	assert.Len(t, res.Credits, 1)
	assertDec(t, "2", l.Balance(ids[0]))
}

func TestDistribute_RetryExhausted(t *testing.T) {
	l := testutil.NewMemLedger()
	ids := l.Chain(4)
	attempts := 0
	l.CreditHook = func(rec models.CommissionRecord) error {
		if rec.Level == 2 {
			attempts++
			return rewards.ErrConflict
		}
		return nil
	}

	res, err := newEngine(l).Distribute(context.Background(), "evt-exhaust", ids[3], dec("1000"), "USDT")
	require.Error(t, err)
	assert.ErrorIs(t, err, rewards.ErrRetryExhausted)
	assert.ErrorIs(t, err, rewards.ErrConflict)
	assert.Equal(t, 3, attempts)

	require.NotNil(t, res)
	assert.Len(t, res.Credits, 1, "level 1 stays credited")
	assertDec(t, "0", l.Balance(ids[0]), "walk stopped before level 3")
}

func TestDistribute_StoreErrorStopsWalk(t *testing.T) {
	l := testutil.NewMemLedger()
	ids := l.Chain(5)
	boom := errors.New("disk on fire")
	l.CreditHook = func(rec models.CommissionRecord) error {
		if rec.Level == 3 {
			return boom
		}
		return nil
	}

	res, err := newEngine(l).Distribute(context.Background(), "evt-boom", ids[4], dec("1000"), "USDT")
	assert.ErrorIs(t, err, boom)
	require.NotNil(t, res)
	assert.Len(t, res.Credits, 2)
	assert.Nil(t, res.Warning)
}

func TestDistribute_RejectsBadInputBeforeStoreAccess(t *testing.T) {
	l := testutil.NewMemLedger()
	missing := primitive.NewObjectID()
	e := newEngine(l)
	ctx := context.Background()

	_, err := e.Distribute(ctx, "evt", missing, decimal.Zero, "USDT")
	assert.ErrorIs(t, err, rewards.ErrInvalidAmount)

	_, err = e.Distribute(ctx, "evt", missing, dec("-5"), "USDT")
	assert.ErrorIs(t, err, rewards.ErrInvalidAmount)

	_, err = e.Distribute(ctx, "evt", missing, dec("5"), " ")
	assert.ErrorIs(t, err, rewards.ErrInvalidCurrency)

	_, err = e.Distribute(ctx, "", missing, dec("5"), "USDT")
	assert.ErrorIs(t, err, rewards.ErrInvalidEvent)

	for _, code := range []string{"US", "TETHER", "US1", "U$DT"} {
		_, err = e.Distribute(ctx, "evt", missing, dec("5"), code)
		assert.ErrorIs(t, err, rewards.ErrInvalidCurrency, code)
	}

	assert.Empty(t, l.Records())
}

func TestDistribute_RejectsUnstorableAmount(t *testing.T) {
	l := testutil.NewMemLedger()
	ids := l.Chain(3)
	e := newEngine(l)

	// 35 significant digits once multiplied by the close rate
	amount := dec("1000.1234567890123456789012345678901")
	require.ErrorIs(t, e.CheckAmount(amount), rewards.ErrInvalidAmount)

	res, err := e.Distribute(context.Background(), "evt-wide", ids[2], amount, "USDT")
	assert.ErrorIs(t, err, rewards.ErrInvalidAmount)
	assert.Nil(t, res)
	assert.Empty(t, l.Records())

	_, err = e.Distribute(context.Background(), "evt-huge", ids[2], dec("1e6200"), "USDT")
	assert.ErrorIs(t, err, rewards.ErrInvalidAmount)
	assert.Empty(t, l.Records())
}

func TestDistribute_InvalidAncestorEndsWalk(t *testing.T) {
	l := testutil.NewMemLedger()
	ids := l.Chain(4)
	root := ids[0]
	l.SetReferrer(root, &root)

	res, err := newEngine(l).Distribute(context.Background(), "evt-invalid", ids[3], dec("1000"), "USDT")
	require.NoError(t, err)
	assert.Len(t, res.Credits, 2)
	require.NotNil(t, res.Warning)
	assert.Equal(t, commission.WarnAncestorInvalid, res.Warning.Kind)
	assert.Equal(t, 3, res.Warning.Level)
	assert.Equal(t, root, res.Warning.AncestorID)
	assertDec(t, "0", l.Balance(root))
}

func TestDistribute_SourceMissing(t *testing.T) {
	l := testutil.NewMemLedger()

	res, err := newEngine(l).Distribute(context.Background(), "evt", primitive.NewObjectID(), dec("5"), "USDT")
	assert.ErrorIs(t, err, rewards.ErrUserNotFound)
	assert.Nil(t, res)
}
