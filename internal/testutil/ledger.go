package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dalemusser/uplinehub/internal/app/rewards"
	"github.com/dalemusser/uplinehub/internal/domain/models"
	"github.com/dalemusser/uplinehub/internal/domain/money"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// MemLedger is an in-memory implementation of the rewards store contracts.
// Every method holds one mutex, so each Credit and Promote is atomic and
// linearizable the way the Mongo transaction and conditional update are.
type MemLedger struct {
	mu      sync.Mutex
	users   map[primitive.ObjectID]*memUser
	records map[creditKey]models.CommissionRecord

	// CreditHook, when set, runs before each Credit under the lock. A non-nil
	// error is returned from Credit with nothing written.
	CreditHook func(rec models.CommissionRecord) error
	// PromoteHook, when set, runs before each Promote without the lock held,
	// so it may mutate the ledger to simulate a concurrent writer.
	PromoteHook func(p rewards.Promotion) error

	queries int
}

type memUser struct {
	user            models.User
	balance         decimal.Decimal
	totalCommission decimal.Decimal
}

type creditKey struct {
	event       string
	beneficiary primitive.ObjectID
}

// NewMemLedger returns an empty ledger.
func NewMemLedger() *MemLedger {
	return &MemLedger{
		users:   make(map[primitive.ObjectID]*memUser),
		records: make(map[creditKey]models.CommissionRecord),
	}
}

// AddUser inserts a user and returns its id. referrer may be nil or may name
// a user that does not exist.
func (m *MemLedger) AddUser(class string, referrer *primitive.ObjectID) primitive.ObjectID {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := primitive.NewObjectID()
	m.users[id] = &memUser{user: models.User{
		ID:           id,
		FullName:     "user " + id.Hex(),
		ReferralCode: id.Hex(),
		ReferrerID:   referrer,
		AccountClass: class,
		CurrentRank:  models.RankNone,
		CreatedAt:    time.Now().UTC(),
	}}
	return id
}

// AddChild inserts a paid user referred by parent.
func (m *MemLedger) AddChild(parent primitive.ObjectID) primitive.ObjectID {
	return m.AddUser(models.AccountPaid, &parent)
}

// Chain inserts n paid users, each referring the next. Root first.
func (m *MemLedger) Chain(n int) []primitive.ObjectID {
	ids := make([]primitive.ObjectID, 0, n)
	var parent *primitive.ObjectID
	for i := 0; i < n; i++ {
		id := m.AddUser(models.AccountPaid, parent)
		ids = append(ids, id)
		p := id
		parent = &p
	}
	return ids
}

// SetReferrer repoints a user's referrer. Production code never does this;
// tests use it to build corrupted graphs such as cycles.
func (m *MemLedger) SetReferrer(id primitive.ObjectID, referrer *primitive.ObjectID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[id].user.ReferrerID = referrer
}

// SetRank overwrites a user's rank.
func (m *MemLedger) SetRank(id primitive.ObjectID, r models.Rank) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[id].user.CurrentRank = r
}

// Rank returns a user's current rank.
func (m *MemLedger) Rank(id primitive.ObjectID) models.Rank {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok {
		return u.user.CurrentRank
	}
	return ""
}

// GrantedTiers returns the tiers whose bonus a user has received.
func (m *MemLedger) GrantedTiers(id primitive.ObjectID) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok {
		return append([]string(nil), u.user.GrantedTiers...)
	}
	return nil
}

// Remove deletes a user, leaving any references to it dangling.
func (m *MemLedger) Remove(id primitive.ObjectID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.users, id)
}

// Balance returns a user's balance.
func (m *MemLedger) Balance(id primitive.ObjectID) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok {
		return u.balance
	}
	return decimal.Zero
}

// TotalCommission returns a user's cumulative commission.
func (m *MemLedger) TotalCommission(id primitive.ObjectID) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok {
		return u.totalCommission
	}
	return decimal.Zero
}

// Records returns every commission record ordered by event then level.
func (m *MemLedger) Records() []models.CommissionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.CommissionRecord, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SourceEventID != out[j].SourceEventID {
			return out[i].SourceEventID < out[j].SourceEventID
		}
		return out[i].Level < out[j].Level
	})
	return out
}

// ReferralQueries returns how many ListByReferrers calls were made.
func (m *MemLedger) ReferralQueries() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queries
}

// GetByID implements rewards.UserReader.
func (m *MemLedger) GetByID(ctx context.Context, id primitive.ObjectID) (*models.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, rewards.ErrUserNotFound
	}
	return m.checked(u)
}

// ListByReferrers implements rewards.ReferralIndex.
func (m *MemLedger) ListByReferrers(ctx context.Context, ids []primitive.ObjectID) ([]models.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queries++

	want := make(map[primitive.ObjectID]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []models.User
	for _, u := range m.users {
		if u.user.ReferrerID != nil && want[*u.user.ReferrerID] {
			cp, err := m.checked(u)
			if err != nil {
				return nil, err
			}
			out = append(out, *cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Hex() < out[j].ID.Hex() })
	return out, nil
}

// Credit implements rewards.CommissionLedger.
func (m *MemLedger) Credit(ctx context.Context, rec models.CommissionRecord) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.CreditHook != nil {
		if err := m.CreditHook(rec); err != nil {
			return false, err
		}
	}
	key := creditKey{event: rec.SourceEventID, beneficiary: rec.BeneficiaryID}
	if _, ok := m.records[key]; ok {
		return false, nil
	}
	u, ok := m.users[rec.BeneficiaryID]
	if !ok {
		return false, rewards.ErrUserNotFound
	}
	amount, err := money.FromDecimal128(rec.Amount)
	if err != nil {
		return false, err
	}
	if rec.ID.IsZero() {
		rec.ID = primitive.NewObjectID()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	m.records[key] = rec
	u.balance = u.balance.Add(amount)
	u.totalCommission = u.totalCommission.Add(amount)
	return true, nil
}

// Promote implements rewards.RankWriter.
func (m *MemLedger) Promote(ctx context.Context, p rewards.Promotion) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if m.PromoteHook != nil {
		if err := m.PromoteHook(p); err != nil {
			return false, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[p.UserID]
	if !ok {
		return false, nil
	}
	if u.user.CurrentRank.Normalize() != p.From.Normalize() || u.user.HasGranted(p.Tier) {
		return false, nil
	}
	u.user.CurrentRank = p.To
	u.user.GrantedTiers = append(u.user.GrantedTiers, p.Tier)
	if p.Bonus.IsPositive() {
		u.balance = u.balance.Add(p.Bonus)
	}
	return true, nil
}

// checked returns a snapshot that passed the same rank normalization and
// validation the Mongo user store applies on read.
func (m *MemLedger) checked(u *memUser) (*models.User, error) {
	cp := m.snapshot(u)
	cp.CurrentRank = cp.CurrentRank.Normalize()
	if err := cp.Validate(); err != nil {
		return nil, err
	}
	return cp, nil
}

func (m *MemLedger) snapshot(u *memUser) *models.User {
	cp := u.user
	cp.GrantedTiers = append([]string(nil), u.user.GrantedTiers...)
	if u.user.ReferrerID != nil {
		ref := *u.user.ReferrerID
		cp.ReferrerID = &ref
	}
	cp.Balance, _ = money.ToDecimal128(u.balance)
	cp.TotalCommission, _ = money.ToDecimal128(u.totalCommission)
	return &cp
}
