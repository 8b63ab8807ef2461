package rewards_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	rewardsfeature "github.com/dalemusser/uplinehub/internal/app/features/rewards"
	"github.com/dalemusser/uplinehub/internal/app/rewards/commission"
	"github.com/dalemusser/uplinehub/internal/app/rewards/dispatch"
	"github.com/dalemusser/uplinehub/internal/app/rewards/rank"
	"github.com/dalemusser/uplinehub/internal/app/rewards/team"
	metricsstore "github.com/dalemusser/uplinehub/internal/app/store/metrics"
	userstore "github.com/dalemusser/uplinehub/internal/app/store/users"
	"github.com/dalemusser/uplinehub/internal/app/system/limits"
	"github.com/dalemusser/uplinehub/internal/domain/models"
	"github.com/dalemusser/uplinehub/internal/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
)

// memUsers adds a minimal Register to the in-memory ledger. Referral codes
// are user id hex strings there.
type memUsers struct {
	*testutil.MemLedger
}

func (m memUsers) Register(ctx context.Context, reg userstore.Registration) (models.User, error) {
	if strings.TrimSpace(reg.FullName) == "" {
		return models.User{}, userstore.ErrInvalidRegistration
	}
	var ref *primitive.ObjectID
	if reg.ReferralCode != "" {
		id, err := primitive.ObjectIDFromHex(reg.ReferralCode)
		if err != nil {
			return models.User{}, userstore.ErrUnknownReferralCode
		}
		if _, err := m.GetByID(ctx, id); err != nil {
			return models.User{}, userstore.ErrUnknownReferralCode
		}
		ref = &id
	}
	class := reg.AccountClass
	if class == "" {
		class = models.AccountFree
	}
	id := m.AddUser(class, ref)
	u, err := m.GetByID(ctx, id)
	if err != nil {
		return models.User{}, err
	}
	return *u, nil
}

type memCommissions struct {
	*testutil.MemLedger
}

func (m memCommissions) ListByBeneficiary(_ context.Context, userID primitive.ObjectID, limit int64) ([]models.CommissionRecord, error) {
	var out []models.CommissionRecord
	for _, r := range m.Records() {
		if r.BeneficiaryID == userID && int64(len(out)) < limit {
			out = append(out, r)
		}
	}
	return out, nil
}

type recordQueue struct {
	mu    sync.Mutex
	tasks []dispatch.Task
}

func (q *recordQueue) Enqueue(_ context.Context, t dispatch.Task) error {
	if err := t.Validate(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, t)
	return nil
}

type fixture struct {
	ledger *testutil.MemLedger
	queue  *recordQueue
	srv    http.Handler
}

func newFixture() *fixture {
	l := testutil.NewMemLedger()
	log := zap.NewNop()
	resolver := team.New(l, l, team.MaxDepth, log)
	ranks := rank.New(l, resolver, l, rank.Options{}, log)
	q := &recordQueue{}
	h := rewardsfeature.NewHandler(memUsers{l}, memCommissions{l}, resolver, ranks, q, log)
	return &fixture{ledger: l, queue: q, srv: rewardsfeature.Routes(h)}
}

func (f *fixture) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec, out
}

func TestRegister(t *testing.T) {
	f := newFixture()
	root := f.ledger.AddUser(models.AccountPaid, nil)

	rec, body := f.do(t, http.MethodPost, "/users",
		`{"full_name":"Ada","referral_code":"`+root.Hex()+`","account_class":"paid"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, root.Hex(), body["referrer_id"])
	assert.Equal(t, "none", body["current_rank"])
	assert.Equal(t, "0", body["balance"])

	require.Len(t, f.queue.tasks, 1, "paid direct triggers a referrer recheck")
	assert.Equal(t, dispatch.TypeTeamRecheck, f.queue.tasks[0].Type)
	assert.Equal(t, root, f.queue.tasks[0].UserID)
}

func TestRegister_Errors(t *testing.T) {
	f := newFixture()

	rec, _ := f.do(t, http.MethodPost, "/users", `{"full_name":"Ada","referral_code":"`+primitive.NewObjectID().Hex()+`"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec, _ = f.do(t, http.MethodPost, "/users", `{"full_name":"  "}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = f.do(t, http.MethodPost, "/users", `{`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRegister_BodyTooLarge(t *testing.T) {
	f := newFixture()

	big := `{"full_name":"` + strings.Repeat("a", limits.MaxJSONBody) + `"}`
	rec, _ := f.do(t, http.MethodPost, "/users", big)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestGetUser(t *testing.T) {
	f := newFixture()
	id := f.ledger.AddUser(models.AccountFree, nil)

	rec, body := f.do(t, http.MethodGet, "/users/"+id.Hex(), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, id.Hex(), body["id"])
	assert.Equal(t, "free", body["account_class"])

	rec, _ = f.do(t, http.MethodGet, "/users/"+primitive.NewObjectID().Hex(), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = f.do(t, http.MethodGet, "/users/nope", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitEvent(t *testing.T) {
	f := newFixture()
	uid := primitive.NewObjectID().Hex()

	rec, body := f.do(t, http.MethodPost, "/events",
		`{"id":"order-77","type":"purchase_completed","user_id":"`+uid+`","amount":"99.90","currency":"usdt"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "order-77", body["task_id"])

	require.Len(t, f.queue.tasks, 1)
	task := f.queue.tasks[0]
	assert.Equal(t, "USDT", task.Currency)
	assert.True(t, decimal.RequireFromString("99.9").Equal(task.Amount))
}

func TestSubmitEvent_Rejects(t *testing.T) {
	f := newFixture()
	uid := primitive.NewObjectID().Hex()

	cases := map[string]string{
		"zero amount":  `{"type":"purchase_completed","user_id":"` + uid + `","amount":"0","currency":"USDT"}`,
		"no currency":  `{"type":"purchase_completed","user_id":"` + uid + `","amount":"5"}`,
		"bad currency": `{"type":"purchase_completed","user_id":"` + uid + `","amount":"5","currency":"usdt-` + uid + `"}`,
		"unstorable":   `{"type":"purchase_completed","user_id":"` + uid + `","amount":"1000.1234567890123456789012345678901","currency":"USDT"}`,
		"bad user":     `{"type":"team_recheck","user_id":"xyz"}`,
		"unknown type": `{"type":"refund","user_id":"` + uid + `"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rec, _ := f.do(t, http.MethodPost, "/events", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
	assert.Empty(t, f.queue.tasks)
}

func TestTeam(t *testing.T) {
	f := newFixture()
	ids := f.ledger.Chain(4)

	rec, body := f.do(t, http.MethodGet, "/users/"+ids[0].Hex()+"/team?max_level=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, body["max_level"])
	assert.EqualValues(t, 2, body["total_members"])

	rec, _ = f.do(t, http.MethodGet, "/users/"+ids[0].Hex()+"/team?max_level=-1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListCommissions(t *testing.T) {
	f := newFixture()
	ids := f.ledger.Chain(3)
	dist := commission.New(f.ledger, f.ledger, commission.DefaultConfig(), nil, zap.NewNop())
	_, err := dist.Distribute(context.Background(), "evt-1", ids[2], decimal.NewFromInt(1000), "USDT")
	require.NoError(t, err)

	rec, body := f.do(t, http.MethodGet, "/users/"+ids[0].Hex()+"/commissions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	records := body["records"].([]any)
	require.Len(t, records, 1)
	first := records[0].(map[string]any)
	assert.Equal(t, "evt-1", first["source_event_id"])
	assert.EqualValues(t, 2, first["level"])
	assert.Equal(t, "2", first["amount"])

	rec, _ = f.do(t, http.MethodGet, "/users/"+ids[0].Hex()+"/commissions?limit=0", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEvaluate(t *testing.T) {
	f := newFixture()
	u := f.ledger.AddUser(models.AccountPaid, nil)
	for i := 0; i < 5; i++ {
		f.ledger.AddChild(u)
	}

	rec, body := f.do(t, http.MethodPost, "/users/"+u.Hex()+"/evaluate", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["promoted"])
	assert.Equal(t, "bronze", body["new_rank"])
	assert.Equal(t, "50", body["bonus"])

	rec, body = f.do(t, http.MethodPost, "/users/"+u.Hex()+"/evaluate", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, body["promoted"])
}

type fixedStats metricsstore.Counts

func (s fixedStats) FetchCounts(context.Context) metricsstore.Counts { return metricsstore.Counts(s) }

func TestGetStats(t *testing.T) {
	f := newFixture()
	rec, _ := f.do(t, http.MethodGet, "/stats", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	l := testutil.NewMemLedger()
	h := rewardsfeature.NewHandler(memUsers{l}, memCommissions{l}, nil, nil, nil, zap.NewNop())
	h.Stats = fixedStats{Users: 7, PaidUsers: 3, Ranks: map[models.Rank]int64{models.RankGold: 1}}
	f.srv = rewardsfeature.Routes(h)

	rec, body := f.do(t, http.MethodGet, "/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 7, body["users"])
	assert.EqualValues(t, 1, body["ranks"].(map[string]any)["gold"])
}
