// internal/app/features/rewards/handler.go
package rewards

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	rewardsapp "github.com/dalemusser/uplinehub/internal/app/rewards"
	"github.com/dalemusser/uplinehub/internal/app/rewards/commission"
	"github.com/dalemusser/uplinehub/internal/app/rewards/dispatch"
	"github.com/dalemusser/uplinehub/internal/app/rewards/rank"
	"github.com/dalemusser/uplinehub/internal/app/rewards/team"
	metricsstore "github.com/dalemusser/uplinehub/internal/app/store/metrics"
	userstore "github.com/dalemusser/uplinehub/internal/app/store/users"
	"github.com/dalemusser/uplinehub/internal/app/system/limits"
	"github.com/dalemusser/uplinehub/internal/app/system/timeouts"
	"github.com/dalemusser/uplinehub/internal/domain/models"
	"github.com/dalemusser/uplinehub/internal/domain/money"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
)

// Users registers and loads users.
type Users interface {
	Register(ctx context.Context, reg userstore.Registration) (models.User, error)
	GetByID(ctx context.Context, id primitive.ObjectID) (*models.User, error)
}

// Commissions lists a beneficiary's commission records, newest first.
type Commissions interface {
	ListByBeneficiary(ctx context.Context, userID primitive.ObjectID, limit int64) ([]models.CommissionRecord, error)
}

// Teams resolves team snapshots.
type Teams interface {
	Resolve(ctx context.Context, rootID primitive.ObjectID, maxLevel int) (*team.Snapshot, error)
}

// Stats reports ledger totals.
type Stats interface {
	FetchCounts(ctx context.Context) metricsstore.Counts
}

// AmountChecker rejects amounts whose commissions cannot be stored.
type AmountChecker interface {
	CheckAmount(amount decimal.Decimal) error
}

// Handler serves the rewards JSON API.
type Handler struct {
	Users       Users
	Commissions Commissions
	Teams       Teams
	Ranks       dispatch.Evaluator
	Queue       dispatch.Enqueuer
	Stats       Stats         // optional
	Amounts     AmountChecker // optional; the default schedule when nil
	Log         *zap.Logger
}

// NewHandler constructs a rewards Handler.
func NewHandler(users Users, commissions Commissions, teams Teams, ranks dispatch.Evaluator, queue dispatch.Enqueuer, logger *zap.Logger) *Handler {
	return &Handler{
		Users:       users,
		Commissions: commissions,
		Teams:       teams,
		Ranks:       ranks,
		Queue:       queue,
		Log:         logger,
	}
}

const defaultListLimit = 50

type userView struct {
	ID              string    `json:"id"`
	FullName        string    `json:"full_name"`
	ReferralCode    string    `json:"referral_code"`
	ReferrerID      string    `json:"referrer_id,omitempty"`
	AccountClass    string    `json:"account_class"`
	CurrentRank     string    `json:"current_rank"`
	GrantedTiers    []string  `json:"granted_tiers"`
	TotalCommission string    `json:"total_commission"`
	Balance         string    `json:"balance"`
	CreatedAt       time.Time `json:"created_at"`
}

func toUserView(u *models.User) userView {
	v := userView{
		ID:              u.ID.Hex(),
		FullName:        u.FullName,
		ReferralCode:    u.ReferralCode,
		AccountClass:    u.AccountClass,
		CurrentRank:     string(u.CurrentRank.Normalize()),
		GrantedTiers:    u.GrantedTiers,
		TotalCommission: money.MustFromDecimal128(u.TotalCommission).String(),
		Balance:         money.MustFromDecimal128(u.Balance).String(),
		CreatedAt:       u.CreatedAt,
	}
	if u.ReferrerID != nil {
		v.ReferrerID = u.ReferrerID.Hex()
	}
	if v.GrantedTiers == nil {
		v.GrantedTiers = []string{}
	}
	return v
}

type recordView struct {
	ID            string    `json:"id"`
	SourceEventID string    `json:"source_event_id"`
	SourceUserID  string    `json:"source_user_id"`
	Level         int       `json:"level"`
	Amount        string    `json:"amount"`
	Rate          string    `json:"rate"`
	Currency      string    `json:"currency"`
	CreatedAt     time.Time `json:"created_at"`
}

type registerRequest struct {
	FullName     string `json:"full_name"`
	ReferralCode string `json:"referral_code"`
	AccountClass string `json:"account_class"`
}

// Register handles POST /rewards/users.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeouts.Read())
	defer cancel()

	u, err := h.Users.Register(ctx, userstore.Registration{
		FullName:     req.FullName,
		ReferralCode: req.ReferralCode,
		AccountClass: req.AccountClass,
	})
	switch {
	case errors.Is(err, userstore.ErrUnknownReferralCode):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	case errors.Is(err, userstore.ErrInvalidRegistration):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		h.serverError(w, "register user failed", err)
		return
	}

	if u.ReferrerID != nil && u.IsPaid() && h.Queue != nil {
		// a new paid direct may qualify the referrer for a tier
		t := dispatch.NewTask(dispatch.TypeTeamRecheck, *u.ReferrerID, decimal.Zero, "")
		if err := h.Queue.Enqueue(ctx, t); err != nil {
			h.Log.Warn("could not enqueue referrer recheck", zap.String("user_id", u.ID.Hex()), zap.Error(err))
		}
	}

	writeJSON(w, http.StatusCreated, toUserView(&u))
}

// GetUser handles GET /rewards/users/{id}.
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	id, ok := userIDParam(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeouts.Read())
	defer cancel()

	u, err := h.Users.GetByID(ctx, id)
	if err != nil {
		h.lookupError(w, "load user failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toUserView(u))
}

type eventRequest struct {
	ID       string          `json:"id"`
	Type     dispatch.Type   `json:"type"`
	UserID   string          `json:"user_id"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

// SubmitEvent handles POST /rewards/events. The task is queued and
// processed asynchronously; a caller-supplied id makes resubmission safe.
func (h *Handler) SubmitEvent(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	uid, err := primitive.ObjectIDFromHex(req.UserID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user_id")
		return
	}

	t := dispatch.NewTask(req.Type, uid, req.Amount, req.Currency)
	if req.ID != "" {
		t.ID = req.ID
	}
	if t.Type.Monetary() {
		if err := h.checkAmount(t.Amount); err != nil {
			writeError(w, http.StatusBadRequest, rewardsapp.ErrInvalidAmount.Error())
			return
		}
		if t.Currency, err = rewardsapp.NormalizeCurrency(t.Currency); err != nil {
			writeError(w, http.StatusBadRequest, rewardsapp.ErrInvalidCurrency.Error())
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeouts.Read())
	defer cancel()

	if err := h.Queue.Enqueue(ctx, t); err != nil {
		if errors.Is(err, dispatch.ErrMalformed) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.serverError(w, "enqueue task failed", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": t.ID})
}

func (h *Handler) checkAmount(amount decimal.Decimal) error {
	if h.Amounts != nil {
		return h.Amounts.CheckAmount(amount)
	}
	return commission.DefaultConfig().CheckAmount(amount)
}

// Team handles GET /rewards/users/{id}/team?max_level=N.
func (h *Handler) Team(w http.ResponseWriter, r *http.Request) {
	id, ok := userIDParam(w, r)
	if !ok {
		return
	}
	maxLevel := 0
	if s := r.URL.Query().Get("max_level"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "max_level must be a non-negative integer")
			return
		}
		maxLevel = n
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeouts.Team())
	defer cancel()

	snap, err := h.Teams.Resolve(ctx, id, maxLevel)
	if err != nil {
		h.lookupError(w, "resolve team failed", err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// ListCommissions handles GET /rewards/users/{id}/commissions?limit=N.
func (h *Handler) ListCommissions(w http.ResponseWriter, r *http.Request) {
	id, ok := userIDParam(w, r)
	if !ok {
		return
	}
	limit := int64(defaultListLimit)
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, limits.MaxListLimit)
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeouts.Read())
	defer cancel()

	recs, err := h.Commissions.ListByBeneficiary(ctx, id, limit)
	if err != nil {
		h.serverError(w, "list commissions failed", err)
		return
	}
	out := make([]recordView, 0, len(recs))
	for _, rec := range recs {
		out = append(out, recordView{
			ID:            rec.ID.Hex(),
			SourceEventID: rec.SourceEventID,
			SourceUserID:  rec.SourceUserID.Hex(),
			Level:         rec.Level,
			Amount:        money.MustFromDecimal128(rec.Amount).String(),
			Rate:          money.MustFromDecimal128(rec.Rate).String(),
			Currency:      rec.Currency,
			CreatedAt:     rec.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": out})
}

// Evaluate handles POST /rewards/users/{id}/evaluate. It runs a promotion
// check synchronously and returns the outcome.
func (h *Handler) Evaluate(w http.ResponseWriter, r *http.Request) {
	id, ok := userIDParam(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeouts.Walk())
	defer cancel()

	res, err := h.Ranks.EvaluateAndPromote(ctx, id)
	if err != nil {
		if errors.Is(err, rewardsapp.ErrRetryExhausted) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		h.lookupError(w, "evaluate rank failed", err)
		return
	}
	writeJSON(w, http.StatusOK, rankView(res))
}

type rankResult struct {
	UserID       string `json:"user_id"`
	PreviousRank string `json:"previous_rank"`
	NewRank      string `json:"new_rank,omitempty"`
	Promoted     bool   `json:"promoted"`
	Tier         string `json:"tier,omitempty"`
	Bonus        string `json:"bonus"`
}

// GetStats handles GET /rewards/stats.
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	if h.Stats == nil {
		writeError(w, http.StatusNotFound, "stats unavailable")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeouts.Read())
	defer cancel()
	writeJSON(w, http.StatusOK, h.Stats.FetchCounts(ctx))
}

func rankView(res *rank.Result) rankResult {
	return rankResult{
		UserID:       res.UserID.Hex(),
		PreviousRank: string(res.PreviousRank),
		NewRank:      string(res.NewRank),
		Promoted:     res.Promoted,
		Tier:         res.Tier,
		Bonus:        res.Bonus.String(),
	}
}

func userIDParam(w http.ResponseWriter, r *http.Request) (primitive.ObjectID, bool) {
	id, err := primitive.ObjectIDFromHex(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return primitive.NilObjectID, false
	}
	return id, true
}

func (h *Handler) lookupError(w http.ResponseWriter, msg string, err error) {
	if errors.Is(err, rewardsapp.ErrUserNotFound) {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	h.serverError(w, msg, err)
}

func (h *Handler) serverError(w http.ResponseWriter, msg string, err error) {
	h.Log.Error(msg, zap.Error(err))
	if errors.Is(err, context.DeadlineExceeded) {
		writeError(w, http.StatusGatewayTimeout, "timed out")
		return
	}
	writeError(w, http.StatusInternalServerError, "internal error")
}

// decodeJSON reads a bounded JSON body into v, writing 413 or 400 on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, limits.MaxJSONBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
