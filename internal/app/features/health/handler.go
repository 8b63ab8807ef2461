package health

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/dalemusser/uplinehub/internal/app/system/timeouts"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"
)

// Broker reports whether the task broker connection is down.
type Broker interface {
	IsClosed() bool
}

// Handler holds dependencies needed for health checks.
type Handler struct {
	Client *mongo.Client
	Broker Broker // nil when tasks run in-process
	Log    *zap.Logger
}

// NewHandler constructs a health Handler. broker may be nil.
func NewHandler(client *mongo.Client, broker Broker, logger *zap.Logger) *Handler {
	return &Handler{
		Client: client,
		Broker: broker,
		Log:    logger,
	}
}

// healthResponse is the JSON structure for the health check response.
type healthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
	Broker   string `json:"broker"`
	Message  string `json:"message,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Serve handles GET /health.
//
// On success: 200 and
//
//	{ "status":"ok", "database":"connected", "broker":"connected" }
//
// broker is "disabled" when no broker is configured. On DB or broker
// failure: 503 and
//
//	{ "status":"error", "database":"disconnected", "message":"Database unavailable", "error":"…"}
func (h *Handler) Serve(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), timeouts.Ping())
	defer cancel()

	w.Header().Set("Content-Type", "application/json")

	resp := healthResponse{
		Status:   "ok",
		Database: "connected",
		Broker:   "disabled",
	}

	// Check database
	if err := h.Client.Ping(ctx, readpref.Primary()); err != nil {
		h.Log.Error("health-check: mongo ping failed", zap.Error(err))
		resp.Status = "error"
		resp.Database = "disconnected"
		resp.Message = "Database unavailable"
		resp.Error = err.Error()
	}

	if h.Broker != nil {
		resp.Broker = "connected"
		if h.Broker.IsClosed() {
			h.Log.Error("health-check: broker connection closed")
			resp.Broker = "disconnected"
			if resp.Status == "ok" {
				resp.Status = "error"
				resp.Message = "Broker unavailable"
			}
		}
	}

	if resp.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(resp)
}
