// internal/app/features/rewards/routes.go
package rewards

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes returns a subrouter mounted under /rewards. writeMW wraps the
// endpoints that create users or queue work.
func Routes(h *Handler, writeMW ...func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.With(writeMW...).Post("/users", h.Register)
	r.Get("/users/{id}", h.GetUser)
	r.Get("/users/{id}/team", h.Team)
	r.Get("/users/{id}/commissions", h.ListCommissions)
	r.With(writeMW...).Post("/users/{id}/evaluate", h.Evaluate)
	r.With(writeMW...).Post("/events", h.SubmitEvent)
	r.Get("/stats", h.GetStats)
	return r
}
