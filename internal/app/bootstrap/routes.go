// internal/app/bootstrap/routes.go
package bootstrap

import (
	"errors"
	"net/http"

	healthfeature "github.com/dalemusser/uplinehub/internal/app/features/health"
	rewardsfeature "github.com/dalemusser/uplinehub/internal/app/features/rewards"
	"github.com/dalemusser/uplinehub/internal/app/system/ratelimit"
	"github.com/dalemusser/waffle/config"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// BuildHandler constructs the root HTTP handler (router) for this WAFFLE app.
//
// WAFFLE calls this after configuration, DB connections, schema setup, and
// the Startup hook have completed. UplineHub mounts:
//   - /health   database and broker status for load balancers
//   - /metrics  Prometheus exposition of the reward instruments
//   - /rewards  the JSON API over users, teams, commissions and ranks
func BuildHandler(coreCfg *config.CoreConfig, appCfg AppConfig, deps DBDeps, logger *zap.Logger) (http.Handler, error) {
	svc := deps.services
	if svc == nil || svc.queue == nil {
		return nil, errors.New("build handler: Startup did not run")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	// Health check endpoint for load balancers and orchestrators.
	// An explicit nil keeps the Broker interface nil when no broker is used.
	var broker healthfeature.Broker
	if deps.Broker != nil {
		broker = deps.Broker
	}
	healthHandler := healthfeature.NewHandler(deps.MongoClient, broker, logger)
	r.Mount("/health", healthfeature.Routes(healthHandler))

	r.Handle("/metrics", svc.metrics.Handler())

	rewardsHandler := rewardsfeature.NewHandler(svc.users, svc.commissions, svc.resolver, svc.ranks, svc.queue, logger)
	rewardsHandler.Stats = svc.stats
	rewardsHandler.Amounts = svc.distributor
	var writeMW []func(http.Handler) http.Handler
	if svc.limiter != nil {
		writeMW = append(writeMW, ratelimit.Middleware(svc.limiter, logger))
	}
	r.Mount("/rewards", rewardsfeature.Routes(rewardsHandler, writeMW...))

	return r, nil
}
