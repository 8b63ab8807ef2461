// internal/app/bootstrap/startup.go
package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"github.com/dalemusser/uplinehub/internal/app/rewards/commission"
	"github.com/dalemusser/uplinehub/internal/app/rewards/dispatch"
	"github.com/dalemusser/uplinehub/internal/app/rewards/rank"
	"github.com/dalemusser/uplinehub/internal/app/rewards/team"
	commissionstore "github.com/dalemusser/uplinehub/internal/app/store/commissions"
	metricsstore "github.com/dalemusser/uplinehub/internal/app/store/metrics"
	userstore "github.com/dalemusser/uplinehub/internal/app/store/users"
	"github.com/dalemusser/uplinehub/internal/app/system/events"
	"github.com/dalemusser/uplinehub/internal/app/system/metrics"
	"github.com/dalemusser/uplinehub/internal/app/system/ratelimit"
	"github.com/dalemusser/uplinehub/internal/app/system/tasks"
	"github.com/dalemusser/uplinehub/internal/app/system/timeouts"
	"github.com/dalemusser/uplinehub/internal/app/system/workers"
	"github.com/dalemusser/waffle/config"
	"go.uber.org/zap"
)

// services is everything Startup builds and Shutdown tears down.
type services struct {
	metrics     *metrics.Metrics
	users       *userstore.Store
	commissions *commissionstore.Store
	stats       *metricsstore.Store
	resolver    *team.Resolver
	distributor *commission.Engine
	ranks       *rank.Engine
	taskHandler *dispatch.Handler
	queue       dispatch.Enqueuer

	pool      *workers.Pool
	publisher *events.Publisher
	consumer  *events.Consumer
	scheduler *tasks.Scheduler
	limiter   *ratelimit.Limiter // nil when write limiting is off

	// stopConsumer ends the delivery loop; the Startup ctx is not ours to keep.
	stopConsumer context.CancelFunc
}

// Startup runs one-time application initialization after DB connections and
// schema setup are complete, but before the HTTP handler is built. UplineHub
// builds the stores and reward engines, starts the worker pool, attaches the
// task transport and schedules the periodic rank recheck.
func Startup(ctx context.Context, coreCfg *config.CoreConfig, appCfg AppConfig, deps DBDeps, logger *zap.Logger) error {
	if deps.services == nil {
		return errors.New("startup: ConnectDB did not run")
	}
	svc := deps.services

	timeouts.Configure(timeouts.Config{
		Read:  appCfg.ReadTimeout,
		Team:  appCfg.TeamTimeout,
		Walk:  appCfg.WalkTimeout,
		Sweep: appCfg.SweepTimeout,
	})
	cur := timeouts.Current()
	logger.Info("timeouts configured",
		zap.Duration("read", cur.Read),
		zap.Duration("team", cur.Team),
		zap.Duration("walk", cur.Walk),
		zap.Duration("sweep", cur.Sweep))

	tiers, err := rank.LoadFile(appCfg.TiersFile)
	if err != nil {
		return fmt.Errorf("load tiers: %w", err)
	}

	svc.metrics = metrics.New()
	svc.users = userstore.New(deps.MongoDatabase)
	svc.commissions = commissionstore.New(deps.MongoDatabase, logger)
	svc.stats = metricsstore.New(deps.MongoDatabase)
	svc.resolver = team.New(svc.users, svc.users, appCfg.TeamMaxLevel, logger)
	svc.distributor = commission.New(svc.users, svc.commissions, commissionConfig(appCfg), svc.metrics, logger)
	svc.ranks = rank.New(svc.users, svc.resolver, svc.users, rank.Options{
		Tiers:     tiers,
		TeamDepth: appCfg.TeamMaxLevel,
		Retry:     retryPolicy(appCfg),
		Metrics:   svc.metrics,
	}, logger)
	svc.taskHandler = dispatch.NewHandler(svc.users, svc.distributor, svc.ranks, svc.metrics, logger)

	svc.pool = workers.NewPool(appCfg.Workers, appCfg.WorkerQueueSize, timeouts.Walk(), logger)
	svc.pool.Start()

	if deps.Broker != nil {
		if err := startBroker(svc, deps.Broker, appCfg, logger); err != nil {
			return err
		}
	} else {
		svc.queue = dispatch.NewLocalQueue(svc.pool, svc.taskHandler)
		svc.taskHandler.SetFollowUps(svc.queue)
	}

	if appCfg.WriteRatePerMinute > 0 {
		svc.limiter = ratelimit.New(appCfg.WriteRatePerMinute, appCfg.WriteRateBurst)
	}

	svc.scheduler = tasks.NewScheduler(logger)
	if appCfg.RecheckInterval > 0 {
		svc.scheduler.Add(tasks.RankRecheckJob(svc.users, svc.queue, logger,
			appCfg.RecheckInterval, timeouts.Sweep(), appCfg.RecheckPageSize))
	}
	svc.scheduler.Start()

	logger.Info("reward engine ready",
		zap.String("close_rate", appCfg.CommissionCloseRate.String()),
		zap.String("far_rate", appCfg.CommissionFarRate.String()),
		zap.Int("max_levels", appCfg.CommissionMaxLevels),
		zap.Int("tiers", len(tiers)),
		zap.Bool("broker", deps.Broker != nil))
	return nil
}

func startBroker(svc *services, conn *events.Connection, appCfg AppConfig, logger *zap.Logger) error {
	pub, err := events.NewPublisher(conn, appCfg.RabbitMQQueue)
	if err != nil {
		return fmt.Errorf("open publisher: %w", err)
	}
	svc.publisher = pub
	svc.queue = dispatch.NewBrokerQueue(pub)
	svc.taskHandler.SetFollowUps(svc.queue)

	h := svc.taskHandler
	consumer, err := events.NewConsumer(conn, svc.pool, events.ConsumerConfig{
		Queue:    appCfg.RabbitMQQueue,
		Prefetch: appCfg.RabbitMQPrefetch,
		Handler: func(ctx context.Context, body []byte) error {
			t, err := dispatch.Decode(body)
			if err != nil {
				logger.Warn("dropping malformed task", zap.Error(err))
				return err
			}
			return h.Handle(ctx, t)
		},
		Requeue: func(err error) bool { return !dispatch.Permanent(err) },
	})
	if err != nil {
		return fmt.Errorf("open consumer: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	if err := consumer.Start(loopCtx); err != nil {
		cancel()
		_ = consumer.Stop()
		return err
	}
	svc.consumer = consumer
	svc.stopConsumer = cancel
	return nil
}
