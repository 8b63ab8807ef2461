// internal/app/bootstrap/shutdown.go
package bootstrap

import (
	"context"
	"errors"

	"github.com/dalemusser/waffle/config"
	"go.uber.org/zap"
)

// Shutdown stops intake first, drains the worker pool, then closes the broker
// and MongoDB connections. Every step runs and failures are joined.
func Shutdown(ctx context.Context, coreCfg *config.CoreConfig, appCfg AppConfig, deps DBDeps, logger *zap.Logger) error {
	var errs []error

	if svc := deps.services; svc != nil {
		if svc.scheduler != nil {
			svc.scheduler.Stop()
		}
		if svc.limiter != nil {
			svc.limiter.Close()
		}
		if svc.consumer != nil {
			logger.Info("stopping task consumer")
			if err := svc.consumer.Stop(); err != nil {
				logger.Warn("consumer stop failed", zap.Error(err))
			}
			svc.stopConsumer()
			select {
			case <-svc.consumer.Done():
			case <-ctx.Done():
			}
		}
		if svc.pool != nil {
			logger.Info("draining worker pool")
			if err := svc.pool.Stop(ctx); err != nil {
				logger.Error("worker pool did not drain", zap.Error(err))
				errs = append(errs, err)
			}
		}
		if svc.publisher != nil {
			if err := svc.publisher.Close(); err != nil {
				logger.Warn("publisher close failed", zap.Error(err))
			}
		}
	}

	if deps.Broker != nil {
		logger.Info("closing RabbitMQ connection")
		if err := deps.Broker.Close(); err != nil {
			logger.Error("RabbitMQ close failed", zap.Error(err))
			errs = append(errs, err)
		}
	}

	if deps.MongoClient != nil {
		logger.Info("disconnecting MongoDB client")
		if err := deps.MongoClient.Disconnect(ctx); err != nil {
			logger.Error("MongoDB disconnect failed", zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
