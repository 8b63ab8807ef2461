// internal/app/system/tasks/jobs.go
package tasks

import (
	"context"
	"time"

	"github.com/dalemusser/uplinehub/internal/app/rewards/dispatch"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
)

// ReferrerPager pages through users that have at least one direct referral.
type ReferrerPager interface {
	ReferrerIDsAfter(ctx context.Context, after primitive.ObjectID, limit int) ([]primitive.ObjectID, error)
}

// DefaultRecheckPageSize is used when RankRecheckJob gets a non-positive page size.
const DefaultRecheckPageSize = 500

// RankRecheckJob creates a job that enqueues a team_recheck task for every
// user with a downline. It catches promotions that no purchase triggered,
// such as a direct referral reaching a rank deeper in the team.
func RankRecheckJob(users ReferrerPager, queue dispatch.Enqueuer, logger *zap.Logger, interval, timeout time.Duration, pageSize int) Job {
	if pageSize <= 0 {
		pageSize = DefaultRecheckPageSize
	}
	return Job{
		Name:     "rank-recheck",
		Interval: interval,
		Timeout:  timeout,
		Run: func(ctx context.Context) error {
			n, err := SweepReferrers(ctx, users, queue, pageSize)
			if err != nil {
				logger.Warn("rank recheck sweep stopped early", zap.Int("enqueued", n), zap.Error(err))
				return err
			}
			logger.Info("rank recheck enqueued", zap.Int("users", n))
			return nil
		},
	}
}

// SweepReferrers enqueues one team_recheck task per referrer and returns
// how many were enqueued.
func SweepReferrers(ctx context.Context, users ReferrerPager, queue dispatch.Enqueuer, pageSize int) (int, error) {
	var (
		after primitive.ObjectID
		total int
	)
	for {
		ids, err := users.ReferrerIDsAfter(ctx, after, pageSize)
		if err != nil {
			return total, err
		}
		for _, id := range ids {
			t := dispatch.NewTask(dispatch.TypeTeamRecheck, id, decimal.Zero, "")
			if err := queue.Enqueue(ctx, t); err != nil {
				return total, err
			}
			total++
		}
		if len(ids) < pageSize {
			return total, nil
		}
		after = ids[len(ids)-1]
	}
}
