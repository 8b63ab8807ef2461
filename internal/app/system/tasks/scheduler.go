// internal/app/system/tasks/scheduler.go
package tasks

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Job is a named unit of periodic work.
type Job struct {
	Name     string
	Interval time.Duration
	Timeout  time.Duration // per run; 0 means Interval
	Run      func(ctx context.Context) error
}

// Scheduler runs each Job on its own ticker until stopped. Runs of the same
// job never overlap.
type Scheduler struct {
	log    *zap.Logger
	jobs   []Job
	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewScheduler creates an empty scheduler.
func NewScheduler(logger *zap.Logger) *Scheduler {
	return &Scheduler{log: logger.Named("tasks"), stopCh: make(chan struct{})}
}

// Add registers a job. Jobs added after Start are ignored.
func (s *Scheduler) Add(j Job) {
	s.jobs = append(s.jobs, j)
}

// Start launches every registered job.
func (s *Scheduler) Start() {
	for _, j := range s.jobs {
		if j.Interval <= 0 || j.Run == nil {
			s.log.Warn("skipping job without interval or body", zap.String("job", j.Name))
			continue
		}
		s.wg.Add(1)
		go s.loop(j)
		s.log.Info("job scheduled", zap.String("job", j.Name), zap.Duration("interval", j.Interval))
	}
}

// Stop signals every job loop and waits for in-flight runs to finish.
func (s *Scheduler) Stop() {
	s.once.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	s.log.Info("scheduler stopped")
}

func (s *Scheduler) loop(j Job) {
	defer s.wg.Done()

	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.runOnce(j)
		}
	}
}

func (s *Scheduler) runOnce(j Job) {
	timeout := j.Timeout
	if timeout <= 0 {
		timeout = j.Interval
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// stop cancels a run in progress
	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	start := time.Now()
	if err := j.Run(ctx); err != nil {
		s.log.Error("job failed", zap.String("job", j.Name), zap.Error(err))
		return
	}
	s.log.Debug("job finished", zap.String("job", j.Name), zap.Duration("took", time.Since(start)))
}
