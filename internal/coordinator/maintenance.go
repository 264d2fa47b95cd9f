package coordinator

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/aura-classroom/livepoll/internal/apperr"
	"github.com/aura-classroom/livepoll/internal/lifecycle"
)

// Sweep deletes student records that have been inactive for longer than the
// retention window and returns how many were removed.
func (c *Coordinator) Sweep(ctx context.Context) (int64, error) {
	cutoff := c.sched.Now().Add(-c.cfg.StudentRetention)
	n, err := c.repo.DeleteInactiveStudents(ctx, cutoff)
	if err != nil {
		return 0, apperr.Wrap(apperr.Server, "failed to clean up students", err)
	}
	if n > 0 {
		c.logger.Info("inactive students cleaned up", zap.Int64("deleted", n), zap.Time("cutoff", cutoff))
	}
	return n, nil
}

// RunMaintenance sweeps on every cleanup interval of the coordinator's
// scheduler until ctx is done. A failed sweep is logged and the next one is
// still scheduled.
func (c *Coordinator) RunMaintenance(ctx context.Context) {
	var (
		mu    sync.Mutex
		timer lifecycle.Timer
		tick  func()
	)
	arm := func() {
		mu.Lock()
		defer mu.Unlock()
		if ctx.Err() == nil {
			timer = c.sched.Schedule(c.cfg.CleanupInterval, tick)
		}
	}
	tick = func() {
		if ctx.Err() != nil {
			return
		}
		if _, err := c.Sweep(ctx); err != nil {
			c.logger.Warn("student cleanup failed", zap.Error(err))
		}
		arm()
	}

	arm()
	c.logger.Info("maintenance loop started", zap.Duration("interval", c.cfg.CleanupInterval))
	<-ctx.Done()

	mu.Lock()
	if timer != nil {
		timer.Stop()
	}
	mu.Unlock()
	c.logger.Info("maintenance loop stopping")
}
