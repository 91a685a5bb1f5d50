package mining

import (
	"context"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/nerg-network/nerg-mine/internal/config"
	"github.com/nerg-network/nerg-mine/internal/storage"
	"github.com/nerg-network/nerg-mine/internal/util"
)

// Sweep periodically accrues every in_progress session. Users are
// processed independently: one user's failure never aborts the rest,
// and an interrupted pass is simply caught up on the next tick because
// each accrual is idempotent.
type Sweep struct {
	store  *storage.RedisClient
	engine *Engine
	cfg    *config.SweepConfig

	cron    *cron.Cron
	running sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
}

// NewSweep creates the sweep coordinator
func NewSweep(cfg *config.SweepConfig, store *storage.RedisClient, engine *Engine) *Sweep {
	ctx, cancel := context.WithCancel(context.Background())
	return &Sweep{
		store:  store,
		engine: engine,
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start schedules the sweep
func (s *Sweep) Start() error {
	if !s.cfg.Enabled {
		util.Info("Sweep disabled")
		return nil
	}

	s.cron = cron.New()
	if _, err := s.cron.AddFunc(s.cfg.Schedule, func() {
		s.RunOnce(s.ctx)
	}); err != nil {
		return err
	}

	s.cron.Start()
	util.Infof("Sweep scheduled: %s", s.cfg.Schedule)
	return nil
}

// Stop halts scheduling and interrupts an in-flight pass
func (s *Sweep) Stop() {
	s.cancel()
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// RunOnce performs one sweep pass over all active sessions. Overlapping
// passes are collapsed: a tick that fires while the previous pass is
// still running is skipped.
func (s *Sweep) RunOnce(ctx context.Context) (processed, failed int) {
	if !s.running.TryLock() {
		util.Debug("Sweep tick skipped: previous pass still running")
		return 0, 0
	}
	defer s.running.Unlock()

	users, err := s.store.ActiveSessionUsers(ctx)
	if err != nil {
		util.Warnf("Sweep failed to list active sessions: %v", err)
		return 0, 0
	}

	if len(users) == 0 {
		util.Debug("No active mining sessions to process")
		return 0, 0
	}

	util.Debugf("Sweeping %d active mining sessions", len(users))

	for _, userID := range users {
		select {
		case <-ctx.Done():
			util.Infof("Sweep interrupted after %d users", processed+failed)
			return processed, failed
		default:
		}

		if _, err := s.engine.Accrue(ctx, userID); err != nil {
			// Accrue has already recorded the failure on the session;
			// keep going for the remaining users.
			util.Warnf("Sweep accrual failed for user %s: %v", userID, err)
			failed++
			continue
		}
		processed++
	}

	if failed > 0 {
		util.Warnf("Sweep pass done: %d processed, %d failed", processed, failed)
	} else {
		util.Debugf("Sweep pass done: %d processed", processed)
	}
	return processed, failed
}
