package mining

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/nerg-network/nerg-mine/internal/config"
	"github.com/nerg-network/nerg-mine/internal/storage"
	"github.com/nerg-network/nerg-mine/internal/util"
)

// StartOptions carries caller-supplied session parameters. Zero values
// mean "use the configured defaults".
type StartOptions struct {
	RatePerDay    float64
	DurationHours float64
}

// Controller owns session start and finalize, plus the on-demand
// accrual trigger.
type Controller struct {
	store  *storage.RedisClient
	engine *Engine
	cfg    *config.Config

	now func() time.Time
}

// NewController creates a session lifecycle controller
func NewController(cfg *config.Config, store *storage.RedisClient, engine *Engine) *Controller {
	return &Controller{
		store:  store,
		engine: engine,
		cfg:    cfg,
		now:    time.Now,
	}
}

// Start creates a fresh mining session for the user. It fails with
// ErrSessionInProgress when one is already running; terminal sessions
// are overwritten.
func (c *Controller) Start(ctx context.Context, userID string, opts StartOptions) (*storage.MiningSession, error) {
	rate, duration, err := c.resolveParams(opts)
	if err != nil {
		return nil, err
	}

	var session *storage.MiningSession
	err = c.store.WithUserTx(ctx, userID, func(tx *storage.UserTx) error {
		existing, err := tx.Session()
		if err != nil {
			return err
		}
		if existing != nil && existing.Status == storage.SessionInProgress {
			return ErrSessionInProgress
		}

		now := c.now()
		session = &storage.MiningSession{
			UserID:             userID,
			Status:             storage.SessionInProgress,
			StartTime:          now,
			ExpectedEndTime:    now.Add(time.Duration(duration * float64(time.Hour))),
			RatePerDay:         rate,
			DurationHours:      duration,
			CurrentMinedAmount: 0,
			LastProcessedAt:    now,
		}

		return tx.Commit(func(pipe redis.Pipeliner) {
			tx.PutSession(pipe, session)
			// A failed predecessor may have left its open record behind
			tx.ClearOpenTransaction(pipe)
			tx.IncrStat(pipe, "sessionsStarted", 1)
		})
	})
	if err != nil {
		return nil, err
	}

	util.Infof("Mining session started for user: %s (rate %.4f/day, %.0fh)", userID, rate, duration)
	if c.engine.apm != nil {
		c.engine.apm.RecordSessionStart(userID, rate, duration)
	}
	return session, nil
}

// Finalize stops the user's session before (or after) its natural
// expiry, crediting everything earned up to min(now, expectedEndTime).
// The resulting status is stopped, distinguishable from a natural
// completion.
func (c *Controller) Finalize(ctx context.Context, userID string) (*storage.MiningSession, error) {
	var session *storage.MiningSession

	err := c.store.WithUserTx(ctx, userID, func(tx *storage.UserTx) error {
		var err error
		session, err = tx.Session()
		if err != nil {
			return err
		}
		if session == nil || session.Status != storage.SessionInProgress {
			return ErrNoActiveSession
		}

		wallet, err := tx.Wallet()
		if err != nil {
			return err
		}
		now := c.now()
		if wallet == nil {
			session.Status = storage.SessionFailed
			session.LastProcessedAt = now
			session.ErrorMessage = ErrWalletMissing.Error()
			if commitErr := tx.Commit(func(pipe redis.Pipeliner) {
				tx.PutSession(pipe, session)
				tx.IncrStat(pipe, "sessionsFailed", 1)
			}); commitErr != nil {
				return commitErr
			}
			return ErrWalletMissing
		}

		actualEnd := now
		if session.ExpectedEndTime.Before(actualEnd) {
			actualEnd = session.ExpectedEndTime
		}
		elapsedHours := actualEnd.Sub(session.StartTime).Hours()
		if elapsedHours < 0 {
			elapsedHours = 0
		}

		total := session.TotalPossible()
		final := session.RatePerDay * elapsedHours / 24.0
		if final > total {
			final = total
		}
		// A backward clock since the last accrual must not lower the
		// recorded amount; what was credited stays credited.
		if final < session.CurrentMinedAmount {
			final = session.CurrentMinedAmount
		}
		delta := final - session.CurrentMinedAmount

		open, err := tx.OpenTransaction()
		if err != nil {
			return err
		}

		session.Status = storage.SessionStopped
		session.CurrentMinedAmount = final
		session.LastProcessedAt = now
		session.CompletionTime = &now

		if delta > 0 {
			wallet.Balance += delta
			wallet.LastMined = &now
		}

		return tx.Commit(func(pipe redis.Pipeliner) {
			tx.PutSession(pipe, session)
			if delta > 0 {
				tx.PutWallet(pipe, wallet)
				tx.IncrStatFloat(pipe, "totalMined", delta)
			}

			if open != nil || delta > 0 {
				rec := open
				if rec == nil {
					rec = newOpenRecord(session, now)
				}
				closeRecord(rec, final, now, "Offline mining manual completion reward")
				tx.ClearOpenTransaction(pipe)
				tx.AppendTransaction(pipe, rec, c.cfg.Mining.HistoryLimit)
			}

			tx.IncrStat(pipe, "sessionsStopped", 1)
		})
	})
	if err != nil {
		return nil, err
	}

	util.Infof("Mining session finalized for user: %s. Total mined: %.5f %s",
		userID, session.CurrentMinedAmount, c.cfg.Service.Currency)
	if c.engine.apm != nil {
		c.engine.apm.RecordSessionFinalized(userID, session.CurrentMinedAmount)
	}
	return session, nil
}

// ProcessOnDemand triggers one accrual for the user on request
func (c *Controller) ProcessOnDemand(ctx context.Context, userID string) (*Result, error) {
	return c.engine.Accrue(ctx, userID)
}

// resolveParams merges caller overrides with configured defaults
func (c *Controller) resolveParams(opts StartOptions) (rate, duration float64, err error) {
	rate = c.cfg.Mining.RatePerDay
	duration = c.cfg.Mining.DurationHours

	if opts.RatePerDay == 0 && opts.DurationHours == 0 {
		return rate, duration, nil
	}
	if !c.cfg.Mining.AllowOverrides {
		return 0, 0, ErrOverrideNotAllowed
	}

	if opts.RatePerDay != 0 {
		if opts.RatePerDay < 0 || opts.RatePerDay > c.cfg.Mining.MaxRatePerDay {
			return 0, 0, fmt.Errorf("%w: rate %.4f out of range", ErrOverrideNotAllowed, opts.RatePerDay)
		}
		rate = opts.RatePerDay
	}
	if opts.DurationHours != 0 {
		if opts.DurationHours < 0 || opts.DurationHours > c.cfg.Mining.MaxDuration {
			return 0, 0, fmt.Errorf("%w: duration %.1fh out of range", ErrOverrideNotAllowed, opts.DurationHours)
		}
		duration = opts.DurationHours
	}
	return rate, duration, nil
}
