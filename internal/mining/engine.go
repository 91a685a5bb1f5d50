package mining

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/nerg-network/nerg-mine/internal/config"
	"github.com/nerg-network/nerg-mine/internal/newrelic"
	"github.com/nerg-network/nerg-mine/internal/notify"
	"github.com/nerg-network/nerg-mine/internal/storage"
	"github.com/nerg-network/nerg-mine/internal/util"
)

// Result is the outcome of one accrual invocation
type Result struct {
	Outcome Outcome
	Delta   float64
	Session *storage.MiningSession
}

// Engine computes and applies time-based credit for one user at a time.
// All writes for one invocation happen in a single per-user storage
// transaction, which makes the operation safe to call arbitrarily many
// times and in any order relative to other triggers for the same user.
type Engine struct {
	store    *storage.RedisClient
	cfg      *config.Config
	notifier *notify.Notifier
	apm      *newrelic.Agent

	// now is swappable for deterministic tests
	now func() time.Time
}

// NewEngine creates an accrual engine
func NewEngine(cfg *config.Config, store *storage.RedisClient, notifier *notify.Notifier, apm *newrelic.Agent) *Engine {
	return &Engine{
		store:    store,
		cfg:      cfg,
		notifier: notifier,
		apm:      apm,
		now:      time.Now,
	}
}

// Accrue credits elapsed wall-clock time for the user's session.
// Safe to call for any user at any time: absent or terminal sessions
// are a no-op.
func (e *Engine) Accrue(ctx context.Context, userID string) (*Result, error) {
	var res *Result

	err := e.store.WithUserTx(ctx, userID, func(tx *storage.UserTx) error {
		session, err := tx.Session()
		if err != nil {
			return err
		}
		if session == nil || session.Status != storage.SessionInProgress {
			res = &Result{Outcome: OutcomeNoSession, Session: session}
			return nil
		}

		wallet, err := tx.Wallet()
		if err != nil {
			return err
		}
		now := e.now()
		if wallet == nil {
			session.Status = storage.SessionFailed
			session.LastProcessedAt = now
			session.ErrorMessage = ErrWalletMissing.Error()
			res = &Result{Outcome: OutcomeWalletMissing, Session: session}
			return tx.Commit(func(pipe redis.Pipeliner) {
				tx.PutSession(pipe, session)
				tx.IncrStat(pipe, "sessionsFailed", 1)
			})
		}

		plan := computeAccrual(session, now)
		if plan.outcome == OutcomeNoOp {
			res = &Result{Outcome: OutcomeNoOp, Session: session}
			return nil
		}

		open, err := tx.OpenTransaction()
		if err != nil {
			return err
		}

		session.CurrentMinedAmount = plan.newMined
		session.LastProcessedAt = now
		session.Status = plan.newStatus
		if plan.newStatus.Terminal() {
			session.CompletionTime = &now
		}

		if plan.walletDelta > 0 {
			wallet.Balance += plan.walletDelta
			wallet.LastMined = &now
		}

		res = &Result{Outcome: plan.outcome, Delta: plan.walletDelta, Session: session}

		return tx.Commit(func(pipe redis.Pipeliner) {
			tx.PutSession(pipe, session)
			if plan.walletDelta > 0 {
				tx.PutWallet(pipe, wallet)
				tx.IncrStatFloat(pipe, "totalMined", plan.walletDelta)
			}

			switch plan.record {
			case recordUpsert:
				rec := open
				if rec == nil {
					rec = newOpenRecord(session, now)
				}
				rec.Amount = plan.newMined
				rec.LastUpdate = &now
				tx.PutOpenTransaction(pipe, rec)
			case recordClose:
				rec := open
				if rec == nil {
					rec = newOpenRecord(session, now)
				}
				closeRecord(rec, plan.newMined, now, "Offline mining completion reward")
				tx.ClearOpenTransaction(pipe)
				tx.AppendTransaction(pipe, rec, e.cfg.Mining.HistoryLimit)
			}

			if plan.newStatus == storage.SessionCompleted {
				tx.IncrStat(pipe, "sessionsCompleted", 1)
			}
		})
	})

	if err != nil {
		// Best effort: record the failure on the session. This write is
		// non-transactional and can lose a race with a concurrent
		// successful accrual.
		if markErr := e.store.MarkSessionFailed(ctx, userID, err.Error()); markErr != nil {
			util.Warnf("Failed to mark session failed for %s: %v", userID, markErr)
		}
		return nil, fmt.Errorf("accrual for %s: %w", userID, err)
	}

	e.report(userID, res)
	return res, nil
}

// report emits observability side effects after a committed accrual
func (e *Engine) report(userID string, res *Result) {
	switch res.Outcome {
	case OutcomeProgressed:
		util.Debugf("Processed mining for user %s. Mined: %.5f %s",
			userID, res.Session.CurrentMinedAmount, e.cfg.Service.Currency)
	case OutcomeCompleted:
		util.Infof("Mining session completed for user: %s", userID)
	case OutcomeWalletMissing:
		util.Warnf("Wallet not found for user %s. Session marked failed.", userID)
	}

	if res.Session != nil && res.Session.Status == storage.SessionCompleted &&
		(res.Outcome == OutcomeCompleted || res.Outcome == OutcomeProgressed) {
		if e.notifier != nil {
			e.notifier.NotifySessionCompleted(userID, res.Session.CurrentMinedAmount)
		}
	}
	if res.Outcome == OutcomeWalletMissing && e.notifier != nil {
		e.notifier.NotifySessionFailed(userID, ErrWalletMissing.Error())
	}

	if e.apm != nil {
		e.apm.RecordAccrual(userID, string(res.Outcome), res.Delta)
	}
}

func newOpenRecord(s *storage.MiningSession, now time.Time) *storage.TransactionRecord {
	start := s.StartTime
	return &storage.TransactionRecord{
		UserID:       s.UserID,
		Type:         storage.TxTypeMiningInProgress,
		Amount:       0,
		TargetAmount: s.TotalPossible(),
		Status:       storage.TxStatusInProgress,
		StartTime:    &start,
		Timestamp:    now,
		IsIncoming:   true,
		Counterparty: "System",
		Description:  "Offline mining progress update",
	}
}

func closeRecord(rec *storage.TransactionRecord, amount float64, now time.Time, description string) {
	rec.Type = storage.TxTypeMiningReward
	rec.Status = storage.TxStatusCompleted
	rec.Amount = amount
	rec.LastUpdate = &now
	rec.CompletionTime = &now
	rec.Description = description
}
