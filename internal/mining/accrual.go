// Package mining implements the session accrual engine, the session
// lifecycle controller and the periodic sweep.
package mining

import (
	"time"

	"github.com/nerg-network/nerg-mine/internal/storage"
)

// Outcome classifies the result of one accrual invocation
type Outcome string

const (
	// OutcomeNoSession means the user has no session, or it is terminal
	OutcomeNoSession Outcome = "no_session"
	// OutcomeNoOp means no new time had elapsed; nothing was written
	OutcomeNoOp Outcome = "noop"
	// OutcomeProgressed means new time was credited; the session may
	// have reached its end within the same invocation
	OutcomeProgressed Outcome = "progressed"
	// OutcomeCompleted means the session window had fully elapsed and
	// the final remainder was settled
	OutcomeCompleted Outcome = "completed"
	// OutcomeWalletMissing means the wallet record was absent; the
	// session was marked failed and no credit was issued
	OutcomeWalletMissing Outcome = "wallet_missing"
)

// recordOp says what to do with the open mining_in_progress record
type recordOp int

const (
	recordNone recordOp = iota
	// recordUpsert updates the open record's running amount, creating
	// it if missing
	recordUpsert
	// recordClose flips the open record to mining_reward/completed
	recordClose
)

// accrualPlan is the pure output of one accrual computation: which
// writes to perform, with no side effects of its own.
type accrualPlan struct {
	outcome     Outcome
	walletDelta float64
	newMined    float64
	newStatus   storage.SessionStatus
	record      recordOp
}

// computeAccrual derives the accrual plan for a session at instant now.
// It is side-effect free so the interval arithmetic can be tested
// without a store.
//
// The credited amount is always (new total) - (previously recorded
// total), never a recomputation of the whole interval added on top of
// existing credit, which is what makes repeated invocation safe.
func computeAccrual(s *storage.MiningSession, now time.Time) accrualPlan {
	total := s.TotalPossible()

	intervalStart := s.LastProcessedAt
	if s.StartTime.After(intervalStart) {
		intervalStart = s.StartTime
	}
	intervalEnd := now
	if s.ExpectedEndTime.Before(intervalEnd) {
		intervalEnd = s.ExpectedEndTime
	}

	// Backward clocks and already-processed intervals both land here:
	// a non-positive interval never yields negative credit.
	if !intervalEnd.After(intervalStart) {
		if !now.Before(s.ExpectedEndTime) {
			// Window fully elapsed: settle the remainder and close out.
			remaining := total - s.CurrentMinedAmount
			if remaining < 0 {
				remaining = 0
			}
			return accrualPlan{
				outcome:     OutcomeCompleted,
				walletDelta: remaining,
				newMined:    total,
				newStatus:   storage.SessionCompleted,
				record:      recordClose,
			}
		}
		return accrualPlan{outcome: OutcomeNoOp}
	}

	elapsedHours := intervalEnd.Sub(intervalStart).Hours()
	delta := s.RatePerDay * elapsedHours / 24.0

	newMined := s.CurrentMinedAmount + delta
	if newMined > total {
		newMined = total
	}
	actualDelta := newMined - s.CurrentMinedAmount

	plan := accrualPlan{
		outcome:     OutcomeProgressed,
		walletDelta: actualDelta,
		newMined:    newMined,
		newStatus:   storage.SessionInProgress,
	}
	if actualDelta > 0 {
		plan.record = recordUpsert
	}
	if !now.Before(s.ExpectedEndTime) {
		plan.newStatus = storage.SessionCompleted
		plan.record = recordClose
	}
	return plan
}

// Project returns the amount the session would hold if an accrual ran
// at instant now, without writing anything. done reports whether the
// session window has fully elapsed.
func Project(s *storage.MiningSession, now time.Time) (amount float64, done bool) {
	if s == nil || s.Status != storage.SessionInProgress {
		if s == nil {
			return 0, false
		}
		return s.CurrentMinedAmount, s.Status.Terminal()
	}

	plan := computeAccrual(s, now)
	switch plan.outcome {
	case OutcomeNoOp:
		return s.CurrentMinedAmount, false
	default:
		return plan.newMined, plan.newStatus == storage.SessionCompleted
	}
}
