package mining

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nerg-network/nerg-mine/internal/config"
	"github.com/nerg-network/nerg-mine/internal/newrelic"
	"github.com/nerg-network/nerg-mine/internal/storage"
)

// setupTestController creates a lifecycle controller backed by miniredis
func setupTestController(t *testing.T) (*Controller, *storage.RedisClient) {
	engine, store, _ := setupTestEngine(t)
	return NewController(engine.cfg, store, engine), store
}

func TestStartSession(t *testing.T) {
	controller, store := setupTestController(t)

	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	controller.now = func() time.Time { return now }

	seedWallet(t, store, "user1")

	session, err := controller.Start(context.Background(), "user1", StartOptions{})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if session.Status != storage.SessionInProgress {
		t.Errorf("Status = %s, want in_progress", session.Status)
	}
	if session.RatePerDay != 0.05 {
		t.Errorf("RatePerDay = %f, want 0.05", session.RatePerDay)
	}
	if session.DurationHours != 24 {
		t.Errorf("DurationHours = %f, want 24", session.DurationHours)
	}
	if !session.ExpectedEndTime.Equal(now.Add(24 * time.Hour)) {
		t.Errorf("ExpectedEndTime = %v, want %v", session.ExpectedEndTime, now.Add(24*time.Hour))
	}
	if !session.LastProcessedAt.Equal(now) {
		t.Errorf("LastProcessedAt = %v, want %v", session.LastProcessedAt, now)
	}

	users, err := store.ActiveSessionUsers(context.Background())
	if err != nil {
		t.Fatalf("ActiveSessionUsers failed: %v", err)
	}
	if len(users) != 1 || users[0] != "user1" {
		t.Errorf("Active users = %v, want [user1]", users)
	}
}

func TestStartSessionConflict(t *testing.T) {
	controller, store := setupTestController(t)

	seedWallet(t, store, "user1")

	if _, err := controller.Start(context.Background(), "user1", StartOptions{}); err != nil {
		t.Fatalf("First start failed: %v", err)
	}

	_, err := controller.Start(context.Background(), "user1", StartOptions{})
	if !errors.Is(err, ErrSessionInProgress) {
		t.Errorf("err = %v, want ErrSessionInProgress", err)
	}
}

func TestStartAfterTerminalSession(t *testing.T) {
	controller, store := setupTestController(t)

	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	s := testSession(start)
	s.Status = storage.SessionCompleted
	seedSession(t, store, s)
	seedWallet(t, store, "user1")

	session, err := controller.Start(context.Background(), "user1", StartOptions{})
	if err != nil {
		t.Fatalf("Start after completed session failed: %v", err)
	}
	if session.CurrentMinedAmount != 0 {
		t.Errorf("CurrentMinedAmount = %f, want 0", session.CurrentMinedAmount)
	}
}

func TestStartOverridesRejected(t *testing.T) {
	controller, store := setupTestController(t)
	seedWallet(t, store, "user1")

	_, err := controller.Start(context.Background(), "user1", StartOptions{RatePerDay: 0.2})
	if !errors.Is(err, ErrOverrideNotAllowed) {
		t.Errorf("err = %v, want ErrOverrideNotAllowed", err)
	}
}

func TestStartOverridesAllowed(t *testing.T) {
	controller, store := setupTestController(t)
	controller.cfg.Mining.AllowOverrides = true
	seedWallet(t, store, "user1")

	session, err := controller.Start(context.Background(), "user1", StartOptions{
		RatePerDay:    0.1,
		DurationHours: 48,
	})
	if err != nil {
		t.Fatalf("Start with overrides failed: %v", err)
	}

	if session.RatePerDay != 0.1 {
		t.Errorf("RatePerDay = %f, want 0.1", session.RatePerDay)
	}
	if session.DurationHours != 48 {
		t.Errorf("DurationHours = %f, want 48", session.DurationHours)
	}
}

func TestStartOverridesClamped(t *testing.T) {
	controller, store := setupTestController(t)
	controller.cfg.Mining.AllowOverrides = true
	seedWallet(t, store, "user1")

	tests := []struct {
		name string
		opts StartOptions
	}{
		{"rate too high", StartOptions{RatePerDay: 5.0}},
		{"negative rate", StartOptions{RatePerDay: -0.1}},
		{"duration too long", StartOptions{DurationHours: 1000}},
		{"negative duration", StartOptions{DurationHours: -1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := controller.Start(context.Background(), "user1", tt.opts)
			if !errors.Is(err, ErrOverrideNotAllowed) {
				t.Errorf("err = %v, want ErrOverrideNotAllowed", err)
			}
		})
	}
}

func TestFinalizeNoActiveSession(t *testing.T) {
	controller, _ := setupTestController(t)

	_, err := controller.Finalize(context.Background(), "user1")
	if !errors.Is(err, ErrNoActiveSession) {
		t.Errorf("err = %v, want ErrNoActiveSession", err)
	}
}

func TestFinalizeMidSession(t *testing.T) {
	controller, store := setupTestController(t)

	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	controller.now = func() time.Time { return start.Add(12 * time.Hour) }

	seedWallet(t, store, "user1")
	seedSession(t, store, testSession(start))

	session, err := controller.Finalize(context.Background(), "user1")
	if err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}

	if session.Status != storage.SessionStopped {
		t.Errorf("Status = %s, want stopped", session.Status)
	}

	// 12 of 24 hours at 0.05/day
	if !almostEqual(session.CurrentMinedAmount, 0.025) {
		t.Errorf("CurrentMinedAmount = %f, want 0.025", session.CurrentMinedAmount)
	}

	wallet, _ := store.GetWallet(context.Background(), "user1")
	if !almostEqual(wallet.Balance, 0.025) {
		t.Errorf("Balance = %f, want 0.025", wallet.Balance)
	}

	records, _ := store.GetTransactions(context.Background(), "user1", 10)
	if len(records) != 1 {
		t.Fatalf("History len = %d, want 1", len(records))
	}
	if records[0].Type != storage.TxTypeMiningReward {
		t.Errorf("record.Type = %s, want mining_reward", records[0].Type)
	}
	if !almostEqual(records[0].Amount, 0.025) {
		t.Errorf("record.Amount = %f, want 0.025", records[0].Amount)
	}

	stats, _ := store.GetStats(context.Background())
	if stats.SessionsStopped != 1 {
		t.Errorf("SessionsStopped = %d, want 1", stats.SessionsStopped)
	}
}

func TestFinalizeAfterProcessCreditsOnlyDelta(t *testing.T) {
	controller, store := setupTestController(t)

	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	controller.engine.now = func() time.Time { return start.Add(6 * time.Hour) }

	seedWallet(t, store, "user1")
	seedSession(t, store, testSession(start))

	if _, err := controller.ProcessOnDemand(context.Background(), "user1"); err != nil {
		t.Fatalf("ProcessOnDemand failed: %v", err)
	}

	controller.now = func() time.Time { return start.Add(12 * time.Hour) }

	session, err := controller.Finalize(context.Background(), "user1")
	if err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}

	// Final amount is recomputed from the start, not added on top
	if !almostEqual(session.CurrentMinedAmount, 0.025) {
		t.Errorf("CurrentMinedAmount = %f, want 0.025", session.CurrentMinedAmount)
	}

	wallet, _ := store.GetWallet(context.Background(), "user1")
	if !almostEqual(wallet.Balance, 0.025) {
		t.Errorf("Balance = %f, want 0.025", wallet.Balance)
	}

	// The open record from the mid-session pass flipped exactly once
	open, _ := store.GetOpenTransaction(context.Background(), "user1")
	if open != nil {
		t.Error("open record should be cleared after finalize")
	}

	records, _ := store.GetTransactions(context.Background(), "user1", 10)
	if len(records) != 1 {
		t.Errorf("History len = %d, want 1", len(records))
	}
}

func TestFinalizeBackwardClock(t *testing.T) {
	controller, store := setupTestController(t)

	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	controller.engine.now = func() time.Time { return start.Add(6 * time.Hour) }

	seedWallet(t, store, "user1")
	seedSession(t, store, testSession(start))

	if _, err := controller.ProcessOnDemand(context.Background(), "user1"); err != nil {
		t.Fatalf("ProcessOnDemand failed: %v", err)
	}

	// Clock moved backwards between the accrual and the manual stop:
	// the recorded amount never decreases
	controller.now = func() time.Time { return start.Add(3 * time.Hour) }

	session, err := controller.Finalize(context.Background(), "user1")
	if err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}

	if session.Status != storage.SessionStopped {
		t.Errorf("Status = %s, want stopped", session.Status)
	}
	if !almostEqual(session.CurrentMinedAmount, 0.0125) {
		t.Errorf("CurrentMinedAmount = %f, want 0.0125 (never lowered)", session.CurrentMinedAmount)
	}

	wallet, _ := store.GetWallet(context.Background(), "user1")
	if !almostEqual(wallet.Balance, 0.0125) {
		t.Errorf("Balance = %f, want 0.0125", wallet.Balance)
	}

	records, _ := store.GetTransactions(context.Background(), "user1", 10)
	if len(records) != 1 {
		t.Fatalf("History len = %d, want 1", len(records))
	}
	if !almostEqual(records[0].Amount, 0.0125) {
		t.Errorf("record.Amount = %f, want 0.0125", records[0].Amount)
	}
}

func TestFinalizePastWindowEnd(t *testing.T) {
	controller, store := setupTestController(t)

	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	controller.now = func() time.Time { return start.Add(48 * time.Hour) }

	seedWallet(t, store, "user1")
	seedSession(t, store, testSession(start))

	session, err := controller.Finalize(context.Background(), "user1")
	if err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}

	// Credit is capped at the window end
	if !almostEqual(session.CurrentMinedAmount, 0.05) {
		t.Errorf("CurrentMinedAmount = %f, want 0.05", session.CurrentMinedAmount)
	}
}

func TestLifecycleRecordsAgentEvents(t *testing.T) {
	engine, store, _ := setupTestEngine(t)
	engine.apm = newrelic.NewAgent(&config.NewRelicConfig{Enabled: false})
	controller := NewController(engine.cfg, store, engine)

	seedWallet(t, store, "user1")

	// Recorders on a not-started agent are no-ops; the lifecycle must
	// pass through them without panicking
	if _, err := controller.Start(context.Background(), "user1", StartOptions{}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if _, err := controller.Finalize(context.Background(), "user1"); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
}

func TestFinalizeWalletMissing(t *testing.T) {
	controller, store := setupTestController(t)

	start := time.Now().UTC().Add(-6 * time.Hour)
	seedSession(t, store, testSession(start))

	_, err := controller.Finalize(context.Background(), "user1")
	if !errors.Is(err, ErrWalletMissing) {
		t.Fatalf("err = %v, want ErrWalletMissing", err)
	}

	session, _ := store.GetSession(context.Background(), "user1")
	if session.Status != storage.SessionFailed {
		t.Errorf("Status = %s, want failed", session.Status)
	}
}
