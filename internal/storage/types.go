// Package storage provides data persistence for NERG Mine.
package storage

import "time"

// SessionStatus represents the lifecycle state of a mining session
type SessionStatus string

const (
	SessionInProgress SessionStatus = "in_progress"
	SessionCompleted  SessionStatus = "completed"
	SessionStopped    SessionStatus = "stopped"
	SessionFailed     SessionStatus = "failed"
)

// Terminal reports whether the status permits no further transitions
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionStopped || s == SessionFailed
}

// MiningSession tracks one bounded-duration accrual period for one user
type MiningSession struct {
	UserID             string        `json:"userId"`
	Status             SessionStatus `json:"status"`
	StartTime          time.Time     `json:"startTime"`
	ExpectedEndTime    time.Time     `json:"expectedEndTime"`
	RatePerDay         float64       `json:"ratePerDay"`
	DurationHours      float64       `json:"durationHours"`
	CurrentMinedAmount float64       `json:"currentMinedAmount"`
	LastProcessedAt    time.Time     `json:"lastProcessedAt"`
	CompletionTime     *time.Time    `json:"completionTime,omitempty"`
	ErrorMessage       string        `json:"errorMessage,omitempty"`
}

// TotalPossible returns the maximum creditable amount for the session
func (s *MiningSession) TotalPossible() float64 {
	return s.RatePerDay * s.DurationHours / 24.0
}

// Wallet is the per-user balance ledger
type Wallet struct {
	UserID        string     `json:"userId"`
	Balance       float64    `json:"balance"`
	BonusBalance  float64    `json:"bonusBalance"`
	ReferralCount int64      `json:"referralCount"`
	ReferralCode  string     `json:"referralCode,omitempty"`
	LastMined     *time.Time `json:"lastMined,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
}

// Transaction record types
const (
	TxTypeMiningInProgress = "mining_in_progress"
	TxTypeMiningReward     = "mining_reward"
	TxTypeReferralBonus    = "referral_bonus"
)

// Transaction record statuses
const (
	TxStatusInProgress = "in_progress"
	TxStatusCompleted  = "completed"
)

// TransactionRecord is one entry of the append-only credit history
type TransactionRecord struct {
	UserID         string     `json:"userId"`
	Type           string     `json:"type"`
	Amount         float64    `json:"amount"`
	TargetAmount   float64    `json:"targetAmount,omitempty"`
	Status         string     `json:"status"`
	StartTime      *time.Time `json:"startTime,omitempty"`
	Timestamp      time.Time  `json:"timestamp"`
	LastUpdate     *time.Time `json:"lastUpdate,omitempty"`
	CompletionTime *time.Time `json:"completionTime,omitempty"`
	IsIncoming     bool       `json:"isIncoming"`
	Counterparty   string     `json:"counterparty,omitempty"`
	Description    string     `json:"description,omitempty"`
}

// ServiceStats holds service-wide counters
type ServiceStats struct {
	SessionsStarted   int64   `json:"sessions_started"`
	SessionsCompleted int64   `json:"sessions_completed"`
	SessionsStopped   int64   `json:"sessions_stopped"`
	SessionsFailed    int64   `json:"sessions_failed"`
	ActiveSessions    int64   `json:"active_sessions"`
	TotalMined        float64 `json:"total_mined"`
	ReferralBonuses   int64   `json:"referral_bonuses"`
}
