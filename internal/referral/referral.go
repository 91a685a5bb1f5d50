// Package referral applies the one-shot referral bonus credited when a
// referred user registers.
package referral

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/nerg-network/nerg-mine/internal/config"
	"github.com/nerg-network/nerg-mine/internal/storage"
	"github.com/nerg-network/nerg-mine/internal/util"
)

// Processor credits referrers. Unlike the accrual engine there is no
// interval math here: one bounded increment, once.
type Processor struct {
	store *storage.RedisClient
	cfg   *config.Config

	now func() time.Time
}

// NewProcessor creates a referral processor
func NewProcessor(cfg *config.Config, store *storage.RedisClient) *Processor {
	return &Processor{
		store: store,
		cfg:   cfg,
		now:   time.Now,
	}
}

// ProcessReferral credits the referrer's bonus balance for one new
// user. A missing referrer wallet is logged and skipped, never an
// error for the registering user.
func (p *Processor) ProcessReferral(ctx context.Context, newUserID, referrerID string) error {
	if !p.cfg.Referral.Enabled || referrerID == "" || referrerID == newUserID {
		return nil
	}

	err := p.store.WithUserTx(ctx, referrerID, func(tx *storage.UserTx) error {
		wallet, err := tx.Wallet()
		if err != nil {
			return err
		}
		if wallet == nil {
			util.Warnf("Referrer wallet does not exist: %s", referrerID)
			return nil
		}

		now := p.now()
		wallet.BonusBalance += p.cfg.Referral.BonusAmount
		wallet.ReferralCount++

		rec := &storage.TransactionRecord{
			UserID:       referrerID,
			Type:         storage.TxTypeReferralBonus,
			Amount:       p.cfg.Referral.BonusAmount,
			Status:       storage.TxStatusCompleted,
			Timestamp:    now,
			IsIncoming:   true,
			Counterparty: "System",
			Description:  "Referral bonus",
		}

		return tx.Commit(func(pipe redis.Pipeliner) {
			tx.PutWallet(pipe, wallet)
			tx.AppendTransaction(pipe, rec, p.cfg.Mining.HistoryLimit)
			tx.IncrStat(pipe, "referralBonuses", 1)
		})
	})
	if err != nil {
		return err
	}

	util.Infof("Referral bonus applied to: %s (referred: %s)", referrerID, newUserID)
	return nil
}
