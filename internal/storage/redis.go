package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/nerg-network/nerg-mine/internal/util"
)

const (
	keyPrefix = "nerg:"

	// Key patterns
	keySessionFmt     = keyPrefix + "sessions:%s"
	keyActiveSessions = keyPrefix + "sessions:active"
	keyWalletFmt      = keyPrefix + "wallets:%s"
	keyTxLogFmt       = keyPrefix + "transactions:%s"
	keyOpenTxFmt      = keyPrefix + "transactions:%s:open"
	keyUsers          = keyPrefix + "users"
	keyRefCodes       = keyPrefix + "refcodes"
	keyStats          = keyPrefix + "stats"
)

// maxTxRetries bounds optimistic retries of a conflicting user transaction
const maxTxRetries = 5

// ErrTxConflict is returned once conflict retries are exhausted
var ErrTxConflict = errors.New("storage: transaction conflict, retries exhausted")

// RedisClient wraps Redis operations for the service
type RedisClient struct {
	client *redis.Client
}

// NewRedisClient creates a new Redis client
func NewRedisClient(url, password string, db int) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     url,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	util.Info("Connected to Redis at ", url)
	return &RedisClient{client: client}, nil
}

// Close closes the Redis connection
func (r *RedisClient) Close() error {
	return r.client.Close()
}

// Ping checks Redis connectivity
func (r *RedisClient) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func sessionKey(userID string) string { return fmt.Sprintf(keySessionFmt, userID) }
func walletKey(userID string) string  { return fmt.Sprintf(keyWalletFmt, userID) }
func txLogKey(userID string) string   { return fmt.Sprintf(keyTxLogFmt, userID) }
func openTxKey(userID string) string  { return fmt.Sprintf(keyOpenTxFmt, userID) }

// UserTx is a snapshot-consistent view of one user's records inside an
// optimistic transaction. Reads go through the watched connection;
// writes are queued on a pipeline that commits atomically or not at all.
type UserTx struct {
	ctx    context.Context
	tx     *redis.Tx
	userID string
}

// UserID returns the user the transaction is scoped to
func (t *UserTx) UserID() string { return t.userID }

// Session loads the user's mining session, or nil when absent
func (t *UserTx) Session() (*MiningSession, error) {
	return decodeSession(t.tx.Get(t.ctx, sessionKey(t.userID)))
}

// Wallet loads the user's wallet, or nil when absent
func (t *UserTx) Wallet() (*Wallet, error) {
	return decodeWallet(t.tx.Get(t.ctx, walletKey(t.userID)))
}

// OpenTransaction loads the single open mining_in_progress record, or nil
func (t *UserTx) OpenTransaction() (*TransactionRecord, error) {
	return decodeTxRecord(t.tx.Get(t.ctx, openTxKey(t.userID)))
}

// Commit queues all writes produced by build and submits them atomically.
// The underlying MULTI/EXEC aborts if any watched key changed since the
// reads above, in which case the whole UserTx is retried.
func (t *UserTx) Commit(build func(pipe redis.Pipeliner)) error {
	_, err := t.tx.TxPipelined(t.ctx, func(pipe redis.Pipeliner) error {
		build(pipe)
		return nil
	})
	return err
}

// PutSession writes the session snapshot and keeps the active index in sync
func (t *UserTx) PutSession(pipe redis.Pipeliner, s *MiningSession) {
	data, _ := json.Marshal(s)
	pipe.Set(t.ctx, sessionKey(t.userID), data, 0)
	if s.Status == SessionInProgress {
		pipe.SAdd(t.ctx, keyActiveSessions, t.userID)
	} else {
		pipe.SRem(t.ctx, keyActiveSessions, t.userID)
	}
}

// PutWallet writes the wallet snapshot
func (t *UserTx) PutWallet(pipe redis.Pipeliner, w *Wallet) {
	data, _ := json.Marshal(w)
	pipe.Set(t.ctx, walletKey(t.userID), data, 0)
}

// PutOpenTransaction writes the open in-progress record
func (t *UserTx) PutOpenTransaction(pipe redis.Pipeliner, rec *TransactionRecord) {
	data, _ := json.Marshal(rec)
	pipe.Set(t.ctx, openTxKey(t.userID), data, 0)
}

// ClearOpenTransaction removes the open in-progress record
func (t *UserTx) ClearOpenTransaction(pipe redis.Pipeliner) {
	pipe.Del(t.ctx, openTxKey(t.userID))
}

// AppendTransaction pushes a completed record onto the user's history
func (t *UserTx) AppendTransaction(pipe redis.Pipeliner, rec *TransactionRecord, historyLimit int64) {
	data, _ := json.Marshal(rec)
	key := txLogKey(t.userID)
	pipe.LPush(t.ctx, key, data)
	if historyLimit > 0 {
		pipe.LTrim(t.ctx, key, 0, historyLimit-1)
	}
}

// IncrStat bumps a service counter
func (t *UserTx) IncrStat(pipe redis.Pipeliner, field string, n int64) {
	pipe.HIncrBy(t.ctx, keyStats, field, n)
}

// IncrStatFloat bumps a float service counter
func (t *UserTx) IncrStatFloat(pipe redis.Pipeliner, field string, f float64) {
	pipe.HIncrByFloat(t.ctx, keyStats, field, f)
}

// WithUserTx runs fn inside an optimistic transaction over the user's
// session, wallet and open-record keys. Conflicting concurrent writes
// abort the commit and fn is re-run from fresh reads, up to a bounded
// number of attempts.
func (r *RedisClient) WithUserTx(ctx context.Context, userID string, fn func(tx *UserTx) error) error {
	keys := []string{sessionKey(userID), walletKey(userID), openTxKey(userID)}

	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err := r.client.Watch(ctx, func(rtx *redis.Tx) error {
			return fn(&UserTx{ctx: ctx, tx: rtx, userID: userID})
		}, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			util.Debugf("Transaction conflict for user %s (attempt %d)", userID, attempt+1)
			continue
		}
		return err
	}
	return ErrTxConflict
}

// GetSession returns the user's mining session outside of a transaction
func (r *RedisClient) GetSession(ctx context.Context, userID string) (*MiningSession, error) {
	return decodeSession(r.client.Get(ctx, sessionKey(userID)))
}

// GetWallet returns the user's wallet outside of a transaction
func (r *RedisClient) GetWallet(ctx context.Context, userID string) (*Wallet, error) {
	return decodeWallet(r.client.Get(ctx, walletKey(userID)))
}

// GetOpenTransaction returns the user's open record outside of a transaction
func (r *RedisClient) GetOpenTransaction(ctx context.Context, userID string) (*TransactionRecord, error) {
	return decodeTxRecord(r.client.Get(ctx, openTxKey(userID)))
}

// GetTransactions returns the user's completed credit history, newest first
func (r *RedisClient) GetTransactions(ctx context.Context, userID string, limit int64) ([]*TransactionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	results, err := r.client.LRange(ctx, txLogKey(userID), 0, limit-1).Result()
	if err != nil {
		return nil, err
	}

	records := make([]*TransactionRecord, 0, len(results))
	for _, result := range results {
		var rec TransactionRecord
		if err := json.Unmarshal([]byte(result), &rec); err == nil {
			records = append(records, &rec)
		}
	}
	return records, nil
}

// ActiveSessionUsers returns the ids of all users with an in_progress session
func (r *RedisClient) ActiveSessionUsers(ctx context.Context) ([]string, error) {
	return r.client.SMembers(ctx, keyActiveSessions).Result()
}

// MarkSessionFailed performs a best-effort, non-transactional write
// flipping the session to failed with an error message. It can lose a
// race against a concurrent successful accrual; callers accept that.
func (r *RedisClient) MarkSessionFailed(ctx context.Context, userID, errMsg string) error {
	session, err := r.GetSession(ctx, userID)
	if err != nil {
		return err
	}
	if session == nil || session.Status != SessionInProgress {
		return nil
	}

	session.Status = SessionFailed
	session.LastProcessedAt = time.Now()
	session.ErrorMessage = errMsg

	data, _ := json.Marshal(session)
	pipe := r.client.Pipeline()
	pipe.Set(ctx, sessionKey(userID), data, 0)
	pipe.SRem(ctx, keyActiveSessions, userID)
	pipe.HIncrBy(ctx, keyStats, "sessionsFailed", 1)
	_, err = pipe.Exec(ctx)
	return err
}

// CreateWallet creates the wallet if the user has none yet. Returns
// false when a wallet already exists.
func (r *RedisClient) CreateWallet(ctx context.Context, w *Wallet) (bool, error) {
	data, err := json.Marshal(w)
	if err != nil {
		return false, err
	}

	created, err := r.client.SetNX(ctx, walletKey(w.UserID), data, 0).Result()
	if err != nil || !created {
		return created, err
	}

	pipe := r.client.Pipeline()
	pipe.SAdd(ctx, keyUsers, w.UserID)
	if w.ReferralCode != "" {
		pipe.HSet(ctx, keyRefCodes, w.ReferralCode, w.UserID)
	}
	_, err = pipe.Exec(ctx)
	return true, err
}

// UserExists reports whether the user is registered
func (r *RedisClient) UserExists(ctx context.Context, userID string) (bool, error) {
	return r.client.SIsMember(ctx, keyUsers, userID).Result()
}

// ResolveReferralCode maps a referral code to its owner, or "" when unknown
func (r *RedisClient) ResolveReferralCode(ctx context.Context, code string) (string, error) {
	userID, err := r.client.HGet(ctx, keyRefCodes, code).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return userID, err
}

// GetStats returns service-wide counters
func (r *RedisClient) GetStats(ctx context.Context) (*ServiceStats, error) {
	data, err := r.client.HGetAll(ctx, keyStats).Result()
	if err != nil {
		return nil, err
	}

	stats := &ServiceStats{}
	if v, ok := data["sessionsStarted"]; ok {
		stats.SessionsStarted, _ = strconv.ParseInt(v, 10, 64)
	}
	if v, ok := data["sessionsCompleted"]; ok {
		stats.SessionsCompleted, _ = strconv.ParseInt(v, 10, 64)
	}
	if v, ok := data["sessionsStopped"]; ok {
		stats.SessionsStopped, _ = strconv.ParseInt(v, 10, 64)
	}
	if v, ok := data["sessionsFailed"]; ok {
		stats.SessionsFailed, _ = strconv.ParseInt(v, 10, 64)
	}
	if v, ok := data["totalMined"]; ok {
		stats.TotalMined, _ = strconv.ParseFloat(v, 64)
	}
	if v, ok := data["referralBonuses"]; ok {
		stats.ReferralBonuses, _ = strconv.ParseInt(v, 10, 64)
	}

	stats.ActiveSessions, _ = r.client.SCard(ctx, keyActiveSessions).Result()
	return stats, nil
}

// FailedSessions scans for sessions currently in the failed state
func (r *RedisClient) FailedSessions(ctx context.Context) ([]*MiningSession, error) {
	var sessions []*MiningSession
	var cursor uint64

	for {
		keys, newCursor, err := r.client.Scan(ctx, cursor, keyPrefix+"sessions:*", 1000).Result()
		if err != nil {
			return nil, err
		}

		for _, key := range keys {
			if key == keyActiveSessions {
				continue
			}
			userID := strings.TrimPrefix(key, keyPrefix+"sessions:")
			session, err := r.GetSession(ctx, userID)
			if err != nil || session == nil {
				continue
			}
			if session.Status == SessionFailed {
				sessions = append(sessions, session)
			}
		}

		cursor = newCursor
		if cursor == 0 {
			break
		}
	}

	return sessions, nil
}

func decodeSession(cmd *redis.StringCmd) (*MiningSession, error) {
	data, err := cmd.Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var s MiningSession
	if err := json.Unmarshal([]byte(data), &s); err != nil {
		return nil, fmt.Errorf("corrupt session record: %w", err)
	}
	return &s, nil
}

func decodeWallet(cmd *redis.StringCmd) (*Wallet, error) {
	data, err := cmd.Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var w Wallet
	if err := json.Unmarshal([]byte(data), &w); err != nil {
		return nil, fmt.Errorf("corrupt wallet record: %w", err)
	}
	return &w, nil
}

func decodeTxRecord(cmd *redis.StringCmd) (*TransactionRecord, error) {
	data, err := cmd.Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec TransactionRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("corrupt transaction record: %w", err)
	}
	return &rec, nil
}
