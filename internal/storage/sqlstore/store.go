// Package sqlstore 提供 MySQL 与 SQLite 共用的关系型存储实现。
// 两种方言共用 deploy/migrations 中的建表语句，写入统一使用 REPLACE INTO。
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	mysqldrv "github.com/go-sql-driver/mysql"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"DualToken-Engine/internal/amount"
	"DualToken-Engine/internal/governance"
	"DualToken-Engine/internal/ledger"
	"DualToken-Engine/internal/market"
	"DualToken-Engine/internal/staking"
	"DualToken-Engine/internal/storage"
	"DualToken-Engine/pkg/logger"
)

const mysqlDuplicateEntry = 1062

// Store 使用关系型数据库持久化引擎状态。
type Store struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
	log     *slog.Logger
}

// Open 建立连接并执行尚未应用的迁移。
func Open(ctx context.Context, cfg Config) (*Store, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s := newStore(db, cfg.Dialect)
	if _, err := s.runMigrations(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func newStore(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect, now: time.Now, log: logger.Named("storage." + string(dialect))}
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixNano()
}

func fromNanos(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(0, v).UTC()
}

func dec(a amount.Amount) string { return amount.Norm(a).String() }

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// isDuplicatePayload 判断错误是否来自 payload_hash 唯一索引冲突。
func (s *Store) isDuplicatePayload(err error) bool {
	if err == nil || !strings.Contains(err.Error(), "payload_hash") {
		return false
	}
	var myErr *mysqldrv.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == mysqlDuplicateEntry
	}
	var liteErr *msqlite.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code() == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}

const insertTransactionSQL = `INSERT INTO transactions
    (seq, token_kind, op, from_account, to_account, amount, burned, delivered, reference, payload_hash, prev_hash, content_hash, created_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

const upsertBalanceSQL = `REPLACE INTO balances (account, token_kind, amount, updated_at) VALUES (?, ?, ?, ?)`

// Commit 在同一事务内写入交易记录与受影响的余额。
func (s *Store) Commit(ctx context.Context, tx ledger.Transaction, balances []ledger.BalanceRow) error {
	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启事务失败: %w", err)
	}
	if _, err := dbtx.ExecContext(ctx, insertTransactionSQL,
		tx.Seq,
		string(tx.Kind),
		string(tx.Op),
		tx.From,
		tx.To,
		dec(tx.Amount),
		dec(tx.Burned),
		dec(tx.Delivered),
		tx.Reference,
		tx.PayloadHash.Hex(),
		tx.PrevHash.Hex(),
		tx.Hash.Hex(),
		toNanos(tx.Timestamp),
	); err != nil {
		dbtx.Rollback()
		if s.isDuplicatePayload(err) {
			return ledger.ErrDuplicateTransaction
		}
		return fmt.Errorf("写入交易记录失败: %w", err)
	}
	updated := toNanos(tx.Timestamp)
	for _, row := range balances {
		if _, err := dbtx.ExecContext(ctx, upsertBalanceSQL, row.Account, string(row.Kind), dec(row.Amount), updated); err != nil {
			dbtx.Rollback()
			return fmt.Errorf("写入余额失败: %w", err)
		}
	}
	if err := dbtx.Commit(); err != nil {
		return fmt.Errorf("提交事务失败: %w", err)
	}
	return nil
}

// HasTransaction 查询交易日志中是否已存在该请求哈希。
func (s *Store) HasTransaction(ctx context.Context, payloadHash common.Hash) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM transactions WHERE payload_hash = ? LIMIT 1`, payloadHash.Hex()).Scan(&one)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("查询交易记录失败: %w", err)
	}
	return true, nil
}

const upsertPositionSQL = `REPLACE INTO stake_positions
    (id, owner, token_kind, purpose, amount, start_at, unlock_at, apy, claimed)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

// SavePosition 写入或覆盖质押仓位。
func (s *Store) SavePosition(ctx context.Context, p staking.Position) error {
	if _, err := s.db.ExecContext(ctx, upsertPositionSQL,
		p.ID, p.Owner, string(p.Kind), string(p.Purpose), dec(p.Amount),
		toNanos(p.Start), toNanos(p.Unlock), dec(p.APY), dec(p.Claimed),
	); err != nil {
		return fmt.Errorf("写入质押仓位失败: %w", err)
	}
	return nil
}

// DeletePosition 删除质押仓位。
func (s *Store) DeletePosition(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM stake_positions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("删除质押仓位失败: %w", err)
	}
	return nil
}

const upsertProposalSQL = `REPLACE INTO proposals
    (id, proposer, title, description, payload, escrow, status, tally_for, tally_against, tally_abstain,
     created_at, voting_starts, voting_ends, execution_time, finalized_at, executed_at, slashed, last_error)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// SaveProposal 写入或覆盖提案。
func (s *Store) SaveProposal(ctx context.Context, p governance.Proposal) error {
	if _, err := s.db.ExecContext(ctx, upsertProposalSQL,
		p.ID, p.Proposer, p.Title, p.Description, p.Payload, dec(p.Escrow), string(p.Status),
		dec(p.Tally.For), dec(p.Tally.Against), dec(p.Tally.Abstain),
		toNanos(p.CreatedAt), toNanos(p.VotingStarts), toNanos(p.VotingEnds),
		toNanos(p.ExecutionTime), toNanos(p.FinalizedAt), toNanos(p.ExecutedAt),
		dec(p.Slashed), p.LastError,
	); err != nil {
		return fmt.Errorf("写入提案失败: %w", err)
	}
	return nil
}

const upsertVoteSQL = `REPLACE INTO votes
    (proposal_id, voter, support, abstain, lock_periods, balance, power, delegators, cast_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

// SaveVote 写入投票，委托人列表以 JSON 数组保存。
func (s *Store) SaveVote(ctx context.Context, v governance.Vote) error {
	delegators, err := json.Marshal(v.Delegators)
	if err != nil {
		return fmt.Errorf("序列化委托人失败: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, upsertVoteSQL,
		v.ProposalID, v.Voter, boolInt(v.Support), boolInt(v.Abstain), v.LockPeriods,
		dec(v.Balance), dec(v.Power), string(delegators), toNanos(v.CastAt),
	); err != nil {
		return fmt.Errorf("写入投票失败: %w", err)
	}
	return nil
}

// SaveDelegation 写入或覆盖委托关系。
func (s *Store) SaveDelegation(ctx context.Context, d governance.Delegation) error {
	if _, err := s.db.ExecContext(ctx, `REPLACE INTO delegations (delegator, delegate, created_at) VALUES (?, ?, ?)`,
		d.Delegator, d.Delegate, toNanos(d.CreatedAt)); err != nil {
		return fmt.Errorf("写入委托失败: %w", err)
	}
	return nil
}

// DeleteDelegation 删除委托关系。
func (s *Store) DeleteDelegation(ctx context.Context, delegator string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM delegations WHERE delegator = ?`, delegator); err != nil {
		return fmt.Errorf("删除委托失败: %w", err)
	}
	return nil
}

// SaveCurve 覆盖联合曲线状态，表中只有 id=1 一行。
func (s *Store) SaveCurve(ctx context.Context, state market.CurveState) error {
	if _, err := s.db.ExecContext(ctx, `REPLACE INTO curve_state (id, supply, reserve, updated_at) VALUES (1, ?, ?, ?)`,
		dec(state.Supply), dec(state.Reserve), s.now().UnixNano()); err != nil {
		return fmt.Errorf("写入曲线状态失败: %w", err)
	}
	return nil
}

// Close 关闭底层数据库连接。
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var _ storage.Store = (*Store)(nil)
