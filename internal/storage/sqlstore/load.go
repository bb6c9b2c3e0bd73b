package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"DualToken-Engine/internal/amount"
	"DualToken-Engine/internal/governance"
	"DualToken-Engine/internal/ledger"
	"DualToken-Engine/internal/market"
	"DualToken-Engine/internal/staking"
	"DualToken-Engine/internal/storage"
)

// decimalScanner 收集扫描过程中的第一个解析错误。
type decimalScanner struct {
	err error
}

func (d *decimalScanner) parse(column, raw string) amount.Amount {
	v, err := amount.Parse(raw)
	if err != nil {
		if d.err == nil {
			d.err = fmt.Errorf("解析列 %s 失败: %w", column, err)
		}
		return amount.Zero()
	}
	return v
}

// Load 读取全部持久化状态，用于启动时恢复内存模块。
func (s *Store) Load(ctx context.Context) (*storage.Snapshot, error) {
	snap := &storage.Snapshot{}
	steps := []func(context.Context, *storage.Snapshot) error{
		s.loadBalances,
		s.loadHead,
		s.loadPositions,
		s.loadProposals,
		s.loadVotes,
		s.loadDelegations,
		s.loadCurve,
	}
	for _, step := range steps {
		if err := step(ctx, snap); err != nil {
			return nil, err
		}
	}
	return snap, nil
}

func (s *Store) loadBalances(ctx context.Context, snap *storage.Snapshot) error {
	rows, err := s.db.QueryContext(ctx, `SELECT account, token_kind, amount FROM balances ORDER BY token_kind, account`)
	if err != nil {
		return fmt.Errorf("查询余额失败: %w", err)
	}
	defer rows.Close()

	var d decimalScanner
	for rows.Next() {
		var account, kind, raw string
		if err := rows.Scan(&account, &kind, &raw); err != nil {
			return fmt.Errorf("解析余额失败: %w", err)
		}
		snap.Ledger.Balances = append(snap.Ledger.Balances, ledger.BalanceRow{
			Account: account,
			Kind:    ledger.TokenKind(kind),
			Amount:  d.parse("balances.amount", raw),
		})
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("遍历余额失败: %w", err)
	}
	return d.err
}

func (s *Store) loadHead(ctx context.Context, snap *storage.Snapshot) error {
	var (
		seq  int64
		hash string
	)
	err := s.db.QueryRowContext(ctx, `SELECT seq, content_hash FROM transactions ORDER BY seq DESC LIMIT 1`).Scan(&seq, &hash)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil
	case err != nil:
		return fmt.Errorf("查询最新交易失败: %w", err)
	}
	snap.Ledger.LastSeq = uint64(seq)
	snap.Ledger.LastHash = common.HexToHash(hash)
	return nil
}

func (s *Store) loadPositions(ctx context.Context, snap *storage.Snapshot) error {
	rows, err := s.db.QueryContext(ctx, `SELECT id, owner, token_kind, purpose, amount, start_at, unlock_at, apy, claimed
    FROM stake_positions ORDER BY id`)
	if err != nil {
		return fmt.Errorf("查询质押仓位失败: %w", err)
	}
	defer rows.Close()

	var d decimalScanner
	for rows.Next() {
		var (
			p                 staking.Position
			kind, purpose     string
			amt, apy, claimed string
			startAt, unlockAt int64
		)
		if err := rows.Scan(&p.ID, &p.Owner, &kind, &purpose, &amt, &startAt, &unlockAt, &apy, &claimed); err != nil {
			return fmt.Errorf("解析质押仓位失败: %w", err)
		}
		p.Kind = ledger.TokenKind(kind)
		p.Purpose = staking.Purpose(purpose)
		p.Amount = d.parse("stake_positions.amount", amt)
		p.APY = d.parse("stake_positions.apy", apy)
		p.Claimed = d.parse("stake_positions.claimed", claimed)
		p.Start = fromNanos(startAt)
		p.Unlock = fromNanos(unlockAt)
		snap.Positions = append(snap.Positions, p)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("遍历质押仓位失败: %w", err)
	}
	return d.err
}

func (s *Store) loadProposals(ctx context.Context, snap *storage.Snapshot) error {
	rows, err := s.db.QueryContext(ctx, `SELECT id, proposer, title, description, payload, escrow, status, tally_for, tally_against, tally_abstain,
    created_at, voting_starts, voting_ends, execution_time, finalized_at, executed_at, slashed, last_error
    FROM proposals ORDER BY created_at, id`)
	if err != nil {
		return fmt.Errorf("查询提案失败: %w", err)
	}
	defer rows.Close()

	var d decimalScanner
	for rows.Next() {
		var (
			p                            governance.Proposal
			status                       string
			escrow, slashed              string
			tallyFor, tallyAgainst, abst string
			created, starts, ends        int64
			execTime, finalized, exec    int64
		)
		if err := rows.Scan(&p.ID, &p.Proposer, &p.Title, &p.Description, &p.Payload, &escrow, &status,
			&tallyFor, &tallyAgainst, &abst,
			&created, &starts, &ends, &execTime, &finalized, &exec, &slashed, &p.LastError); err != nil {
			return fmt.Errorf("解析提案失败: %w", err)
		}
		p.Status = governance.Status(status)
		p.Escrow = d.parse("proposals.escrow", escrow)
		p.Slashed = d.parse("proposals.slashed", slashed)
		p.Tally = governance.Tally{
			For:     d.parse("proposals.tally_for", tallyFor),
			Against: d.parse("proposals.tally_against", tallyAgainst),
			Abstain: d.parse("proposals.tally_abstain", abst),
		}
		p.CreatedAt = fromNanos(created)
		p.VotingStarts = fromNanos(starts)
		p.VotingEnds = fromNanos(ends)
		p.ExecutionTime = fromNanos(execTime)
		p.FinalizedAt = fromNanos(finalized)
		p.ExecutedAt = fromNanos(exec)
		snap.Proposals = append(snap.Proposals, p)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("遍历提案失败: %w", err)
	}
	return d.err
}

func (s *Store) loadVotes(ctx context.Context, snap *storage.Snapshot) error {
	rows, err := s.db.QueryContext(ctx, `SELECT proposal_id, voter, support, abstain, lock_periods, balance, power, delegators, cast_at
    FROM votes ORDER BY cast_at, voter`)
	if err != nil {
		return fmt.Errorf("查询投票失败: %w", err)
	}
	defer rows.Close()

	var d decimalScanner
	for rows.Next() {
		var (
			v                governance.Vote
			support, abstain int
			balance, power   string
			delegators       string
			castAt           int64
		)
		if err := rows.Scan(&v.ProposalID, &v.Voter, &support, &abstain, &v.LockPeriods, &balance, &power, &delegators, &castAt); err != nil {
			return fmt.Errorf("解析投票失败: %w", err)
		}
		v.Support = support != 0
		v.Abstain = abstain != 0
		v.Balance = d.parse("votes.balance", balance)
		v.Power = d.parse("votes.power", power)
		v.CastAt = fromNanos(castAt)
		if delegators != "" && delegators != "null" {
			if err := json.Unmarshal([]byte(delegators), &v.Delegators); err != nil {
				return fmt.Errorf("解析委托人列表失败: %w", err)
			}
		}
		snap.Votes = append(snap.Votes, v)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("遍历投票失败: %w", err)
	}
	return d.err
}

func (s *Store) loadDelegations(ctx context.Context, snap *storage.Snapshot) error {
	rows, err := s.db.QueryContext(ctx, `SELECT delegator, delegate, created_at FROM delegations ORDER BY delegator`)
	if err != nil {
		return fmt.Errorf("查询委托失败: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			del     governance.Delegation
			created int64
		)
		if err := rows.Scan(&del.Delegator, &del.Delegate, &created); err != nil {
			return fmt.Errorf("解析委托失败: %w", err)
		}
		del.CreatedAt = fromNanos(created)
		snap.Delegations = append(snap.Delegations, del)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("遍历委托失败: %w", err)
	}
	return nil
}

func (s *Store) loadCurve(ctx context.Context, snap *storage.Snapshot) error {
	var supply, reserve string
	err := s.db.QueryRowContext(ctx, `SELECT supply, reserve FROM curve_state WHERE id = 1`).Scan(&supply, &reserve)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil
	case err != nil:
		return fmt.Errorf("查询曲线状态失败: %w", err)
	}
	var d decimalScanner
	state := market.CurveState{
		Supply:  d.parse("curve_state.supply", supply),
		Reserve: d.parse("curve_state.reserve", reserve),
	}
	if d.err != nil {
		return d.err
	}
	snap.Curve = &state
	return nil
}
