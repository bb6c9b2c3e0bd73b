// Package memory 提供基于内存映射与追加写 JSON 日志的存储实现，
// 适合单机部署与测试。dataDir 为空时只保存在内存中。
package memory

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"DualToken-Engine/internal/amount"
	"DualToken-Engine/internal/governance"
	"DualToken-Engine/internal/ledger"
	"DualToken-Engine/internal/market"
	"DualToken-Engine/internal/staking"
	"DualToken-Engine/internal/storage"
	"DualToken-Engine/pkg/logger"
)

const journalFile = "journal.log"

type entryType string

const (
	entryCommit           entryType = "commit"
	entryPosition         entryType = "position"
	entryPositionDelete   entryType = "position_delete"
	entryProposal         entryType = "proposal"
	entryVote             entryType = "vote"
	entryDelegation       entryType = "delegation"
	entryDelegationDelete entryType = "delegation_delete"
	entryCurve            entryType = "curve"
)

// entry 是日志中的一行。
type entry struct {
	Type        entryType              `json:"type"`
	Transaction *ledger.Transaction    `json:"transaction,omitempty"`
	Balances    []ledger.BalanceRow    `json:"balances,omitempty"`
	Position    *staking.Position      `json:"position,omitempty"`
	Proposal    *governance.Proposal   `json:"proposal,omitempty"`
	Vote        *governance.Vote       `json:"vote,omitempty"`
	Delegation  *governance.Delegation `json:"delegation,omitempty"`
	Curve       *market.CurveState     `json:"curve,omitempty"`
	Key         string                 `json:"key,omitempty"`
}

type balanceKey struct {
	kind    ledger.TokenKind
	account string
}

type voteKey struct {
	proposal string
	voter    string
}

// Store 在内存中维护最新状态，并把每次变更追加写入日志文件，启动时重放。
type Store struct {
	mu   sync.Mutex
	file *os.File
	log  *slog.Logger

	balances    map[balanceKey]amount.Amount
	hashes      map[common.Hash]struct{}
	lastSeq     uint64
	lastHash    common.Hash
	positions   map[string]staking.Position
	proposals   map[string]governance.Proposal
	votes       map[voteKey]governance.Vote
	delegations map[string]governance.Delegation
	curve       *market.CurveState
}

// New 创建存储并重放 dataDir 下已有的日志。
func New(dataDir string) (*Store, error) {
	s := &Store{
		log:         logger.Named("storage.memory"),
		balances:    make(map[balanceKey]amount.Amount),
		hashes:      make(map[common.Hash]struct{}),
		positions:   make(map[string]staking.Position),
		proposals:   make(map[string]governance.Proposal),
		votes:       make(map[voteKey]governance.Vote),
		delegations: make(map[string]governance.Delegation),
	}
	if dataDir == "" {
		return s, nil
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	path := filepath.Join(dataDir, journalFile)
	if err := s.replay(path); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("打开日志文件失败: %w", err)
	}
	s.file = file
	return s, nil
}

func (s *Store) replay(path string) error {
	file, err := os.OpenFile(path, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("读取日志文件失败: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 16<<20)
	line := 0
	for scanner.Scan() {
		line++
		var e entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			s.log.Warn("跳过无法解析的日志行", slog.Int("line", line), slog.Any("error", err))
			continue
		}
		s.apply(e)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("解析日志文件失败: %w", err)
	}
	return nil
}

// apply 把日志条目合并进内存状态，调用方持有锁或处于初始化阶段。
func (s *Store) apply(e entry) {
	switch e.Type {
	case entryCommit:
		if e.Transaction == nil {
			return
		}
		s.hashes[e.Transaction.PayloadHash] = struct{}{}
		if e.Transaction.Seq > s.lastSeq {
			s.lastSeq = e.Transaction.Seq
			s.lastHash = e.Transaction.Hash
		}
		for _, row := range e.Balances {
			s.balances[balanceKey{kind: row.Kind, account: row.Account}] = row.Amount
		}
	case entryPosition:
		if e.Position != nil {
			s.positions[e.Position.ID] = *e.Position
		}
	case entryPositionDelete:
		delete(s.positions, e.Key)
	case entryProposal:
		if e.Proposal != nil {
			s.proposals[e.Proposal.ID] = *e.Proposal
		}
	case entryVote:
		if e.Vote != nil {
			s.votes[voteKey{proposal: e.Vote.ProposalID, voter: e.Vote.Voter}] = *e.Vote
		}
	case entryDelegation:
		if e.Delegation != nil {
			s.delegations[e.Delegation.Delegator] = *e.Delegation
		}
	case entryDelegationDelete:
		delete(s.delegations, e.Key)
	case entryCurve:
		if e.Curve != nil {
			curve := *e.Curve
			s.curve = &curve
		}
	}
}

// write 先落盘再更新内存，写入失败时内存状态保持不变。
func (s *Store) write(ctx context.Context, e entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.file != nil {
		encoded, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("序列化日志条目失败: %w", err)
		}
		if _, err := s.file.Write(append(encoded, '\n')); err != nil {
			return fmt.Errorf("写入日志文件失败: %w", err)
		}
		if e.Type == entryCommit {
			if err := s.file.Sync(); err != nil {
				return fmt.Errorf("同步日志文件失败: %w", err)
			}
		}
	}
	s.apply(e)
	return nil
}

// Commit 实现 ledger.Journal。
func (s *Store) Commit(ctx context.Context, tx ledger.Transaction, balances []ledger.BalanceRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.hashes[tx.PayloadHash]; ok {
		return ledger.ErrDuplicateTransaction
	}
	return s.write(ctx, entry{Type: entryCommit, Transaction: &tx, Balances: balances})
}

// HasTransaction 实现 ledger.Journal。
func (s *Store) HasTransaction(_ context.Context, payloadHash common.Hash) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.hashes[payloadHash]
	return ok, nil
}

// SavePosition 实现 staking.Store。
func (s *Store) SavePosition(ctx context.Context, p staking.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(ctx, entry{Type: entryPosition, Position: &p})
}

// DeletePosition 实现 staking.Store。
func (s *Store) DeletePosition(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(ctx, entry{Type: entryPositionDelete, Key: id})
}

// SaveProposal 实现 governance.Store。
func (s *Store) SaveProposal(ctx context.Context, p governance.Proposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(ctx, entry{Type: entryProposal, Proposal: &p})
}

// SaveVote 实现 governance.Store。
func (s *Store) SaveVote(ctx context.Context, v governance.Vote) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(ctx, entry{Type: entryVote, Vote: &v})
}

// SaveDelegation 实现 governance.Store。
func (s *Store) SaveDelegation(ctx context.Context, d governance.Delegation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(ctx, entry{Type: entryDelegation, Delegation: &d})
}

// DeleteDelegation 实现 governance.Store。
func (s *Store) DeleteDelegation(ctx context.Context, delegator string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(ctx, entry{Type: entryDelegationDelete, Key: delegator})
}

// SaveCurve 实现 market.Store。
func (s *Store) SaveCurve(ctx context.Context, state market.CurveState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(ctx, entry{Type: entryCurve, Curve: &state})
}

// Load 返回当前状态的快照，各集合按稳定顺序排列。
func (s *Store) Load(ctx context.Context) (*storage.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := &storage.Snapshot{
		Ledger: ledger.State{LastSeq: s.lastSeq, LastHash: s.lastHash},
	}
	for key, value := range s.balances {
		snap.Ledger.Balances = append(snap.Ledger.Balances, ledger.BalanceRow{Account: key.account, Kind: key.kind, Amount: value})
	}
	sort.Slice(snap.Ledger.Balances, func(i, j int) bool {
		a, b := snap.Ledger.Balances[i], snap.Ledger.Balances[j]
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		return a.Account < b.Account
	})
	for _, p := range s.positions {
		snap.Positions = append(snap.Positions, p)
	}
	sort.Slice(snap.Positions, func(i, j int) bool { return snap.Positions[i].ID < snap.Positions[j].ID })
	for _, p := range s.proposals {
		snap.Proposals = append(snap.Proposals, p)
	}
	sort.Slice(snap.Proposals, func(i, j int) bool {
		if snap.Proposals[i].CreatedAt.Equal(snap.Proposals[j].CreatedAt) {
			return snap.Proposals[i].ID < snap.Proposals[j].ID
		}
		return snap.Proposals[i].CreatedAt.Before(snap.Proposals[j].CreatedAt)
	})
	for _, v := range s.votes {
		snap.Votes = append(snap.Votes, v)
	}
	sort.Slice(snap.Votes, func(i, j int) bool {
		if snap.Votes[i].CastAt.Equal(snap.Votes[j].CastAt) {
			return snap.Votes[i].Voter < snap.Votes[j].Voter
		}
		return snap.Votes[i].CastAt.Before(snap.Votes[j].CastAt)
	})
	for _, d := range s.delegations {
		snap.Delegations = append(snap.Delegations, d)
	}
	sort.Slice(snap.Delegations, func(i, j int) bool { return snap.Delegations[i].Delegator < snap.Delegations[j].Delegator })
	if s.curve != nil {
		curve := *s.curve
		snap.Curve = &curve
	}
	return snap, nil
}

// Close 关闭日志文件。
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

var _ storage.Store = (*Store)(nil)
