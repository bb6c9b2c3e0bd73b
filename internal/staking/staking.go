package staking

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"DualToken-Engine/internal/amount"
	xerrors "DualToken-Engine/internal/errors"
	"DualToken-Engine/internal/ledger"
	"DualToken-Engine/pkg/logger"
)

// Purpose 区分质押仓位与治理投票锁仓。
type Purpose string

const (
	PurposeStake    Purpose = "stake"
	PurposeVoteLock Purpose = "vote_lock"
)

const day = 24 * time.Hour

var (
	// EscrowAccount 持有全部质押本金。
	EscrowAccount = ledger.SystemAccount("staking")
	// VoteLockAccount 持有治理投票期间锁定的治理代币。
	VoteLockAccount = ledger.SystemAccount("vote_lock")
	// RewardsPool 是质押收益的支付来源。
	RewardsPool = ledger.PoolAccount(ledger.PoolStakingRewards)
)

// Position 是一笔锁仓。质押仓位锁定功能型代币并按快照 APY 复利计息；
// 投票锁仓锁定治理代币，不产生收益，到期后由后台任务自动释放。
type Position struct {
	ID      string           `json:"id"`
	Owner   string           `json:"owner"`
	Kind    ledger.TokenKind `json:"kind"`
	Purpose Purpose          `json:"purpose"`
	Amount  amount.Amount    `json:"amount"`
	Start   time.Time        `json:"start"`
	Unlock  time.Time        `json:"unlock"`
	APY     amount.Amount    `json:"apy"`
	Claimed amount.Amount    `json:"claimed"`
}

// Ledger 是质押模块依赖的账本能力。
type Ledger interface {
	Balance(kind ledger.TokenKind, account string) amount.Amount
	Move(ctx context.Context, req ledger.MoveRequest) (ledger.Transaction, error)
}

// Store 持久化仓位变化。
type Store interface {
	SavePosition(ctx context.Context, p Position) error
	DeletePosition(ctx context.Context, id string) error
}

// Module 管理质押仓位与投票锁仓。
type Module struct {
	ledger Ledger
	store  Store
	now    func() time.Time
	log    *slog.Logger

	mu        sync.Mutex
	apy       amount.Amount
	positions map[string]*Position
}

// Option 定义可选配置。
type Option func(*Module)

// WithStore 配置仓位持久化。
func WithStore(store Store) Option {
	return func(m *Module) { m.store = store }
}

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(m *Module) {
		if now != nil {
			m.now = now
		}
	}
}

// New 构造质押模块，apy 为新仓位的年化收益率。
func New(l Ledger, apy amount.Amount, opts ...Option) *Module {
	m := &Module{
		ledger:    l,
		apy:       amount.Norm(apy),
		positions: make(map[string]*Position),
		now:       time.Now,
		log:       logger.Named("staking"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Restore 载入持久化的仓位，覆盖当前内存状态。
func (m *Module) Restore(positions []Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions = make(map[string]*Position, len(positions))
	for i := range positions {
		p := positions[i]
		p.Amount = amount.Norm(p.Amount)
		p.APY = amount.Norm(p.APY)
		p.Claimed = amount.Norm(p.Claimed)
		m.positions[p.ID] = &p
	}
}

// Stake 把 amt 功能型代币锁入质押托管账户 lockDays 天。
func (m *Module) Stake(ctx context.Context, account string, amt amount.Amount, lockDays int) (Position, error) {
	params := []string{"account", account, "amount", amount.Norm(amt).String(), "lock_days", strconv.Itoa(lockDays)}
	if !amount.IsPositive(amt) {
		return Position{}, xerrors.New(ledger.CodeInvalidAmount, "", xerrors.WithParams(params...))
	}
	if lockDays <= 0 {
		return Position{}, xerrors.New(CodeInvalidLockPeriod, "", xerrors.WithParams(params...))
	}
	if ledger.IsReserved(account) {
		return Position{}, xerrors.New(ledger.CodeReservedAccount, "", xerrors.WithParams(params...))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now().UTC()
	p := Position{
		ID:      uuid.NewString(),
		Owner:   account,
		Kind:    ledger.Utility,
		Purpose: PurposeStake,
		Amount:  amt,
		Start:   now,
		Unlock:  now.Add(time.Duration(lockDays) * day),
		APY:     m.apy,
		Claimed: amount.Zero(),
	}
	if err := m.open(ctx, p, "lock:"+p.ID); err != nil {
		return Position{}, err
	}
	logger.Audit().Info("stake opened",
		slog.String("position_id", p.ID),
		slog.String("owner", account),
		slog.String("amount", amt.String()),
		slog.String("apy", p.APY.String()),
		slog.Time("unlock", p.Unlock),
	)
	return p, nil
}

// LockGovernance 锁定治理代币直到 until，用于高信念投票。
func (m *Module) LockGovernance(ctx context.Context, account string, amt amount.Amount, until time.Time, reference string) (Position, error) {
	if !amount.IsPositive(amt) {
		return Position{}, xerrors.New(ledger.CodeInvalidAmount, "", xerrors.WithParams("account", account, "amount", amount.Norm(amt).String()))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now().UTC()
	if !until.After(now) {
		return Position{}, xerrors.New(CodeInvalidLockPeriod, "", xerrors.WithParams("account", account, "until", until.String()))
	}
	p := Position{
		ID:      uuid.NewString(),
		Owner:   account,
		Kind:    ledger.Governance,
		Purpose: PurposeVoteLock,
		Amount:  amt,
		Start:   now,
		Unlock:  until.UTC(),
		APY:     amount.Zero(),
		Claimed: amount.Zero(),
	}
	if reference != "" {
		p.ID = reference
	}
	if _, exists := m.positions[p.ID]; exists {
		return Position{}, xerrors.New(xerrors.CodeConflict, "lock already exists", xerrors.WithParams("position_id", p.ID))
	}
	// 同一 ID 的锁仓可能在提前解锁后重新建立，账本引用需要逐次唯一。
	if err := m.open(ctx, p, "lock:"+p.ID+":"+uuid.NewString()); err != nil {
		return Position{}, err
	}
	m.log.Debug("governance balance locked", slog.String("position_id", p.ID), slog.String("owner", account), slog.String("amount", amt.String()))
	return p, nil
}

// open 必须在持有 m.mu 时调用。
func (m *Module) open(ctx context.Context, p Position, reference string) error {
	if _, err := m.ledger.Move(ctx, ledger.MoveRequest{
		Kind:      p.Kind,
		From:      p.Owner,
		To:        escrowFor(p),
		Amount:    p.Amount,
		Reference: reference,
	}); err != nil {
		return err
	}
	if m.store != nil {
		if err := m.store.SavePosition(ctx, p); err != nil {
			m.compensate(ctx, p, reference)
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "persist position", xerrors.WithParams("position_id", p.ID))
		}
	}
	stored := p
	m.positions[p.ID] = &stored
	return nil
}

func (m *Module) compensate(ctx context.Context, p Position, reference string) {
	if _, err := m.ledger.Move(ctx, ledger.MoveRequest{
		Kind:      p.Kind,
		From:      escrowFor(p),
		To:        p.Owner,
		Amount:    p.Amount,
		Reference: "compensate:" + reference,
	}); err != nil {
		m.log.Error("failed to compensate lock", slog.String("position_id", p.ID), slog.Any("error", err))
	}
}

// Accrued 返回仓位在 now 时刻尚未领取的收益：
// locked*(1+apy)^(days/365) - locked - claimed，days 按整天计算，结果不小于零。
func Accrued(p Position, now time.Time) amount.Amount {
	if p.Purpose != PurposeStake || !now.After(p.Start) {
		return amount.Zero()
	}
	days := uint64(now.Sub(p.Start) / day)
	growth, err := amount.CompoundGrowth(p.APY, days)
	if err != nil {
		return amount.Zero()
	}
	final := amount.Norm(p.Amount).MulTruncate(growth)
	unclaimed := final.Sub(amount.Norm(p.Amount)).Sub(amount.Norm(p.Claimed))
	if unclaimed.IsNegative() {
		return amount.Zero()
	}
	return unclaimed
}

// Accrued 返回指定仓位当前未领取的收益。
func (m *Module) Accrued(id string) (amount.Amount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[id]
	if !ok {
		return amount.Zero(), xerrors.New(CodePositionNotFound, "", xerrors.WithParams("position_id", id))
	}
	return Accrued(*p, m.now()), nil
}

// Claim 从质押奖励池支付未领取收益。
func (m *Module) Claim(ctx context.Context, id string) (amount.Amount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[id]
	if !ok || p.Purpose != PurposeStake {
		return amount.Zero(), xerrors.New(CodePositionNotFound, "", xerrors.WithParams("position_id", id))
	}
	owed := Accrued(*p, m.now())
	if owed.IsZero() {
		return owed, nil
	}
	params := []string{"position_id", id, "amount", owed.String(), "pool", RewardsPool}
	if m.ledger.Balance(ledger.Utility, RewardsPool).LT(owed) {
		return amount.Zero(), xerrors.New(ledger.CodeInsufficientPool, "", xerrors.WithParams(params...))
	}
	claimed := p.Claimed.Add(owed)
	if _, err := m.ledger.Move(ctx, ledger.MoveRequest{
		Kind:      ledger.Utility,
		From:      RewardsPool,
		To:        p.Owner,
		Amount:    owed,
		Reference: "claim:" + id + ":" + claimed.String(),
	}); err != nil {
		if xerrors.HasCode(err, ledger.CodeInsufficientBalance) {
			return amount.Zero(), xerrors.Wrap(ledger.CodeInsufficientPool, err, "", xerrors.WithParams(params...))
		}
		return amount.Zero(), err
	}
	p.Claimed = claimed
	if m.store != nil {
		if err := m.store.SavePosition(ctx, *p); err != nil {
			m.log.Error("failed to persist claimed rewards", slog.String("position_id", id), slog.Any("error", err))
		}
	}
	logger.Audit().Info("staking rewards claimed",
		slog.String("position_id", id),
		slog.String("owner", p.Owner),
		slog.String("amount", owed.String()),
	)
	return owed, nil
}

// Unstake 在到期后退还本金并删除仓位。未领取的收益不会自动结算。
func (m *Module) Unstake(ctx context.Context, id string) (Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[id]
	if !ok || p.Purpose != PurposeStake {
		return Position{}, xerrors.New(CodePositionNotFound, "", xerrors.WithParams("position_id", id))
	}
	now := m.now()
	if now.Before(p.Unlock) {
		return Position{}, xerrors.New(CodeStillLocked, "", xerrors.WithParams(
			"position_id", id, "unlock", p.Unlock.Format(time.RFC3339), "now", now.UTC().Format(time.RFC3339)))
	}
	if err := m.release(ctx, p, "release:"+p.ID); err != nil {
		return Position{}, err
	}
	logger.Audit().Info("stake closed",
		slog.String("position_id", id),
		slog.String("owner", p.Owner),
		slog.String("amount", p.Amount.String()),
	)
	return *p, nil
}

// ReleaseExpired 释放所有已到期的投票锁仓，返回释放数量。
func (m *Module) ReleaseExpired(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	expired := make([]*Position, 0)
	for _, p := range m.positions {
		if p.Purpose == PurposeVoteLock && !now.Before(p.Unlock) {
			expired = append(expired, p)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ID < expired[j].ID })
	released := 0
	for _, p := range expired {
		if err := m.release(ctx, p, "release:"+p.ID); err != nil {
			return released, err
		}
		released++
	}
	return released, nil
}

// UnlockGovernance 在到期前撤销一笔投票锁仓，用于投票未能落盘时回滚。
func (m *Module) UnlockGovernance(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[id]
	if !ok || p.Purpose != PurposeVoteLock {
		return xerrors.New(CodePositionNotFound, "", xerrors.WithParams("position_id", id))
	}
	if err := m.release(ctx, p, "unlock:"+p.ID+":"+uuid.NewString()); err != nil {
		return err
	}
	m.log.Debug("governance lock reverted", slog.String("position_id", id), slog.String("owner", p.Owner))
	return nil
}

// release 必须在持有 m.mu 时调用。
func (m *Module) release(ctx context.Context, p *Position, reference string) error {
	if _, err := m.ledger.Move(ctx, ledger.MoveRequest{
		Kind:      p.Kind,
		From:      escrowFor(*p),
		To:        p.Owner,
		Amount:    p.Amount,
		Reference: reference,
	}); err != nil {
		return err
	}
	delete(m.positions, p.ID)
	if m.store != nil {
		if err := m.store.DeletePosition(ctx, p.ID); err != nil {
			m.log.Error("failed to delete released position", slog.String("position_id", p.ID), slog.Any("error", err))
		}
	}
	return nil
}

// SetAPY 修改新仓位使用的年化收益率，已有仓位保留创建时的快照。
func (m *Module) SetAPY(apy amount.Amount) error {
	if apy.IsNil() || apy.IsNegative() {
		return xerrors.New(xerrors.CodeInvalidArgument, "apy must be non-negative", xerrors.WithParams("apy", amount.Norm(apy).String()))
	}
	m.mu.Lock()
	m.apy = apy
	m.mu.Unlock()
	logger.Audit().Info("staking apy updated", slog.String("apy", apy.String()))
	return nil
}

// APY 返回当前年化收益率。
func (m *Module) APY() amount.Amount {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.apy
}

// Get 返回指定仓位。
func (m *Module) Get(id string) (Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[id]
	if !ok {
		return Position{}, xerrors.New(CodePositionNotFound, "", xerrors.WithParams("position_id", id))
	}
	return *p, nil
}

// Positions 返回账户的全部仓位，account 为空时返回所有仓位，按开始时间排序。
func (m *Module) Positions(account string) []Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Position, 0)
	for _, p := range m.positions {
		if account == "" || p.Owner == account {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Start.Equal(out[j].Start) {
			return out[i].ID < out[j].ID
		}
		return out[i].Start.Before(out[j].Start)
	})
	return out
}

// TotalLocked 返回某用途下锁定的总量。
func (m *Module) TotalLocked(purpose Purpose) amount.Amount {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := amount.Zero()
	for _, p := range m.positions {
		if p.Purpose == purpose {
			total = total.Add(p.Amount)
		}
	}
	return total
}

func escrowFor(p Position) string {
	if p.Purpose == PurposeVoteLock {
		return VoteLockAccount
	}
	return EscrowAccount
}
