package governance

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"DualToken-Engine/internal/amount"
	xerrors "DualToken-Engine/internal/errors"
	"DualToken-Engine/internal/ledger"
	"DualToken-Engine/internal/staking"
	"DualToken-Engine/pkg/logger"
)

// EscrowAccount 持有所有提案押金。
var EscrowAccount = ledger.SystemAccount("proposal_escrow")

// Config 描述治理参数。
type Config struct {
	MinProposalStake amount.Amount
	Quorum           amount.Amount
	ConvictionGrowth amount.Amount
	MaxConviction    amount.Amount
	EntryDelay       time.Duration
	VotingPeriod     time.Duration
	ExecutionDelay   time.Duration
	ExecutionTimeout time.Duration
	// SlashFraction 是被否决提案押金的罚没比例，0 表示全额退还。
	SlashFraction amount.Amount
	// SlashBurnShare 是罚没部分中被销毁的比例，其余转入 Facilitator。
	SlashBurnShare amount.Amount
	Facilitator    string
}

// Ledger 是治理模块依赖的账本能力。
type Ledger interface {
	Balance(kind ledger.TokenKind, account string) amount.Amount
	Supply(kind ledger.TokenKind) ledger.Supply
	Move(ctx context.Context, req ledger.MoveRequest) (ledger.Transaction, error)
	Burn(ctx context.Context, req ledger.BurnRequest) (ledger.Transaction, error)
}

// Locker 提供投票锁仓能力。
type Locker interface {
	LockGovernance(ctx context.Context, account string, amt amount.Amount, until time.Time, reference string) (staking.Position, error)
	UnlockGovernance(ctx context.Context, id string) error
}

// Applier 是执行通过提案载荷的外部协作方。
type Applier interface {
	Apply(ctx context.Context, proposalID string, payload []byte) error
}

// Store 持久化治理状态。
type Store interface {
	SaveProposal(ctx context.Context, p Proposal) error
	SaveVote(ctx context.Context, v Vote) error
	SaveDelegation(ctx context.Context, d Delegation) error
	DeleteDelegation(ctx context.Context, delegator string) error
}

// CreateRequest 描述新提案。
type CreateRequest struct {
	Proposer    string
	Title       string
	Description string
	Payload     []byte
}

// VoteRequest 描述一次投票。
type VoteRequest struct {
	Voter       string
	ProposalID  string
	Support     bool
	Abstain     bool
	LockPeriods int
}

// Module 管理提案生命周期、信念投票与委托。
type Module struct {
	cfg     Config
	ledger  Ledger
	locker  Locker
	applier Applier
	store   Store
	now     func() time.Time
	log     *slog.Logger

	mu          sync.Mutex
	proposals   map[string]*Proposal
	votes       map[string]map[string]Vote
	counted     map[string]map[string]string
	delegations map[string]Delegation
	locks       map[string]*sync.Mutex
}

// Option 定义可选配置。
type Option func(*Module)

// WithStore 配置持久化。
func WithStore(store Store) Option {
	return func(m *Module) { m.store = store }
}

// WithApplier 配置执行协作方。
func WithApplier(applier Applier) Option {
	return func(m *Module) { m.applier = applier }
}

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(m *Module) {
		if now != nil {
			m.now = now
		}
	}
}

// New 构造治理模块。
func New(cfg Config, l Ledger, locker Locker, opts ...Option) (*Module, error) {
	if cfg.VotingPeriod <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "voting period must be positive")
	}
	if cfg.ExecutionTimeout <= 0 {
		cfg.ExecutionTimeout = 10 * time.Second
	}
	cfg.MinProposalStake = amount.Norm(cfg.MinProposalStake)
	cfg.SlashFraction = amount.Norm(cfg.SlashFraction)
	cfg.SlashBurnShare = amount.Norm(cfg.SlashBurnShare)
	m := &Module{
		cfg:         cfg,
		ledger:      l,
		locker:      locker,
		now:         time.Now,
		log:         logger.Named("governance"),
		proposals:   make(map[string]*Proposal),
		votes:       make(map[string]map[string]Vote),
		counted:     make(map[string]map[string]string),
		delegations: make(map[string]Delegation),
		locks:       make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m, nil
}

// Restore 从持久化记录重建内存状态。
func (m *Module) Restore(proposals []Proposal, votes []Vote, delegations []Delegation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.proposals = make(map[string]*Proposal, len(proposals))
	m.votes = make(map[string]map[string]Vote)
	m.counted = make(map[string]map[string]string)
	m.delegations = make(map[string]Delegation, len(delegations))
	for i := range proposals {
		p := proposals[i]
		m.proposals[p.ID] = &p
	}
	for _, v := range votes {
		m.recordVote(v)
	}
	for _, d := range delegations {
		m.delegations[d.Delegator] = d
	}
}

// recordVote 必须在持有 m.mu 时调用。
func (m *Module) recordVote(v Vote) {
	if m.votes[v.ProposalID] == nil {
		m.votes[v.ProposalID] = make(map[string]Vote)
	}
	m.votes[v.ProposalID][v.Voter] = v
	if m.counted[v.ProposalID] == nil {
		m.counted[v.ProposalID] = make(map[string]string)
	}
	m.counted[v.ProposalID][v.Voter] = v.Voter
	for _, d := range v.Delegators {
		m.counted[v.ProposalID][d] = v.Voter
	}
}

// maxLockPeriods 返回可接受的最大锁定周期数：超过信念上限的周期不再增加票权，
// 解锁时间也必须能用 time.Duration 表示。
func (m *Module) maxLockPeriods() int {
	limit := SaturationPeriods(m.cfg.ConvictionGrowth, m.cfg.MaxConviction)
	if m.cfg.VotingPeriod > 0 {
		limit = min(limit, int(math.MaxInt64/int64(m.cfg.VotingPeriod)))
	}
	return limit
}

func (m *Module) proposalLock(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[id] = lock
	}
	return lock
}

func (m *Module) snapshot(id string) (Proposal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.proposals[id]
	if !ok {
		return Proposal{}, xerrors.New(CodeProposalNotFound, "", xerrors.WithParams("proposal_id", id))
	}
	return *p, nil
}

// commit 持久化并替换内存中的提案。
func (m *Module) commit(ctx context.Context, p Proposal) error {
	if m.store != nil {
		if err := m.store.SaveProposal(ctx, p); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "persist proposal", xerrors.WithParams("proposal_id", p.ID))
		}
	}
	m.mu.Lock()
	stored := p
	m.proposals[p.ID] = &stored
	m.mu.Unlock()
	return nil
}

// CreateProposal 创建提案并托管提案人的最低押金。
func (m *Module) CreateProposal(ctx context.Context, req CreateRequest) (Proposal, error) {
	params := []string{"proposer", req.Proposer, "min_stake", m.cfg.MinProposalStake.String()}
	if strings.TrimSpace(req.Proposer) == "" || strings.TrimSpace(req.Title) == "" {
		return Proposal{}, xerrors.New(xerrors.CodeInvalidArgument, "proposer and title are required", xerrors.WithParams(params...))
	}
	if ledger.IsReserved(req.Proposer) {
		return Proposal{}, xerrors.New(ledger.CodeReservedAccount, "", xerrors.WithParams(params...))
	}
	balance := m.ledger.Balance(ledger.Governance, req.Proposer)
	if balance.LT(m.cfg.MinProposalStake) {
		return Proposal{}, xerrors.New(ledger.CodeInsufficientBalance, "governance balance below minimum proposal stake",
			xerrors.WithParams(append(params, "balance", balance.String())...))
	}

	now := m.now().UTC()
	p := Proposal{
		ID:           uuid.NewString(),
		Proposer:     req.Proposer,
		Title:        req.Title,
		Description:  req.Description,
		Payload:      append([]byte(nil), req.Payload...),
		Escrow:       m.cfg.MinProposalStake,
		Status:       StatusPending,
		Tally:        Tally{For: amount.Zero(), Against: amount.Zero(), Abstain: amount.Zero()},
		CreatedAt:    now,
		VotingStarts: now.Add(m.cfg.EntryDelay),
		Slashed:      amount.Zero(),
	}
	p.VotingEnds = p.VotingStarts.Add(m.cfg.VotingPeriod)

	if p.Escrow.IsPositive() {
		if _, err := m.ledger.Move(ctx, ledger.MoveRequest{
			Kind:      ledger.Governance,
			From:      p.Proposer,
			To:        EscrowAccount,
			Amount:    p.Escrow,
			Reference: "proposal:" + p.ID + ":escrow",
		}); err != nil {
			return Proposal{}, err
		}
	}
	if err := m.commit(ctx, p); err != nil {
		m.releaseEscrow(ctx, p, "compensate")
		return Proposal{}, err
	}
	m.audit("proposal created", p)
	return p, nil
}

// Vote 以信念加权的有效余额投票。同一提案上的投票串行执行。
func (m *Module) Vote(ctx context.Context, req VoteRequest) (Vote, error) {
	params := []string{"proposal_id", req.ProposalID, "voter", req.Voter, "lock_periods", strconv.Itoa(req.LockPeriods)}
	if strings.TrimSpace(req.Voter) == "" || req.LockPeriods < 0 {
		return Vote{}, xerrors.New(xerrors.CodeInvalidArgument, "voter is required and lock periods must be non-negative", xerrors.WithParams(params...))
	}
	if req.Support && req.Abstain {
		return Vote{}, xerrors.New(xerrors.CodeInvalidArgument, "a vote cannot both support and abstain", xerrors.WithParams(params...))
	}
	if limit := m.maxLockPeriods(); req.LockPeriods > limit {
		return Vote{}, xerrors.New(staking.CodeInvalidLockPeriod, "lock periods exceed the conviction ceiling",
			xerrors.WithParams(append(params, "max_lock_periods", strconv.Itoa(limit))...))
	}

	lock := m.proposalLock(req.ProposalID)
	lock.Lock()
	defer lock.Unlock()

	p, err := m.snapshot(req.ProposalID)
	if err != nil {
		return Vote{}, err
	}
	now := m.now().UTC()
	if !p.acceptsVotes(now) {
		return Vote{}, xerrors.New(CodeProposalNotActive, "", xerrors.WithParams(append(params,
			"status", string(p.StatusAt(now)),
			"voting_starts", p.VotingStarts.Format(time.RFC3339),
			"voting_ends", p.VotingEnds.Format(time.RFC3339))...))
	}

	m.mu.Lock()
	if by, ok := m.counted[p.ID][req.Voter]; ok {
		m.mu.Unlock()
		return Vote{}, xerrors.New(CodeAlreadyVoted, "", xerrors.WithParams(append(params, "counted_by", by)...))
	}
	delegators := make([]string, 0)
	for delegator, d := range m.delegations {
		if d.Delegate != req.Voter {
			continue
		}
		if _, done := m.counted[p.ID][delegator]; done {
			continue
		}
		delegators = append(delegators, delegator)
	}
	m.mu.Unlock()
	sort.Strings(delegators)

	// 只有投票人自己锁定的余额享受信念加成，委托余额按不锁仓计算。
	own := m.ledger.Balance(ledger.Governance, req.Voter)
	delegated := amount.Zero()
	for _, delegator := range delegators {
		delegated = delegated.Add(m.ledger.Balance(ledger.Governance, delegator))
	}
	effective := own.Add(delegated)
	conviction := Conviction(req.LockPeriods, m.cfg.ConvictionGrowth, m.cfg.MaxConviction)
	power := own.MulTruncate(conviction).Add(delegated.MulTruncate(Conviction(0, m.cfg.ConvictionGrowth, m.cfg.MaxConviction)))

	lockID := ""
	if req.LockPeriods > 0 && own.IsPositive() && m.locker != nil {
		until := now.Add(time.Duration(req.LockPeriods) * m.cfg.VotingPeriod)
		position, err := m.locker.LockGovernance(ctx, req.Voter, own, until, "vote:"+p.ID+":"+req.Voter)
		if err != nil {
			return Vote{}, err
		}
		lockID = position.ID
	}
	rollback := func(cause error) error {
		if lockID == "" {
			return cause
		}
		if err := m.locker.UnlockGovernance(context.WithoutCancel(ctx), lockID); err != nil {
			m.log.Error("failed to revert vote lock",
				slog.String("proposal_id", p.ID),
				slog.String("voter", req.Voter),
				slog.String("position_id", lockID),
				slog.Any("error", err),
			)
		}
		return cause
	}

	vote := Vote{
		ProposalID:  p.ID,
		Voter:       req.Voter,
		Support:     req.Support,
		Abstain:     req.Abstain,
		LockPeriods: req.LockPeriods,
		Balance:     effective,
		Power:       power,
		Delegators:  delegators,
		CastAt:      now,
	}
	switch {
	case req.Abstain:
		p.Tally.Abstain = p.Tally.Abstain.Add(power)
	case req.Support:
		p.Tally.For = p.Tally.For.Add(power)
	default:
		p.Tally.Against = p.Tally.Against.Add(power)
	}

	if m.store != nil {
		if err := m.store.SaveVote(ctx, vote); err != nil {
			return Vote{}, rollback(xerrors.Wrap(xerrors.CodeStorageFailure, err, "persist vote", xerrors.WithParams(params...)))
		}
	}
	if err := m.commit(ctx, p); err != nil {
		return Vote{}, rollback(err)
	}
	m.mu.Lock()
	m.recordVote(vote)
	m.mu.Unlock()

	logger.Audit().Info("vote cast",
		slog.String("proposal_id", p.ID),
		slog.String("voter", req.Voter),
		slog.Bool("support", req.Support),
		slog.Bool("abstain", req.Abstain),
		slog.String("power", power.String()),
		slog.Int("delegators", len(delegators)),
	)
	return vote, nil
}

// Finalize 在投票结束后依据法定人数与多数规则结算提案。
func (m *Module) Finalize(ctx context.Context, id string) (Proposal, error) {
	lock := m.proposalLock(id)
	lock.Lock()
	defer lock.Unlock()

	p, err := m.snapshot(id)
	if err != nil {
		return Proposal{}, err
	}
	now := m.now().UTC()
	if p.Status != StatusPending {
		return p, nil
	}
	if !now.After(p.VotingEnds) {
		return Proposal{}, xerrors.New(CodeVotingNotEnded, "", xerrors.WithParams(
			"proposal_id", id, "voting_ends", p.VotingEnds.Format(time.RFC3339)))
	}

	circulating := m.ledger.Supply(ledger.Governance).Circulating
	p.Status = Evaluate(p.Tally, circulating, m.cfg.Quorum)
	p.FinalizedAt = now
	if p.Status == StatusPassed {
		p.ExecutionTime = now.Add(m.cfg.ExecutionDelay)
	} else {
		slashed, err := m.settleRejected(ctx, p)
		if err != nil {
			return Proposal{}, err
		}
		p.Slashed = slashed
	}
	if err := m.commit(ctx, p); err != nil {
		return Proposal{}, err
	}
	m.audit("proposal finalized", p,
		slog.String("circulating", circulating.String()),
		slog.String("quorum", amount.Norm(m.cfg.Quorum).String()))
	return p, nil
}

// settleRejected 退还或罚没被否决提案的押金，返回罚没量。
func (m *Module) settleRejected(ctx context.Context, p Proposal) (amount.Amount, error) {
	escrow := amount.Norm(p.Escrow)
	slash := escrow.MulTruncate(m.cfg.SlashFraction)
	if !escrow.IsPositive() {
		return amount.Zero(), nil
	}
	if slash.IsPositive() {
		burn := slash.MulRoundUp(m.cfg.SlashBurnShare)
		if m.cfg.Facilitator == "" {
			burn = slash
		}
		fee := slash.Sub(burn)
		if burn.IsPositive() {
			if _, err := m.ledger.Burn(ctx, ledger.BurnRequest{
				Kind:      ledger.Governance,
				Account:   EscrowAccount,
				Amount:    burn,
				Reference: "proposal:" + p.ID + ":slash-burn",
			}); err != nil {
				return amount.Zero(), err
			}
		}
		if fee.IsPositive() {
			if _, err := m.ledger.Move(ctx, ledger.MoveRequest{
				Kind:      ledger.Governance,
				From:      EscrowAccount,
				To:        m.cfg.Facilitator,
				Amount:    fee,
				Reference: "proposal:" + p.ID + ":slash-fee",
			}); err != nil {
				return amount.Zero(), err
			}
		}
	}
	rest := escrow.Sub(slash)
	if rest.IsPositive() {
		if _, err := m.ledger.Move(ctx, ledger.MoveRequest{
			Kind:      ledger.Governance,
			From:      EscrowAccount,
			To:        p.Proposer,
			Amount:    rest,
			Reference: "proposal:" + p.ID + ":release",
		}); err != nil {
			return amount.Zero(), err
		}
	}
	return slash, nil
}

func (m *Module) releaseEscrow(ctx context.Context, p Proposal, suffix string) {
	if !amount.Norm(p.Escrow).IsPositive() {
		return
	}
	if _, err := m.ledger.Move(ctx, ledger.MoveRequest{
		Kind:      ledger.Governance,
		From:      EscrowAccount,
		To:        p.Proposer,
		Amount:    p.Escrow,
		Reference: "proposal:" + p.ID + ":" + suffix,
	}); err != nil {
		m.log.Error("failed to release proposal escrow", slog.String("proposal_id", p.ID), slog.Any("error", err))
	}
}

// Execute 在时间锁到期后把载荷交给执行协作方。执行失败或超时可重试，状态保持 Passed。
func (m *Module) Execute(ctx context.Context, id string) (Proposal, error) {
	lock := m.proposalLock(id)
	lock.Lock()
	defer lock.Unlock()

	p, err := m.snapshot(id)
	if err != nil {
		return Proposal{}, err
	}
	if p.Status != StatusPassed {
		return Proposal{}, xerrors.New(CodeProposalNotPassed, "", xerrors.WithParams("proposal_id", id, "status", string(p.StatusAt(m.now()))))
	}
	now := m.now().UTC()
	if now.Before(p.ExecutionTime) {
		return Proposal{}, xerrors.New(CodeTimelockNotExpired, "", xerrors.WithParams(
			"proposal_id", id, "execution_time", p.ExecutionTime.Format(time.RFC3339)))
	}

	if m.applier != nil {
		applyCtx, cancel := context.WithTimeout(ctx, m.cfg.ExecutionTimeout)
		applyErr := m.applier.Apply(applyCtx, p.ID, p.Payload)
		cancel()
		if applyErr != nil {
			code := CodeExecutionFailed
			if stdErrors.Is(applyErr, context.DeadlineExceeded) {
				code = xerrors.CodeTimeout
			}
			p.LastError = applyErr.Error()
			if err := m.commit(ctx, p); err != nil {
				m.log.Error("failed to record execution error", slog.String("proposal_id", id), slog.Any("error", err))
			}
			m.log.Warn("proposal execution failed", slog.String("proposal_id", id), slog.Any("error", applyErr))
			return p, xerrors.Wrap(code, applyErr, "", xerrors.WithParams("proposal_id", id), xerrors.WithRetryable(true))
		}
	}

	p.Status = StatusExecuted
	p.ExecutedAt = now
	p.LastError = ""
	if err := m.commit(ctx, p); err != nil {
		return Proposal{}, err
	}
	m.releaseEscrow(ctx, p, "release")
	m.audit("proposal executed", p)
	return p, nil
}

// Cancel 允许提案人在无人投票时撤回 Pending/Active 提案。
func (m *Module) Cancel(ctx context.Context, id, caller string) (Proposal, error) {
	lock := m.proposalLock(id)
	lock.Lock()
	defer lock.Unlock()

	p, err := m.snapshot(id)
	if err != nil {
		return Proposal{}, err
	}
	if p.Proposer != caller {
		return Proposal{}, xerrors.New(CodeNotProposer, "", xerrors.WithParams("proposal_id", id, "caller", caller))
	}
	now := m.now().UTC()
	if p.Status != StatusPending || now.After(p.VotingEnds) {
		return Proposal{}, xerrors.New(CodeProposalNotActive, "proposal can no longer be cancelled",
			xerrors.WithParams("proposal_id", id, "status", string(p.StatusAt(now))))
	}
	m.mu.Lock()
	voters := len(m.votes[id])
	m.mu.Unlock()
	if voters > 0 || !p.Tally.isZero() {
		return Proposal{}, xerrors.New(CodeProposalHasVotes, "", xerrors.WithParams("proposal_id", id, "voters", strconv.Itoa(voters)))
	}

	p.Status = StatusCancelled
	p.FinalizedAt = now
	if err := m.commit(ctx, p); err != nil {
		return Proposal{}, err
	}
	m.releaseEscrow(ctx, p, "release")
	m.audit("proposal cancelled", p)
	return p, nil
}

// FinalizeDue 结算所有投票已结束的提案，供定时任务调用。
func (m *Module) FinalizeDue(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	due := make([]string, 0)
	for id, p := range m.proposals {
		if p.Status == StatusPending && now.After(p.VotingEnds) {
			due = append(due, id)
		}
	}
	m.mu.Unlock()
	sort.Strings(due)

	var errs []error
	finalized := 0
	for _, id := range due {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if _, err := m.Finalize(ctx, id); err != nil {
			errs = append(errs, err)
			continue
		}
		finalized++
	}
	return finalized, stdErrors.Join(errs...)
}

// Delegate 把 delegator 的投票权委托给 delegate，拒绝自我委托与成环。
func (m *Module) Delegate(ctx context.Context, delegator, delegate string) (Delegation, error) {
	params := []string{"delegator", delegator, "delegate", delegate}
	if delegator == "" || delegate == "" || delegator == delegate {
		return Delegation{}, xerrors.New(CodeInvalidDelegation, "self or empty delegation", xerrors.WithParams(params...))
	}
	if ledger.IsReserved(delegator) || ledger.IsReserved(delegate) {
		return Delegation{}, xerrors.New(ledger.CodeReservedAccount, "", xerrors.WithParams(params...))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[string]bool{delegator: true}
	for cursor := delegate; ; {
		next, ok := m.delegations[cursor]
		if !ok {
			break
		}
		if seen[next.Delegate] {
			return Delegation{}, xerrors.New(CodeInvalidDelegation, "delegation cycle", xerrors.WithParams(params...))
		}
		seen[next.Delegate] = true
		cursor = next.Delegate
	}

	d := Delegation{Delegator: delegator, Delegate: delegate, CreatedAt: m.now().UTC()}
	if m.store != nil {
		if err := m.store.SaveDelegation(ctx, d); err != nil {
			return Delegation{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "persist delegation", xerrors.WithParams(params...))
		}
	}
	m.delegations[delegator] = d
	logger.Audit().Info("delegation set", slog.String("delegator", delegator), slog.String("delegate", delegate))
	return d, nil
}

// Undelegate 撤销委托。
func (m *Module) Undelegate(ctx context.Context, delegator string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.delegations[delegator]; !ok {
		return xerrors.New(CodeInvalidDelegation, "no delegation to remove", xerrors.WithParams("delegator", delegator))
	}
	if m.store != nil {
		if err := m.store.DeleteDelegation(ctx, delegator); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "delete delegation", xerrors.WithParams("delegator", delegator))
		}
	}
	delete(m.delegations, delegator)
	logger.Audit().Info("delegation removed", slog.String("delegator", delegator))
	return nil
}

// DelegateOf 返回账户当前的受托人。
func (m *Module) DelegateOf(delegator string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.delegations[delegator]
	return d.Delegate, ok
}

// Get 返回提案。
func (m *Module) Get(id string) (Proposal, error) {
	return m.snapshot(id)
}

// List 返回提案列表，status 为空时不过滤，按创建时间排序。
func (m *Module) List(status Status) []Proposal {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Proposal, 0, len(m.proposals))
	for _, p := range m.proposals {
		if status == "" || p.StatusAt(now) == status {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Votes 返回提案的全部选票，按投票人排序。
func (m *Module) Votes(id string) []Vote {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Vote, 0, len(m.votes[id]))
	for _, v := range m.votes[id] {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Voter < out[j].Voter })
	return out
}

func (m *Module) audit(msg string, p Proposal, extra ...any) {
	args := []any{
		slog.String("proposal_id", p.ID),
		slog.String("proposer", p.Proposer),
		slog.String("status", string(p.Status)),
		slog.String("for", p.Tally.For.String()),
		slog.String("against", p.Tally.Against.String()),
		slog.String("abstain", p.Tally.Abstain.String()),
	}
	logger.Audit().Info(msg, append(args, extra...)...)
}
