package rewards

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"DualToken-Engine/internal/amount"
	xerrors "DualToken-Engine/internal/errors"
	"DualToken-Engine/internal/ledger"
	"DualToken-Engine/pkg/logger"
)

// settledWindow 是记住已完成发放的幂等键数量。
const settledWindow = 65536

// DailyPool 是功能型代币奖励的支付来源。
var DailyPool = ledger.PoolAccount(ledger.PoolDailyRewards)

// Config 描述奖励计算参数。
type Config struct {
	// Weights 是指标维度及其权重，上报中出现其他维度会被拒绝。
	Weights map[string]amount.Amount
	// BaseRewards 是每种任务类型的基础功能型代币奖励。
	BaseRewards map[string]amount.Amount
	Tiers       []Tier
	FloorTier   Tier
	// ContributionThreshold 是应用企业倍数所需的最低贡献分。
	ContributionThreshold amount.Amount
	// PayoutCap 是单笔奖励占奖励池余额的上限比例。
	PayoutCap amount.Amount

	GovernanceMinScore   amount.Amount
	GovernanceMinAverage amount.Amount
	GovernanceMinRecords int
	GovernanceBaseline   amount.Amount
	GovernanceScale      amount.Amount
	GovernanceCeiling    amount.Amount

	HistoryLimit int
}

// Ledger 是奖励引擎依赖的账本能力。
type Ledger interface {
	Balance(kind ledger.TokenKind, account string) amount.Amount
	Move(ctx context.Context, req ledger.MoveRequest) (ledger.Transaction, error)
	Mint(ctx context.Context, req ledger.MintRequest) (ledger.Transaction, error)
	Burn(ctx context.Context, req ledger.BurnRequest) (ledger.Transaction, error)
}

// Report 是编排器上报的一次任务完成。
type Report struct {
	ReportID        string             `json:"report_id"`
	WorkerID        string             `json:"worker_id"`
	TaskKind        string             `json:"task_kind"`
	Metrics         map[string]float64 `json:"metrics"`
	AttributedShare float64            `json:"attributed_share,omitempty"`
}

// Receipt 是一次上报的奖励结果。
type Receipt struct {
	ReportID         string        `json:"report_id"`
	WorkerID         string        `json:"worker_id"`
	TaskKind         string        `json:"task_kind"`
	PerformanceScore amount.Amount `json:"performance_score"`
	UtilityAmount    amount.Amount `json:"utility_amount"`
	GovernanceAmount amount.Amount `json:"governance_amount"`
	Multiplier       amount.Amount `json:"multiplier"`
	IssuedAt         time.Time     `json:"issued_at"`
}

// Record 是 worker 的一条绩效记录。
type Record struct {
	Timestamp        time.Time                `json:"timestamp"`
	Metrics          map[string]amount.Amount `json:"metrics"`
	Score            amount.Amount            `json:"score"`
	UtilityReward    amount.Amount            `json:"utility_reward"`
	GovernanceReward amount.Amount            `json:"governance_reward"`
}

// KPISnapshot 是外部上报的企业级 KPI。
type KPISnapshot struct {
	Revenue amount.Amount `json:"revenue"`
	Target  amount.Amount `json:"target"`
}

// Achievement 返回完成率 Revenue/Target，目标未设置时为零。
func (k KPISnapshot) Achievement() amount.Amount {
	if !amount.IsPositive(k.Target) {
		return amount.Zero()
	}
	return amount.Norm(k.Revenue).Quo(k.Target)
}

// Engine 根据绩效指标计算并发放奖励。
type Engine struct {
	cfg    Config
	ledger Ledger
	now    func() time.Time
	log    *slog.Logger

	mu        sync.Mutex
	kpi       KPISnapshot
	history   map[string][]Record
	inflight  map[string]*settlement
	completed *lru.Cache[string, struct{}]
}

// Option 定义可选配置。
type Option func(*Engine)

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// New 构造奖励引擎。
func New(cfg Config, l Ledger, opts ...Option) (*Engine, error) {
	if len(cfg.Weights) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "at least one metric weight is required")
	}
	if len(cfg.BaseRewards) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "at least one task base reward is required")
	}
	if len(cfg.Tiers) == 0 {
		cfg.Tiers = DefaultTiers
		cfg.FloorTier = DefaultFloorTier
	}
	if cfg.FloorTier.Multiplier.IsNil() {
		cfg.FloorTier = DefaultFloorTier
	}
	cfg.Tiers = sortTiers(cfg.Tiers)
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 100
	}
	if cfg.GovernanceMinRecords <= 0 {
		cfg.GovernanceMinRecords = 5
	}
	cfg.PayoutCap = amount.Norm(cfg.PayoutCap)
	cfg.ContributionThreshold = amount.Norm(cfg.ContributionThreshold)
	cfg.GovernanceMinScore = amount.Norm(cfg.GovernanceMinScore)
	cfg.GovernanceMinAverage = amount.Norm(cfg.GovernanceMinAverage)
	cfg.GovernanceBaseline = amount.Norm(cfg.GovernanceBaseline)
	cfg.GovernanceScale = amount.Norm(cfg.GovernanceScale)
	cfg.GovernanceCeiling = amount.Norm(cfg.GovernanceCeiling)

	completed, err := lru.New[string, struct{}](settledWindow)
	if err != nil {
		return nil, fmt.Errorf("create settlement window: %w", err)
	}
	e := &Engine{
		cfg:       cfg,
		ledger:    l,
		now:       time.Now,
		log:       logger.Named("rewards"),
		kpi:       KPISnapshot{Revenue: amount.Zero(), Target: amount.Zero()},
		history:   make(map[string][]Record),
		inflight:  make(map[string]*settlement),
		completed: completed,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e, nil
}

// Score 计算加权指标分，结果截断到 [0,1]。未配置的维度返回 UnknownMetric。
func (e *Engine) Score(metrics map[string]amount.Amount) (amount.Amount, error) {
	names := make([]string, 0, len(metrics))
	for name := range metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	total := amount.Zero()
	for _, name := range names {
		weight, ok := e.cfg.Weights[name]
		if !ok {
			return amount.Zero(), xerrors.New(CodeUnknownMetric, "", xerrors.WithParams("metric", name))
		}
		total = total.Add(amount.Norm(metrics[name]).MulTruncate(weight))
	}
	return amount.Clamp(total, amount.Zero(), amount.One()), nil
}

// ParseMetrics 把上报的浮点指标转换为定点数。
func ParseMetrics(raw map[string]float64) (map[string]amount.Amount, error) {
	out := make(map[string]amount.Amount, len(raw))
	for name, value := range raw {
		v, err := amount.FromFloat(value)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid metric value", xerrors.WithParams("metric", name))
		}
		out[name] = v
	}
	return out, nil
}

// UtilityQuote 是功能型代币奖励的计算明细。
type UtilityQuote struct {
	Base         amount.Amount
	Contribution amount.Amount
	Tier         Tier
	Multiplier   amount.Amount
	Cap          amount.Amount
	Amount       amount.Amount
}

// UtilityReward 计算 base(taskKind)*score，贡献分达到门槛时乘以企业阶梯倍数，
// 最后不超过奖励池余额的 PayoutCap 比例。
func (e *Engine) UtilityReward(taskKind string, score, attributedShare amount.Amount) (UtilityQuote, error) {
	e.mu.Lock()
	kpi := e.kpi
	e.mu.Unlock()
	return e.utilityReward(taskKind, score, attributedShare, kpi)
}

func (e *Engine) utilityReward(taskKind string, score, share amount.Amount, kpi KPISnapshot) (UtilityQuote, error) {
	base, ok := e.cfg.BaseRewards[taskKind]
	if !ok {
		return UtilityQuote{}, xerrors.New(CodeUnknownTaskKind, "", xerrors.WithParams("task_kind", taskKind))
	}
	q := UtilityQuote{Base: base.MulTruncate(score), Multiplier: amount.One()}
	achievement := kpi.Achievement()
	q.Contribution = achievement.MulTruncate(amount.Norm(share)).MulTruncate(score)
	q.Amount = q.Base
	if q.Contribution.IsPositive() && q.Contribution.GTE(e.cfg.ContributionThreshold) {
		q.Tier = mapTier(e.cfg.Tiers, e.cfg.FloorTier, achievement)
		q.Multiplier = q.Tier.Multiplier
		q.Amount = q.Base.MulTruncate(q.Multiplier)
	}
	q.Cap = e.ledger.Balance(ledger.Utility, DailyPool).MulTruncate(e.cfg.PayoutCap)
	q.Amount = amount.Min(q.Amount, q.Cap)
	return q, nil
}

// GovernanceReward 只在本次得分达到门槛且此前至少 GovernanceMinRecords 条记录的
// 平均分达到要求时发放 (score-baseline)*scale，不超过上限。
func (e *Engine) GovernanceReward(worker string, score amount.Amount) amount.Amount {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.governanceReward(worker, score)
}

func (e *Engine) governanceReward(worker string, score amount.Amount) amount.Amount {
	if score.LT(e.cfg.GovernanceMinScore) {
		return amount.Zero()
	}
	records := e.history[worker]
	n := e.cfg.GovernanceMinRecords
	if len(records) < n {
		return amount.Zero()
	}
	sum := amount.Zero()
	for _, r := range records[len(records)-n:] {
		sum = sum.Add(r.Score)
	}
	if sum.QuoInt64(int64(n)).LT(e.cfg.GovernanceMinAverage) {
		return amount.Zero()
	}
	reward := score.Sub(e.cfg.GovernanceBaseline).MulTruncate(e.cfg.GovernanceScale)
	if !reward.IsPositive() {
		return amount.Zero()
	}
	return amount.Min(reward, e.cfg.GovernanceCeiling)
}

// Payout 是一次待发放的奖励及其绩效依据。
type Payout struct {
	Worker     string
	Utility    amount.Amount
	Governance amount.Amount
	Score      amount.Amount
	Metrics    map[string]amount.Amount
	// Reference 是幂等键，为空时生成随机值。
	Reference string
}

// settlement 记录同一幂等键下已落账的分项。重试沿用首次计算的金额，
// 使各分项的账本引用与载荷哈希保持不变。
type settlement struct {
	utility        amount.Amount
	governance     amount.Amount
	utilityDone    bool
	governanceDone bool
	// attempt 在回滚后递增，回滚过的引用不再复用。
	attempt int
}

func (s *settlement) reference(base, leg string) string {
	if s.attempt == 0 {
		return base + ":" + leg
	}
	return base + ":" + strconv.Itoa(s.attempt) + ":" + leg
}

// Distribute 发放治理与功能型代币奖励并追加绩效记录。
func (e *Engine) Distribute(ctx context.Context, p Payout) error {
	worker := strings.TrimSpace(p.Worker)
	if worker == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "worker id is required", xerrors.WithParams("reference", p.Reference))
	}
	if ledger.IsReserved(worker) {
		return xerrors.New(ledger.CodeReservedAccount, "", xerrors.WithParams("worker", worker))
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	utility, governance, err := e.distribute(ctx, worker, p.Utility, p.Governance, p.Reference)
	if err != nil {
		return err
	}
	e.appendRecord(worker, Record{
		Timestamp:        e.now().UTC(),
		Metrics:          p.Metrics,
		Score:            amount.Norm(p.Score),
		UtilityReward:    utility,
		GovernanceReward: governance,
	})
	return nil
}

// distribute 必须在持有 e.mu 时调用。先铸造治理奖励，再从每日奖励池划转功能型代币。
// 单个分项返回 DuplicateTransaction 视为此前已落账；存储故障或超时保留已完成的分项，
// 其他失败回滚治理奖励。返回实际发放的两类金额。
func (e *Engine) distribute(ctx context.Context, worker string, utility, governance amount.Amount, reference string) (amount.Amount, amount.Amount, error) {
	utility, governance = amount.Norm(utility), amount.Norm(governance)
	params := []string{"worker", worker, "utility", utility.String(), "governance", governance.String(), "pool", DailyPool}
	if utility.IsNegative() || governance.IsNegative() {
		return utility, governance, xerrors.New(ledger.CodeInvalidAmount, "", xerrors.WithParams(params...))
	}
	if reference == "" {
		reference = uuid.NewString()
	}
	if e.completed.Contains(reference) {
		return utility, governance, xerrors.New(ledger.CodeDuplicateTransaction, "reward already settled", xerrors.WithParams(append(params, "reference", reference)...))
	}

	s, ok := e.inflight[reference]
	if !ok {
		s = &settlement{}
	}
	if !s.utilityDone && !s.governanceDone {
		s.utility, s.governance = utility, governance
	}
	utility, governance = s.utility, s.governance
	params = append(params, "reference", reference)

	fail := func(err error) (amount.Amount, amount.Amount, error) {
		if transient(err) {
			e.inflight[reference] = s
			return utility, governance, err
		}
		e.revertGovernance(ctx, worker, s, reference)
		if s.attempt > 0 || s.governanceDone {
			e.inflight[reference] = s
		} else {
			delete(e.inflight, reference)
		}
		return utility, governance, err
	}

	if !s.utilityDone && e.ledger.Balance(ledger.Utility, DailyPool).LT(utility) {
		return fail(xerrors.New(ledger.CodeInsufficientPool, "", xerrors.WithParams(params...)))
	}
	if governance.IsPositive() && !s.governanceDone {
		_, err := e.ledger.Mint(ctx, ledger.MintRequest{
			Kind:      ledger.Governance,
			Account:   worker,
			Amount:    governance,
			Reference: s.reference(reference, "governance"),
		})
		if err != nil && !xerrors.HasCode(err, ledger.CodeDuplicateTransaction) {
			return fail(err)
		}
		s.governanceDone = true
	}
	if utility.IsPositive() && !s.utilityDone {
		_, err := e.ledger.Move(ctx, ledger.MoveRequest{
			Kind:      ledger.Utility,
			From:      DailyPool,
			To:        worker,
			Amount:    utility,
			Reference: s.reference(reference, "utility"),
		})
		if err != nil && !xerrors.HasCode(err, ledger.CodeDuplicateTransaction) {
			if xerrors.HasCode(err, ledger.CodeInsufficientBalance) {
				err = xerrors.Wrap(ledger.CodeInsufficientPool, err, "", xerrors.WithParams(params...))
			}
			return fail(err)
		}
		s.utilityDone = true
	}
	delete(e.inflight, reference)
	e.completed.Add(reference, struct{}{})
	return utility, governance, nil
}

func transient(err error) bool {
	return xerrors.HasCode(err, xerrors.CodeStorageFailure) ||
		xerrors.HasCode(err, xerrors.CodeTimeout) ||
		stdErrors.Is(err, context.DeadlineExceeded) ||
		stdErrors.Is(err, context.Canceled)
}

// revertGovernance 销毁已铸造的治理奖励，之后的尝试改用新的引用。
func (e *Engine) revertGovernance(ctx context.Context, worker string, s *settlement, reference string) {
	if !s.governanceDone {
		return
	}
	if _, err := e.ledger.Burn(ctx, ledger.BurnRequest{
		Kind:      ledger.Governance,
		Account:   worker,
		Amount:    s.governance,
		Reference: s.reference(reference, "governance-revert"),
	}); err != nil {
		e.log.Error("failed to revert governance reward",
			slog.String("worker", worker),
			slog.String("reference", reference),
			slog.Any("error", err),
		)
		return
	}
	s.governanceDone = false
	s.attempt++
}

// ReportCompletion 是编排器的入口：计算分数与两类奖励、发放并记录绩效。
func (e *Engine) ReportCompletion(ctx context.Context, report Report) (Receipt, error) {
	worker := strings.TrimSpace(report.WorkerID)
	if worker == "" {
		return Receipt{}, xerrors.New(xerrors.CodeInvalidArgument, "worker id is required", xerrors.WithParams("report_id", report.ReportID))
	}
	if ledger.IsReserved(worker) {
		return Receipt{}, xerrors.New(ledger.CodeReservedAccount, "", xerrors.WithParams("worker", worker))
	}
	if report.ReportID == "" {
		report.ReportID = uuid.NewString()
	}
	metrics, err := ParseMetrics(report.Metrics)
	if err != nil {
		return Receipt{}, err
	}
	score, err := e.Score(metrics)
	if err != nil {
		return Receipt{}, err
	}
	share, err := amount.FromFloat(report.AttributedShare)
	if err != nil {
		return Receipt{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid attributed share", xerrors.WithParams("report_id", report.ReportID))
	}
	share = amount.Clamp(share, amount.Zero(), amount.One())

	e.mu.Lock()
	defer e.mu.Unlock()

	quote, err := e.utilityReward(report.TaskKind, score, share, e.kpi)
	if err != nil {
		return Receipt{}, err
	}
	utility, governance, err := e.distribute(ctx, worker, quote.Amount, e.governanceReward(worker, score), "report:"+report.ReportID)
	if err != nil {
		return Receipt{}, err
	}

	now := e.now().UTC()
	e.appendRecord(worker, Record{
		Timestamp:        now,
		Metrics:          metrics,
		Score:            score,
		UtilityReward:    utility,
		GovernanceReward: governance,
	})
	receipt := Receipt{
		ReportID:         report.ReportID,
		WorkerID:         worker,
		TaskKind:         report.TaskKind,
		PerformanceScore: score,
		UtilityAmount:    utility,
		GovernanceAmount: governance,
		Multiplier:       quote.Multiplier,
		IssuedAt:         now,
	}
	logger.Audit().Info("reward issued",
		slog.String("report_id", receipt.ReportID),
		slog.String("worker", worker),
		slog.String("task_kind", report.TaskKind),
		slog.String("score", score.String()),
		slog.String("utility", utility.String()),
		slog.String("governance", governance.String()),
		slog.String("multiplier", quote.Multiplier.String()),
	)
	return receipt, nil
}

// appendRecord 必须在持有 e.mu 时调用。
func (e *Engine) appendRecord(worker string, r Record) {
	records := append(e.history[worker], r)
	if len(records) > e.cfg.HistoryLimit {
		records = append([]Record(nil), records[len(records)-e.cfg.HistoryLimit:]...)
	}
	e.history[worker] = records
}

// SetKPI 更新外部上报的企业 KPI。
func (e *Engine) SetKPI(kpi KPISnapshot) error {
	if kpi.Revenue.IsNil() || kpi.Target.IsNil() || kpi.Revenue.IsNegative() || kpi.Target.IsNegative() {
		return xerrors.New(xerrors.CodeInvalidArgument, "kpi revenue and target must be non-negative")
	}
	e.mu.Lock()
	e.kpi = kpi
	e.mu.Unlock()
	logger.Audit().Info("kpi updated", slog.String("revenue", kpi.Revenue.String()), slog.String("target", kpi.Target.String()))
	return nil
}

// KPI 返回当前 KPI。
func (e *Engine) KPI() KPISnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.kpi
}

// Records 返回 worker 的绩效记录副本，按时间顺序。
func (e *Engine) Records(worker string) []Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Record(nil), e.history[worker]...)
}
