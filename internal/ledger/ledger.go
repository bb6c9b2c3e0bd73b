package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"DualToken-Engine/internal/amount"
	xerrors "DualToken-Engine/internal/errors"
	"DualToken-Engine/pkg/logger"
)

// Journal 是账本的持久化出口。Commit 必须把交易记录与余额行放在同一个事务里写入，
// 写入失败时账本不会修改内存状态。
type Journal interface {
	Commit(ctx context.Context, tx Transaction, balances []BalanceRow) error
	HasTransaction(ctx context.Context, payloadHash common.Hash) (bool, error)
}

// Config 描述账本的经济参数。
type Config struct {
	Caps         map[TokenKind]amount.Amount
	BurnFraction amount.Amount
	// Retention 是内存中保留的交易记录条数，持久化记录不受影响。
	Retention int
	// ReplayWindow 是内存重放检测窗口的大小。
	ReplayWindow int
}

// State 是从持久化层恢复账本所需的数据。
type State struct {
	Balances []BalanceRow
	LastSeq  uint64
	LastHash common.Hash
}

// Supply 汇总某类代币的供应信息。
type Supply struct {
	Kind        TokenKind     `json:"kind"`
	Cap         amount.Amount `json:"cap"`
	Circulating amount.Amount `json:"circulating"`
	Accounts    int           `json:"accounts"`
}

// MintRequest 描述一次铸造。
type MintRequest struct {
	Kind      TokenKind
	Account   string
	Amount    amount.Amount
	Reference string
}

// TransferRequest 描述一次用户转账，会按配置比例销毁。
type TransferRequest struct {
	Kind      TokenKind
	From      string
	To        string
	Amount    amount.Amount
	Reference string
}

// BurnRequest 描述一次直接销毁。
type BurnRequest struct {
	Kind      TokenKind
	Account   string
	Amount    amount.Amount
	Reference string
}

// MoveRequest 描述模块之间不收销毁费的系统划转。
type MoveRequest struct {
	Kind      TokenKind
	From      string
	To        string
	Amount    amount.Amount
	Reference string
}

type book struct {
	mu          sync.RWMutex
	kind        TokenKind
	cap         amount.Amount
	circulating amount.Amount
	balances    map[string]amount.Amount
	volume      map[int64]amount.Amount
}

// Ledger 是两类代币余额的唯一权威来源。每类代币拥有独立的互斥区，
// 同类代币的所有写操作串行执行，读操作看到的是一致快照。
type Ledger struct {
	books map[TokenKind]*book

	chainMu   sync.Mutex
	seq       uint64
	lastHash  common.Hash
	history   []Transaction
	retention int

	seen         *lru.Cache[common.Hash, uint64]
	journal      Journal
	burnFraction amount.Amount
	now          func() time.Time
	onViolation  func(error)
	log          *slog.Logger
}

// Option 定义可选配置。
type Option func(*Ledger)

// WithJournal 配置持久化出口。
func WithJournal(j Journal) Option {
	return func(l *Ledger) { l.journal = j }
}

// WithClock 替换时间来源，主要用于测试。
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// WithViolationHandler 注册不变量被破坏时的回调，守护进程用它触发告警与退出。
func WithViolationHandler(fn func(error)) Option {
	return func(l *Ledger) { l.onViolation = fn }
}

// New 构造账本。两类代币都必须配置正的供应上限。
func New(cfg Config, opts ...Option) (*Ledger, error) {
	burn := amount.Norm(cfg.BurnFraction)
	if burn.IsNegative() || burn.GTE(amount.One()) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "burn fraction must be in [0,1)",
			xerrors.WithParams("burn_fraction", burn.String()))
	}
	window := cfg.ReplayWindow
	if window <= 0 {
		window = 65536
	}
	seen, err := lru.New[common.Hash, uint64](window)
	if err != nil {
		return nil, fmt.Errorf("create replay window: %w", err)
	}
	retention := cfg.Retention
	if retention <= 0 {
		retention = 10000
	}

	l := &Ledger{
		books:        make(map[TokenKind]*book, len(Kinds)),
		retention:    retention,
		seen:         seen,
		burnFraction: burn,
		now:          time.Now,
		log:          logger.Named("ledger"),
	}
	for _, kind := range Kinds {
		capValue, ok := cfg.Caps[kind]
		if !ok || !amount.IsPositive(capValue) {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "supply cap must be positive",
				xerrors.WithParams("kind", string(kind)))
		}
		l.books[kind] = &book{
			kind:        kind,
			cap:         capValue,
			circulating: amount.Zero(),
			balances:    make(map[string]amount.Amount),
			volume:      make(map[int64]amount.Amount),
		}
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l, nil
}

// Restore 用持久化快照重建内存状态，必须在对外服务前调用。
func (l *Ledger) Restore(state State) error {
	staged := make(map[TokenKind]map[string]amount.Amount, len(l.books))
	for _, row := range state.Balances {
		b, ok := l.books[row.Kind]
		if !ok {
			return xerrors.New(xerrors.CodeInvalidArgument, "unknown token kind in snapshot",
				xerrors.WithParams("kind", string(row.Kind), "account", row.Account))
		}
		value := amount.Norm(row.Amount)
		if value.IsNegative() {
			return l.violation(fmt.Sprintf("negative restored balance for %s", row.Account), b.kind)
		}
		if staged[b.kind] == nil {
			staged[b.kind] = make(map[string]amount.Amount)
		}
		staged[b.kind][row.Account] = value
	}

	for kind, b := range l.books {
		total := amount.Zero()
		for _, v := range staged[kind] {
			total = total.Add(v)
		}
		if total.GT(b.cap) {
			return l.violation(fmt.Sprintf("restored supply %s exceeds cap %s", total, b.cap), kind)
		}
		b.mu.Lock()
		b.balances = staged[kind]
		if b.balances == nil {
			b.balances = make(map[string]amount.Amount)
		}
		b.circulating = total
		b.mu.Unlock()
	}

	l.chainMu.Lock()
	l.seq = state.LastSeq
	l.lastHash = state.LastHash
	l.history = nil
	l.chainMu.Unlock()
	return nil
}

// Mint 增发代币，超过上限时返回 SupplyCapExceeded。
func (l *Ledger) Mint(ctx context.Context, req MintRequest) (Transaction, error) {
	return l.apply(ctx, mutation{kind: req.Kind, op: OpMint, to: req.Account, amount: req.Amount, reference: req.Reference})
}

// Transfer 执行用户转账：扣除 amount，按销毁比例向上取整计算销毁量，剩余部分到账。
// 国库池与系统托管账户只能通过 Move 变动。
func (l *Ledger) Transfer(ctx context.Context, req TransferRequest) (Transaction, error) {
	for _, account := range []string{req.From, req.To} {
		if IsReserved(account) {
			return Transaction{}, xerrors.New(CodeReservedAccount, "", xerrors.WithParams("account", account))
		}
	}
	return l.apply(ctx, mutation{kind: req.Kind, op: OpTransfer, from: req.From, to: req.To, amount: req.Amount, reference: req.Reference})
}

// Burn 直接减少账户余额与流通量，用于罚没和曲线卖出。
func (l *Ledger) Burn(ctx context.Context, req BurnRequest) (Transaction, error) {
	return l.apply(ctx, mutation{kind: req.Kind, op: OpBurn, from: req.Account, amount: req.Amount, reference: req.Reference})
}

// Move 在账户间划转且不销毁，供质押、托管、国库和做市模块使用。
func (l *Ledger) Move(ctx context.Context, req MoveRequest) (Transaction, error) {
	return l.apply(ctx, mutation{kind: req.Kind, op: OpMove, from: req.From, to: req.To, amount: req.Amount, reference: req.Reference})
}

type mutation struct {
	kind      TokenKind
	op        Operation
	from      string
	to        string
	amount    amount.Amount
	reference string
}

func (m mutation) params() []string {
	return []string{
		"op", string(m.op),
		"kind", string(m.kind),
		"from", m.from,
		"to", m.to,
		"amount", amount.Norm(m.amount).String(),
		"reference", m.reference,
	}
}

func (l *Ledger) apply(ctx context.Context, m mutation) (Transaction, error) {
	if err := ctx.Err(); err != nil {
		return Transaction{}, err
	}
	b, ok := l.books[m.kind]
	if !ok {
		return Transaction{}, xerrors.New(xerrors.CodeInvalidArgument, "unknown token kind", xerrors.WithParams(m.params()...))
	}
	if !amount.IsPositive(m.amount) {
		return Transaction{}, xerrors.New(CodeInvalidAmount, "", xerrors.WithParams(m.params()...))
	}
	if (m.op != OpMint && m.from == "") || (m.op != OpBurn && m.to == "") {
		return Transaction{}, xerrors.New(xerrors.CodeInvalidArgument, "account is required", xerrors.WithParams(m.params()...))
	}
	if m.reference == "" {
		m.reference = uuid.NewString()
	}
	hash := payloadHash(m.kind, m.op, m.from, m.to, m.amount, m.reference)

	b.mu.Lock()
	defer b.mu.Unlock()

	dup, err := l.isDuplicate(ctx, hash)
	if err != nil {
		return Transaction{}, err
	}
	if dup {
		return Transaction{}, xerrors.New(CodeDuplicateTransaction, "", xerrors.WithParams(append(m.params(), "payload_hash", hash.Hex())...))
	}

	staged := make(map[string]amount.Amount, 2)
	read := func(account string) amount.Amount {
		if v, ok := staged[account]; ok {
			return v
		}
		return amount.Norm(b.balances[account])
	}
	circulating := b.circulating
	burned := amount.Zero()
	delivered := amount.Zero()

	switch m.op {
	case OpMint:
		if circulating.Add(m.amount).GT(b.cap) {
			return Transaction{}, xerrors.New(CodeSupplyCapExceeded, "", xerrors.WithParams(append(m.params(),
				"circulating", circulating.String(), "cap", b.cap.String())...))
		}
		staged[m.to] = read(m.to).Add(m.amount)
		circulating = circulating.Add(m.amount)
		delivered = m.amount
	case OpTransfer, OpMove:
		balance := read(m.from)
		if balance.LT(m.amount) {
			return Transaction{}, xerrors.New(CodeInsufficientBalance, "", xerrors.WithParams(append(m.params(),
				"balance", balance.String())...))
		}
		if m.op == OpTransfer {
			burned = m.amount.MulRoundUp(l.burnFraction)
		}
		delivered = m.amount.Sub(burned)
		staged[m.from] = balance.Sub(m.amount)
		staged[m.to] = read(m.to).Add(delivered)
		circulating = circulating.Sub(burned)
	case OpBurn:
		balance := read(m.from)
		if balance.LT(m.amount) {
			return Transaction{}, xerrors.New(CodeInsufficientBalance, "", xerrors.WithParams(append(m.params(),
				"balance", balance.String())...))
		}
		staged[m.from] = balance.Sub(m.amount)
		circulating = circulating.Sub(m.amount)
		burned = m.amount
	default:
		return Transaction{}, xerrors.New(xerrors.CodeInvalidArgument, "unknown operation", xerrors.WithParams(m.params()...))
	}

	if err := l.checkStaged(b, staged, circulating); err != nil {
		return Transaction{}, err
	}

	rows := make([]BalanceRow, 0, len(staged))
	for account, value := range staged {
		rows = append(rows, BalanceRow{Account: account, Kind: m.kind, Amount: value})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Account < rows[j].Account })

	l.chainMu.Lock()
	tx := Transaction{
		Seq:         l.seq + 1,
		Kind:        m.kind,
		Op:          m.op,
		From:        m.from,
		To:          m.to,
		Amount:      m.amount,
		Burned:      burned,
		Delivered:   delivered,
		Reference:   m.reference,
		PayloadHash: hash,
		PrevHash:    l.lastHash,
		Timestamp:   l.now().UTC(),
	}
	tx.Hash = contentHash(hash, tx.Seq, tx.PrevHash)
	if l.journal != nil {
		if err := l.journal.Commit(ctx, tx, rows); err != nil {
			l.chainMu.Unlock()
			if xerrors.HasCode(err, CodeDuplicateTransaction) {
				return Transaction{}, err
			}
			return Transaction{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "persist transaction", xerrors.WithParams(m.params()...))
		}
	}
	l.seq = tx.Seq
	l.lastHash = tx.Hash
	l.history = append(l.history, tx)
	if len(l.history) > 2*l.retention {
		l.history = append([]Transaction(nil), l.history[len(l.history)-l.retention:]...)
	}
	l.chainMu.Unlock()

	for account, value := range staged {
		b.balances[account] = value
	}
	b.circulating = circulating
	if m.op == OpTransfer {
		day := tx.Timestamp.Unix() / 86400
		b.volume[day] = amount.Norm(b.volume[day]).Add(m.amount)
		for d := range b.volume {
			if day-d > 60 {
				delete(b.volume, d)
			}
		}
	}
	l.seen.Add(hash, tx.Seq)

	logger.Audit().Info("ledger transaction",
		slog.Uint64("seq", tx.Seq),
		slog.String("op", string(tx.Op)),
		slog.String("kind", string(tx.Kind)),
		slog.String("from", tx.From),
		slog.String("to", tx.To),
		slog.String("amount", tx.Amount.String()),
		slog.String("burned", tx.Burned.String()),
		slog.String("reference", tx.Reference),
		slog.String("hash", tx.Hash.Hex()),
	)
	return tx, nil
}

func (l *Ledger) isDuplicate(ctx context.Context, hash common.Hash) (bool, error) {
	if l.seen.Contains(hash) {
		return true, nil
	}
	if l.journal == nil {
		return false, nil
	}
	found, err := l.journal.HasTransaction(ctx, hash)
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "replay lookup", xerrors.WithParams("payload_hash", hash.Hex()))
	}
	return found, nil
}

// checkStaged 在写入前校验暂存结果：余额非负、流通量在 [0, cap] 内、
// 余额变化之和等于流通量变化。
func (l *Ledger) checkStaged(b *book, staged map[string]amount.Amount, circulating amount.Amount) error {
	delta := amount.Zero()
	for account, value := range staged {
		if value.IsNegative() {
			return l.violation(fmt.Sprintf("negative balance %s for %s", value, account), b.kind)
		}
		delta = delta.Add(value.Sub(amount.Norm(b.balances[account])))
	}
	if circulating.IsNegative() || circulating.GT(b.cap) {
		return l.violation(fmt.Sprintf("circulating %s outside [0, %s]", circulating, b.cap), b.kind)
	}
	if !circulating.Sub(b.circulating).Equal(delta) {
		return l.violation(fmt.Sprintf("balance delta %s does not match supply delta %s", delta, circulating.Sub(b.circulating)), b.kind)
	}
	return nil
}

func (l *Ledger) violation(detail string, kind TokenKind) error {
	err := xerrors.New(xerrors.CodeInvariantViolation, detail, xerrors.WithParams("kind", string(kind)))
	l.log.Error("ledger invariant violated", slog.String("kind", string(kind)), slog.String("detail", detail))
	if l.onViolation != nil {
		l.onViolation(err)
	}
	return err
}

// CheckInvariants 全量校验某类代币：流通量等于余额之和且不超过上限。
func (l *Ledger) CheckInvariants(kind TokenKind) error {
	b, ok := l.books[kind]
	if !ok {
		return xerrors.New(xerrors.CodeInvalidArgument, "unknown token kind", xerrors.WithParams("kind", string(kind)))
	}
	b.mu.RLock()
	total := amount.Zero()
	negative := ""
	for account, v := range b.balances {
		if v.IsNegative() {
			negative = account
		}
		total = total.Add(v)
	}
	circulating, capValue := b.circulating, b.cap
	b.mu.RUnlock()

	switch {
	case negative != "":
		return l.violation("negative balance for "+negative, kind)
	case !total.Equal(circulating):
		return l.violation(fmt.Sprintf("sum of balances %s != circulating %s", total, circulating), kind)
	case circulating.GT(capValue):
		return l.violation(fmt.Sprintf("circulating %s exceeds cap %s", circulating, capValue), kind)
	}
	return nil
}

// Balance 返回账户余额，未出现过的账户为零。
func (l *Ledger) Balance(kind TokenKind, account string) amount.Amount {
	b, ok := l.books[kind]
	if !ok {
		return amount.Zero()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return amount.Norm(b.balances[account])
}

// Balances 返回账户在两类代币上的余额。
func (l *Ledger) Balances(account string) map[TokenKind]amount.Amount {
	out := make(map[TokenKind]amount.Amount, len(l.books))
	for kind := range l.books {
		out[kind] = l.Balance(kind, account)
	}
	return out
}

// Supply 返回某类代币的供应信息。
func (l *Ledger) Supply(kind TokenKind) Supply {
	b, ok := l.books[kind]
	if !ok {
		return Supply{Kind: kind, Cap: amount.Zero(), Circulating: amount.Zero()}
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Supply{Kind: kind, Cap: b.cap, Circulating: b.circulating, Accounts: len(b.balances)}
}

// Volume 返回 since 所在自然日（UTC）起的用户转账总量。
func (l *Ledger) Volume(kind TokenKind, since time.Time) amount.Amount {
	b, ok := l.books[kind]
	if !ok {
		return amount.Zero()
	}
	from := since.UTC().Unix() / 86400
	b.mu.RLock()
	defer b.mu.RUnlock()
	total := amount.Zero()
	for day, v := range b.volume {
		if day >= from {
			total = total.Add(v)
		}
	}
	return total
}

// History 返回内存中保留的、时间不早于 since 的记录，按序号升序。
// kind 为空时返回全部类型，limit<=0 表示不限，超出 limit 时保留最新的部分。
func (l *Ledger) History(kind TokenKind, since time.Time, limit int) []Transaction {
	l.chainMu.Lock()
	defer l.chainMu.Unlock()
	out := make([]Transaction, 0, len(l.history))
	for i := len(l.history) - 1; i >= 0; i-- {
		tx := l.history[i]
		if tx.Timestamp.Before(since) {
			break
		}
		if kind != "" && tx.Kind != kind {
			continue
		}
		out = append(out, tx)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Snapshot 导出当前全部余额与链头，形状与 Restore 的输入一致。
func (l *Ledger) Snapshot() State {
	var state State
	for _, kind := range Kinds {
		b := l.books[kind]
		b.mu.RLock()
		for account, value := range b.balances {
			state.Balances = append(state.Balances, BalanceRow{Account: account, Kind: kind, Amount: value})
		}
		b.mu.RUnlock()
	}
	sort.Slice(state.Balances, func(i, j int) bool {
		if state.Balances[i].Kind != state.Balances[j].Kind {
			return state.Balances[i].Kind < state.Balances[j].Kind
		}
		return state.Balances[i].Account < state.Balances[j].Account
	})
	state.LastSeq, state.LastHash = l.Head()
	return state
}

// TrimHistory 把内存记录裁剪到保留窗口，返回被裁掉的条数。
func (l *Ledger) TrimHistory() int {
	l.chainMu.Lock()
	defer l.chainMu.Unlock()
	excess := len(l.history) - l.retention
	if excess <= 0 {
		return 0
	}
	l.history = append([]Transaction(nil), l.history[excess:]...)
	return excess
}

// Head 返回最新的序号与哈希。
func (l *Ledger) Head() (uint64, common.Hash) {
	l.chainMu.Lock()
	defer l.chainMu.Unlock()
	return l.seq, l.lastHash
}

// BurnFraction 返回转账销毁比例。
func (l *Ledger) BurnFraction() amount.Amount { return l.burnFraction }
