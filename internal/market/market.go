package market

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"DualToken-Engine/internal/amount"
	xerrors "DualToken-Engine/internal/errors"
	"DualToken-Engine/internal/ledger"
	"DualToken-Engine/pkg/logger"
)

// ReserveAccount 持有曲线的功能型代币储备。
var ReserveAccount = ledger.SystemAccount("curve_reserve")

// Ledger 是做市模块依赖的账本能力。
type Ledger interface {
	Mint(ctx context.Context, req ledger.MintRequest) (ledger.Transaction, error)
	Burn(ctx context.Context, req ledger.BurnRequest) (ledger.Transaction, error)
	Move(ctx context.Context, req ledger.MoveRequest) (ledger.Transaction, error)
}

// Store 持久化曲线状态。
type Store interface {
	SaveCurve(ctx context.Context, state CurveState) error
}

// CurveState 是曲线的可变部分：曲线下的发行量与储备余额。
type CurveState struct {
	Supply  amount.Amount `json:"supply"`
	Reserve amount.Amount `json:"reserve"`
}

// State 是对外展示的曲线快照。
type State struct {
	Params
	CurveState
	Price amount.Amount `json:"price"`
}

// Trade 描述一次成交。
type Trade struct {
	Account   string        `json:"account"`
	Tokens    amount.Amount `json:"tokens"`
	Value     amount.Amount `json:"value"`
	Fee       amount.Amount `json:"fee"`
	Price     amount.Amount `json:"price_after"`
	Reference string        `json:"reference"`
}

// Market 是以功能型代币计价的联合曲线做市商。买入时买方支付的代币进入储备，
// 曲线新铸造等值代币；卖出时代币被销毁，储备按曲线积分扣除退出费后支付。
type Market struct {
	ledger Ledger
	store  Store
	params Params
	c      curve
	log    *slog.Logger

	mu    sync.Mutex
	state CurveState
}

// Option 定义可选配置。
type Option func(*Market)

// WithStore 配置曲线状态持久化。
func WithStore(store Store) Option {
	return func(m *Market) { m.store = store }
}

// New 构造做市商。
func New(l Ledger, params Params, opts ...Option) (*Market, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	m := &Market{
		ledger: l,
		params: params,
		c:      params.curve(),
		log:    logger.Named("market"),
		state:  CurveState{Supply: amount.Zero(), Reserve: amount.Zero()},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m, nil
}

// Restore 载入持久化的曲线状态。
func (m *Market) Restore(state CurveState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = CurveState{Supply: amount.Norm(state.Supply), Reserve: amount.Norm(state.Reserve)}
}

// State 返回当前曲线快照。
func (m *Market) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return State{Params: m.params, CurveState: m.state, Price: m.params.Price(m.state.Supply)}
}

// Quote 返回以 payment 买入可获得的代币数量，不修改状态。
func (m *Market) Quote(payment amount.Amount) (amount.Amount, error) {
	if !amount.IsPositive(payment) {
		return amount.Zero(), xerrors.New(ledger.CodeInvalidAmount, "", xerrors.WithParams("payment", amount.Norm(payment).String()))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.c.buyQuantity(m.state.Supply, payment), nil
}

// QuoteSell 返回卖出 tokens 的预计所得与手续费，不修改状态。
func (m *Market) QuoteSell(tokens amount.Amount) (payout, fee amount.Amount, err error) {
	if !amount.IsPositive(tokens) {
		return amount.Zero(), amount.Zero(), xerrors.New(ledger.CodeInvalidAmount, "", xerrors.WithParams("tokens", amount.Norm(tokens).String()))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sellQuote(tokens)
}

func (m *Market) sellQuote(tokens amount.Amount) (amount.Amount, amount.Amount, error) {
	params := []string{"tokens", tokens.String(), "curve_supply", m.state.Supply.String()}
	if tokens.GT(m.state.Supply) {
		return amount.Zero(), amount.Zero(), xerrors.New(CodeInsufficientCurveSupply, "", xerrors.WithParams(params...))
	}
	gross := amount.FloorFloat(m.c.sellValue(m.state.Supply, tokens))
	fee := gross.MulRoundUp(m.params.ExitFee)
	payout := gross.Sub(fee)
	if payout.GT(m.state.Reserve) {
		return amount.Zero(), amount.Zero(), xerrors.New(CodeInsufficientReserve, "", xerrors.WithParams(append(params,
			"payout", payout.String(), "reserve", m.state.Reserve.String())...))
	}
	return payout, fee, nil
}

// Buy 以 payment 功能型代币向曲线买入新发行的代币。
func (m *Market) Buy(ctx context.Context, buyer string, payment amount.Amount, reference string) (Trade, error) {
	params := []string{"buyer", buyer, "payment", amount.Norm(payment).String()}
	if !amount.IsPositive(payment) {
		return Trade{}, xerrors.New(ledger.CodeInvalidAmount, "", xerrors.WithParams(params...))
	}
	if ledger.IsReserved(buyer) {
		return Trade{}, xerrors.New(ledger.CodeReservedAccount, "", xerrors.WithParams(params...))
	}
	if reference == "" {
		reference = uuid.NewString()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	tokens := m.c.buyQuantity(m.state.Supply, payment)
	if !tokens.IsPositive() {
		return Trade{}, xerrors.New(ledger.CodeInvalidAmount, "payment too small to issue tokens", xerrors.WithParams(params...))
	}
	if _, err := m.ledger.Move(ctx, ledger.MoveRequest{
		Kind:      ledger.Utility,
		From:      buyer,
		To:        ReserveAccount,
		Amount:    payment,
		Reference: "buy:" + reference + ":payment",
	}); err != nil {
		return Trade{}, err
	}
	if _, err := m.ledger.Mint(ctx, ledger.MintRequest{
		Kind:      ledger.Utility,
		Account:   buyer,
		Amount:    tokens,
		Reference: "buy:" + reference + ":mint",
	}); err != nil {
		if _, refundErr := m.ledger.Move(ctx, ledger.MoveRequest{
			Kind:      ledger.Utility,
			From:      ReserveAccount,
			To:        buyer,
			Amount:    payment,
			Reference: "buy:" + reference + ":refund",
		}); refundErr != nil {
			m.log.Error("failed to refund buy payment", slog.String("reference", reference), slog.Any("error", refundErr))
		}
		return Trade{}, err
	}

	m.state.Supply = m.state.Supply.Add(tokens)
	m.state.Reserve = m.state.Reserve.Add(payment)
	m.persist(ctx)

	trade := Trade{
		Account:   buyer,
		Tokens:    tokens,
		Value:     payment,
		Fee:       amount.Zero(),
		Price:     m.params.Price(m.state.Supply),
		Reference: reference,
	}
	logger.Audit().Info("curve buy",
		slog.String("buyer", buyer),
		slog.String("payment", payment.String()),
		slog.String("tokens", tokens.String()),
		slog.String("reference", reference),
	)
	return trade, nil
}

// Sell 把 tokens 卖回曲线：销毁代币并从储备支付扣除退出费后的所得。
func (m *Market) Sell(ctx context.Context, seller string, tokens amount.Amount, reference string) (Trade, error) {
	params := []string{"seller", seller, "tokens", amount.Norm(tokens).String()}
	if !amount.IsPositive(tokens) {
		return Trade{}, xerrors.New(ledger.CodeInvalidAmount, "", xerrors.WithParams(params...))
	}
	if ledger.IsReserved(seller) {
		return Trade{}, xerrors.New(ledger.CodeReservedAccount, "", xerrors.WithParams(params...))
	}
	if reference == "" {
		reference = uuid.NewString()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	payout, fee, err := m.sellQuote(tokens)
	if err != nil {
		return Trade{}, err
	}
	if _, err := m.ledger.Burn(ctx, ledger.BurnRequest{
		Kind:      ledger.Utility,
		Account:   seller,
		Amount:    tokens,
		Reference: "sell:" + reference + ":burn",
	}); err != nil {
		return Trade{}, err
	}
	if payout.IsPositive() {
		if _, err := m.ledger.Move(ctx, ledger.MoveRequest{
			Kind:      ledger.Utility,
			From:      ReserveAccount,
			To:        seller,
			Amount:    payout,
			Reference: "sell:" + reference + ":payout",
		}); err != nil {
			if _, mintErr := m.ledger.Mint(ctx, ledger.MintRequest{
				Kind:      ledger.Utility,
				Account:   seller,
				Amount:    tokens,
				Reference: "sell:" + reference + ":restore",
			}); mintErr != nil {
				m.log.Error("failed to restore burned tokens", slog.String("reference", reference), slog.Any("error", mintErr))
			}
			return Trade{}, err
		}
	}

	m.state.Supply = m.state.Supply.Sub(tokens)
	m.state.Reserve = m.state.Reserve.Sub(payout)
	m.persist(ctx)

	trade := Trade{
		Account:   seller,
		Tokens:    tokens,
		Value:     payout,
		Fee:       fee,
		Price:     m.params.Price(m.state.Supply),
		Reference: reference,
	}
	logger.Audit().Info("curve sell",
		slog.String("seller", seller),
		slog.String("tokens", tokens.String()),
		slog.String("payout", payout.String()),
		slog.String("fee", fee.String()),
		slog.String("reference", reference),
	)
	return trade, nil
}

func (m *Market) persist(ctx context.Context) {
	if m.store == nil {
		return
	}
	if err := m.store.SaveCurve(ctx, m.state); err != nil {
		m.log.Error("failed to persist curve state", slog.Any("error", err))
	}
}
