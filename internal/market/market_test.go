package market

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"DualToken-Engine/internal/amount"
	"DualToken-Engine/internal/ledger"
)

func testParams() Params {
	return Params{
		InitialPrice: amount.One(),
		Steepness:    amount.MustParse("0.001"),
		ReserveRatio: amount.MustParse("0.5"),
		ExitFee:      amount.MustParse("0.02"),
	}
}

func newTestMarket(t *testing.T, utilityCap int64) (*Market, *ledger.Ledger) {
	t.Helper()
	l, err := ledger.New(ledger.Config{
		Caps: map[ledger.TokenKind]amount.Amount{
			ledger.Utility:    amount.FromInt(utilityCap),
			ledger.Governance: amount.FromInt(1000),
		},
		BurnFraction: amount.MustParse("0.01"),
	})
	require.NoError(t, err)
	_, err = l.Mint(context.Background(), ledger.MintRequest{Kind: ledger.Utility, Account: "buyer", Amount: amount.FromInt(1000)})
	require.NoError(t, err)
	m, err := New(l, testParams())
	require.NoError(t, err)
	return m, l
}

func TestPriceStrictlyIncreasing(t *testing.T) {
	p := testParams()
	prev := p.Price(amount.Zero())
	require.True(t, prev.Equal(amount.One()))
	for _, s := range []string{"0.5", "1", "10", "250", "1000", "123456.789"} {
		next := p.Price(amount.MustParse(s))
		require.True(t, next.GT(prev), "price(%s)=%s not above %s", s, next, prev)
		prev = next
	}
}

func TestParamsValidation(t *testing.T) {
	bad := testParams()
	bad.ReserveRatio = amount.Zero()
	require.Error(t, bad.Validate())

	bad = testParams()
	bad.ExitFee = amount.One()
	require.Error(t, bad.Validate())

	require.NoError(t, testParams().Validate())
}

func TestBuyIssuesIntegralQuantity(t *testing.T) {
	m, l := newTestMarket(t, 1_000_000)
	ctx := context.Background()

	trade, err := m.Buy(ctx, "buyer", amount.FromInt(100), "b1")
	require.NoError(t, err)

	// (1+k*q)^3 = 1 + 100*k*3/p0 with k=0.001 and exponent 1/r = 2.
	want := (math.Cbrt(1.3) - 1) * 1000
	require.InDelta(t, want, amount.Float(trade.Tokens), 1e-6)
	require.True(t, m.c.cost(0, amount.Float(trade.Tokens)) <= 100)

	state := m.State()
	require.True(t, state.Supply.Equal(trade.Tokens))
	require.True(t, state.Reserve.Equal(amount.FromInt(100)))
	require.True(t, l.Balance(ledger.Utility, ReserveAccount).Equal(state.Reserve))
	require.True(t, l.Balance(ledger.Utility, "buyer").Equal(amount.FromInt(900).Add(trade.Tokens)))
}

func TestBuyThenSellLosesValue(t *testing.T) {
	m, l := newTestMarket(t, 1_000_000)
	ctx := context.Background()

	bought, err := m.Buy(ctx, "buyer", amount.FromInt(100), "")
	require.NoError(t, err)
	sold, err := m.Sell(ctx, "buyer", bought.Tokens, "")
	require.NoError(t, err)

	require.True(t, sold.Value.LT(amount.FromInt(100)), "payout %s", sold.Value)
	require.InDelta(t, 98.0, amount.Float(sold.Value), 1e-6)
	require.True(t, sold.Fee.IsPositive())

	state := m.State()
	require.True(t, state.Supply.IsZero())
	require.True(t, state.Reserve.Equal(amount.FromInt(100).Sub(sold.Value)))
	require.True(t, l.Balance(ledger.Utility, ReserveAccount).Equal(state.Reserve))
	require.NoError(t, l.CheckInvariants(ledger.Utility))
}

func TestSellRejectsExcessTokens(t *testing.T) {
	m, _ := newTestMarket(t, 1_000_000)
	ctx := context.Background()
	bought, err := m.Buy(ctx, "buyer", amount.FromInt(10), "")
	require.NoError(t, err)

	_, err = m.Sell(ctx, "buyer", bought.Tokens.Add(amount.One()), "")
	require.True(t, errors.Is(err, ErrInsufficientCurveSupply), "got %v", err)

	_, err = m.Sell(ctx, "buyer", amount.Zero(), "")
	require.True(t, errors.Is(err, ledger.ErrInvalidAmount))
	_, err = m.Buy(ctx, "buyer", amount.MustParse("-1"), "")
	require.True(t, errors.Is(err, ledger.ErrInvalidAmount))
}

func TestSellRejectsWhenReserveShort(t *testing.T) {
	m, _ := newTestMarket(t, 1_000_000)
	m.Restore(CurveState{Supply: amount.FromInt(100), Reserve: amount.One()})

	_, err := m.Sell(context.Background(), "buyer", amount.FromInt(100), "")
	require.True(t, errors.Is(err, ErrInsufficientReserve), "got %v", err)
}

func TestBuyRefundsWhenMintHitsCap(t *testing.T) {
	m, l := newTestMarket(t, 1000)

	_, err := m.Buy(context.Background(), "buyer", amount.FromInt(100), "capped")
	require.True(t, errors.Is(err, ledger.ErrSupplyCapExceeded), "got %v", err)
	require.True(t, l.Balance(ledger.Utility, "buyer").Equal(amount.FromInt(1000)))
	require.True(t, l.Balance(ledger.Utility, ReserveAccount).IsZero())
	require.True(t, m.State().Supply.IsZero())
}

func TestQuoteMatchesBuy(t *testing.T) {
	m, _ := newTestMarket(t, 1_000_000)
	quoted, err := m.Quote(amount.FromInt(50))
	require.NoError(t, err)
	trade, err := m.Buy(context.Background(), "buyer", amount.FromInt(50), "")
	require.NoError(t, err)
	require.True(t, quoted.Equal(trade.Tokens))

	payout, fee, err := m.QuoteSell(trade.Tokens)
	require.NoError(t, err)
	require.True(t, payout.Add(fee).LTE(amount.FromInt(50)))
}
