package treasury

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"DualToken-Engine/internal/amount"
	"DualToken-Engine/internal/ledger"
)

var testNow = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

func newTestLedger(t *testing.T, utilityCap int64) *ledger.Ledger {
	t.Helper()
	l, err := ledger.New(ledger.Config{
		Caps: map[ledger.TokenKind]amount.Amount{
			ledger.Utility:    amount.FromInt(utilityCap),
			ledger.Governance: amount.FromInt(1000),
		},
	}, ledger.WithClock(func() time.Time { return testNow }))
	require.NoError(t, err)
	return l
}

func testPools() []PoolConfig {
	return []PoolConfig{
		{Name: ledger.PoolDailyRewards, DailyAmount: amount.FromInt(100)},
		{Name: ledger.PoolStakingRewards, DailyAmount: amount.FromInt(50)},
		{Name: ledger.PoolEcosystem, DailyAmount: amount.FromInt(20)},
	}
}

func TestReplenishSkipsPoolAtSupplyCap(t *testing.T) {
	l := newTestLedger(t, 160)
	c, err := New(Config{Pools: testPools()}, l, WithClock(func() time.Time { return testNow }))
	require.NoError(t, err)

	pools, err := c.Replenish(context.Background())
	require.NoError(t, err)
	require.Len(t, pools, 3)
	require.True(t, pools[0].Minted.Equal(amount.FromInt(100)))
	require.True(t, pools[1].Minted.Equal(amount.FromInt(50)))
	require.True(t, pools[2].Minted.IsZero())
	require.Equal(t, "supply cap reached", pools[2].Skipped)
	require.True(t, l.Supply(ledger.Utility).Circulating.Equal(amount.FromInt(150)))

	// 已满的子池不会再次铸造。
	pools, err = c.Replenish(context.Background())
	require.NoError(t, err)
	require.True(t, pools[0].Minted.IsZero())
	require.True(t, l.Supply(ledger.Utility).Circulating.Equal(amount.FromInt(150)))
}

func TestReplenishTopsUpSpentPoolNextDay(t *testing.T) {
	l := newTestLedger(t, 1000)
	now := testNow
	c, err := New(Config{Pools: testPools()}, l, WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	ctx := context.Background()

	_, err = c.Replenish(ctx)
	require.NoError(t, err)
	_, err = l.Move(ctx, ledger.MoveRequest{
		Kind:   ledger.Utility,
		From:   ledger.PoolAccount(ledger.PoolDailyRewards),
		To:     "worker",
		Amount: amount.FromInt(30),
	})
	require.NoError(t, err)

	now = now.Add(24 * time.Hour)
	pools, err := c.Replenish(ctx)
	require.NoError(t, err)
	require.True(t, pools[0].Minted.Equal(amount.FromInt(30)))
	require.True(t, l.Balance(ledger.Utility, ledger.PoolAccount(ledger.PoolDailyRewards)).Equal(amount.FromInt(100)))
}

func TestReplenishOncePerDay(t *testing.T) {
	l := newTestLedger(t, 10_000)
	now := testNow
	c, err := New(Config{Pools: []PoolConfig{{Name: ledger.PoolDailyRewards, DailyAmount: amount.FromInt(1000)}}}, l,
		WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	ctx := context.Background()
	pool := ledger.PoolAccount(ledger.PoolDailyRewards)

	pools, err := c.Replenish(ctx)
	require.NoError(t, err)
	require.True(t, pools[0].Minted.Equal(amount.FromInt(1000)))
	_, err = l.Move(ctx, ledger.MoveRequest{Kind: ledger.Utility, From: pool, To: "worker", Amount: amount.FromInt(600)})
	require.NoError(t, err)

	now = now.Add(time.Hour)
	pools, err = c.Replenish(ctx)
	require.NoError(t, err)
	require.True(t, pools[0].Minted.IsZero())
	require.Equal(t, "already replenished today", pools[0].Skipped)
	require.True(t, l.Balance(ledger.Utility, pool).Equal(amount.FromInt(400)))
	require.True(t, l.Supply(ledger.Utility).Circulating.Equal(amount.FromInt(1000)))
}

func TestVelocity(t *testing.T) {
	l := newTestLedger(t, 10_000)
	c, err := New(Config{Pools: testPools()}, l)
	require.NoError(t, err)
	require.True(t, c.Velocity(testNow).IsZero(), "no circulating supply")

	ctx := context.Background()
	_, err = l.Mint(ctx, ledger.MintRequest{Kind: ledger.Utility, Account: "alice", Amount: amount.FromInt(1000)})
	require.NoError(t, err)
	_, err = l.Transfer(ctx, ledger.TransferRequest{Kind: ledger.Utility, From: "alice", To: "bob", Amount: amount.FromInt(500)})
	require.NoError(t, err)

	require.Equal(t, "0.500000000000000000", c.Velocity(testNow).String())
}

func TestAdjustForVelocityBoundedAndClamped(t *testing.T) {
	l := newTestLedger(t, 100_000)
	ctx := context.Background()
	_, err := l.Mint(ctx, ledger.MintRequest{Kind: ledger.Utility, Account: "alice", Amount: amount.FromInt(1000)})
	require.NoError(t, err)

	cfg := Config{
		Pools: []PoolConfig{{Name: ledger.PoolDailyRewards, DailyAmount: amount.FromInt(1000)}},
		Velocity: VelocityConfig{
			Low:      amount.One(),
			High:     amount.FromInt(3),
			Step:     amount.MustParse("0.2"),
			MaxStep:  amount.MustParse("0.1"),
			MinDaily: amount.FromInt(900),
			MaxDaily: amount.FromInt(1050),
		},
	}
	c, err := New(cfg, l)
	require.NoError(t, err)

	// 速度为零：额度上调 min(20%,10%)，再被上限截断。
	adj, err := c.AdjustForVelocity(ctx, testNow)
	require.NoError(t, err)
	require.True(t, adj.Previous.Equal(amount.FromInt(1000)))
	require.True(t, adj.Current.Equal(amount.FromInt(1050)), "got %s", adj.Current)

	for i := 0; i < 4; i++ {
		_, err = l.Transfer(ctx, ledger.TransferRequest{Kind: ledger.Utility, From: "alice", To: "bob", Amount: amount.FromInt(500)})
		require.NoError(t, err)
		_, err = l.Transfer(ctx, ledger.TransferRequest{Kind: ledger.Utility, From: "bob", To: "alice", Amount: amount.FromInt(500)})
		require.NoError(t, err)
	}
	// 成交量 4000，流通 1000：速度 4 高于上限，下调 105 后不低于下限。
	adj, err = c.AdjustForVelocity(ctx, testNow)
	require.NoError(t, err)
	require.Equal(t, "4.000000000000000000", adj.Velocity.String())
	require.True(t, adj.Current.Equal(amount.FromInt(945)), "got %s", adj.Current)

	adj, err = c.AdjustForVelocity(ctx, testNow)
	require.NoError(t, err)
	require.True(t, adj.Current.Equal(amount.FromInt(900)), "got %s", adj.Current)

	pools := c.Pools()
	require.Len(t, pools, 1)
	require.True(t, pools[0].DailyAmount.Equal(amount.FromInt(900)))
}

func TestAdjustOutsideWindowIgnoresOldVolume(t *testing.T) {
	l := newTestLedger(t, 100_000)
	ctx := context.Background()
	_, err := l.Mint(ctx, ledger.MintRequest{Kind: ledger.Utility, Account: "alice", Amount: amount.FromInt(100)})
	require.NoError(t, err)
	_, err = l.Transfer(ctx, ledger.TransferRequest{Kind: ledger.Utility, From: "alice", To: "bob", Amount: amount.FromInt(100)})
	require.NoError(t, err)

	c, err := New(Config{Pools: testPools()}, l)
	require.NoError(t, err)
	require.True(t, c.Velocity(testNow).Equal(amount.One()))
	require.True(t, c.Velocity(testNow.Add(45*24*time.Hour)).IsZero())
}

func TestNewValidation(t *testing.T) {
	l := newTestLedger(t, 100)
	_, err := New(Config{}, l)
	require.Error(t, err)
	_, err = New(Config{Pools: []PoolConfig{{Name: "a"}, {Name: "a"}}}, l)
	require.Error(t, err)
	_, err = New(Config{Pools: testPools(), Velocity: VelocityConfig{Low: amount.FromInt(2), High: amount.One()}}, l)
	require.Error(t, err)

	c, err := New(Config{Pools: []PoolConfig{{Name: ledger.PoolEcosystem}}}, l)
	require.NoError(t, err)
	_, err = c.AdjustForVelocity(context.Background(), testNow)
	require.Error(t, err)
}
