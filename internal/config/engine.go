package config

import (
	"errors"
	"fmt"
	"sort"

	"DualToken-Engine/internal/amount"
	"DualToken-Engine/internal/governance"
	"DualToken-Engine/internal/ledger"
	"DualToken-Engine/internal/market"
	"DualToken-Engine/internal/rewards"
	"DualToken-Engine/internal/scheduler"
	"DualToken-Engine/internal/treasury"
)

// Engine 是解析后的领域模块配置。
type Engine struct {
	Ledger     ledger.Config
	APY        amount.Amount
	Market     market.Params
	Governance governance.Config
	Rewards    rewards.Config
	Treasury   treasury.Config
	Schedule   scheduler.Specs
}

// decimals 收集解析错误并带上字段路径。
type decimals struct {
	errs []error
}

func (d *decimals) parse(field, value string) amount.Amount {
	v, err := amount.Parse(value)
	if err != nil {
		d.errs = append(d.errs, fmt.Errorf("%s: %w", field, err))
		return amount.Zero()
	}
	return v
}

func (d *decimals) parseMap(field string, values map[string]string) map[string]amount.Amount {
	out := make(map[string]amount.Amount, len(values))
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out[k] = d.parse(field+"."+k, values[k])
	}
	return out
}

// Engine 把十进制字符串解析为各模块的配置结构。
func (c *Config) Engine() (Engine, error) {
	var d decimals
	out := Engine{
		Ledger: ledger.Config{
			Caps: map[ledger.TokenKind]amount.Amount{
				ledger.Utility:    d.parse("ledger.utility_cap", c.Ledger.UtilityCap),
				ledger.Governance: d.parse("ledger.governance_cap", c.Ledger.GovernanceCap),
			},
			BurnFraction: d.parse("ledger.burn_fraction", c.Ledger.BurnFraction),
			Retention:    c.Ledger.Retention,
			ReplayWindow: c.Ledger.ReplayWindow,
		},
		APY: d.parse("staking.apy", c.Staking.APY),
		Market: market.Params{
			InitialPrice: d.parse("market.initial_price", c.Market.InitialPrice),
			Steepness:    d.parse("market.steepness", c.Market.Steepness),
			ReserveRatio: d.parse("market.reserve_ratio", c.Market.ReserveRatio),
			ExitFee:      d.parse("market.exit_fee", c.Market.ExitFee),
		},
	}

	g := c.Governance
	out.Governance = governance.Config{
		MinProposalStake: d.parse("governance.min_proposal_stake", g.MinProposalStake),
		Quorum:           d.parse("governance.quorum", g.Quorum),
		ConvictionGrowth: d.parse("governance.conviction_growth", g.ConvictionGrowth),
		MaxConviction:    d.parse("governance.max_conviction", g.MaxConviction),
		EntryDelay:       g.EntryDelay,
		VotingPeriod:     g.VotingPeriod,
		ExecutionDelay:   g.ExecutionDelay,
		ExecutionTimeout: g.ExecutionTimeout,
		SlashFraction:    d.parse("governance.slash_fraction", g.SlashFraction),
		SlashBurnShare:   d.parse("governance.slash_burn_share", g.SlashBurnShare),
		Facilitator:      g.Facilitator,
	}

	r := c.Rewards
	out.Rewards = rewards.Config{
		Weights:               d.parseMap("rewards.weights", r.Weights),
		BaseRewards:           d.parseMap("rewards.base_rewards", r.BaseRewards),
		ContributionThreshold: d.parse("rewards.contribution_threshold", r.ContributionThreshold),
		PayoutCap:             d.parse("rewards.payout_cap", r.PayoutCap),
		GovernanceMinScore:    d.parse("rewards.governance_min_score", r.GovernanceMinScore),
		GovernanceMinAverage:  d.parse("rewards.governance_min_average", r.GovernanceMinAverage),
		GovernanceMinRecords:  r.GovernanceMinRecords,
		GovernanceBaseline:    d.parse("rewards.governance_baseline", r.GovernanceBaseline),
		GovernanceScale:       d.parse("rewards.governance_scale", r.GovernanceScale),
		GovernanceCeiling:     d.parse("rewards.governance_ceiling", r.GovernanceCeiling),
		HistoryLimit:          r.HistoryLimit,
	}
	for i, tier := range r.Tiers {
		field := fmt.Sprintf("rewards.tiers[%d]", i)
		out.Rewards.Tiers = append(out.Rewards.Tiers, rewards.Tier{
			Label:          tier.Label,
			MinAchievement: d.parse(field+".min_achievement", tier.MinAchievement),
			Multiplier:     d.parse(field+".multiplier", tier.Multiplier),
		})
	}
	if r.FloorMultiplier != "" {
		floor := rewards.DefaultFloorTier
		floor.Multiplier = d.parse("rewards.floor_multiplier", r.FloorMultiplier)
		out.Rewards.FloorTier = floor
	}

	v := c.Treasury.Velocity
	out.Treasury.Velocity = treasury.VelocityConfig{
		Window:   v.Window,
		Low:      d.parse("treasury.velocity.low", v.Low),
		High:     d.parse("treasury.velocity.high", v.High),
		Step:     d.parse("treasury.velocity.step", v.Step),
		MaxStep:  d.parse("treasury.velocity.max_step", v.MaxStep),
		MinDaily: d.parse("treasury.velocity.min_daily", v.MinDaily),
		MaxDaily: d.parse("treasury.velocity.max_daily", v.MaxDaily),
	}
	for i, p := range c.Treasury.Pools {
		out.Treasury.Pools = append(out.Treasury.Pools, treasury.PoolConfig{
			Name:        p.Name,
			DailyAmount: d.parse(fmt.Sprintf("treasury.pools[%d].daily_amount", i), p.DailyAmount),
		})
	}

	s := c.Schedule
	out.Schedule = scheduler.Specs{
		Velocity:   cronSpec(s.Velocity),
		Replenish:  cronSpec(s.Replenish),
		Finalize:   cronSpec(s.Finalize),
		Release:    cronSpec(s.Release),
		Trim:       cronSpec(s.Trim),
		Invariants: cronSpec(s.Invariants),
	}

	if err := errors.Join(d.errs...); err != nil {
		return Engine{}, err
	}
	return out, nil
}

func cronSpec(spec string) string {
	if spec == "-" {
		return ""
	}
	return spec
}
