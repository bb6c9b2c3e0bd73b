package rewards

import (
	"sort"

	"DualToken-Engine/internal/amount"
)

// Tier 把 KPI 完成率映射为企业奖励倍数。
type Tier struct {
	Label          string        `json:"label" yaml:"label"`
	MinAchievement amount.Amount `json:"min_achievement" yaml:"min_achievement"`
	Multiplier     amount.Amount `json:"multiplier" yaml:"multiplier"`
}

// DefaultTiers 是默认的阶梯表：达成 100% 以上 1.5 倍，80% 以上 1.2 倍，60% 以上 1.0 倍。
var DefaultTiers = []Tier{
	{Label: "exceeded", MinAchievement: amount.One(), Multiplier: amount.MustParse("1.5")},
	{Label: "strong", MinAchievement: amount.MustParse("0.8"), Multiplier: amount.MustParse("1.2")},
	{Label: "on_track", MinAchievement: amount.MustParse("0.6"), Multiplier: amount.One()},
}

// DefaultFloorTier 用于低于全部阶梯的完成率。
var DefaultFloorTier = Tier{Label: "behind", MinAchievement: amount.Zero(), Multiplier: amount.MustParse("0.8")}

// mapTier 返回完成率命中的第一个阶梯，tiers 需按门槛从高到低排列。
func mapTier(tiers []Tier, floor Tier, achievement amount.Amount) Tier {
	for _, t := range tiers {
		if achievement.GTE(t.MinAchievement) {
			return t
		}
	}
	return floor
}

func sortTiers(tiers []Tier) []Tier {
	sorted := append([]Tier(nil), tiers...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].MinAchievement.GT(sorted[j].MinAchievement)
	})
	return sorted
}
