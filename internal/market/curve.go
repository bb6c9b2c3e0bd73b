package market

import (
	"math"

	"DualToken-Engine/internal/amount"
)

// Params 描述联合曲线 price(s) = p0 * (1 + k*s)^(1/r)。
type Params struct {
	InitialPrice amount.Amount `json:"initial_price" yaml:"initial_price"`
	Steepness    amount.Amount `json:"steepness" yaml:"steepness"`
	ReserveRatio amount.Amount `json:"reserve_ratio" yaml:"reserve_ratio"`
	ExitFee      amount.Amount `json:"exit_fee" yaml:"exit_fee"`
}

// Validate 检查曲线参数：p0、k、r 为正，退出费在 [0,1)。
func (p Params) Validate() error {
	switch {
	case !amount.IsPositive(p.InitialPrice):
		return invalidParam("initial_price", p.InitialPrice)
	case !amount.IsPositive(p.Steepness):
		return invalidParam("steepness", p.Steepness)
	case !amount.IsPositive(p.ReserveRatio):
		return invalidParam("reserve_ratio", p.ReserveRatio)
	case p.ExitFee.IsNil() || p.ExitFee.IsNegative() || p.ExitFee.GTE(amount.One()):
		return invalidParam("exit_fee", p.ExitFee)
	}
	return nil
}

type curve struct {
	p0, k, e float64
}

func (p Params) curve() curve {
	return curve{
		p0: amount.Float(p.InitialPrice),
		k:  amount.Float(p.Steepness),
		e:  1 / amount.Float(p.ReserveRatio),
	}
}

// Price 返回给定曲线供应量处的边际价格。
func (p Params) Price(supply amount.Amount) amount.Amount {
	return amount.FloorFloat(p.curve().price(amount.Float(supply)))
}

func (c curve) price(s float64) float64 {
	return c.p0 * math.Pow(1+c.k*s, c.e)
}

// cost 是价格曲线在 [a, b] 上的积分：
// p0/(k(e+1)) * ((1+kb)^(e+1) - (1+ka)^(e+1))，用 expm1/log1p 保持小区间的精度。
func (c curve) cost(a, b float64) float64 {
	if b <= a {
		return 0
	}
	n := c.e + 1
	lower := math.Pow(1+c.k*a, n)
	diff := math.Expm1(n * (math.Log1p(c.k*b) - math.Log1p(c.k*a)))
	return c.p0 / (c.k * n) * lower * diff
}

// tokensFor 解出使 cost(s, s+q) == payment 的 q。
func (c curve) tokensFor(s, payment float64) float64 {
	if payment <= 0 {
		return 0
	}
	n := c.e + 1
	base := 1 + c.k*s
	x := payment * c.k * n / (c.p0 * math.Pow(base, n))
	return base / c.k * math.Expm1(math.Log1p(x)/n)
}

const refineSteps = 16

// buyQuantity 返回定点数表示的可购买量，保证 cost(s, s+q) 不超过 payment。
func (c curve) buyQuantity(supply, payment amount.Amount) amount.Amount {
	s := amount.Float(supply)
	limit := amount.Float(payment)
	q := c.tokensFor(s, limit)
	for i := 0; i < refineSteps && q > 0; i++ {
		if c.cost(s, s+q) <= limit {
			break
		}
		q *= 1 - math.Ldexp(1e-12, i)
	}
	return amount.FloorFloat(q)
}

// sellValue 返回卖出 tokens 的曲线积分，尚未扣除退出费。
func (c curve) sellValue(supply, tokens amount.Amount) float64 {
	s := amount.Float(supply)
	return c.cost(math.Max(0, s-amount.Float(tokens)), s)
}
