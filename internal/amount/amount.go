// Package amount 封装 cosmossdk.io/math 的 18 位定点小数，
// 引擎中所有金额共用同一精度与取整工具。
package amount

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	sdkmath "cosmossdk.io/math"
)

// Precision 是 Amount 携带的小数位数。
const Precision = sdkmath.LegacyPrecision

// Amount 是带 Precision 位小数的定点数。
type Amount = sdkmath.LegacyDec

// Zero 返回零。
func Zero() Amount { return sdkmath.LegacyZeroDec() }

// One 返回 1。
func One() Amount { return sdkmath.LegacyOneDec() }

// FromInt 转换整数。
func FromInt(v int64) Amount { return sdkmath.LegacyNewDec(v) }

// WithPrec 返回 v * 10^-prec，例如 WithPrec(8, 2) == 0.08。
func WithPrec(v, prec int64) Amount { return sdkmath.LegacyNewDecWithPrec(v, prec) }

// Parse 解析 "1000"、"0.025" 这样的十进制字符串。
func Parse(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Amount{}, fmt.Errorf("empty decimal")
	}
	d, err := sdkmath.LegacyNewDecFromStr(s)
	if err != nil {
		return Amount{}, fmt.Errorf("parse decimal %q: %w", s, err)
	}
	return d, nil
}

// MustParse 用于常量与测试，解析失败时 panic。
func MustParse(s string) Amount {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Norm 把零值（内部 big.Int 为 nil）转成显式的零，结果可以安全调用方法。
func Norm(a Amount) Amount {
	if a.IsNil() {
		return Zero()
	}
	return a
}

// IsPositive 判断 a 已赋值且严格大于零。
func IsPositive(a Amount) bool {
	return !a.IsNil() && a.IsPositive()
}

// FloorFloat 把 float64 截断到 Precision 位小数。非有限值与负数返回零。
func FloorFloat(f float64) Amount {
	if math.IsNaN(f) || math.IsInf(f, 0) || f <= 0 {
		return Zero()
	}
	s := strconv.FormatFloat(f, 'f', Precision+4, 64)
	if dot := strings.IndexByte(s, '.'); dot >= 0 && len(s) > dot+1+Precision {
		s = s[:dot+1+Precision]
	}
	d, err := sdkmath.LegacyNewDecFromStr(s)
	if err != nil {
		return Zero()
	}
	return d
}

// FromFloat 按最短十进制形式转换有符号 float64，外部上报的 0.85 之类的值保持原样。
func FromFloat(f float64) (Amount, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Amount{}, fmt.Errorf("non-finite value %v", f)
	}
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if dot := strings.IndexByte(s, '.'); dot >= 0 && len(s) > dot+1+Precision {
		s = s[:dot+1+Precision]
	}
	return sdkmath.LegacyNewDecFromStr(s)
}

// Float 返回近似的 float64，用于超越函数计算与展示。
func Float(a Amount) float64 {
	if a.IsNil() {
		return 0
	}
	f, err := a.Float64()
	if err != nil {
		return 0
	}
	return f
}

// Min 返回 a 与 b 中较小者。
func Min(a, b Amount) Amount { return sdkmath.LegacyMinDec(a, b) }

// Max 返回 a 与 b 中较大者。
func Max(a, b Amount) Amount { return sdkmath.LegacyMaxDec(a, b) }

// Clamp 把 a 限制在 [lo, hi]。
func Clamp(a, lo, hi Amount) Amount { return Min(Max(a, lo), hi) }

// CompoundGrowth 返回 (1+rate)^(days/365)，先求每日开方再求幂，长周期下中间值不会过大。
func CompoundGrowth(rate Amount, days uint64) (Amount, error) {
	base := One().Add(Norm(rate))
	if days == 0 || Norm(rate).IsZero() {
		return One(), nil
	}
	daily, err := base.ApproxRoot(365)
	if err != nil {
		return Amount{}, fmt.Errorf("daily growth root: %w", err)
	}
	return daily.Power(days), nil
}
