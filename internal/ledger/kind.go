package ledger

import (
	"fmt"
	"strings"
)

// TokenKind 区分两类代币，每类拥有独立的供应上限、流通量和余额表。
type TokenKind string

const (
	// Utility 是可支付、可质押的功能型代币。
	Utility TokenKind = "utility"
	// Governance 是赋予提案投票权的治理代币。
	Governance TokenKind = "governance"
)

// Kinds 列出所有受支持的代币类型。
var Kinds = []TokenKind{Utility, Governance}

// ParseKind 解析代币类型名称，大小写不敏感。
func ParseKind(raw string) (TokenKind, error) {
	switch TokenKind(strings.ToLower(strings.TrimSpace(raw))) {
	case Utility:
		return Utility, nil
	case Governance:
		return Governance, nil
	default:
		return "", fmt.Errorf("unknown token kind %q", raw)
	}
}

// 系统账户前缀。系统账户同样计入流通量，只是不允许外部直接转出。
const (
	poolPrefix   = "pool:"
	systemPrefix = "system:"
)

// PoolAccount 返回国库子池对应的账户名。
func PoolAccount(name string) string { return poolPrefix + name }

// SystemAccount 返回模块托管账户名，例如质押锁仓或提案押金。
func SystemAccount(name string) string { return systemPrefix + name }

// IsReserved 判断账户是否为国库池或系统托管账户。
func IsReserved(account string) bool {
	return strings.HasPrefix(account, poolPrefix) || strings.HasPrefix(account, systemPrefix)
}

// 国库子池名称。
const (
	PoolDailyRewards   = "daily_rewards"
	PoolStakingRewards = "staking_rewards"
	PoolEcosystem      = "ecosystem"
)
