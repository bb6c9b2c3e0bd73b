package ledger

import (
	"net/http"

	xerrors "DualToken-Engine/internal/errors"
)

const (
	CodeInvalidAmount        xerrors.Code = "INVALID_AMOUNT"
	CodeInsufficientBalance  xerrors.Code = "INSUFFICIENT_BALANCE"
	CodeSupplyCapExceeded    xerrors.Code = "SUPPLY_CAP_EXCEEDED"
	CodeDuplicateTransaction xerrors.Code = "DUPLICATE_TRANSACTION"
	CodeReservedAccount      xerrors.Code = "RESERVED_ACCOUNT"
	CodeInsufficientPool     xerrors.Code = "INSUFFICIENT_POOL"
)

var (
	// ErrInvalidAmount 表示金额非正或无法解析。
	ErrInvalidAmount = xerrors.New(CodeInvalidAmount, "amount must be positive")
	// ErrInsufficientBalance 表示扣款账户余额不足。
	ErrInsufficientBalance = xerrors.New(CodeInsufficientBalance, "insufficient balance")
	// ErrSupplyCapExceeded 表示铸造会突破该代币的总量上限。
	ErrSupplyCapExceeded = xerrors.New(CodeSupplyCapExceeded, "supply cap exceeded")
	// ErrDuplicateTransaction 表示相同内容哈希的请求已被处理。
	ErrDuplicateTransaction = xerrors.New(CodeDuplicateTransaction, "duplicate transaction")
	// ErrInsufficientPool 表示国库子池余额不足以支付奖励。
	ErrInsufficientPool = xerrors.New(CodeInsufficientPool, "insufficient pool balance")
	// ErrInvariantViolation 表示账本不变量被破坏，操作已中止。
	ErrInvariantViolation = xerrors.New(xerrors.CodeInvariantViolation, "ledger invariant violated")
)

func init() {
	xerrors.Register(CodeInvalidAmount, xerrors.Attributes{
		Message:    "amount must be positive",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusBadRequest,
	})
	xerrors.Register(CodeInsufficientBalance, xerrors.Attributes{
		Message:    "insufficient balance",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusUnprocessableEntity,
	})
	xerrors.Register(CodeSupplyCapExceeded, xerrors.Attributes{
		Message:    "supply cap exceeded",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: http.StatusUnprocessableEntity,
	})
	xerrors.Register(CodeDuplicateTransaction, xerrors.Attributes{
		Message:    "duplicate transaction",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusConflict,
	})
	xerrors.Register(CodeInsufficientPool, xerrors.Attributes{
		Message:    "insufficient pool balance",
		Severity:   xerrors.SeverityWarning,
		Retryable:  true,
		HTTPStatus: http.StatusUnprocessableEntity,
	})
	xerrors.Register(CodeReservedAccount, xerrors.Attributes{
		Message:    "reserved account cannot be used directly",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusForbidden,
	})
}
