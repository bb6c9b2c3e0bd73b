package market

import (
	"net/http"

	"DualToken-Engine/internal/amount"
	xerrors "DualToken-Engine/internal/errors"
)

const (
	CodeInsufficientCurveSupply xerrors.Code = "INSUFFICIENT_CURVE_SUPPLY"
	CodeInsufficientReserve     xerrors.Code = "INSUFFICIENT_RESERVE"
)

var (
	// ErrInsufficientCurveSupply 表示卖出数量超过曲线已发行量。
	ErrInsufficientCurveSupply = xerrors.New(CodeInsufficientCurveSupply, "insufficient curve supply")
	// ErrInsufficientReserve 表示储备不足以支付卖出所得。
	ErrInsufficientReserve = xerrors.New(CodeInsufficientReserve, "insufficient curve reserve")
)

func init() {
	xerrors.Register(CodeInsufficientCurveSupply, xerrors.Attributes{
		Message:    "insufficient curve supply",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusUnprocessableEntity,
	})
	xerrors.Register(CodeInsufficientReserve, xerrors.Attributes{
		Message:    "insufficient curve reserve",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: http.StatusUnprocessableEntity,
	})
}

func invalidParam(name string, value amount.Amount) error {
	return xerrors.New(xerrors.CodeInvalidArgument, "invalid curve parameter",
		xerrors.WithParams("param", name, "value", amount.Norm(value).String()))
}
