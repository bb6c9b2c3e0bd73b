package staking

import (
	"net/http"

	xerrors "DualToken-Engine/internal/errors"
)

const (
	CodeInvalidLockPeriod xerrors.Code = "INVALID_LOCK_PERIOD"
	CodeStillLocked       xerrors.Code = "STILL_LOCKED"
	CodePositionNotFound  xerrors.Code = "POSITION_NOT_FOUND"
)

var (
	// ErrInvalidLockPeriod 表示锁定期必须为正。
	ErrInvalidLockPeriod = xerrors.New(CodeInvalidLockPeriod, "lock period must be positive")
	// ErrStillLocked 表示仓位尚未到期。
	ErrStillLocked = xerrors.New(CodeStillLocked, "position is still locked")
	// ErrPositionNotFound 表示仓位不存在或已解除。
	ErrPositionNotFound = xerrors.New(CodePositionNotFound, "position not found")
)

func init() {
	xerrors.Register(CodeInvalidLockPeriod, xerrors.Attributes{
		Message:    "lock period must be positive",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusBadRequest,
	})
	xerrors.Register(CodeStillLocked, xerrors.Attributes{
		Message:    "position is still locked",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusConflict,
	})
	xerrors.Register(CodePositionNotFound, xerrors.Attributes{
		Message:    "position not found",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusNotFound,
	})
}
