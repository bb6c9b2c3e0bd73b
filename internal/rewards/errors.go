package rewards

import (
	"net/http"

	xerrors "DualToken-Engine/internal/errors"
)

const (
	CodeUnknownMetric   xerrors.Code = "UNKNOWN_METRIC"
	CodeUnknownTaskKind xerrors.Code = "UNKNOWN_TASK_KIND"
)

var (
	// ErrUnknownMetric 表示上报的指标不在配置的维度集合中。
	ErrUnknownMetric = xerrors.New(CodeUnknownMetric, "unknown metric dimension")
	// ErrUnknownTaskKind 表示任务类型没有配置基础奖励。
	ErrUnknownTaskKind = xerrors.New(CodeUnknownTaskKind, "unknown task kind")
)

func init() {
	xerrors.Register(CodeUnknownMetric, xerrors.Attributes{
		Message:    "unknown metric dimension",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusBadRequest,
	})
	xerrors.Register(CodeUnknownTaskKind, xerrors.Attributes{
		Message:    "unknown task kind",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusBadRequest,
	})
}
