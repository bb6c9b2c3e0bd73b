package completion

import (
	"net/http"

	xerrors "DualToken-Engine/internal/errors"
	"DualToken-Engine/internal/rewards"
)

// Status 表示一次上报在结算流程中的状态。
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusSettled Status = "settled"
	StatusFailed  Status = "failed"
)

// Entry 是一次排队结算的完成上报。
type Entry struct {
	ID         string           `json:"id"`
	Report     rewards.Report   `json:"report"`
	Status     Status           `json:"status"`
	Attempts   int              `json:"attempts"`
	MaxRetries int              `json:"max_retries"`
	LastError  string           `json:"last_error,omitempty"`
	ErrorCode  string           `json:"error_code,omitempty"`
	Receipt    *rewards.Receipt `json:"receipt,omitempty"`
	CreatedAt  int64            `json:"created_at"`
	UpdatedAt  int64            `json:"updated_at"`
}

const (
	CodeReportNotFound   xerrors.Code = "REPORT_NOT_FOUND"
	CodeReportConflict   xerrors.Code = "REPORT_CONFLICT"
	CodeReportSettled    xerrors.Code = "REPORT_SETTLED"
	CodeReportExhausted  xerrors.Code = "REPORT_RETRIES_EXHAUSTED"
	CodeReportValidation xerrors.Code = "REPORT_VALIDATION_FAILED"
	CodeReportPublish    xerrors.Code = "REPORT_PUBLISH_FAILED"
	CodeReportProcessing xerrors.Code = "REPORT_PROCESSING_FAILED"
)

var (
	// ErrReportNotFound 表示指定的上报不存在。
	ErrReportNotFound = xerrors.New(CodeReportNotFound, "report not found")
	// ErrReportConflict 表示上报在当前状态下无法进行所请求的操作。
	ErrReportConflict = xerrors.New(CodeReportConflict, "report conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrReportSettled 表示上报已经结算。
	ErrReportSettled = xerrors.New(CodeReportSettled, "report already settled", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrReportExhausted 表示上报的重试次数已经耗尽。
	ErrReportExhausted = xerrors.New(CodeReportExhausted, "report retries exhausted", xerrors.WithSeverity(xerrors.SeverityCritical))
)

func init() {
	xerrors.Register(CodeReportNotFound, xerrors.Attributes{
		Message:    "report not found",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusNotFound,
	})
	xerrors.Register(CodeReportConflict, xerrors.Attributes{
		Message:    "report conflict",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: http.StatusConflict,
	})
	xerrors.Register(CodeReportSettled, xerrors.Attributes{
		Message:    "report already settled",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusConflict,
	})
	xerrors.Register(CodeReportExhausted, xerrors.Attributes{
		Message:  "report retries exhausted",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodeReportValidation, xerrors.Attributes{
		Message:    "report validation failed",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusBadRequest,
	})
	xerrors.Register(CodeReportPublish, xerrors.Attributes{
		Message:    "failed to publish report",
		Severity:   xerrors.SeverityCritical,
		Retryable:  true,
		Alert:      true,
		HTTPStatus: http.StatusServiceUnavailable,
	})
	xerrors.Register(CodeReportProcessing, xerrors.Attributes{
		Message:   "report settlement failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
}

// IsValidStatus 检查状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusRunning, StatusSettled, StatusFailed:
		return true
	default:
		return false
	}
}

func cloneMetrics(metrics map[string]float64) map[string]float64 {
	if metrics == nil {
		return nil
	}
	cloned := make(map[string]float64, len(metrics))
	for key, value := range metrics {
		cloned[key] = value
	}
	return cloned
}

func cloneEntry(e *Entry) *Entry {
	clone := *e
	clone.Report.Metrics = cloneMetrics(e.Report.Metrics)
	if e.Receipt != nil {
		receipt := *e.Receipt
		clone.Receipt = &receipt
	}
	return &clone
}

// Stats 聚合了上报状态的统计信息。
type Stats struct {
	Total           int   `json:"total"`
	Pending         int   `json:"pending"`
	Running         int   `json:"running"`
	Settled         int   `json:"settled"`
	Failed          int   `json:"failed"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}
