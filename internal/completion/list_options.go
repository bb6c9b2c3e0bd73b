package completion

import (
	"slices"
	"strings"
	"time"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// SortOrder 决定列表按更新时间的排序方向。
type SortOrder int

const (
	// SortByUpdatedDesc 最近更新的上报在前，默认值。
	SortByUpdatedDesc SortOrder = iota
	// SortByUpdatedAsc 最早更新的上报在前。
	SortByUpdatedAsc
)

// ListOptions 是查询上报时的过滤与分页条件。时间字段为 Unix 秒，零值表示不限。
type ListOptions struct {
	Limit      int
	Offset     int
	Statuses   []Status
	WorkerID   string
	UpdatedGTE int64
	UpdatedLTE int64
	Order      SortOrder
}

// ListOption 修改查询条件。
type ListOption func(*ListOptions)

// WithLimit 设置单页条数，超出上限时截断。
func WithLimit(limit int) ListOption {
	return func(o *ListOptions) { o.Limit = limit }
}

// WithOffset 跳过前 n 条匹配结果。
func WithOffset(offset int) ListOption {
	return func(o *ListOptions) { o.Offset = offset }
}

// WithStatuses 只返回处于给定状态的上报，未知状态被忽略。
func WithStatuses(statuses ...Status) ListOption {
	return func(o *ListOptions) { o.Statuses = slices.Clone(statuses) }
}

// WithWorker 只返回某个 worker 的上报。
func WithWorker(workerID string) ListOption {
	return func(o *ListOptions) { o.WorkerID = workerID }
}

// WithUpdatedSince 只返回 ts 之后（含）更新过的上报。
func WithUpdatedSince(ts time.Time) ListOption {
	return func(o *ListOptions) { o.UpdatedGTE = unixOrZero(ts) }
}

// WithUpdatedUntil 只返回 ts 之前（含）更新过的上报。
func WithUpdatedUntil(ts time.Time) ListOption {
	return func(o *ListOptions) { o.UpdatedLTE = unixOrZero(ts) }
}

// WithSortOrder 设置排序方向。
func WithSortOrder(order SortOrder) ListOption {
	return func(o *ListOptions) { o.Order = order }
}

// BuildListOptions 依次应用选项并补齐默认值。
func BuildListOptions(opts ...ListOption) ListOptions {
	var out ListOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&out)
		}
	}
	return out.Normalized()
}

// Normalized 返回补齐默认值后的副本，供直接接收原始条件的存储实现使用。
func (opts ListOptions) Normalized() ListOptions {
	switch {
	case opts.Limit <= 0:
		opts.Limit = defaultPageSize
	case opts.Limit > maxPageSize:
		opts.Limit = maxPageSize
	}
	opts.Offset = max(opts.Offset, 0)
	if opts.Order != SortByUpdatedAsc {
		opts.Order = SortByUpdatedDesc
	}
	opts.WorkerID = strings.TrimSpace(opts.WorkerID)

	var statuses []Status
	for _, s := range opts.Statuses {
		if IsValidStatus(s) && !slices.Contains(statuses, s) {
			statuses = append(statuses, s)
		}
	}
	opts.Statuses = statuses
	return opts
}

// Matches 判断上报是否满足过滤条件，不考虑分页。
func (opts ListOptions) Matches(e *Entry) bool {
	switch {
	case len(opts.Statuses) > 0 && !slices.Contains(opts.Statuses, e.Status):
		return false
	case opts.WorkerID != "" && opts.WorkerID != e.Report.WorkerID:
		return false
	case opts.UpdatedGTE > 0 && e.UpdatedAt < opts.UpdatedGTE:
		return false
	case opts.UpdatedLTE > 0 && e.UpdatedAt > opts.UpdatedLTE:
		return false
	}
	return true
}

func unixOrZero(ts time.Time) int64 {
	if ts.IsZero() {
		return 0
	}
	return ts.Unix()
}
