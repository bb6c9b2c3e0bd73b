package completion

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	xerrors "DualToken-Engine/internal/errors"
	"DualToken-Engine/internal/rewards"
)

// MemoryStore 以内存方式保存上报状态，进程退出后丢失。
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	now     func() time.Time
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*Entry),
		now:     time.Now,
	}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, entry *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "entry is required")
	}
	if entry.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "entry id is required")
	}
	if _, ok := m.entries[entry.ID]; ok {
		return ErrReportConflict
	}
	now := m.now().Unix()
	if entry.CreatedAt == 0 {
		entry.CreatedAt = now
	}
	entry.UpdatedAt = now
	m.entries[entry.ID] = cloneEntry(entry)
	return nil
}

// Get 返回上报。
func (m *MemoryStore) Get(_ context.Context, id string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.entries[id]
	if !ok {
		return nil, ErrReportNotFound
	}
	return cloneEntry(entry), nil
}

// Claim 将上报状态更新为结算中。
func (m *MemoryStore) Claim(_ context.Context, id string) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[id]
	if !ok {
		return nil, ErrReportNotFound
	}
	switch entry.Status {
	case StatusSettled:
		return cloneEntry(entry), ErrReportSettled
	case StatusRunning:
		return cloneEntry(entry), ErrReportConflict
	}
	if entry.Attempts >= entry.MaxRetries {
		return cloneEntry(entry), ErrReportExhausted
	}
	entry.Status = StatusRunning
	entry.Attempts++
	entry.LastError = ""
	entry.ErrorCode = ""
	entry.UpdatedAt = m.now().Unix()
	return cloneEntry(entry), nil
}

// MarkSettled 记录结算回执。
func (m *MemoryStore) MarkSettled(_ context.Context, id string, receipt rewards.Receipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[id]
	if !ok {
		return ErrReportNotFound
	}
	entry.Status = StatusSettled
	entry.Receipt = &receipt
	entry.LastError = ""
	entry.ErrorCode = ""
	entry.UpdatedAt = m.now().Unix()
	return nil
}

// MarkFailed 标记上报失败。非终态失败回到 pending 等待重投。
func (m *MemoryStore) MarkFailed(_ context.Context, id string, code xerrors.Code, lastError string, terminal bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[id]
	if !ok {
		return ErrReportNotFound
	}
	entry.Status = StatusPending
	if terminal {
		entry.Status = StatusFailed
	}
	entry.LastError = lastError
	entry.ErrorCode = string(code)
	entry.UpdatedAt = m.now().Unix()
	return nil
}

// List 返回符合条件的上报。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts = opts.Normalized()
	results := make([]*Entry, 0, len(m.entries))
	for _, entry := range m.entries {
		if opts.Matches(entry) {
			results = append(results, cloneEntry(entry))
		}
	}

	slices.SortFunc(results, func(a, b *Entry) int {
		c := cmp.Or(
			cmp.Compare(a.UpdatedAt, b.UpdatedAt),
			cmp.Compare(a.CreatedAt, b.CreatedAt),
		)
		if opts.Order == SortByUpdatedDesc {
			c = -c
		}
		return cmp.Or(c, strings.Compare(a.ID, b.ID))
	})

	if opts.Offset >= len(results) {
		return []*Entry{}, nil
	}
	results = results[opts.Offset:]
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Stats 统计符合过滤条件的上报数量与更新时间范围。
func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts = opts.Normalized()
	stats := Stats{}
	for _, entry := range m.entries {
		if !opts.Matches(entry) {
			continue
		}
		stats.add(entry)
	}
	return stats, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

func (s *Stats) add(entry *Entry) {
	s.Total++
	switch entry.Status {
	case StatusPending:
		s.Pending++
	case StatusRunning:
		s.Running++
	case StatusSettled:
		s.Settled++
	case StatusFailed:
		s.Failed++
	}
	if entry.UpdatedAt > s.NewestUpdatedAt {
		s.NewestUpdatedAt = entry.UpdatedAt
	}
	if s.OldestUpdatedAt == 0 || (entry.UpdatedAt != 0 && entry.UpdatedAt < s.OldestUpdatedAt) {
		s.OldestUpdatedAt = entry.UpdatedAt
	}
}

var _ Store = (*MemoryStore)(nil)
