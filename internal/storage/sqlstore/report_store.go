package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	mysqldrv "github.com/go-sql-driver/mysql"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"DualToken-Engine/internal/completion"
	xerrors "DualToken-Engine/internal/errors"
	"DualToken-Engine/internal/rewards"
)

// ReportStore 在 reports 表中保存完成上报的结算状态。
type ReportStore struct {
	store *Store
}

// Reports 返回共用同一连接池的上报存储。
func (s *Store) Reports() *ReportStore {
	return &ReportStore{store: s}
}

func isDuplicateKey(err error) bool {
	var myErr *mysqldrv.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == mysqlDuplicateEntry
	}
	var liteErr *msqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code()
		return code == sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY || code == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}

const reportColumns = `id, worker_id, task_kind, metrics, attributed_share, status, attempts, max_retries,
    last_error, error_code, receipt, created_at, updated_at`

// Create 插入新的上报记录。
func (r *ReportStore) Create(ctx context.Context, entry *completion.Entry) error {
	if entry == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "entry is required")
	}
	if strings.TrimSpace(entry.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "entry id is required")
	}
	metrics, err := json.Marshal(entry.Report.Metrics)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "encode report metrics")
	}
	now := r.store.now().Unix()
	if entry.CreatedAt == 0 {
		entry.CreatedAt = now
	}
	entry.UpdatedAt = now

	const stmt = `INSERT INTO reports (` + reportColumns + `)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, '', '', NULL, ?, ?)`
	_, err = r.store.db.ExecContext(ctx, stmt,
		entry.ID,
		entry.Report.WorkerID,
		entry.Report.TaskKind,
		string(metrics),
		entry.Report.AttributedShare,
		string(entry.Status),
		entry.Attempts,
		entry.MaxRetries,
		entry.CreatedAt,
		entry.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return completion.ErrReportConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "insert report")
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*completion.Entry, error) {
	var (
		entry     completion.Entry
		status    string
		metrics   string
		lastError sql.NullString
		receipt   sql.NullString
	)
	if err := row.Scan(
		&entry.ID,
		&entry.Report.WorkerID,
		&entry.Report.TaskKind,
		&metrics,
		&entry.Report.AttributedShare,
		&status,
		&entry.Attempts,
		&entry.MaxRetries,
		&lastError,
		&entry.ErrorCode,
		&receipt,
		&entry.CreatedAt,
		&entry.UpdatedAt,
	); err != nil {
		return nil, err
	}
	entry.Report.ReportID = entry.ID
	entry.Status = completion.Status(status)
	entry.LastError = lastError.String
	if err := json.Unmarshal([]byte(metrics), &entry.Report.Metrics); err != nil {
		return nil, fmt.Errorf("decode metrics of report %s: %w", entry.ID, err)
	}
	if receipt.Valid && receipt.String != "" {
		var rc rewards.Receipt
		if err := json.Unmarshal([]byte(receipt.String), &rc); err != nil {
			return nil, fmt.Errorf("decode receipt of report %s: %w", entry.ID, err)
		}
		entry.Receipt = &rc
	}
	return &entry, nil
}

// Get 查询指定上报。
func (r *ReportStore) Get(ctx context.Context, id string) (*completion.Entry, error) {
	row := r.store.db.QueryRowContext(ctx, `SELECT `+reportColumns+` FROM reports WHERE id = ?`, id)
	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, completion.ErrReportNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "query report")
	}
	return entry, nil
}

// Claim 以条件更新的方式把上报标记为结算中，保证同一时刻只有一个消费者持有。
func (r *ReportStore) Claim(ctx context.Context, id string) (*completion.Entry, error) {
	const stmt = `UPDATE reports SET status = ?, attempts = attempts + 1, updated_at = ?, last_error = '', error_code = ''
        WHERE id = ? AND status IN (?, ?) AND attempts < max_retries`

	res, err := r.store.db.ExecContext(ctx, stmt,
		string(completion.StatusRunning),
		r.store.now().Unix(),
		id,
		string(completion.StatusPending),
		string(completion.StatusFailed),
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "claim report")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "claim report rows affected")
	}
	entry, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		switch {
		case entry.Status == completion.StatusSettled:
			return entry, completion.ErrReportSettled
		case entry.Status != completion.StatusRunning && entry.Attempts >= entry.MaxRetries:
			return entry, completion.ErrReportExhausted
		default:
			return entry, completion.ErrReportConflict
		}
	}
	return entry, nil
}

// MarkSettled 写入结算回执。
func (r *ReportStore) MarkSettled(ctx context.Context, id string, receipt rewards.Receipt) error {
	raw, err := json.Marshal(receipt)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "encode receipt")
	}
	const stmt = `UPDATE reports SET status = ?, receipt = ?, last_error = '', error_code = '', updated_at = ? WHERE id = ?`
	res, err := r.store.db.ExecContext(ctx, stmt, string(completion.StatusSettled), string(raw), r.store.now().Unix(), id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "mark report settled")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return completion.ErrReportNotFound
	}
	return nil
}

// MarkFailed 记录失败原因，非终态失败回到 pending。
func (r *ReportStore) MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error {
	status := completion.StatusPending
	if terminal {
		status = completion.StatusFailed
	}
	const stmt = `UPDATE reports SET status = ?, last_error = ?, error_code = ?, updated_at = ? WHERE id = ?`
	res, err := r.store.db.ExecContext(ctx, stmt, string(status), lastError, string(code), r.store.now().Unix(), id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "mark report failed")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return completion.ErrReportNotFound
	}
	return nil
}

// List 返回符合条件的上报。
func (r *ReportStore) List(ctx context.Context, opts completion.ListOptions) ([]*completion.Entry, error) {
	opts = opts.Normalized()
	query := `SELECT ` + reportColumns + ` FROM reports`
	clause, args := buildReportFilter(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	if opts.Order == completion.SortByUpdatedAsc {
		query += " ORDER BY updated_at ASC, created_at ASC, id ASC"
	} else {
		query += " ORDER BY updated_at DESC, created_at DESC, id ASC"
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, opts.Limit, opts.Offset)

	rows, err := r.store.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "list reports")
	}
	defer rows.Close()

	entries := make([]*completion.Entry, 0, opts.Limit)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "scan report")
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "iterate reports")
	}
	return entries, nil
}

// Stats 返回符合过滤条件的聚合信息。
func (r *ReportStore) Stats(ctx context.Context, opts completion.ListOptions) (completion.Stats, error) {
	opts = opts.Normalized()
	query := `SELECT
        COUNT(*),
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
        COALESCE(MIN(updated_at), 0),
        COALESCE(MAX(updated_at), 0)
        FROM reports`
	clause, filterArgs := buildReportFilter(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	args := []any{
		string(completion.StatusPending),
		string(completion.StatusRunning),
		string(completion.StatusSettled),
		string(completion.StatusFailed),
	}
	args = append(args, filterArgs...)

	var stats completion.Stats
	if err := r.store.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.Total,
		&stats.Pending,
		&stats.Running,
		&stats.Settled,
		&stats.Failed,
		&stats.OldestUpdatedAt,
		&stats.NewestUpdatedAt,
	); err != nil {
		return completion.Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "report stats")
	}
	return stats, nil
}

// Close 不关闭共享连接，由 Store.Close 负责。
func (r *ReportStore) Close() error { return nil }

func buildReportFilter(opts completion.ListOptions) (string, []any) {
	conditions := make([]string, 0, 4)
	args := make([]any, 0, 6)
	if len(opts.Statuses) > 0 {
		placeholders := make([]string, 0, len(opts.Statuses))
		for _, status := range opts.Statuses {
			placeholders = append(placeholders, "?")
			args = append(args, string(status))
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}
	if opts.WorkerID != "" {
		conditions = append(conditions, "worker_id = ?")
		args = append(args, opts.WorkerID)
	}
	if opts.UpdatedGTE > 0 {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		conditions = append(conditions, "updated_at <= ?")
		args = append(args, opts.UpdatedLTE)
	}
	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}

var _ completion.Store = (*ReportStore)(nil)
