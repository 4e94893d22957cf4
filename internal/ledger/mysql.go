package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"

	xerrors "ModuleCouncil/internal/errors"
	sqlstore "ModuleCouncil/internal/storage/mysql"
)

// MySQLLedger 依靠主键唯一约束与条件 UPDATE 实现原子预留。
type MySQLLedger struct {
	db   *sql.DB
	opts Options
}

var _ Ledger = (*MySQLLedger)(nil)

// NewMySQLLedger 基于已迁移的连接池创建 MySQLLedger。
func NewMySQLLedger(db *sql.DB, opts ...Option) *MySQLLedger {
	return &MySQLLedger{db: db, opts: buildOptions(opts)}
}

const insertReservationSQL = `INSERT INTO idempotency_ledger (idem_key, state, owner, created_at, updated_at)
        VALUES (?, 'RESERVED', ?, ?, ?)`

const selectEntrySQL = `SELECT idem_key, state, owner, output, output_hash, error_class, error_message, created_at, updated_at
        FROM idempotency_ledger WHERE idem_key = ?`

const takeoverSQL = `UPDATE idempotency_ledger SET state = 'RESERVED', owner = ?, output = NULL, output_hash = '', error_class = '',
        error_message = NULL, created_at = ?, updated_at = ?
        WHERE idem_key = ? AND state = ? AND updated_at = ?`

const reclaimSQL = `UPDATE idempotency_ledger SET state = 'RESERVED', owner = ?, created_at = ?, updated_at = ?
        WHERE idem_key = ? AND state = 'FAILED'`

const recordSQL = `UPDATE idempotency_ledger SET state = ?, output = ?, output_hash = ?, error_class = ?, error_message = ?, created_at = ?, updated_at = ?
        WHERE idem_key = ? AND state = 'RESERVED' AND owner = ?`

const renewSQL = `UPDATE idempotency_ledger SET updated_at = ? WHERE idem_key = ? AND state = 'RESERVED' AND owner = ?`

const releaseSQL = `DELETE FROM idempotency_ledger WHERE idem_key = ? AND state = 'RESERVED' AND owner = ?`

// CheckAndReserve 先尝试插入；主键冲突时读取现有条目，对过期或遗弃条目做带条件的接管。
func (l *MySQLLedger) CheckAndReserve(ctx context.Context, key, owner string) (Result, error) {
	now := l.opts.Clock()
	nowMs := now.UnixMilli()
	_, err := l.db.ExecContext(ctx, insertReservationSQL, key, owner, nowMs, nowMs)
	if err == nil {
		return Result{Verdict: Reserved, Entry: &Entry{Key: key, State: StateReserved, Owner: owner, CreatedAt: sqlstore.FromMillis(nowMs), UpdatedAt: sqlstore.FromMillis(nowMs)}}, nil
	}
	if !sqlstore.IsDuplicateKey(err) {
		return Result{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入账本预留失败")
	}

	entry, err := l.Get(ctx, key)
	if err != nil {
		if stdErrors.Is(err, ErrEntryNotFound) {
			return Result{Verdict: Busy}, nil
		}
		return Result{}, err
	}
	if verdict := l.opts.classify(entry, now); verdict != Reserved {
		return Result{Verdict: verdict, Entry: entry}, nil
	}

	res, err := l.db.ExecContext(ctx, takeoverSQL, owner, nowMs, nowMs, key, string(entry.State), entry.UpdatedAt.UnixMilli())
	if err != nil {
		return Result{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "接管账本条目失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return Result{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		return Result{Verdict: Busy}, nil
	}
	return Result{Verdict: Reserved, Entry: &Entry{Key: key, State: StateReserved, Owner: owner, CreatedAt: sqlstore.FromMillis(nowMs), UpdatedAt: sqlstore.FromMillis(nowMs)}}, nil
}

// Reclaim 实现 Ledger 接口。
func (l *MySQLLedger) Reclaim(ctx context.Context, key, owner string) (bool, error) {
	nowMs := l.opts.Clock().UnixMilli()
	res, err := l.db.ExecContext(ctx, reclaimSQL, owner, nowMs, nowMs, key)
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "重新预留账本条目失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	return affected == 1, nil
}

// Record 实现 Ledger 接口。
func (l *MySQLLedger) Record(ctx context.Context, key, owner string, outcome Outcome) error {
	nowMs := l.opts.Clock().UnixMilli()
	state := StateFailed
	var output sql.NullString
	errorClass, message := string(outcome.ErrorClass), outcome.Error
	if outcome.Succeeded {
		state = StateSucceeded
		output = sql.NullString{String: string(outcome.Output), Valid: len(outcome.Output) > 0}
		errorClass, message = "", ""
	}
	res, err := l.db.ExecContext(ctx, recordSQL, string(state), output, outcome.OutputHash, errorClass, message, nowMs, nowMs, key, owner)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入账本结果失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		return ErrNotOwner
	}
	return nil
}

// Release 实现 Ledger 接口。
func (l *MySQLLedger) Release(ctx context.Context, key, owner string) error {
	if _, err := l.db.ExecContext(ctx, releaseSQL, key, owner); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "释放账本预留失败")
	}
	return nil
}

// Renew 实现 Ledger 接口。同一毫秒内重复刷新时影响行数为 0，此时回读条目确认归属。
func (l *MySQLLedger) Renew(ctx context.Context, key, owner string) error {
	res, err := l.db.ExecContext(ctx, renewSQL, l.opts.Clock().UnixMilli(), key, owner)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "刷新账本预留失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected > 0 {
		return nil
	}
	entry, err := l.Get(ctx, key)
	if err != nil {
		if stdErrors.Is(err, ErrEntryNotFound) {
			return ErrNotOwner
		}
		return err
	}
	if entry.State != StateReserved || entry.Owner != owner {
		return ErrNotOwner
	}
	return nil
}

// Get 实现 Ledger 接口。
func (l *MySQLLedger) Get(ctx context.Context, key string) (*Entry, error) {
	var (
		entry     Entry
		state     string
		output    sql.NullString
		errClass  string
		message   sql.NullString
		createdAt int64
		updatedAt int64
	)
	err := l.db.QueryRowContext(ctx, selectEntrySQL, key).Scan(
		&entry.Key, &state, &entry.Owner, &output, &entry.OutputHash, &errClass, &message, &createdAt, &updatedAt,
	)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrEntryNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询账本条目失败")
	}
	entry.State = State(state)
	if output.Valid && output.String != "" {
		entry.Output = json.RawMessage(output.String)
	}
	entry.ErrorClass = xerrors.Code(errClass)
	entry.Error = message.String
	entry.CreatedAt = sqlstore.FromMillis(createdAt)
	entry.UpdatedAt = sqlstore.FromMillis(updatedAt)
	return &entry, nil
}
