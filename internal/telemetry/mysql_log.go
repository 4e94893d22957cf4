package telemetry

import (
	"context"
	"database/sql"
	"encoding/json"

	xerrors "ModuleCouncil/internal/errors"
	sqlstore "ModuleCouncil/internal/storage/mysql"
)

// MySQLLog 将事件写入 telemetry_events 表。
type MySQLLog struct {
	db *sql.DB
}

var _ Log = (*MySQLLog)(nil)

// NewMySQLLog 基于已迁移的连接池创建日志。
func NewMySQLLog(db *sql.DB) *MySQLLog {
	return &MySQLLog{db: db}
}

const insertEventSQL = `INSERT INTO telemetry_events
        (id, run_id, module_id, tenant_id, kind, step, attempt, from_state, to_state, error_class, cost, message, metadata, occurred_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

const selectEventColumns = `SELECT id, run_id, module_id, tenant_id, kind, step, attempt, from_state, to_state, error_class, cost, message, metadata, occurred_at
        FROM telemetry_events`

const selectEventsByRunSQL = selectEventColumns + ` WHERE run_id = ? ORDER BY seq ASC`

const selectEventsByModuleSQL = `SELECT * FROM (` + selectEventColumns + ` WHERE module_id = ? ORDER BY seq DESC LIMIT ?) recent ORDER BY occurred_at ASC`

// Append 追加事件；重复 ID 视为已写入。
func (l *MySQLLog) Append(ctx context.Context, event Event) error {
	var meta sql.NullString
	if len(event.Metadata) > 0 {
		raw, err := json.Marshal(event.Metadata)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码事件元数据失败")
		}
		meta = sql.NullString{String: string(raw), Valid: true}
	}
	_, err := l.db.ExecContext(ctx, insertEventSQL,
		event.ID,
		event.RunID,
		event.ModuleID,
		event.TenantID,
		string(event.Kind),
		event.Step,
		event.Attempt,
		event.From,
		event.To,
		string(event.Class),
		event.Cost,
		event.Message,
		meta,
		sqlstore.Millis(event.OccurredAt),
	)
	if err != nil {
		if sqlstore.IsDuplicateKey(err) {
			return nil
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入遥测事件失败")
	}
	return nil
}

// ListByRun 返回某次运行的事件。
func (l *MySQLLog) ListByRun(ctx context.Context, runID string) ([]Event, error) {
	rows, err := l.db.QueryContext(ctx, selectEventsByRunSQL, runID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询遥测事件失败")
	}
	return scanEvents(rows)
}

// ListByModule 返回模块最近的事件。
func (l *MySQLLog) ListByModule(ctx context.Context, moduleID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := l.db.QueryContext(ctx, selectEventsByModuleSQL, moduleID, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询遥测事件失败")
	}
	return scanEvents(rows)
}

// Close 关闭连接池。
func (l *MySQLLog) Close() error {
	if l.db == nil {
		return nil
	}
	return l.db.Close()
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var (
			e          Event
			kind, cls  string
			message    sql.NullString
			meta       sql.NullString
			occurredAt int64
		)
		if err := rows.Scan(&e.ID, &e.RunID, &e.ModuleID, &e.TenantID, &kind, &e.Step, &e.Attempt,
			&e.From, &e.To, &cls, &e.Cost, &message, &meta, &occurredAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析遥测事件失败")
		}
		e.Kind = Kind(kind)
		e.Class = xerrors.Code(cls)
		e.Message = message.String
		e.OccurredAt = sqlstore.FromMillis(occurredAt)
		if meta.Valid && meta.String != "" {
			if err := json.Unmarshal([]byte(meta.String), &e.Metadata); err != nil {
				return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析事件元数据失败")
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历遥测事件失败")
	}
	return out, nil
}
