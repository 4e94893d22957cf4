package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"

	xerrors "ModuleCouncil/internal/errors"
	sqlstore "ModuleCouncil/internal/storage/mysql"
)

// MySQLStore 将记忆写入 memory_records 表。
type MySQLStore struct {
	db *sql.DB
}

var _ Store = (*MySQLStore)(nil)

// NewMySQLStore 基于已迁移的连接池创建存储。
func NewMySQLStore(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: db}
}

const insertRecordSQL = `INSERT INTO memory_records
        (id, tenant_id, tier, record_key, module_id, run_id, success, occurrences, success_rate, steps, parameters, superseded_by, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

const selectRecordColumns = `SELECT id, tenant_id, tier, record_key, module_id, run_id, success, occurrences, success_rate, steps, parameters, superseded_by, created_at
        FROM memory_records`

const listRecordsSQL = selectRecordColumns + ` WHERE tenant_id = ? AND tier = ? ORDER BY created_at DESC, id DESC LIMIT ?`

const listRecordsByKeySQL = selectRecordColumns + ` WHERE tenant_id = ? AND tier = ? AND record_key = ? ORDER BY created_at DESC, id DESC LIMIT ?`

const latestRecordSQL = selectRecordColumns + ` WHERE tenant_id = ? AND tier = ? AND record_key = ? AND superseded_by = '' ORDER BY created_at DESC, id DESC LIMIT 1`

const supersedeRecordSQL = `UPDATE memory_records SET superseded_by = ? WHERE id = ? AND superseded_by = ''`

const recallRecordsSQL = selectRecordColumns + ` WHERE tenant_id = ? AND tier IN ('semantic', 'procedural') AND superseded_by = '' ORDER BY created_at DESC, id DESC LIMIT ?`

const recallScanLimit = 500

// Append 写入新记录。
func (s *MySQLStore) Append(ctx context.Context, rec *Record) error {
	if rec == nil || rec.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "记忆 ID 不能为空")
	}
	steps, err := json.Marshal(rec.Steps)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码记忆步骤失败")
	}
	var params sql.NullString
	if len(rec.Parameters) > 0 {
		raw, err := json.Marshal(rec.Parameters)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码记忆参数失败")
		}
		params = sql.NullString{String: string(raw), Valid: true}
	}
	success := 0
	if rec.Success {
		success = 1
	}
	_, err = s.db.ExecContext(ctx, insertRecordSQL,
		rec.ID,
		rec.TenantID,
		string(rec.Tier),
		rec.Key,
		rec.ModuleID,
		rec.RunID,
		success,
		rec.Occurrences,
		rec.SuccessRate,
		string(steps),
		params,
		rec.SupersededBy,
		sqlstore.Millis(rec.CreatedAt),
	)
	if err != nil {
		if sqlstore.IsDuplicateKey(err) {
			return xerrors.New(xerrors.CodeConflict, "记忆已存在: "+rec.ID)
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入记忆失败")
	}
	return nil
}

// List 按创建时间倒序返回记录。
func (s *MySQLStore) List(ctx context.Context, tenantID string, tier Tier, key string, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = recallScanLimit
	}
	var (
		rows *sql.Rows
		err  error
	)
	if key == "" {
		rows, err = s.db.QueryContext(ctx, listRecordsSQL, tenantID, string(tier), limit)
	} else {
		rows, err = s.db.QueryContext(ctx, listRecordsByKeySQL, tenantID, string(tier), key, limit)
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询记忆失败")
	}
	return scanRecords(rows)
}

// Latest 返回最新的未被取代的记录。
func (s *MySQLStore) Latest(ctx context.Context, tenantID string, tier Tier, key string) (*Record, error) {
	rows, err := s.db.QueryContext(ctx, latestRecordSQL, tenantID, string(tier), key)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询记忆失败")
	}
	records, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, ErrRecordNotFound
	}
	return records[0], nil
}

// Supersede 标记旧记录被取代。
func (s *MySQLStore) Supersede(ctx context.Context, oldID, newID string) error {
	if _, err := s.db.ExecContext(ctx, supersedeRecordSQL, newID, oldID); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新记忆失败")
	}
	return nil
}

// Recall 返回与步骤相关的有效语义与程序性记忆。
func (s *MySQLStore) Recall(ctx context.Context, tenantID, step string, limit int) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, recallRecordsSQL, tenantID, recallScanLimit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "召回记忆失败")
	}
	records, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	out := records[:0]
	for _, rec := range records {
		if !rec.HasStep(step) {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Close 关闭连接池。
func (s *MySQLStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func scanRecords(rows *sql.Rows) ([]*Record, error) {
	defer rows.Close()
	var out []*Record
	for rows.Next() {
		var (
			rec       Record
			tier      string
			success   int
			steps     sql.NullString
			params    sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&rec.ID, &rec.TenantID, &tier, &rec.Key, &rec.ModuleID, &rec.RunID, &success,
			&rec.Occurrences, &rec.SuccessRate, &steps, &params, &rec.SupersededBy, &createdAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析记忆失败")
		}
		rec.Tier = Tier(tier)
		rec.Success = success != 0
		rec.CreatedAt = sqlstore.FromMillis(createdAt)
		if steps.Valid && steps.String != "" {
			if err := json.Unmarshal([]byte(steps.String), &rec.Steps); err != nil {
				return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析记忆步骤失败")
			}
		}
		if params.Valid && params.String != "" {
			if err := json.Unmarshal([]byte(params.String), &rec.Parameters); err != nil {
				return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析记忆参数失败")
			}
		}
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return out, nil
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历记忆失败")
	}
	return out, nil
}
