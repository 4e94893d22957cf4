package module

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"

	xerrors "ModuleCouncil/internal/errors"
	sqlstore "ModuleCouncil/internal/storage/mysql"
)

// MySQLStore 使用 MySQL 记录模块、运行与执行状态。
type MySQLStore struct {
	db *sql.DB
}

var _ Store = (*MySQLStore)(nil)

// NewMySQLStore 基于已迁移的连接池创建 MySQLStore。
func NewMySQLStore(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: db}
}

const insertModuleSQL = `INSERT INTO modules
        (id, tenant_id, client_id, status, requirements_ref, steps, current_run_id, run_history, version, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

const selectModuleColumns = `SELECT id, tenant_id, client_id, status, requirements_ref, steps, current_run_id, run_history, version, created_at, updated_at
        FROM modules`

const updateModuleSQL = `UPDATE modules SET status = ?, requirements_ref = ?, steps = ?, current_run_id = ?, run_history = ?, version = version + 1, updated_at = ?
        WHERE id = ? AND version = ?`

const upsertRunSQL = `INSERT INTO module_runs
        (id, module_id, tenant_id, status, started_at, completed_at, cost, tokens, attempts, error_class, failed_step, error_message, needs_review)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE status = VALUES(status), completed_at = VALUES(completed_at), cost = VALUES(cost), tokens = VALUES(tokens),
        attempts = VALUES(attempts), error_class = VALUES(error_class), failed_step = VALUES(failed_step), error_message = VALUES(error_message),
        needs_review = VALUES(needs_review)`

const selectRunSQL = `SELECT id, module_id, tenant_id, status, started_at, completed_at, cost, tokens, attempts, error_class, failed_step, error_message, needs_review
        FROM module_runs WHERE id = ?`

const insertExecutionSQL = `INSERT INTO step_executions
        (id, run_id, step, idem_key, attempt, status, input_hash, output_hash, error_class, error_message, cost, feedback, started_at, finished_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

const updateExecutionSQL = `UPDATE step_executions SET status = ?, output_hash = ?, error_class = ?, error_message = ?, cost = ?, feedback = ?, finished_at = ?
        WHERE id = ? AND status NOT IN ('COMPLETED', 'FAILED', 'SKIPPED')`

const selectExecutionsSQL = `SELECT id, run_id, step, idem_key, attempt, status, input_hash, output_hash, error_class, error_message, cost, feedback, started_at, finished_at
        FROM step_executions WHERE run_id = ? ORDER BY started_at ASC, attempt ASC`

// Create 插入新的模块记录。
func (s *MySQLStore) Create(ctx context.Context, mod *Module) error {
	if mod == nil || mod.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "模块 ID 不能为空")
	}
	steps, history, err := encodeModule(mod)
	if err != nil {
		return err
	}
	mod.Version = 1
	_, err = s.db.ExecContext(ctx, insertModuleSQL,
		mod.ID,
		mod.TenantID,
		mod.ClientID,
		string(mod.Status),
		mod.RequirementsRef,
		steps,
		mod.CurrentRunID,
		history,
		mod.Version,
		sqlstore.Millis(mod.CreatedAt),
		sqlstore.Millis(mod.UpdatedAt),
	)
	if err != nil {
		if sqlstore.IsDuplicateKey(err) {
			return xerrors.New(xerrors.CodeConflict, "模块已存在: "+mod.ID)
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入模块失败")
	}
	return nil
}

// Get 查询指定模块。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Module, error) {
	row := s.db.QueryRowContext(ctx, selectModuleColumns+` WHERE id = ?`, id)
	mod, err := scanModule(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrModuleNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询模块失败")
	}
	return mod, nil
}

// Save 以版本号作为条件更新模块。
func (s *MySQLStore) Save(ctx context.Context, mod *Module, expectedVersion int64) error {
	if mod == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "module 不能为空")
	}
	steps, history, err := encodeModule(mod)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, updateModuleSQL,
		string(mod.Status),
		mod.RequirementsRef,
		steps,
		mod.CurrentRunID,
		history,
		sqlstore.Millis(mod.UpdatedAt),
		mod.ID,
		expectedVersion,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新模块失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		return ErrVersionConflict
	}
	mod.Version = expectedVersion + 1
	return nil
}

// ListByStatus 返回处于指定状态的模块。
func (s *MySQLStore) ListByStatus(ctx context.Context, status Status) ([]*Module, error) {
	rows, err := s.db.QueryContext(ctx, selectModuleColumns+` WHERE status = ? ORDER BY created_at ASC, id ASC`, string(status))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询模块列表失败")
	}
	defer rows.Close()

	var result []*Module
	for rows.Next() {
		mod, err := scanModule(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析模块失败")
		}
		result = append(result, mod)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历模块失败")
	}
	return result, nil
}

// SaveRun 插入或更新运行记录。
func (s *MySQLStore) SaveRun(ctx context.Context, run *Run) error {
	if run == nil || run.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "运行 ID 不能为空")
	}
	_, err := s.db.ExecContext(ctx, upsertRunSQL,
		run.ID,
		run.ModuleID,
		run.TenantID,
		string(run.Status),
		sqlstore.Millis(run.StartedAt),
		sqlstore.Millis(run.CompletedAt),
		run.Cost,
		run.Tokens,
		run.Attempts,
		string(run.ErrorClass),
		run.FailedStep,
		run.ErrorMessage,
		boolToInt(run.NeedsReview),
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存运行记录失败")
	}
	return nil
}

// GetRun 查询运行记录。
func (s *MySQLStore) GetRun(ctx context.Context, id string) (*Run, error) {
	var (
		run         Run
		status      string
		errorClass  string
		message     sql.NullString
		startedAt   int64
		completedAt int64
		needsReview int
	)
	err := s.db.QueryRowContext(ctx, selectRunSQL, id).Scan(
		&run.ID,
		&run.ModuleID,
		&run.TenantID,
		&status,
		&startedAt,
		&completedAt,
		&run.Cost,
		&run.Tokens,
		&run.Attempts,
		&errorClass,
		&run.FailedStep,
		&message,
		&needsReview,
	)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询运行记录失败")
	}
	run.Status = RunStatus(status)
	run.ErrorClass = xerrors.Code(errorClass)
	run.ErrorMessage = message.String
	run.StartedAt = sqlstore.FromMillis(startedAt)
	run.CompletedAt = sqlstore.FromMillis(completedAt)
	run.NeedsReview = needsReview == 1
	return &run, nil
}

// SaveExecution 首次写入时插入，之后仅允许更新非终态记录。
func (s *MySQLStore) SaveExecution(ctx context.Context, exec *StepExecution) error {
	if exec == nil || exec.ID == "" || exec.RunID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "执行记录缺少 ID 或运行 ID")
	}
	_, err := s.db.ExecContext(ctx, insertExecutionSQL,
		exec.ID,
		exec.RunID,
		exec.Step,
		exec.Key,
		exec.Attempt,
		string(exec.Status),
		exec.InputHash,
		exec.OutputHash,
		string(exec.ErrorClass),
		exec.Error,
		exec.Cost,
		exec.Feedback,
		sqlstore.Millis(exec.StartedAt),
		sqlstore.Millis(exec.FinishedAt),
	)
	if err == nil {
		return nil
	}
	if !sqlstore.IsDuplicateKey(err) {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入执行记录失败")
	}

	res, err := s.db.ExecContext(ctx, updateExecutionSQL,
		string(exec.Status),
		exec.OutputHash,
		string(exec.ErrorClass),
		exec.Error,
		exec.Cost,
		exec.Feedback,
		sqlstore.Millis(exec.FinishedAt),
		exec.ID,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新执行记录失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		return ErrExecutionFinal
	}
	return nil
}

// ListExecutions 返回运行的全部执行记录。
func (s *MySQLStore) ListExecutions(ctx context.Context, runID string) ([]*StepExecution, error) {
	rows, err := s.db.QueryContext(ctx, selectExecutionsSQL, runID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询执行记录失败")
	}
	defer rows.Close()

	var result []*StepExecution
	for rows.Next() {
		var (
			exec       StepExecution
			status     string
			errorClass string
			message    sql.NullString
			feedback   sql.NullString
			startedAt  int64
			finishedAt int64
		)
		if err := rows.Scan(
			&exec.ID,
			&exec.RunID,
			&exec.Step,
			&exec.Key,
			&exec.Attempt,
			&status,
			&exec.InputHash,
			&exec.OutputHash,
			&errorClass,
			&message,
			&exec.Cost,
			&feedback,
			&startedAt,
			&finishedAt,
		); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析执行记录失败")
		}
		exec.Status = ExecStatus(status)
		exec.ErrorClass = xerrors.Code(errorClass)
		exec.Error = message.String
		exec.Feedback = feedback.String
		exec.StartedAt = sqlstore.FromMillis(startedAt)
		exec.FinishedAt = sqlstore.FromMillis(finishedAt)
		result = append(result, &exec)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历执行记录失败")
	}
	return result, nil
}

// Close 释放连接池。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanModule(row rowScanner) (*Module, error) {
	var (
		mod       Module
		status    string
		reqRef    sql.NullString
		steps     string
		history   sql.NullString
		createdAt int64
		updatedAt int64
	)
	if err := row.Scan(
		&mod.ID,
		&mod.TenantID,
		&mod.ClientID,
		&status,
		&reqRef,
		&steps,
		&mod.CurrentRunID,
		&history,
		&mod.Version,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}
	mod.Status = Status(status)
	mod.RequirementsRef = reqRef.String
	mod.CreatedAt = sqlstore.FromMillis(createdAt)
	mod.UpdatedAt = sqlstore.FromMillis(updatedAt)
	if err := json.Unmarshal([]byte(steps), &mod.Steps); err != nil {
		return nil, err
	}
	if history.Valid && history.String != "" {
		if err := json.Unmarshal([]byte(history.String), &mod.RunHistory); err != nil {
			return nil, err
		}
	}
	return &mod, nil
}

func encodeModule(mod *Module) (string, string, error) {
	steps, err := json.Marshal(mod.Steps)
	if err != nil {
		return "", "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码模块步骤失败")
	}
	history, err := json.Marshal(mod.RunHistory)
	if err != nil {
		return "", "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码运行历史失败")
	}
	return string(steps), string(history), nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
