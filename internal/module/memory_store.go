package module

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "ModuleCouncil/internal/errors"
)

// MemoryStore 以内存方式保存模块状态，主要用于测试与单机部署。
type MemoryStore struct {
	mu         sync.RWMutex
	modules    map[string]*Module
	runs       map[string]*Run
	executions map[string][]*StepExecution
	execIndex  map[string]*StepExecution
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		modules:    make(map[string]*Module),
		runs:       make(map[string]*Run),
		executions: make(map[string][]*StepExecution),
		execIndex:  make(map[string]*StepExecution),
	}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, mod *Module) error {
	if mod == nil || mod.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "模块 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.modules[mod.ID]; ok {
		return xerrors.New(xerrors.CodeConflict, "模块已存在: "+mod.ID)
	}
	now := time.Now().UTC()
	if mod.CreatedAt.IsZero() {
		mod.CreatedAt = now
	}
	if mod.UpdatedAt.IsZero() {
		mod.UpdatedAt = mod.CreatedAt
	}
	mod.Version = 1
	m.modules[mod.ID] = mod.Clone()
	return nil
}

// Get 返回模块。
func (m *MemoryStore) Get(_ context.Context, id string) (*Module, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mod, ok := m.modules[id]
	if !ok {
		return nil, ErrModuleNotFound
	}
	return mod.Clone(), nil
}

// Save 以乐观锁方式写入模块。
func (m *MemoryStore) Save(_ context.Context, mod *Module, expectedVersion int64) error {
	if mod == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "module 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.modules[mod.ID]
	if !ok {
		return ErrModuleNotFound
	}
	if current.Version != expectedVersion {
		return ErrVersionConflict
	}
	mod.Version = expectedVersion + 1
	m.modules[mod.ID] = mod.Clone()
	return nil
}

// ListByStatus 返回处于指定状态的模块，按创建时间排序。
func (m *MemoryStore) ListByStatus(_ context.Context, status Status) ([]*Module, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Module
	for _, mod := range m.modules {
		if mod.Status == status {
			result = append(result, mod.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// SaveRun 插入或覆盖运行记录。
func (m *MemoryStore) SaveRun(_ context.Context, run *Run) error {
	if run == nil || run.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "运行 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.ID] = run.Clone()
	return nil
}

// GetRun 返回运行记录。
func (m *MemoryStore) GetRun(_ context.Context, id string) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	return run.Clone(), nil
}

// SaveExecution 插入或更新执行记录。
func (m *MemoryStore) SaveExecution(_ context.Context, exec *StepExecution) error {
	if exec == nil || exec.ID == "" || exec.RunID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "执行记录缺少 ID 或运行 ID")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.execIndex[exec.ID]; ok {
		if existing.Status.Terminal() {
			return ErrExecutionFinal
		}
		*existing = *exec
		return nil
	}
	clone := exec.Clone()
	m.execIndex[exec.ID] = clone
	m.executions[exec.RunID] = append(m.executions[exec.RunID], clone)
	return nil
}

// ListExecutions 按写入顺序返回运行的全部执行记录。
func (m *MemoryStore) ListExecutions(_ context.Context, runID string) ([]*StepExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.executions[runID]
	result := make([]*StepExecution, 0, len(list))
	for _, exec := range list {
		result = append(result, exec.Clone())
	}
	return result, nil
}

// Close 实现 Store 接口。
func (m *MemoryStore) Close() error { return nil }
