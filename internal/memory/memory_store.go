package memory

import (
	"context"
	"sync"

	xerrors "ModuleCouncil/internal/errors"
)

// MemoryStore 是进程内的记忆存储。
type MemoryStore struct {
	mu      sync.RWMutex
	records []*Record
	byID    map[string]*Record
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore 创建空存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]*Record)}
}

// Append 写入新记录。
func (s *MemoryStore) Append(_ context.Context, rec *Record) error {
	if rec == nil || rec.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "记忆 ID 不能为空")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[rec.ID]; ok {
		return xerrors.New(xerrors.CodeConflict, "记忆已存在: "+rec.ID)
	}
	cp := rec.Clone()
	s.records = append(s.records, cp)
	s.byID[cp.ID] = cp
	return nil
}

// List 按创建时间倒序返回记录。
func (s *MemoryStore) List(_ context.Context, tenantID string, tier Tier, key string, limit int) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Record
	for i := len(s.records) - 1; i >= 0; i-- {
		rec := s.records[i]
		if rec.TenantID != tenantID || rec.Tier != tier {
			continue
		}
		if key != "" && rec.Key != key {
			continue
		}
		out = append(out, rec.Clone())
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Latest 返回最新的未被取代的记录。
func (s *MemoryStore) Latest(_ context.Context, tenantID string, tier Tier, key string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.records) - 1; i >= 0; i-- {
		rec := s.records[i]
		if rec.TenantID == tenantID && rec.Tier == tier && rec.Key == key && rec.SupersededBy == "" {
			return rec.Clone(), nil
		}
	}
	return nil, ErrRecordNotFound
}

// Supersede 标记旧记录被取代，已被取代的记录不会再次改写。
func (s *MemoryStore) Supersede(_ context.Context, oldID, newID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[oldID]
	if !ok {
		return ErrRecordNotFound
	}
	if rec.SupersededBy == "" {
		rec.SupersededBy = newID
	}
	return nil
}

// Recall 返回与步骤相关的有效语义与程序性记忆。
func (s *MemoryStore) Recall(_ context.Context, tenantID, step string, limit int) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Record
	for i := len(s.records) - 1; i >= 0; i-- {
		rec := s.records[i]
		if rec.TenantID != tenantID || rec.SupersededBy != "" || rec.Tier == TierEpisodic {
			continue
		}
		if !rec.HasStep(step) {
			continue
		}
		out = append(out, rec.Clone())
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Close 实现 Store 接口。
func (s *MemoryStore) Close() error { return nil }
