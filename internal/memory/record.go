// Package memory 保存运行结束后提炼出的分层记忆，并在后续运行中提供召回。
package memory

import (
	"context"
	stdErrors "errors"
	"time"

	xerrors "ModuleCouncil/internal/errors"
)

// Tier 表示记忆层级。
type Tier string

// 记忆层级
const (
	TierEpisodic   Tier = "episodic"
	TierSemantic   Tier = "semantic"
	TierProcedural Tier = "procedural"
)

// StepSummary 是一次运行中某个步骤的最终结果摘要。
type StepSummary struct {
	Name       string       `json:"name"`
	InputHash  string       `json:"input_hash,omitempty"`
	OutputHash string       `json:"output_hash,omitempty"`
	Status     string       `json:"status"`
	Attempts   int          `json:"attempts"`
	Cost       float64      `json:"cost,omitempty"`
	ErrorClass xerrors.Code `json:"error_class,omitempty"`
}

// Record 是一条记忆。记录只追加，旧记录通过 SupersededBy 标记被取代。
type Record struct {
	ID           string         `json:"id"`
	TenantID     string         `json:"tenant_id"`
	Tier         Tier           `json:"tier"`
	Key          string         `json:"key"`
	ModuleID     string         `json:"module_id,omitempty"`
	RunID        string         `json:"run_id,omitempty"`
	Success      bool           `json:"success"`
	Occurrences  int            `json:"occurrences"`
	SuccessRate  float64        `json:"success_rate"`
	Steps        []StepSummary  `json:"steps,omitempty"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	SupersededBy string         `json:"superseded_by,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// HasStep 判断记录是否涉及指定步骤。
func (r *Record) HasStep(name string) bool {
	for _, s := range r.Steps {
		if s.Name == name {
			return true
		}
	}
	return false
}

// StepByName 返回指定步骤的摘要。
func (r *Record) StepByName(name string) (StepSummary, bool) {
	for _, s := range r.Steps {
		if s.Name == name {
			return s, true
		}
	}
	return StepSummary{}, false
}

// Clone 返回深拷贝。
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Steps = append([]StepSummary(nil), r.Steps...)
	if r.Parameters != nil {
		cp.Parameters = make(map[string]any, len(r.Parameters))
		for k, v := range r.Parameters {
			cp.Parameters[k] = v
		}
	}
	return &cp
}

// ErrRecordNotFound 表示没有匹配的有效记忆。
var ErrRecordNotFound = stdErrors.New("memory record not found")

// Store 持久化记忆记录。
type Store interface {
	// Append 写入新记录。
	Append(ctx context.Context, rec *Record) error
	// List 按创建时间倒序返回记录，key 为空表示不过滤。
	List(ctx context.Context, tenantID string, tier Tier, key string, limit int) ([]*Record, error)
	// Latest 返回指定键上最新的未被取代的记录。
	Latest(ctx context.Context, tenantID string, tier Tier, key string) (*Record, error)
	// Supersede 将旧记录标记为被新记录取代。
	Supersede(ctx context.Context, oldID, newID string) error
	// Recall 返回与步骤相关、未被取代的语义与程序性记忆。
	Recall(ctx context.Context, tenantID, step string, limit int) ([]*Record, error)
	Close() error
}
