// Package jobstore 维护导出任务的状态记录。
// 进程内存实现用于单实例部署与测试；Redis 实现用于多副本共享任务状态。
package jobstore

import (
	"context"
	"time"
)

// 任务状态机：pending → running → succeeded|failed|cancelled。
// 终态之间不可再迁移。
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// IsTerminal 判断状态是否为终态
func IsTerminal(status string) bool {
	switch status {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// ExportJob 一次异步导出任务的完整记录
type ExportJob struct {
	TaskID     string         `json:"task_id"`
	Tenant     string         `json:"tenant"`
	Collection string         `json:"collection"`
	Params     map[string]any `json:"params,omitempty"`
	Status     string         `json:"status"`
	CreatedAt  time.Time      `json:"created_at"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	Written    int64          `json:"written"`
	Total      int64          `json:"total"`
	FilePath   string         `json:"file_path,omitempty"`
	Error      string         `json:"error,omitempty"`
	Cancelled  bool           `json:"cancelled"`
	TraceID    string         `json:"trace_id,omitempty"`
}

// Clone 深拷贝时间指针以外的浅拷贝，防止调用方改写存储内的记录
func (j *ExportJob) Clone() *ExportJob {
	out := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		out.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		out.FinishedAt = &t
	}
	if j.Params != nil {
		params := make(map[string]any, len(j.Params))
		for k, v := range j.Params {
			params[k] = v
		}
		out.Params = params
	}
	return &out
}

// Store 任务存取接口。Save 覆盖整条记录；Get 未找到返回 (nil, nil)。
type Store interface {
	Save(ctx context.Context, job *ExportJob) error
	Get(ctx context.Context, taskID string) (*ExportJob, error)
	Delete(ctx context.Context, taskID string) error
	// List 返回全部任务（用于 TTL 清理巡检）
	List(ctx context.Context) ([]*ExportJob, error)
}
