package jobstore

import (
	"context"
	"sync"
)

// MemoryStore 进程内任务表
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*ExportJob
}

// NewMemoryStore 创建内存任务表
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*ExportJob)}
}

func (s *MemoryStore) Save(_ context.Context, job *ExportJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.TaskID] = job.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, taskID string) (*ExportJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[taskID]
	if !ok {
		return nil, nil
	}
	return job.Clone(), nil
}

func (s *MemoryStore) Delete(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, taskID)
	return nil
}

func (s *MemoryStore) List(_ context.Context) ([]*ExportJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*ExportJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job.Clone())
	}
	return out, nil
}
