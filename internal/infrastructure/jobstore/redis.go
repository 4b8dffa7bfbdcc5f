package jobstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "export:job:"

// RedisStore 基于 Redis 的共享任务表。终态任务写入时附带 TTL，
// 由 Redis 自行过期，不依赖巡检。
type RedisStore struct {
	client      *redis.Client
	terminalTTL time.Duration
}

// NewRedisStore 创建 Redis 任务表。terminalTTL <= 0 时终态记录保留 1 小时。
func NewRedisStore(client *redis.Client, terminalTTL time.Duration) *RedisStore {
	if terminalTTL <= 0 {
		terminalTTL = time.Hour
	}
	return &RedisStore{client: client, terminalTTL: terminalTTL}
}

func (s *RedisStore) Save(ctx context.Context, job *ExportJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal export job: %w", err)
	}
	var ttl time.Duration
	if IsTerminal(job.Status) {
		ttl = s.terminalTTL
	}
	return s.client.Set(ctx, redisKeyPrefix+job.TaskID, data, ttl).Err()
}

func (s *RedisStore) Get(ctx context.Context, taskID string) (*ExportJob, error) {
	data, err := s.client.Get(ctx, redisKeyPrefix+taskID).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var job ExportJob
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("unmarshal export job %s: %w", taskID, err)
	}
	return &job, nil
}

func (s *RedisStore) Delete(ctx context.Context, taskID string) error {
	return s.client.Del(ctx, redisKeyPrefix+taskID).Err()
}

func (s *RedisStore) List(ctx context.Context) ([]*ExportJob, error) {
	var (
		cursor uint64
		jobs   []*ExportJob
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, redisKeyPrefix+"*", 100).Result()
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			data, err := s.client.Get(ctx, key).Bytes()
			if err == redis.Nil {
				continue
			}
			if err != nil {
				return nil, err
			}
			var job ExportJob
			if err := json.Unmarshal(data, &job); err != nil {
				continue
			}
			jobs = append(jobs, &job)
		}
		if next == 0 {
			return jobs, nil
		}
		cursor = next
	}
}
