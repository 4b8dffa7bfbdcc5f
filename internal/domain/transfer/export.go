package transfer

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Neal-yes/AI-Support-System/internal/infrastructure/jobstore"
	"github.com/Neal-yes/AI-Support-System/internal/infrastructure/monitoring"
	"github.com/Neal-yes/AI-Support-System/internal/infrastructure/qdrant"
	apperrors "github.com/Neal-yes/AI-Support-System/pkg/errors"
	"github.com/Neal-yes/AI-Support-System/pkg/safego"
)

// AnonTenant 未带租户标识时的占位租户
const AnonTenant = "_anon_"

const (
	defaultExportConcurrency   = 2
	defaultDownloadConcurrency = 4
	defaultExportTTL           = time.Hour
	exportScrollLimit          = 1000
	cleanupInterval            = time.Minute
)

var errExportCancelled = errors.New("cancelled")

// Config 搬运并发与保留策略
type Config struct {
	ExportMaxConcurrency   int
	DownloadMaxConcurrency int
	TTL                    time.Duration
	TempDir                string
}

// Manager 驱动后台导出任务与流式下载，任务状态落在 jobstore
type Manager struct {
	index   Index
	jobs    jobstore.Store
	cfg     Config
	metrics *monitoring.Metrics
	logger  *zap.Logger

	sem         chan struct{}
	dlSem       chan struct{}
	cleanerOnce sync.Once
}

func NewManager(index Index, jobs jobstore.Store, cfg Config, metrics *monitoring.Metrics, logger *zap.Logger) *Manager {
	if cfg.ExportMaxConcurrency <= 0 {
		cfg.ExportMaxConcurrency = defaultExportConcurrency
	}
	if cfg.DownloadMaxConcurrency <= 0 {
		cfg.DownloadMaxConcurrency = defaultDownloadConcurrency
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultExportTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		index:   index,
		jobs:    jobs,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger,
		sem:     make(chan struct{}, cfg.ExportMaxConcurrency),
		dlSem:   make(chan struct{}, cfg.DownloadMaxConcurrency),
	}
}

// ExportParams 导出范围与节流参数。delay_ms_per_point 便于在
// 小数据集上验证取消与长任务行为。
type ExportParams struct {
	Collection      string         `json:"collection"`
	Filters         map[string]any `json:"filters,omitempty"`
	WithVectors     bool           `json:"with_vectors"`
	WithPayload     bool           `json:"with_payload"`
	WithGzip        bool           `json:"with_gzip"`
	DelayMsPerPoint int            `json:"delay_ms_per_point"`
}

func (p ExportParams) asMap() map[string]any {
	m := map[string]any{
		"collection":         p.Collection,
		"with_vectors":       p.WithVectors,
		"with_payload":       p.WithPayload,
		"with_gzip":          p.WithGzip,
		"delay_ms_per_point": p.DelayMsPerPoint,
	}
	if p.Filters != nil {
		m["filters"] = p.Filters
	}
	return m
}

// paramsFromMap 从任务记录还原参数。数值经 Redis 往返后是 float64。
func paramsFromMap(m map[string]any) ExportParams {
	p := ExportParams{}
	p.Collection, _ = m["collection"].(string)
	if f, ok := m["filters"].(map[string]any); ok {
		p.Filters = f
	}
	p.WithVectors, _ = m["with_vectors"].(bool)
	p.WithPayload, _ = m["with_payload"].(bool)
	p.WithGzip, _ = m["with_gzip"].(bool)
	switch v := m["delay_ms_per_point"].(type) {
	case int:
		p.DelayMsPerPoint = v
	case int64:
		p.DelayMsPerPoint = int(v)
	case float64:
		p.DelayMsPerPoint = int(v)
	}
	return p
}

// Start 登记任务并启动后台导出，立即返回 pending 任务
func (m *Manager) Start(ctx context.Context, p ExportParams, tenant, traceID string) (*jobstore.ExportJob, error) {
	exists, err := m.index.CollectionExists(ctx, p.Collection)
	if err != nil {
		return nil, apperrors.NewUpstream("vector index unavailable", err)
	}
	if !exists {
		return nil, apperrors.NewNotFound("collection not found")
	}
	if tenant == "" {
		tenant = AnonTenant
	}

	taskID := strings.ReplaceAll(uuid.NewString(), "-", "")
	job := &jobstore.ExportJob{
		TaskID:     taskID,
		Tenant:     tenant,
		Collection: p.Collection,
		Params:     p.asMap(),
		Status:     jobstore.StatusPending,
		CreatedAt:  time.Now(),
		TraceID:    traceID,
	}
	if err := m.jobs.Save(ctx, job); err != nil {
		return nil, apperrors.NewInternalWithCause("failed to persist export job", err)
	}

	m.startCleaner()
	safego.Go(m.logger, "export-"+taskID, func() {
		m.run(context.Background(), taskID)
	})

	m.logger.Info("export_start",
		zap.String("task_id", taskID),
		zap.String("collection", p.Collection),
		zap.Bool("with_vectors", p.WithVectors),
		zap.Bool("with_payload", p.WithPayload),
		zap.Bool("with_gzip", p.WithGzip),
		zap.Int("delay_ms_per_point", p.DelayMsPerPoint),
		zap.String("trace_id", traceID),
		zap.String("tenant", tenant),
	)
	return job, nil
}

func (m *Manager) run(ctx context.Context, taskID string) {
	job, err := m.jobs.Get(ctx, taskID)
	if err != nil || job == nil {
		return
	}
	p := paramsFromMap(job.Params)
	tenant := job.Tenant
	if tenant == "" {
		tenant = AnonTenant
	}

	// 占到并发名额才算 running，排队期间保持 pending
	m.sem <- struct{}{}
	defer func() { <-m.sem }()

	// 排队期间可能已被取消，重读任务以免覆盖 Cancelled 标记
	if latest, err := m.jobs.Get(ctx, taskID); err == nil && latest != nil {
		job = latest
	}

	started := time.Now()
	job.Status = jobstore.StatusRunning
	job.StartedAt = &started
	_ = m.jobs.Save(ctx, job)
	if m.metrics != nil {
		m.metrics.ExportRunning.WithLabelValues(p.Collection, tenant).Inc()
		defer m.metrics.ExportRunning.WithLabelValues(p.Collection, tenant).Dec()
	}

	written, runErr := m.writeExportFile(ctx, taskID, job, p)
	finished := time.Now()
	job.FinishedAt = &finished
	job.Written = written
	switch {
	case errors.Is(runErr, errExportCancelled):
		job.Status = jobstore.StatusCancelled
		job.Error = ""
	case runErr != nil:
		job.Status = jobstore.StatusFailed
		job.Error = runErr.Error()
	default:
		job.Status = jobstore.StatusSucceeded
		job.Total = written
	}

	if m.metrics != nil {
		m.metrics.ExportStatusTotal.WithLabelValues(p.Collection, job.Status, tenant).Inc()
		m.metrics.ExportSeconds.WithLabelValues(p.Collection, tenant).Observe(finished.Sub(started).Seconds())
	}
	_ = m.jobs.Save(ctx, job)

	fields := []zap.Field{
		zap.String("task_id", taskID),
		zap.String("status", job.Status),
		zap.String("collection", p.Collection),
		zap.Int64("written", written),
		zap.Int64("duration_ms", finished.Sub(started).Milliseconds()),
		zap.String("trace_id", job.TraceID),
	}
	if job.Status == jobstore.StatusFailed {
		m.logger.Error("export_finish", append(fields, zap.String("error", job.Error))...)
	} else {
		m.logger.Info("export_finish", fields...)
	}
}

func (m *Manager) isCancelled(ctx context.Context, taskID string) bool {
	latest, err := m.jobs.Get(ctx, taskID)
	return err == nil && latest != nil && latest.Cancelled
}

// writeExportFile 逐点写临时文件。每条写入前后都回读任务状态，
// 保证取消在写入或节流睡眠期间也能及时生效。
func (m *Manager) writeExportFile(ctx context.Context, taskID string, job *jobstore.ExportJob, p ExportParams) (int64, error) {
	suffix := ".jsonl"
	if p.WithGzip {
		suffix = ".jsonl.gz"
	}
	f, err := os.CreateTemp(m.cfg.TempDir, "export_"+p.Collection+"_*"+suffix)
	if err != nil {
		return 0, err
	}
	job.FilePath = f.Name()
	_ = m.jobs.Save(ctx, job)

	var w io.Writer = f
	var gz *gzip.Writer
	if p.WithGzip {
		gz = gzip.NewWriter(f)
		w = gz
	}

	var written int64
	scrollErr := m.scrollPoints(ctx, p, func(pt qdrant.Point) error {
		if m.isCancelled(ctx, taskID) {
			return errExportCancelled
		}
		line, err := marshalRecord(pt, p.WithVectors, p.WithPayload)
		if err != nil {
			return err
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			return err
		}
		written++
		job.Written = written
		_ = m.jobs.Save(ctx, job)
		if m.metrics != nil {
			m.metrics.ExportRowsTotal.WithLabelValues(p.Collection, job.Tenant).Inc()
		}
		if p.DelayMsPerPoint > 0 {
			select {
			case <-time.After(time.Duration(p.DelayMsPerPoint) * time.Millisecond):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if m.isCancelled(ctx, taskID) {
			return errExportCancelled
		}
		return nil
	})

	var closeErr error
	if gz != nil {
		closeErr = gz.Close()
	}
	if err := f.Close(); closeErr == nil {
		closeErr = err
	}
	if scrollErr != nil {
		return written, scrollErr
	}
	if closeErr != nil {
		return written, closeErr
	}
	if m.isCancelled(ctx, taskID) {
		return written, errExportCancelled
	}
	return written, nil
}

func (m *Manager) scrollPoints(ctx context.Context, p ExportParams, visit func(qdrant.Point) error) error {
	var offset any
	for {
		points, next, err := m.index.Scroll(ctx, p.Collection, qdrant.ScrollParams{
			Limit:       exportScrollLimit,
			Offset:      offset,
			WithVectors: p.WithVectors,
			WithPayload: p.WithPayload,
			Filters:     p.Filters,
		})
		if err != nil {
			return err
		}
		if len(points) == 0 {
			return nil
		}
		for _, pt := range points {
			if err := visit(pt); err != nil {
				return err
			}
		}
		if next == nil {
			return nil
		}
		offset = next
	}
}

// Status 查询任务；未找到返回 NOT_FOUND
func (m *Manager) Status(ctx context.Context, taskID string) (*jobstore.ExportJob, error) {
	job, err := m.jobs.Get(ctx, taskID)
	if err != nil {
		return nil, apperrors.NewInternalWithCause("failed to load export job", err)
	}
	if job == nil {
		return nil, apperrors.NewNotFound("task not found")
	}
	return job, nil
}

// Cancel 请求取消。已到终态的任务原样返回，finished 为 true。
func (m *Manager) Cancel(ctx context.Context, taskID string) (*jobstore.ExportJob, bool, error) {
	job, err := m.Status(ctx, taskID)
	if err != nil {
		return nil, false, err
	}
	if jobstore.IsTerminal(job.Status) {
		return job, true, nil
	}
	job.Cancelled = true
	if err := m.jobs.Save(ctx, job); err != nil {
		return nil, false, apperrors.NewInternalWithCause("failed to persist export job", err)
	}
	m.logger.Info("export_cancel",
		zap.String("task_id", taskID),
		zap.String("collection", job.Collection),
	)
	return job, false, nil
}

// ExportFile 已完成任务的结果文件
type ExportFile struct {
	Path     string
	Gzip     bool
	Filename string
}

// ResultFile 取已成功任务的结果文件，供按任务下载
func (m *Manager) ResultFile(ctx context.Context, taskID string) (*ExportFile, error) {
	job, err := m.Status(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if job.Status != jobstore.StatusSucceeded {
		return nil, apperrors.NewBadRequest("task not finished")
	}
	if job.FilePath == "" {
		return nil, apperrors.NewNotFound("file not found")
	}
	if _, err := os.Stat(job.FilePath); err != nil {
		return nil, apperrors.NewNotFound("file not found")
	}
	p := paramsFromMap(job.Params)
	ext := ".jsonl"
	if p.WithGzip {
		ext = ".jsonl.gz"
	}
	return &ExportFile{
		Path:     job.FilePath,
		Gzip:     p.WithGzip,
		Filename: fmt.Sprintf("%s_export_%s%s", p.Collection, taskID, ext),
	}, nil
}

// ExportNDJSON 同步导出整集合为 NDJSON。数据量大时应改用 Start。
func (m *Manager) ExportNDJSON(ctx context.Context, p ExportParams) ([]byte, error) {
	exists, err := m.index.CollectionExists(ctx, p.Collection)
	if err != nil {
		return nil, apperrors.NewUpstream("vector index unavailable", err)
	}
	if !exists {
		return nil, apperrors.NewNotFound("collection not found")
	}
	var buf bytes.Buffer
	err = m.scrollPoints(ctx, p, func(pt qdrant.Point) error {
		line, err := marshalRecord(pt, p.WithVectors, p.WithPayload)
		if err != nil {
			return err
		}
		buf.Write(line)
		buf.WriteByte('\n')
		return nil
	})
	if err != nil {
		return nil, apperrors.NewUpstream("failed to scroll collection", err)
	}
	return buf.Bytes(), nil
}

func (m *Manager) startCleaner() {
	m.cleanerOnce.Do(func() {
		safego.Go(m.logger, "export-cleaner", func() {
			ticker := time.NewTicker(cleanupInterval)
			defer ticker.Stop()
			for range ticker.C {
				m.cleanupExpired(context.Background())
			}
		})
	})
}

// cleanupExpired 清掉超过保留期的终态任务及其临时文件
func (m *Manager) cleanupExpired(ctx context.Context) {
	jobs, err := m.jobs.List(ctx)
	if err != nil {
		return
	}
	now := time.Now()
	for _, job := range jobs {
		if !jobstore.IsTerminal(job.Status) || job.FinishedAt == nil {
			continue
		}
		if now.Sub(*job.FinishedAt) <= m.cfg.TTL {
			continue
		}
		if job.FilePath != "" {
			_ = os.Remove(job.FilePath)
		}
		_ = m.jobs.Delete(ctx, job.TaskID)
	}
}
