package postgres

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	apperrors "github.com/Neal-yes/AI-Support-System/pkg/errors"
	"github.com/Neal-yes/AI-Support-System/internal/infrastructure/monitoring"
)

// QueryRequest 模板查询请求
type QueryRequest struct {
	TemplateID      string         `json:"template_id" binding:"required"`
	TemplateVersion string         `json:"template_version"`
	Params          map[string]any `json:"params"`
	Explain         bool           `json:"explain"`
}

// QueryResult 模板查询结果
type QueryResult struct {
	TemplateID      string           `json:"template_id"`
	TemplateVersion string           `json:"template_version"`
	RowCount        int              `json:"row_count"`
	Rows            []map[string]any `json:"rows"`
}

// AuditEntry 审计记录
type AuditEntry struct {
	Tenant          string  `json:"tenant"`
	TemplateID      string  `json:"template_id"`
	TemplateVersion string  `json:"template_version"`
	Explain         bool    `json:"explain"`
	RowCount        int     `json:"row_count"`
	TS              float64 `json:"ts"`
}

const auditRingMax = 200

// Service 模板查询服务
type Service struct {
	pool    *pgxpool.Pool
	metrics *monitoring.Metrics
	logger  *zap.Logger

	mu    sync.Mutex
	audit []AuditEntry
}

// NewService 创建服务。pool 可为 nil（未配置数据库时查询返回 ServiceUnavailable）。
func NewService(pool *pgxpool.Pool, metrics *monitoring.Metrics, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{pool: pool, metrics: metrics, logger: logger}
}

// Connect 按 DSN 建立连接池
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	return pgxpool.NewWithConfig(ctx, cfg)
}

func (s *Service) countQuery(template, tenant, result string) {
	if s.metrics != nil {
		s.metrics.DBQueryTotal.WithLabelValues(template, tenant, result).Inc()
	}
}

// Query 执行模板查询。校验失败计 rejected，超时计 timeout，其余失败计 error。
func (s *Service) Query(ctx context.Context, tenant string, req QueryRequest) (*QueryResult, error) {
	if tenant == "" {
		tenant = "default"
	}
	tpl, version, err := ResolveTemplate(req.TemplateID, req.TemplateVersion)
	if err != nil {
		s.countQuery(req.TemplateID, tenant, "rejected")
		return nil, apperrors.NewNotFound(err.Error())
	}
	if err := ValidateSQL(tpl.SQL); err != nil {
		s.countQuery(req.TemplateID, tenant, "rejected")
		return nil, apperrors.NewBadRequest(err.Error())
	}
	if s.pool == nil {
		s.countQuery(req.TemplateID, tenant, "rejected")
		return nil, apperrors.NewServiceUnavailable("database not configured")
	}

	maxRows := tpl.MaxRows
	if maxRows <= 0 {
		maxRows = 1000
	}
	timeout := time.Duration(tpl.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 3 * time.Second
	}

	finalSQL := WrapWithLimit(tpl.SQL, maxRows)
	if req.Explain {
		finalSQL = "EXPLAIN (ANALYZE false, FORMAT TEXT) " + tpl.SQL
	}

	queryCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	rows, err := s.pool.Query(queryCtx, finalSQL, pgx.NamedArgs(req.Params))
	if err != nil {
		s.observeQuery(req.TemplateID, tenant, started)
		if errors.Is(err, context.DeadlineExceeded) {
			s.countQuery(req.TemplateID, tenant, "timeout")
			return nil, apperrors.NewTimeout("query timed out")
		}
		s.countQuery(req.TemplateID, tenant, "error")
		return nil, apperrors.NewUpstream("query failed", err)
	}
	out, err := collectRows(rows)
	s.observeQuery(req.TemplateID, tenant, started)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			s.countQuery(req.TemplateID, tenant, "timeout")
			return nil, apperrors.NewTimeout("query timed out")
		}
		s.countQuery(req.TemplateID, tenant, "error")
		return nil, apperrors.NewUpstream("query failed", err)
	}
	s.countQuery(req.TemplateID, tenant, "ok")

	s.pushAudit(AuditEntry{
		Tenant:          tenant,
		TemplateID:      req.TemplateID,
		TemplateVersion: version,
		Explain:         req.Explain,
		RowCount:        len(out),
	})
	s.logger.Info("db_template_query",
		zap.String("tenant", tenant),
		zap.String("template_id", req.TemplateID),
		zap.String("template_version", version),
		zap.Bool("explain", req.Explain),
		zap.Int("row_count", len(out)),
	)
	return &QueryResult{
		TemplateID:      req.TemplateID,
		TemplateVersion: version,
		RowCount:        len(out),
		Rows:            out,
	}, nil
}

func (s *Service) observeQuery(template, tenant string, started time.Time) {
	if s.metrics != nil {
		s.metrics.DBQuerySeconds.WithLabelValues(template, tenant).Observe(time.Since(started).Seconds())
	}
}

func collectRows(rows pgx.Rows) ([]map[string]any, error) {
	defer rows.Close()
	out := make([]map[string]any, 0)
	fields := rows.FieldDescriptions()
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		row := make(map[string]any, len(fields))
		for i, fd := range fields {
			row[string(fd.Name)] = values[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *Service) pushAudit(entry AuditEntry) {
	entry.TS = float64(time.Now().UnixNano()) / 1e9
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, entry)
	if len(s.audit) > auditRingMax {
		s.audit = s.audit[len(s.audit)-auditRingMax:]
	}
}

// Audit 返回最近 limit 条审计记录
func (s *Service) Audit(limit int) []AuditEntry {
	if limit <= 0 || limit > auditRingMax {
		limit = 50
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.audit) < limit {
		limit = len(s.audit)
	}
	out := make([]AuditEntry, limit)
	copy(out, s.audit[len(s.audit)-limit:])
	return out
}
