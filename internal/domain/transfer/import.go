package transfer

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Neal-yes/AI-Support-System/internal/infrastructure/monitoring"
	apperrors "github.com/Neal-yes/AI-Support-System/pkg/errors"
)

// 冲突策略
const (
	OnConflictUpsert = "upsert"
	OnConflictSkip   = "skip"
)

const (
	defaultImportBatchSize = 1000
	importErrorLineMax     = 500
)

// Importer 把 NDJSON 行批量写入向量索引
type Importer struct {
	index   Index
	metrics *monitoring.Metrics
	logger  *zap.Logger
}

func NewImporter(index Index, metrics *monitoring.Metrics, logger *zap.Logger) *Importer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Importer{index: index, metrics: metrics, logger: logger}
}

// ImportParams 导入行为开关
type ImportParams struct {
	ContinueOnError  bool
	MaxErrorExamples int
	BatchSize        int
	OnConflict       string
}

// ImportError 单行失败样例
type ImportError struct {
	LineNo int    `json:"line_no"`
	Error  string `json:"error"`
	Line   string `json:"line"`
}

// ImportResult 导入汇总
type ImportResult struct {
	Collection       string        `json:"collection"`
	Imported         int           `json:"imported"`
	TotalLines       int           `json:"total_lines"`
	Skipped          int           `json:"skipped"`
	ConflictsSkipped int           `json:"conflicts_skipped"`
	Batches          int           `json:"batches"`
	Errors           []ImportError `json:"errors"`
}

// MaybeGunzip 按魔数（1F 8B）识别 gzip 内容并解压，非 gzip 原样返回
func MaybeGunzip(raw []byte) ([]byte, error) {
	if len(raw) < 2 || raw[0] != 0x1F || raw[1] != 0x8B {
		return raw, nil
	}
	gr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, apperrors.NewBadRequestf("failed to gunzip: %v", err)
	}
	defer gr.Close()
	out, err := io.ReadAll(gr)
	if err != nil {
		return nil, apperrors.NewBadRequestf("failed to gunzip: %v", err)
	}
	return out, nil
}

func parseImportLine(ln string, expectedDim int) (any, []float32, map[string]any, error) {
	var obj struct {
		ID      any             `json:"id"`
		Vector  json.RawMessage `json:"vector"`
		Payload map[string]any  `json:"payload"`
	}
	if err := json.Unmarshal([]byte(ln), &obj); err != nil {
		return nil, nil, nil, err
	}
	var raw []float64
	if len(obj.Vector) == 0 || json.Unmarshal(obj.Vector, &raw) != nil || raw == nil {
		return nil, nil, nil, fmt.Errorf("vector must be a list of floats")
	}
	if expectedDim > 0 && len(raw) != expectedDim {
		return nil, nil, nil, fmt.Errorf("vector dimension mismatch, expected %d, got %d", expectedDim, len(raw))
	}
	vec := make([]float32, len(raw))
	for i, f := range raw {
		vec[i] = float32(f)
	}
	return obj.ID, vec, obj.Payload, nil
}

func truncateLine(ln string, max int) string {
	if len(ln) <= max {
		return ln
	}
	return ln[:max]
}

func (im *Importer) countSkipped(collection, reason string) {
	if im.metrics != nil {
		im.metrics.ImportSkippedTotal.WithLabelValues(collection, reason).Inc()
	}
}

// Import 解析 NDJSON 并分批写入。
// continue_on_error 关闭时首个坏行即整体失败；
// 打开时坏行计入 skipped 并收集至多 MaxErrorExamples 条样例。
func (im *Importer) Import(ctx context.Context, collection string, data []byte, p ImportParams) (*ImportResult, error) {
	exists, err := im.index.CollectionExists(ctx, collection)
	if err != nil {
		return nil, apperrors.NewUpstream("vector index unavailable", err)
	}
	if !exists {
		return nil, apperrors.NewNotFound("collection not found")
	}
	info, err := im.index.GetInfo(ctx, collection)
	if err != nil {
		return nil, apperrors.NewUpstream("failed to read collection info", err)
	}
	expectedDim := info.VectorSize

	if p.BatchSize <= 0 {
		p.BatchSize = defaultImportBatchSize
	}
	onConflict := strings.ToLower(p.OnConflict)
	if onConflict == "" {
		onConflict = OnConflictUpsert
	}

	var lines []string
	for _, ln := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(ln) != "" {
			lines = append(lines, strings.TrimRight(ln, "\r"))
		}
	}

	result := &ImportResult{Collection: collection, TotalLines: len(lines), Errors: []ImportError{}}
	var ids []any
	var vectors [][]float32
	var payloads []map[string]any

	start := time.Now()
	for idx, ln := range lines {
		id, vec, payload, err := parseImportLine(ln, expectedDim)
		if err != nil {
			if !p.ContinueOnError {
				return nil, apperrors.NewBadRequestf("invalid jsonl line at %d: %v", idx+1, err)
			}
			if len(result.Errors) < p.MaxErrorExamples {
				result.Errors = append(result.Errors, ImportError{
					LineNo: idx + 1,
					Error:  err.Error(),
					Line:   truncateLine(ln, importErrorLineMax),
				})
			}
			im.countSkipped(collection, "error")
			continue
		}
		ids = append(ids, id)
		vectors = append(vectors, vec)
		payloads = append(payloads, payload)
	}
	parsed := len(vectors)

	for i := 0; i < len(vectors); i += p.BatchSize {
		end := min(i+p.BatchSize, len(vectors))
		subVecs, subIDs, subPls := vectors[i:end], ids[i:end], payloads[i:end]
		if onConflict == OnConflictSkip {
			subVecs, subIDs, subPls = im.filterConflicts(ctx, collection, subVecs, subIDs, subPls, result)
		}
		if len(subVecs) == 0 {
			continue
		}
		if err := im.index.Upsert(ctx, collection, subVecs, subPls, subIDs); err != nil {
			return nil, apperrors.NewUpstream("failed to upsert points", err)
		}
		result.Batches++
		result.Imported += len(subVecs)
		if im.metrics != nil {
			im.metrics.ImportBatchesTotal.WithLabelValues(collection).Inc()
			im.metrics.ImportRowsTotal.WithLabelValues(collection).Add(float64(len(subVecs)))
		}
	}

	result.Skipped = (result.TotalLines - parsed) + result.ConflictsSkipped
	if im.metrics != nil {
		im.metrics.ImportSeconds.WithLabelValues(collection).Observe(time.Since(start).Seconds())
	}
	im.logger.Info("import_finish",
		zap.String("collection", collection),
		zap.Int("imported", result.Imported),
		zap.Int("total_lines", result.TotalLines),
		zap.Int("skipped", result.Skipped),
		zap.Int("batches", result.Batches),
	)
	return result, nil
}

// filterConflicts 冲突跳过：只对显式给出 id 的行做存在性检查，
// 查询失败时按不存在处理（退化为 upsert）。
func (im *Importer) filterConflicts(ctx context.Context, collection string, vecs [][]float32, ids []any, pls []map[string]any, result *ImportResult) ([][]float32, []any, []map[string]any) {
	var checkIDs []any
	for _, id := range ids {
		if id != nil {
			checkIDs = append(checkIDs, id)
		}
	}
	existing := make(map[string]struct{})
	if len(checkIDs) > 0 {
		if points, err := im.index.Retrieve(ctx, collection, checkIDs, false, false); err == nil {
			for _, pt := range points {
				existing[fmt.Sprint(pt.ID)] = struct{}{}
			}
		}
	}

	var keepVecs [][]float32
	var keepIDs []any
	var keepPls []map[string]any
	for i, id := range ids {
		if id != nil {
			if _, dup := existing[fmt.Sprint(id)]; dup {
				result.ConflictsSkipped++
				im.countSkipped(collection, "conflict")
				continue
			}
		}
		keepVecs = append(keepVecs, vecs[i])
		keepIDs = append(keepIDs, id)
		keepPls = append(keepPls, pls[i])
	}
	return keepVecs, keepIDs, keepPls
}
