package transfer

import (
	"compress/gzip"
	"context"
	"io"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/Neal-yes/AI-Support-System/internal/infrastructure/qdrant"
	apperrors "github.com/Neal-yes/AI-Support-System/pkg/errors"
)

// DownloadOptions 直接流式下载参数
type DownloadOptions struct {
	Collection      string
	Filters         map[string]any
	WithVectors     bool
	WithPayload     bool
	Gzip            bool
	DelayMsPerPoint int
	Tenant          string
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// Download 把集合内容流式写出到 w。并发槽位占满时立即拒绝，
// 不排队，调用方应返回 429。gzip 模式下按块压缩，字节数按压缩后计。
func (m *Manager) Download(ctx context.Context, w io.Writer, opts DownloadOptions) error {
	exists, err := m.index.CollectionExists(ctx, opts.Collection)
	if err != nil {
		return apperrors.NewUpstream("vector index unavailable", err)
	}
	if !exists {
		return apperrors.NewNotFound("collection not found")
	}

	select {
	case m.dlSem <- struct{}{}:
	default:
		return apperrors.NewRateLimited("too many concurrent downloads")
	}
	defer func() { <-m.dlSem }()

	tenant := opts.Tenant
	if tenant == "" {
		tenant = AnonTenant
	}
	gzLabel := strconv.FormatBool(opts.Gzip)
	if m.metrics != nil {
		m.metrics.DownloadRunning.WithLabelValues(opts.Collection, gzLabel, tenant).Inc()
		defer m.metrics.DownloadRunning.WithLabelValues(opts.Collection, gzLabel, tenant).Dec()
	}

	m.logger.Info("download_start",
		zap.String("collection", opts.Collection),
		zap.Bool("gzip", opts.Gzip),
		zap.Bool("with_vectors", opts.WithVectors),
		zap.Bool("with_payload", opts.WithPayload),
		zap.Int("delay_ms_per_point", opts.DelayMsPerPoint),
	)

	cw := &countingWriter{w: w}
	var out io.Writer = cw
	var gz *gzip.Writer
	if opts.Gzip {
		gz = gzip.NewWriter(cw)
		out = gz
	}

	start := time.Now()
	rows := 0
	defer func() {
		duration := time.Since(start)
		if m.metrics != nil {
			m.metrics.DownloadSeconds.WithLabelValues(opts.Collection, gzLabel, tenant).Observe(duration.Seconds())
			m.metrics.DownloadBytesTotal.WithLabelValues(opts.Collection, gzLabel, tenant).Add(float64(cw.n))
			m.metrics.DownloadRowsTotal.WithLabelValues(opts.Collection, tenant).Add(float64(rows))
		}
		m.logger.Info("download_finish",
			zap.String("collection", opts.Collection),
			zap.Bool("gzip", opts.Gzip),
			zap.Int("rows", rows),
			zap.Int64("bytes", cw.n),
			zap.Int64("duration_ms", duration.Milliseconds()),
		)
	}()

	p := ExportParams{
		Collection:  opts.Collection,
		Filters:     opts.Filters,
		WithVectors: opts.WithVectors,
		WithPayload: opts.WithPayload,
	}
	streamErr := m.scrollPoints(ctx, p, func(pt qdrant.Point) error {
		line, err := downloadLine(pt, opts.WithVectors, opts.WithPayload)
		if err != nil {
			return err
		}
		if _, err := out.Write(append(line, '\n')); err != nil {
			return err
		}
		rows++
		if opts.DelayMsPerPoint > 0 {
			select {
			case <-time.After(time.Duration(opts.DelayMsPerPoint) * time.Millisecond):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})
	if gz != nil {
		if err := gz.Close(); err != nil && streamErr == nil {
			streamErr = err
		}
	}
	if streamErr != nil {
		// 响应头可能已发出，错误只能记录并中断流
		return apperrors.NewUpstream("download streaming failed", streamErr)
	}
	return nil
}
