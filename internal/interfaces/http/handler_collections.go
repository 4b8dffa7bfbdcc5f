package http

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Neal-yes/AI-Support-System/internal/domain/transfer"
	"github.com/Neal-yes/AI-Support-System/internal/infrastructure/jobstore"
	"github.com/Neal-yes/AI-Support-System/internal/infrastructure/qdrant"
	apperrors "github.com/Neal-yes/AI-Support-System/pkg/errors"
)

// CollectionsHandler 集合管理与搬运端点
type CollectionsHandler struct {
	index    VectorIndex
	embed    Embedder
	importer *transfer.Importer
	manager  *transfer.Manager
	logger   *zap.Logger
}

// NewCollectionsHandler 创建集合处理器
func NewCollectionsHandler(index VectorIndex, embed Embedder, importer *transfer.Importer, manager *transfer.Manager, logger *zap.Logger) *CollectionsHandler {
	return &CollectionsHandler{index: index, embed: embed, importer: importer, manager: manager, logger: logger}
}

// 路由语法限制：gin 不允许同级静态段与参数段共存，
// 因此 /collections 下的子资源统一走参数段再分发。
// "export" 与 "points" 是保留名，不能作为集合名访问。

func (h *CollectionsHandler) postRoot(c *gin.Context) {
	switch c.Param("name") {
	case "ensure":
		h.ensure(c)
	case "import":
		h.importInline(c)
	case "import_file":
		h.importFile(c)
	case "export":
		h.exportSync(c)
	default:
		respondError(c, h.logger, apperrors.NewNotFound("not found"))
	}
}

func (h *CollectionsHandler) postAction(c *gin.Context) {
	name, action := c.Param("name"), c.Param("action")
	switch {
	case name == "points" && action == "delete_by_ids":
		h.deleteByIDs(c)
	case name == "points" && action == "delete_by_filter":
		h.deleteByFilter(c)
	case name == "points" && action == "upsert_texts":
		h.upsertTexts(c)
	case name == "export" && action == "start":
		h.exportStart(c)
	case action == "clear":
		h.clear(c, name)
	default:
		respondError(c, h.logger, apperrors.NewNotFound("not found"))
	}
}

func (h *CollectionsHandler) getAction(c *gin.Context) {
	if c.Param("name") != "export" {
		respondError(c, h.logger, apperrors.NewNotFound("not found"))
		return
	}
	switch c.Param("action") {
	case "status":
		h.exportStatus(c)
	case "download_by_task":
		h.downloadByTask(c)
	case "download":
		h.download(c)
	default:
		respondError(c, h.logger, apperrors.NewNotFound("not found"))
	}
}

func (h *CollectionsHandler) deleteAction(c *gin.Context) {
	if c.Param("name") == "export" && c.Param("action") == "task" {
		h.exportCancel(c)
		return
	}
	respondError(c, h.logger, apperrors.NewNotFound("not found"))
}

// List 列出全部集合
func (h *CollectionsHandler) List(c *gin.Context) {
	names, err := h.index.List(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, apperrors.NewUpstream("vector index unavailable", err))
		return
	}
	respondOK(c, http.StatusOK, gin.H{"collections": names})
}

// Get 查询单个集合信息
func (h *CollectionsHandler) Get(c *gin.Context) {
	name := c.Param("name")
	ctx := c.Request.Context()
	exists, err := h.index.CollectionExists(ctx, name)
	if err != nil {
		respondError(c, h.logger, apperrors.NewUpstream("vector index unavailable", err))
		return
	}
	if !exists {
		respondError(c, h.logger, apperrors.NewNotFound("collection not found"))
		return
	}
	info, err := h.index.GetInfo(ctx, name)
	if err != nil {
		respondError(c, h.logger, apperrors.NewUpstream("vector index unavailable", err))
		return
	}
	respondOK(c, http.StatusOK, gin.H{"name": name, "info": info.Raw})
}

type ensureRequest struct {
	Collection string `json:"collection" binding:"required"`
	VectorSize int    `json:"vector_size" binding:"required"`
	Distance   string `json:"distance"`
}

func (h *CollectionsHandler) ensure(c *gin.Context) {
	var req ensureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadBinding(c, h.logger, err)
		return
	}
	dist, err := qdrant.ParseDistance(req.Distance)
	if err != nil {
		respondError(c, h.logger, apperrors.NewBadRequest(err.Error()))
		return
	}
	if err := h.index.Ensure(c.Request.Context(), req.Collection, req.VectorSize, dist); err != nil {
		respondError(c, h.logger, apperrors.NewUpstream("failed to ensure collection", err))
		return
	}
	respondOK(c, http.StatusOK, gin.H{
		"collection":  req.Collection,
		"vector_size": req.VectorSize,
		"distance":    string(dist),
		"ensured":     true,
	})
}

// Drop 删除集合。不存在时幂等返回 deleted=false。
func (h *CollectionsHandler) Drop(c *gin.Context) {
	name := c.Param("name")
	ctx := c.Request.Context()
	exists, err := h.index.CollectionExists(ctx, name)
	if err != nil {
		respondError(c, h.logger, apperrors.NewUpstream("vector index unavailable", err))
		return
	}
	if !exists {
		respondOK(c, http.StatusOK, gin.H{"deleted": false, "reason": "not found"})
		return
	}
	if err := h.index.Drop(ctx, name); err != nil {
		respondError(c, h.logger, apperrors.NewUpstream("failed to drop collection", err))
		return
	}
	respondOK(c, http.StatusOK, gin.H{"deleted": true, "collection": name})
}

func (h *CollectionsHandler) clear(c *gin.Context, name string) {
	ctx := c.Request.Context()
	exists, err := h.index.CollectionExists(ctx, name)
	if err != nil {
		respondError(c, h.logger, apperrors.NewUpstream("vector index unavailable", err))
		return
	}
	if !exists {
		respondError(c, h.logger, apperrors.NewNotFound("collection not found"))
		return
	}
	if err := h.index.Clear(ctx, name); err != nil {
		respondError(c, h.logger, apperrors.NewUpstream("failed to clear collection", err))
		return
	}
	respondOK(c, http.StatusOK, gin.H{"collection": name, "cleared": true})
}

type deleteByIDsRequest struct {
	Collection string `json:"collection" binding:"required"`
	IDs        []any  `json:"ids"`
}

func (h *CollectionsHandler) deleteByIDs(c *gin.Context) {
	var req deleteByIDsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadBinding(c, h.logger, err)
		return
	}
	if len(req.IDs) == 0 {
		respondError(c, h.logger, apperrors.NewBadRequest("ids is required"))
		return
	}
	if err := h.index.DeleteByIDs(c.Request.Context(), req.Collection, req.IDs); err != nil {
		respondError(c, h.logger, apperrors.NewUpstream("failed to delete points", err))
		return
	}
	respondOK(c, http.StatusOK, gin.H{"deleted": true, "deleted_count": len(req.IDs)})
}

type deleteByFilterRequest struct {
	Collection string         `json:"collection" binding:"required"`
	Filters    map[string]any `json:"filters"`
}

func (h *CollectionsHandler) deleteByFilter(c *gin.Context) {
	var req deleteByFilterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadBinding(c, h.logger, err)
		return
	}
	if len(req.Filters) == 0 {
		respondError(c, h.logger, apperrors.NewBadRequest("filters is required"))
		return
	}
	count, err := h.index.DeleteByFilter(c.Request.Context(), req.Collection, req.Filters)
	if err != nil {
		respondError(c, h.logger, apperrors.NewUpstream("failed to delete points", err))
		return
	}
	respondOK(c, http.StatusOK, gin.H{"deleted": true, "deleted_count": count})
}

type upsertTextsRequest struct {
	Collection string           `json:"collection" binding:"required"`
	Texts      []string         `json:"texts" binding:"required"`
	Metadatas  []map[string]any `json:"metadatas"`
	IDs        []any            `json:"ids"`
}

// upsertTexts 文本嵌入后写入已有集合；payload 带原文与可选元数据
func (h *CollectionsHandler) upsertTexts(c *gin.Context) {
	var req upsertTextsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadBinding(c, h.logger, err)
		return
	}
	if len(req.Texts) == 0 {
		respondError(c, h.logger, apperrors.NewBadRequest("texts is required"))
		return
	}
	ctx := c.Request.Context()
	exists, err := h.index.CollectionExists(ctx, req.Collection)
	if err != nil {
		respondError(c, h.logger, apperrors.NewUpstream("vector index unavailable", err))
		return
	}
	if !exists {
		respondError(c, h.logger, apperrors.NewNotFound("collection not found"))
		return
	}

	vectors, err := h.embed.Embeddings(ctx, req.Texts, "")
	if err != nil {
		respondError(c, h.logger, apperrors.NewUpstream("failed to embed texts", err))
		return
	}

	ids := req.IDs
	if len(ids) == 0 {
		ids = make([]any, len(req.Texts))
		for i := range ids {
			ids[i] = uuid.NewString()
		}
	}
	if len(ids) != len(req.Texts) {
		respondError(c, h.logger, apperrors.NewBadRequest("ids length must match texts"))
		return
	}
	payloads := make([]map[string]any, len(req.Texts))
	for i, t := range req.Texts {
		p := map[string]any{"text": t}
		if i < len(req.Metadatas) {
			for k, v := range req.Metadatas[i] {
				p[k] = v
			}
		}
		payloads[i] = p
	}

	if err := h.index.Upsert(ctx, req.Collection, vectors, payloads, ids); err != nil {
		respondError(c, h.logger, apperrors.NewUpstream("failed to upsert points", err))
		return
	}
	respondOK(c, http.StatusOK, gin.H{
		"collection": req.Collection,
		"upserted":   len(req.Texts),
		"ids":        ids,
	})
}

type importRequest struct {
	Collection       string `json:"collection" binding:"required"`
	Data             string `json:"data" binding:"required"`
	ContinueOnError  bool   `json:"continue_on_error"`
	MaxErrorExamples int    `json:"max_error_examples"`
	BatchSize        int    `json:"batch_size"`
	OnConflict       string `json:"on_conflict"`
}

func (h *CollectionsHandler) importInline(c *gin.Context) {
	var req importRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadBinding(c, h.logger, err)
		return
	}
	result, err := h.importer.Import(c.Request.Context(), req.Collection, []byte(req.Data), transfer.ImportParams{
		ContinueOnError:  req.ContinueOnError,
		MaxErrorExamples: req.MaxErrorExamples,
		BatchSize:        req.BatchSize,
		OnConflict:       req.OnConflict,
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	respondImportResult(c, result)
}

// importFile 文件导入。gzip 按魔数自动识别。
func (h *CollectionsHandler) importFile(c *gin.Context) {
	collection := c.PostForm("collection")
	if collection == "" {
		respondError(c, h.logger, apperrors.NewBadRequest("collection is required"))
		return
	}
	fileHeader, err := c.FormFile("file")
	if err != nil {
		respondError(c, h.logger, apperrors.NewBadRequest("file is required"))
		return
	}
	f, err := fileHeader.Open()
	if err != nil {
		respondError(c, h.logger, apperrors.NewBadRequestf("failed to open upload: %v", err))
		return
	}
	defer f.Close()
	raw, err := io.ReadAll(f)
	if err != nil {
		respondError(c, h.logger, apperrors.NewBadRequestf("failed to read upload: %v", err))
		return
	}
	if len(raw) == 0 {
		respondError(c, h.logger, apperrors.NewBadRequest("empty file"))
		return
	}
	data, err := transfer.MaybeGunzip(raw)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	params := transfer.ImportParams{
		ContinueOnError: c.PostForm("continue_on_error") == "true",
		OnConflict:      c.PostForm("on_conflict"),
	}
	params.MaxErrorExamples, _ = strconv.Atoi(c.PostForm("max_error_examples"))
	params.BatchSize, _ = strconv.Atoi(c.PostForm("batch_size"))

	result, err := h.importer.Import(c.Request.Context(), collection, data, params)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	respondImportResult(c, result)
}

func respondImportResult(c *gin.Context, r *transfer.ImportResult) {
	respondOK(c, http.StatusOK, gin.H{
		"collection":        r.Collection,
		"imported":          r.Imported,
		"total_lines":       r.TotalLines,
		"skipped":           r.Skipped,
		"conflicts_skipped": r.ConflictsSkipped,
		"batches":           r.Batches,
		"errors":            r.Errors,
	})
}

type exportRequest struct {
	Collection      string         `json:"collection" binding:"required"`
	Filters         map[string]any `json:"filters"`
	WithVectors     *bool          `json:"with_vectors"`
	WithPayload     *bool          `json:"with_payload"`
	WithGzip        bool           `json:"with_gzip"`
	DelayMsPerPoint int            `json:"delay_ms_per_point"`
}

func (r *exportRequest) params() transfer.ExportParams {
	withVectors, withPayload := true, true
	if r.WithVectors != nil {
		withVectors = *r.WithVectors
	}
	if r.WithPayload != nil {
		withPayload = *r.WithPayload
	}
	return transfer.ExportParams{
		Collection:      r.Collection,
		Filters:         r.Filters,
		WithVectors:     withVectors,
		WithPayload:     withPayload,
		WithGzip:        r.WithGzip,
		DelayMsPerPoint: r.DelayMsPerPoint,
	}
}

// exportSync 小集合同步导出，整段 NDJSON 在响应体返回
func (h *CollectionsHandler) exportSync(c *gin.Context) {
	var req exportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadBinding(c, h.logger, err)
		return
	}
	data, err := h.manager.ExportNDJSON(c.Request.Context(), req.params())
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.Data(http.StatusOK, "application/x-ndjson", data)
}

func (h *CollectionsHandler) exportStart(c *gin.Context) {
	var req exportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadBinding(c, h.logger, err)
		return
	}
	job, err := h.manager.Start(c.Request.Context(), req.params(), tenantOf(c), requestID(c))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	respondOK(c, http.StatusOK, gin.H{"task_id": job.TaskID, "status": job.Status})
}

func taskIDParam(c *gin.Context) (string, bool) {
	taskID := c.Query("task_id")
	return taskID, taskID != ""
}

// jobView 任务视图，file_path 不对外
func jobView(job *jobstore.ExportJob) gin.H {
	view := gin.H{
		"task_id":    job.TaskID,
		"tenant":     job.Tenant,
		"collection": job.Collection,
		"status":     job.Status,
		"created_at": job.CreatedAt,
		"written":    job.Written,
		"total":      job.Total,
		"cancelled":  job.Cancelled,
	}
	if job.StartedAt != nil {
		view["started_at"] = job.StartedAt
	}
	if job.FinishedAt != nil {
		view["finished_at"] = job.FinishedAt
	}
	if job.Error != "" {
		view["error"] = job.Error
	}
	return view
}

func (h *CollectionsHandler) exportStatus(c *gin.Context) {
	taskID, ok := taskIDParam(c)
	if !ok {
		respondError(c, h.logger, apperrors.NewBadRequest("task_id is required"))
		return
	}
	job, err := h.manager.Status(c.Request.Context(), taskID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	respondOK(c, http.StatusOK, jobView(job))
}

func (h *CollectionsHandler) exportCancel(c *gin.Context) {
	taskID, ok := taskIDParam(c)
	if !ok {
		respondError(c, h.logger, apperrors.NewBadRequest("task_id is required"))
		return
	}
	job, finished, err := h.manager.Cancel(c.Request.Context(), taskID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if finished {
		respondOK(c, http.StatusOK, gin.H{"task_id": taskID, "status": job.Status, "message": "task already finished"})
		return
	}
	respondOK(c, http.StatusOK, gin.H{"task_id": taskID, "status": "cancelling"})
}

func (h *CollectionsHandler) downloadByTask(c *gin.Context) {
	taskID, ok := taskIDParam(c)
	if !ok {
		respondError(c, h.logger, apperrors.NewBadRequest("task_id is required"))
		return
	}
	file, err := h.manager.ResultFile(c.Request.Context(), taskID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.FileAttachment(file.Path, file.Filename)
}

// streamWriter 首次写出时才落响应头，让下载前置校验仍能返回 JSON 错误
type streamWriter struct {
	c        *gin.Context
	gzip     bool
	filename string
	started  bool
}

func (w *streamWriter) Write(p []byte) (int, error) {
	if !w.started {
		w.started = true
		header := w.c.Writer.Header()
		header.Set("Content-Type", "application/x-ndjson")
		header.Set("Content-Disposition",
			fmt.Sprintf("attachment; filename*=UTF-8''%s", url.PathEscape(w.filename)))
		if w.gzip {
			header.Set("Content-Encoding", "gzip")
		}
		w.c.Writer.WriteHeader(http.StatusOK)
	}
	n, err := w.c.Writer.Write(p)
	w.c.Writer.Flush()
	return n, err
}

// download 直接流式下载，槽位占满时立即 429
func (h *CollectionsHandler) download(c *gin.Context) {
	collection := c.Query("collection")
	if collection == "" {
		respondError(c, h.logger, apperrors.NewBadRequest("collection is required"))
		return
	}
	var filters map[string]any
	if raw := c.Query("filters"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &filters); err != nil {
			respondError(c, h.logger, apperrors.NewBadRequest("filters must be a valid JSON string"))
			return
		}
	}
	opts := transfer.DownloadOptions{
		Collection:  collection,
		Filters:     filters,
		WithVectors: c.DefaultQuery("with_vectors", "true") == "true",
		WithPayload: c.DefaultQuery("with_payload", "true") == "true",
		Gzip:        c.Query("gzip") == "true",
		Tenant:      tenantOf(c),
	}
	opts.DelayMsPerPoint, _ = strconv.Atoi(c.Query("delay_ms_per_point"))

	filename := collection + "_export.jsonl"
	if opts.Gzip {
		filename += ".gz"
	}
	sw := &streamWriter{c: c, gzip: opts.Gzip, filename: filename}
	if err := h.manager.Download(c.Request.Context(), sw, opts); err != nil {
		if !sw.started {
			respondError(c, h.logger, err)
			return
		}
		// 响应头已发出，只能记录并断流
		h.logger.Warn("download_aborted",
			zap.String("request_id", requestID(c)),
			zap.String("collection", collection),
			zap.Error(err),
		)
	}
}
