package transfer

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Neal-yes/AI-Support-System/internal/infrastructure/jobstore"
	"github.com/Neal-yes/AI-Support-System/internal/infrastructure/monitoring"
	"github.com/Neal-yes/AI-Support-System/internal/infrastructure/qdrant"
	apperrors "github.com/Neal-yes/AI-Support-System/pkg/errors"
)

type fakeIndex struct {
	mu       sync.Mutex
	exists   bool
	dim      int
	points   []qdrant.Point
	existing map[string]bool
	upserts  int
	imported []any
}

func (f *fakeIndex) CollectionExists(context.Context, string) (bool, error) { return f.exists, nil }

func (f *fakeIndex) GetInfo(context.Context, string) (*qdrant.CollectionInfo, error) {
	return &qdrant.CollectionInfo{VectorSize: f.dim}, nil
}

func (f *fakeIndex) Scroll(_ context.Context, _ string, p qdrant.ScrollParams) ([]qdrant.Point, any, error) {
	start := 0
	if p.Offset != nil {
		start = p.Offset.(int)
	}
	if start >= len(f.points) {
		return nil, nil, nil
	}
	end := min(start+p.Limit, len(f.points))
	page := f.points[start:end]
	if end >= len(f.points) {
		return page, nil, nil
	}
	return page, end, nil
}

func (f *fakeIndex) Upsert(_ context.Context, _ string, vectors [][]float32, _ []map[string]any, ids []any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts++
	f.imported = append(f.imported, ids...)
	_ = vectors
	return nil
}

func (f *fakeIndex) Retrieve(_ context.Context, _ string, ids []any, _, _ bool) ([]qdrant.Point, error) {
	var out []qdrant.Point
	for _, id := range ids {
		if f.existing[fmt.Sprint(id)] {
			out = append(out, qdrant.Point{ID: id})
		}
	}
	return out, nil
}

func newTestImporter(idx *fakeIndex) *Importer {
	return NewImporter(idx, monitoring.New(), nil)
}

func newTestManager(idx *fakeIndex, cfg Config) (*Manager, *jobstore.MemoryStore) {
	store := jobstore.NewMemoryStore()
	cfg.TempDir = os.TempDir()
	return NewManager(idx, store, cfg, monitoring.New(), nil), store
}

func waitStatus(t *testing.T, m *Manager, taskID, want string) *jobstore.ExportJob {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		job, err := m.Status(context.Background(), taskID)
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if job.Status == want {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	job, _ := m.Status(context.Background(), taskID)
	t.Fatalf("task %s never reached %q, last = %+v", taskID, want, job)
	return nil
}

func makePoints(n int) []qdrant.Point {
	points := make([]qdrant.Point, n)
	for i := range points {
		points[i] = qdrant.Point{
			ID:      fmt.Sprintf("p%d", i),
			Vector:  []any{0.1, 0.2},
			Payload: map[string]any{"text": fmt.Sprintf("doc-%d", i)},
		}
	}
	return points
}

func TestImportParsesAndBatches(t *testing.T) {
	idx := &fakeIndex{exists: true, dim: 2}
	im := newTestImporter(idx)

	data := []byte(`{"id":"a","vector":[1,2],"payload":{"text":"x"}}
{"id":"b","vector":[3,4]}
{"id":"c","vector":[5,6]}`)
	res, err := im.Import(context.Background(), "docs", data, ImportParams{BatchSize: 2})
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if res.Imported != 3 || res.Batches != 2 || res.Skipped != 0 {
		t.Errorf("result = %+v", res)
	}
	if idx.upserts != 2 {
		t.Errorf("upsert calls = %d, want 2", idx.upserts)
	}
}

func TestImportBadLineFailFast(t *testing.T) {
	idx := &fakeIndex{exists: true, dim: 2}
	im := newTestImporter(idx)

	data := []byte(`{"id":"a","vector":[1,2]}
{"id":"b","vector":"oops"}`)
	_, err := im.Import(context.Background(), "docs", data, ImportParams{})
	if !apperrors.IsBadRequest(err) {
		t.Fatalf("err = %v, want BAD_REQUEST", err)
	}
	if !strings.Contains(err.Error(), "invalid jsonl line at 2") {
		t.Errorf("error lacks line number: %v", err)
	}
	if idx.upserts != 0 {
		t.Error("nothing should be written on fail-fast")
	}
}

func TestImportContinueOnErrorCollectsExamples(t *testing.T) {
	idx := &fakeIndex{exists: true, dim: 2}
	im := newTestImporter(idx)

	data := []byte(`{"id":"a","vector":[1,2]}
not-json
{"id":"c","vector":[1,2,3]}`)
	res, err := im.Import(context.Background(), "docs", data, ImportParams{
		ContinueOnError:  true,
		MaxErrorExamples: 1,
	})
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if res.Imported != 1 || res.Skipped != 2 {
		t.Errorf("result = %+v", res)
	}
	if len(res.Errors) != 1 || res.Errors[0].LineNo != 2 {
		t.Errorf("errors = %+v", res.Errors)
	}
}

func TestImportConflictSkip(t *testing.T) {
	idx := &fakeIndex{exists: true, dim: 2, existing: map[string]bool{"a": true}}
	im := newTestImporter(idx)

	data := []byte(`{"id":"a","vector":[1,2]}
{"id":"b","vector":[3,4]}`)
	res, err := im.Import(context.Background(), "docs", data, ImportParams{OnConflict: OnConflictSkip})
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if res.Imported != 1 || res.ConflictsSkipped != 1 || res.Skipped != 1 {
		t.Errorf("result = %+v", res)
	}
	if len(idx.imported) != 1 || fmt.Sprint(idx.imported[0]) != "b" {
		t.Errorf("written ids = %v", idx.imported)
	}
}

func TestImportMissingCollection(t *testing.T) {
	im := newTestImporter(&fakeIndex{exists: false})
	_, err := im.Import(context.Background(), "nope", []byte(`{"vector":[1]}`), ImportParams{})
	if !apperrors.IsNotFound(err) {
		t.Errorf("err = %v, want NOT_FOUND", err)
	}
}

func TestMaybeGunzip(t *testing.T) {
	plain := []byte(`{"id":1}`)
	if out, err := MaybeGunzip(plain); err != nil || !bytes.Equal(out, plain) {
		t.Errorf("plain passthrough: %v %q", err, out)
	}

	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	gw.Write(plain)
	gw.Close()
	if out, err := MaybeGunzip(buf.Bytes()); err != nil || !bytes.Equal(out, plain) {
		t.Errorf("gunzip: %v %q", err, out)
	}

	if _, err := MaybeGunzip([]byte{0x1F, 0x8B, 0x00, 0x01}); !apperrors.IsBadRequest(err) {
		t.Errorf("corrupt gzip: err = %v", err)
	}
}

func TestExportLifecycle(t *testing.T) {
	idx := &fakeIndex{exists: true, points: makePoints(3)}
	mgr, _ := newTestManager(idx, Config{})

	job, err := mgr.Start(context.Background(), ExportParams{
		Collection:  "docs",
		WithVectors: true,
		WithPayload: true,
	}, "tenant-a", "req-1")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if job.Status != jobstore.StatusPending {
		t.Errorf("initial status = %q", job.Status)
	}

	done := waitStatus(t, mgr, job.TaskID, jobstore.StatusSucceeded)
	if done.Total != 3 || done.Written != 3 {
		t.Errorf("job = %+v", done)
	}
	defer os.Remove(done.FilePath)

	data, err := os.ReadFile(done.FilePath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 3 {
		t.Errorf("file lines = %d", len(lines))
	}
	if !strings.Contains(lines[0], `"vector":[0.1,0.2]`) {
		t.Errorf("line = %s", lines[0])
	}

	file, err := mgr.ResultFile(context.Background(), job.TaskID)
	if err != nil {
		t.Fatalf("ResultFile: %v", err)
	}
	if file.Gzip || !strings.HasSuffix(file.Filename, ".jsonl") {
		t.Errorf("file = %+v", file)
	}
}

func TestExportCancelMidway(t *testing.T) {
	idx := &fakeIndex{exists: true, points: makePoints(50)}
	mgr, _ := newTestManager(idx, Config{})

	job, err := mgr.Start(context.Background(), ExportParams{
		Collection:      "docs",
		WithVectors:     true,
		WithPayload:     true,
		DelayMsPerPoint: 30,
	}, "", "")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	// 等任务开始写，再取消
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		j, _ := mgr.Status(context.Background(), job.TaskID)
		if j != nil && j.Written > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, finished, err := mgr.Cancel(context.Background(), job.TaskID); err != nil || finished {
		t.Fatalf("Cancel: %v finished=%v", err, finished)
	}

	done := waitStatus(t, mgr, job.TaskID, jobstore.StatusCancelled)
	if done.Written >= 50 {
		t.Errorf("written = %d, cancellation had no effect", done.Written)
	}
	if done.Error != "" {
		t.Errorf("cancelled task carries error %q", done.Error)
	}
	os.Remove(done.FilePath)

	if _, err := mgr.ResultFile(context.Background(), job.TaskID); !apperrors.IsBadRequest(err) {
		t.Errorf("ResultFile on cancelled task: %v", err)
	}

	// 终态任务再取消：原样返回
	if j, finished, err := mgr.Cancel(context.Background(), job.TaskID); err != nil || !finished || j.Status != jobstore.StatusCancelled {
		t.Errorf("re-cancel: %v finished=%v", err, finished)
	}
}

func TestExportQueuedJobStaysPending(t *testing.T) {
	idx := &fakeIndex{exists: true, points: makePoints(50)}
	mgr, _ := newTestManager(idx, Config{ExportMaxConcurrency: 1})

	slow, err := mgr.Start(context.Background(), ExportParams{
		Collection:      "docs",
		DelayMsPerPoint: 30,
	}, "", "")
	if err != nil {
		t.Fatalf("Start slow: %v", err)
	}
	waitStatus(t, mgr, slow.TaskID, jobstore.StatusRunning)

	queued, err := mgr.Start(context.Background(), ExportParams{Collection: "docs"}, "", "")
	if err != nil {
		t.Fatalf("Start queued: %v", err)
	}

	// 名额被占满时后来的任务不得自称 running
	time.Sleep(100 * time.Millisecond)
	j, err := mgr.Status(context.Background(), queued.TaskID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if j.Status != jobstore.StatusPending {
		t.Errorf("queued job status = %q, want pending", j.Status)
	}

	// 排队中取消：拿到名额后应直接进入 cancelled
	if _, finished, err := mgr.Cancel(context.Background(), queued.TaskID); err != nil || finished {
		t.Fatalf("Cancel queued: %v finished=%v", err, finished)
	}
	if _, _, err := mgr.Cancel(context.Background(), slow.TaskID); err != nil {
		t.Fatalf("Cancel slow: %v", err)
	}
	done := waitStatus(t, mgr, queued.TaskID, jobstore.StatusCancelled)
	if done.Written != 0 {
		t.Errorf("queued-then-cancelled job wrote %d rows", done.Written)
	}
	slowDone := waitStatus(t, mgr, slow.TaskID, jobstore.StatusCancelled)
	os.Remove(slowDone.FilePath)
	os.Remove(done.FilePath)
}

func TestExportGzipFile(t *testing.T) {
	idx := &fakeIndex{exists: true, points: makePoints(2)}
	mgr, _ := newTestManager(idx, Config{})

	job, err := mgr.Start(context.Background(), ExportParams{
		Collection:  "docs",
		WithVectors: true,
		WithPayload: true,
		WithGzip:    true,
	}, "", "")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	done := waitStatus(t, mgr, job.TaskID, jobstore.StatusSucceeded)
	defer os.Remove(done.FilePath)

	f, err := os.Open(done.FilePath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()
	gr, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("gzip.NewReader: %v", err)
	}
	data, _ := io.ReadAll(gr)
	if lines := strings.Split(strings.TrimSpace(string(data)), "\n"); len(lines) != 2 {
		t.Errorf("gunzipped lines = %d", len(lines))
	}

	file, err := mgr.ResultFile(context.Background(), job.TaskID)
	if err != nil || !file.Gzip || !strings.HasSuffix(file.Filename, ".jsonl.gz") {
		t.Errorf("file = %+v err = %v", file, err)
	}
}

func TestExportMissingCollection(t *testing.T) {
	mgr, _ := newTestManager(&fakeIndex{exists: false}, Config{})
	if _, err := mgr.Start(context.Background(), ExportParams{Collection: "nope"}, "", ""); !apperrors.IsNotFound(err) {
		t.Errorf("err = %v, want NOT_FOUND", err)
	}
	if _, err := mgr.Status(context.Background(), "missing-task"); !apperrors.IsNotFound(err) {
		t.Errorf("status err = %v, want NOT_FOUND", err)
	}
}

func TestSyncExportUnwrapsNamedVector(t *testing.T) {
	idx := &fakeIndex{exists: true, points: []qdrant.Point{{
		ID:      "n1",
		Vector:  map[string]any{"default": []any{0.5, 0.6}},
		Payload: map[string]any{"text": "named"},
	}}}
	mgr, _ := newTestManager(idx, Config{})

	out, err := mgr.ExportNDJSON(context.Background(), ExportParams{
		Collection: "docs", WithVectors: true, WithPayload: true,
	})
	if err != nil {
		t.Fatalf("ExportNDJSON: %v", err)
	}
	if !strings.Contains(string(out), `"vector":[0.5,0.6]`) {
		t.Errorf("named vector not unwrapped: %s", out)
	}
}

func TestDownloadStreamOmitsUnrequestedFields(t *testing.T) {
	idx := &fakeIndex{exists: true, points: makePoints(3)}
	mgr, _ := newTestManager(idx, Config{})

	var buf bytes.Buffer
	err := mgr.Download(context.Background(), &buf, DownloadOptions{
		Collection:  "docs",
		WithPayload: true,
	})
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Errorf("rows = %d", len(lines))
	}
	if strings.Contains(lines[0], `"vector"`) {
		t.Errorf("vector not requested but present: %s", lines[0])
	}
}

func TestDownloadGzipStream(t *testing.T) {
	idx := &fakeIndex{exists: true, points: makePoints(4)}
	mgr, _ := newTestManager(idx, Config{})

	var buf bytes.Buffer
	err := mgr.Download(context.Background(), &buf, DownloadOptions{
		Collection:  "docs",
		WithVectors: true,
		WithPayload: true,
		Gzip:        true,
	})
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	gr, err := gzip.NewReader(&buf)
	if err != nil {
		t.Fatalf("gzip.NewReader: %v", err)
	}
	data, _ := io.ReadAll(gr)
	if lines := strings.Split(strings.TrimSpace(string(data)), "\n"); len(lines) != 4 {
		t.Errorf("gunzipped rows = %d", len(lines))
	}
}

func TestDownloadConcurrencyLimit(t *testing.T) {
	idx := &fakeIndex{exists: true, points: makePoints(20)}
	mgr, _ := newTestManager(idx, Config{DownloadMaxConcurrency: 1})

	errCh := make(chan error, 1)
	go func() {
		var buf bytes.Buffer
		errCh <- mgr.Download(context.Background(), &buf, DownloadOptions{
			Collection:      "docs",
			WithPayload:     true,
			DelayMsPerPoint: 30,
		})
	}()
	time.Sleep(100 * time.Millisecond)

	var buf bytes.Buffer
	err := mgr.Download(context.Background(), &buf, DownloadOptions{Collection: "docs"})
	if !apperrors.IsRateLimited(err) {
		t.Errorf("second download err = %v, want RATE_LIMITED", err)
	}
	if err := <-errCh; err != nil {
		t.Errorf("first download: %v", err)
	}
}

func TestCleanupExpiredRemovesJobAndFile(t *testing.T) {
	idx := &fakeIndex{exists: true}
	mgr, store := newTestManager(idx, Config{TTL: time.Hour})

	tmp, err := os.CreateTemp("", "export_cleanup_*.jsonl")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	tmp.Close()

	finished := time.Now().Add(-2 * time.Hour)
	store.Save(context.Background(), &jobstore.ExportJob{
		TaskID:     "old-task",
		Status:     jobstore.StatusSucceeded,
		FinishedAt: &finished,
		FilePath:   tmp.Name(),
	})
	fresh := time.Now()
	store.Save(context.Background(), &jobstore.ExportJob{
		TaskID:     "fresh-task",
		Status:     jobstore.StatusSucceeded,
		FinishedAt: &fresh,
	})

	mgr.cleanupExpired(context.Background())

	if job, _ := store.Get(context.Background(), "old-task"); job != nil {
		t.Error("expired job not removed")
	}
	if _, err := os.Stat(tmp.Name()); !os.IsNotExist(err) {
		t.Error("expired file not removed")
	}
	if job, _ := store.Get(context.Background(), "fresh-task"); job == nil {
		t.Error("fresh job must be kept")
	}
}
