package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	apperrors "github.com/Neal-yes/AI-Support-System/pkg/errors"
)

func writePolicyFile(t *testing.T, content any) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tools_policies.json")
	data, err := json.Marshal(content)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestMergeOptionsFiveLayers(t *testing.T) {
	path := writePolicyFile(t, map[string]any{
		"default": map[string]any{"options": map[string]any{"timeout_ms": 3000, "resp_max_chars": 2048}},
		"tenants": map[string]any{
			"default": map[string]any{
				"options": map[string]any{"retry_max": 1},
				"tools": map[string]any{
					"http_get": map[string]any{
						"options": map[string]any{"timeout_ms": 4000},
						"names": map[string]any{
							"simple": map[string]any{"options": map[string]any{"resp_max_chars": 4096}},
						},
					},
				},
			},
		},
	})
	store := NewPolicyStore(path, time.Minute, nil)

	merged := store.MergeOptions("default", "http_get", "simple", nil)
	if merged["resp_max_chars"] != float64(4096) {
		t.Errorf("resp_max_chars = %v, want 4096 from name layer", merged["resp_max_chars"])
	}
	if merged["timeout_ms"] != float64(4000) {
		t.Errorf("timeout_ms = %v, want 4000 from type layer", merged["timeout_ms"])
	}
	if merged["retry_max"] != float64(1) {
		t.Errorf("retry_max = %v, want 1 from tenant layer", merged["retry_max"])
	}

	// 请求级覆盖一切
	merged = store.MergeOptions("default", "http_get", "simple", map[string]any{"resp_max_chars": 1000})
	if merged["resp_max_chars"] != 1000 {
		t.Errorf("request override = %v, want 1000", merged["resp_max_chars"])
	}

	// 未知租户只拿全局默认
	merged = store.MergeOptions("other", "http_get", "simple", nil)
	if merged["resp_max_chars"] != float64(2048) {
		t.Errorf("unknown tenant resp_max_chars = %v, want 2048", merged["resp_max_chars"])
	}
}

func TestPolicyForceReload(t *testing.T) {
	path := writePolicyFile(t, map[string]any{
		"default": map[string]any{"options": map[string]any{"resp_max_chars": 2048}},
	})
	store := NewPolicyStore(path, time.Hour, nil)
	if got := store.MergeOptions("t", "http_get", "simple", nil)["resp_max_chars"]; got != float64(2048) {
		t.Fatalf("initial = %v", got)
	}

	data, _ := json.Marshal(map[string]any{
		"default": map[string]any{"options": map[string]any{"resp_max_chars": 1234}},
	})
	os.WriteFile(path, data, 0o644)

	// TTL 内仍拿旧值
	if got := store.MergeOptions("t", "http_get", "simple", nil)["resp_max_chars"]; got != float64(2048) {
		t.Errorf("within TTL = %v, want cached 2048", got)
	}
	if err := store.ForceReload(); err != nil {
		t.Fatalf("ForceReload: %v", err)
	}
	if got := store.MergeOptions("t", "http_get", "simple", nil)["resp_max_chars"]; got != float64(1234) {
		t.Errorf("after reload = %v, want 1234", got)
	}
}

func TestPolicyMissingFileActsEmpty(t *testing.T) {
	store := NewPolicyStore(filepath.Join(t.TempDir(), "absent.json"), time.Minute, nil)
	merged := store.MergeOptions("t", "http_get", "simple", map[string]any{"retry_max": 2})
	if merged["retry_max"] != 2 || len(merged) != 1 {
		t.Errorf("merged = %v", merged)
	}
}

func TestCheckHostPolicy(t *testing.T) {
	if err := CheckHostPolicy("https://example.com/ok", map[string]any{"allow_hosts": []any{"example.com"}}); err != nil {
		t.Errorf("allowed host rejected: %v", err)
	}
	err := CheckHostPolicy("https://evil.example/x", map[string]any{"allow_hosts": []any{"example.com"}})
	if apperrors.CodeOf(err) != apperrors.CodeForbidden {
		t.Errorf("host outside allow_hosts: err = %v", err)
	}
	err = CheckHostPolicy("https://blocked.example/path", map[string]any{"deny_hosts": []any{"blocked.example"}})
	if apperrors.CodeOf(err) != apperrors.CodeForbidden {
		t.Errorf("deny_hosts: err = %v", err)
	}
	if err := CheckHostPolicy("https://fine.example/", map[string]any{"deny_hosts": []any{"blocked.example"}}); err != nil {
		t.Errorf("non-denied host rejected: %v", err)
	}
}

func TestGatewayInvokeAppliesPolicy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "XXXXXXXXXXXXXXXXXXXX")
	}))
	defer srv.Close()

	path := writePolicyFile(t, map[string]any{
		"tenants": map[string]any{
			"demo": map[string]any{
				"tools": map[string]any{
					"http_get": map[string]any{
						"names": map[string]any{
							"simple": map[string]any{"options": map[string]any{"resp_max_chars": 10}},
						},
					},
				},
			},
		},
	})
	e, _ := newTestExecutor()
	gw := NewGateway(e, NewPolicyStore(path, time.Minute, nil), nil)

	res, err := gw.Invoke(context.Background(), &InvokeRequest{
		TenantID: "demo",
		ToolType: "http_get",
		ToolName: "simple",
		Params:   map[string]any{"url": srv.URL},
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if body := res["body"].(string); len(body) != 10 {
		t.Errorf("policy resp_max_chars not applied, body len = %d", len(body))
	}
}

func TestGatewayPreviewDoesNotExecute(t *testing.T) {
	var called bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	e, _ := newTestExecutor()
	gw := NewGateway(e, NewPolicyStore(filepath.Join(t.TempDir(), "absent.json"), time.Minute, nil), nil)

	res, err := gw.Preview(&InvokeRequest{
		TenantID: "demo",
		ToolType: "http_get",
		ToolName: "simple",
		Params:   map[string]any{"url": srv.URL, "headers": map[string]any{"token": "super-secret"}},
	})
	if err != nil {
		t.Fatalf("Preview: %v", err)
	}
	if called {
		t.Error("preview must not call upstream")
	}
	echo := res["echo"].(map[string]any)
	headers := echo["headers"].(map[string]any)
	if headers["token"] == "super-secret" {
		t.Error("preview echo must be masked")
	}
}
