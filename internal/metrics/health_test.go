package metrics

import (
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/strataops/strata/internal/meta"
	"go.uber.org/zap"
)

func TestLivenessAlwaysOK(t *testing.T) {
	checker := NewHealthChecker(nil, nil, nil)
	if !checker.Liveness().OK {
		t.Fatal("liveness should always report OK")
	}
}

func TestReadinessSkipsNilDependencies(t *testing.T) {
	checker := NewHealthChecker(nil, nil, nil)
	status := checker.Readiness()
	if !status.OK {
		t.Error("no dependencies configured, still not ready")
	}
	if len(status.Checks) != 0 {
		t.Errorf("got %d checks, want none", len(status.Checks))
	}
}

func TestReadinessWithMetadataStore(t *testing.T) {
	store, err := meta.NewBoltStore(filepath.Join(t.TempDir(), "meta.db"), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	checker := NewHealthChecker(nil, store, nil)
	status := checker.Readiness()
	if !status.OK {
		t.Fatal("readiness failed with a healthy metadata store")
	}
	if len(status.Checks) != 1 || status.Checks[0].Name != "metadata" || status.Checks[0].Status != "ok" {
		t.Errorf("checks = %+v", status.Checks)
	}
}

func TestReadinessReportsClosedStore(t *testing.T) {
	store, err := meta.NewBoltStore(filepath.Join(t.TempDir(), "meta.db"), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	store.Close()

	checker := NewHealthChecker(nil, store, nil)
	status := checker.Readiness()
	if status.OK {
		t.Fatal("readiness passed with a closed metadata store")
	}
	if len(status.Checks) != 1 || status.Checks[0].Status != "error" {
		t.Errorf("checks = %+v", status.Checks)
	}
}

func TestWriteStatusCodes(t *testing.T) {
	rec := httptest.NewRecorder()
	writeStatus(rec, HealthStatus{OK: true})
	if rec.Code != 200 {
		t.Errorf("OK status wrote %d, want 200", rec.Code)
	}
	var got HealthStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if !got.OK {
		t.Error("body should report ok")
	}

	rec = httptest.NewRecorder()
	writeStatus(rec, HealthStatus{OK: false})
	if rec.Code != 503 {
		t.Errorf("failed status wrote %d, want 503", rec.Code)
	}
}
