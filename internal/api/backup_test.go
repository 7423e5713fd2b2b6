package api

import (
	"io"
	"net/http"
	"strings"
	"testing"

	"go.uber.org/zap/zaptest"

	"marketledger.mini/mkl/internal/ledger"
)

func TestCreateAndListBackups(t *testing.T) {
	env := setupTest(t)
	env.list(t, env.alice, "100")

	resp := env.do(t, http.MethodPost, "/api/backups", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status OK, got %v", resp.Status)
	}
	created := decode[map[string]string](t, resp)
	if !strings.HasPrefix(created["filename"], "ledger-") {
		t.Fatalf("Unexpected backup name %q", created["filename"])
	}

	resp = env.do(t, http.MethodGet, "/api/backups", nil)
	backups := decode[[]struct {
		Filename string `json:"filename"`
		Size     int64  `json:"size"`
	}](t, resp)

	found := false
	for _, b := range backups {
		if b.Filename == created["filename"] && b.Size > 0 {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected to find %s in backup list, got %+v", created["filename"], backups)
	}
}

func TestListBackupsEmpty(t *testing.T) {
	env := setupTest(t)
	resp := env.do(t, http.MethodGet, "/api/backups", nil)
	body, _ := io.ReadAll(resp.Body)
	if strings.TrimSpace(string(body)) != "[]" {
		t.Errorf("Expected empty list, got %s", body)
	}
}

func TestSnapshotDownload(t *testing.T) {
	env := setupTest(t)
	env.list(t, env.alice, "100")

	resp := env.do(t, http.MethodGet, "/api/snapshot", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status OK, got %v", resp.Status)
	}
	if !strings.Contains(resp.Header.Get("Content-Disposition"), "mkl-ledger-") {
		t.Errorf("Unexpected Content-Disposition %q", resp.Header.Get("Content-Disposition"))
	}
	data, _ := io.ReadAll(resp.Body)
	if !strings.HasPrefix(string(data), "SQLite format 3") {
		t.Errorf("Snapshot is not a SQLite database")
	}
}

func TestBackupsNeedDurableStore(t *testing.T) {
	market := ledger.NewMarket(ledger.NewMemoryStore())
	h := NewService(market, zaptest.NewLogger(t)).Handler()
	env := &testEnv{handler: h}

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/backups"},
		{http.MethodPost, "/api/backups"},
		{http.MethodGet, "/api/snapshot"},
	} {
		if resp := env.do(t, tc.method, tc.path, nil); resp.StatusCode != http.StatusNotImplemented {
			t.Errorf("%s %s: expected 501, got %v", tc.method, tc.path, resp.Status)
		}
	}
}
