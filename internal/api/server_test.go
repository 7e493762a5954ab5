package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/scalebox/scalebox/internal/allocator"
	"github.com/scalebox/scalebox/internal/config"
	"github.com/scalebox/scalebox/internal/coordinator"
	"github.com/scalebox/scalebox/internal/state"
	"github.com/scalebox/scalebox/internal/storage"
)

func newTestServer(t *testing.T) (*Server, *config.Config) {
	t.Helper()
	dataDir := t.TempDir()
	for _, sub := range []string{"templates", "vms", "kernel"} {
		if err := os.MkdirAll(dataDir+"/"+sub, 0755); err != nil {
			t.Fatal(err)
		}
	}

	cfg := &config.Config{
		APIToken:           "test-token",
		DataDir:            dataDir,
		KernelPath:         dataDir + "/kernel/vmlinux",
		HostIP:             "10.0.0.5",
		APIPort:            8080,
		DefaultVCPUCount:   2,
		DefaultMemSizeMiB:  2048,
		DefaultDiskSizeGiB: 2,
		MaxDiskSizeGiB:     100,
		ProtectedTemplates: map[string]bool{"debian-base": true},
	}

	repo := state.NewRepository(dataDir)
	storageSvc := storage.NewService(dataDir)
	ips := allocator.NewIPPool()
	ports := allocator.NewPortPool(22001, 32000)
	coord := coordinator.NewService(cfg, repo, storageSvc, ips, ports, "")

	return NewServer(cfg, coord), cfg
}

func TestHealthRequiresNoAuth(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("expected status ok, got %+v", body)
	}
}

func TestProtectedEndpointRejectsMissingToken(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/vms", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestProtectedEndpointRejectsWrongToken(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/vms", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestListVMsEmptyWithValidToken(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/vms", nil)
	req.Header.Set("Authorization", "Bearer test-token")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var views []VMView
	if err := json.Unmarshal(rec.Body.Bytes(), &views); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(views) != 0 {
		t.Fatalf("expected empty list, got %d", len(views))
	}
}

func TestGetUnknownVMReturns404(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/vms/vm-ffffffffffff", nil)
	req.Header.Set("Authorization", "Bearer test-token")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestDeleteProtectedTemplateReturns403(t *testing.T) {
	s, cfg := newTestServer(t)
	if err := os.WriteFile(cfg.DataDir+"/templates/debian-base.ext4", []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodDelete, "/templates/debian-base", nil)
	req.Header.Set("Authorization", "Bearer test-token")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestCreateVMRejectsInvalidTemplateName(t *testing.T) {
	s, _ := newTestServer(t)
	body := `{"template":"bad name!","ssh_public_key":"ssh-ed25519 AAAA"}`
	req := httptest.NewRequest(http.MethodPost, "/vms", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer test-token")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}
