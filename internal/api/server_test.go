package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/RoseOO/tapestream/internal/auth"
	"github.com/RoseOO/tapestream/internal/config"
	"github.com/RoseOO/tapestream/internal/database"
	"github.com/RoseOO/tapestream/internal/jobs"
	"github.com/RoseOO/tapestream/internal/logging"
	"github.com/RoseOO/tapestream/internal/models"
	"github.com/RoseOO/tapestream/internal/pipeline"
	"github.com/RoseOO/tapestream/internal/registry"
	"github.com/RoseOO/tapestream/internal/sysmon"
	"github.com/RoseOO/tapestream/internal/tape"
)

type stubDrive struct{}

func (stubDrive) DevicePath() string { return "/dev/nst0" }

func (stubDrive) Status(ctx context.Context) (*models.DriveStatus, error) {
	return &models.DriveStatus{Online: true, FileNumber: 1, DensityCode: "0x58", LastChecked: time.Now()}, nil
}

func (stubDrive) IsReadyForWrite(ctx context.Context) (bool, string) { return true, "" }

func (stubDrive) SeekToFile(ctx context.Context, fileNum int) error { return nil }

func (stubDrive) Rewind(ctx context.Context) error { return nil }

type stubStream struct{}

func (stubStream) Run(ctx context.Context, producer, consumer []string, monitor pipeline.Monitor) error {
	monitor("./file")
	return nil
}

type stubSampler struct{}

func (stubSampler) Sample(stagingPath string) (models.ResourceSnapshot, error) {
	return models.ResourceSnapshot{
		MemoryTotal:     8 << 30,
		MemoryAvailable: 4 << 30,
		MemoryUsedPct:   50,
		DiskFree:        100 << 30,
		DiskUsedPct:     40,
		TakenAt:         time.Now(),
	}, nil
}

type stubChanger struct {
	calls chan struct{}
}

func (c *stubChanger) ChangeTape(ctx context.Context) error {
	c.calls <- struct{}{}
	return nil
}

type testEnv struct {
	server   *httptest.Server
	db       *database.DB
	registry *registry.Registry
	changer  *stubChanger
	source   string
	token    string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	logger := logging.NewNop()

	db, err := database.New(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("failed to create database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("failed to migrate database: %v", err)
	}

	authSvc := auth.NewService(db, "test-secret", 24)
	if err := authSvc.EnsureAdmin(context.Background(), "changeme"); err != nil {
		t.Fatalf("failed to seed admin: %v", err)
	}

	reg := registry.New(filepath.Join(dir, "registry.txt"), 10, logger)
	scratch, err := tape.NewScratchState(filepath.Join(dir, "scratch"))
	if err != nil {
		t.Fatalf("failed to create scratch state: %v", err)
	}
	monitor := sysmon.NewMonitor(stubSampler{}, dir, logger)

	manager := jobs.NewManager(jobs.Deps{
		Drive:    stubDrive{},
		Stream:   stubStream{},
		Registry: reg,
		Monitor:  monitor,
		Scratch:  scratch,
		History:  db,
		Logger:   logger,
	}, jobs.Settings{
		RequestedBufferSize: 256 << 20,
		ManifestDir:         filepath.Join(dir, "manifests"),
	})

	cfg := config.DefaultConfig()
	cfg.Registry.ManifestDir = filepath.Join(dir, "manifests")

	chg := &stubChanger{calls: make(chan struct{}, 1)}
	srv := NewServer(db, authSvc, manager, reg, nil, stubDrive{}, chg, monitor, logger, cfg)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	env := &testEnv{
		server:   ts,
		db:       db,
		registry: reg,
		changer:  chg,
		source:   t.TempDir(),
	}
	env.token = env.login(t, "admin", "changeme")
	return env
}

func (e *testEnv) login(t *testing.T, username, password string) string {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"username": username, "password": password})
	resp, err := http.Post(e.server.URL+"/api/v1/auth/login", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("login request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login returned %d", resp.StatusCode)
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("failed to decode login response: %v", err)
	}
	return out.Token
}

func (e *testEnv) request(t *testing.T, method, path string, body interface{}, token string) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, e.server.URL+path, reader)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
}

func TestLoginInvalid(t *testing.T) {
	env := newTestEnv(t)

	body, _ := json.Marshal(map[string]string{"username": "admin", "password": "wrong"})
	resp, err := http.Post(env.server.URL+"/api/v1/auth/login", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("login request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", resp.StatusCode)
	}
}

func TestMissingToken(t *testing.T) {
	env := newTestEnv(t)

	resp := env.request(t, "GET", "/api/v1/jobs", nil, "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 without token, got %d", resp.StatusCode)
	}
}

func TestBackupJobLifecycle(t *testing.T) {
	env := newTestEnv(t)

	resp := env.request(t, "POST", "/api/v1/jobs", map[string]interface{}{
		"type": "backup",
		"params": map[string]interface{}{
			"source_path": env.source,
			"label":       "Daily",
		},
	}, env.token)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	var job models.Job
	decodeBody(t, resp, &job)
	if job.ID == "" {
		t.Fatal("expected a job ID")
	}

	// Poll until the worker finishes.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp := env.request(t, "GET", "/api/v1/jobs/"+job.ID, nil, env.token)
		decodeBody(t, resp, &job)
		if job.Status.IsTerminal() {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if job.Status != models.JobStatusCompleted {
		t.Fatalf("expected completed job, got %s (%s)", job.Status, job.ErrorMessage)
	}

	// The backup must be visible in the registry.
	resp = env.request(t, "GET", "/api/v1/registry", nil, env.token)
	var entries []models.RegistryEntry
	decodeBody(t, resp, &entries)
	if len(entries) != 1 || entries[0].Label != "Daily" {
		t.Errorf("unexpected registry entries: %+v", entries)
	}

	// And in the persisted history.
	resp = env.request(t, "GET", "/api/v1/jobs/history", nil, env.token)
	var records []models.JobRecord
	decodeBody(t, resp, &records)
	if len(records) != 1 || records[0].JobID != job.ID {
		t.Errorf("unexpected history: %+v", records)
	}
}

func TestCreateJobInvalidType(t *testing.T) {
	env := newTestEnv(t)

	resp := env.request(t, "POST", "/api/v1/jobs", map[string]interface{}{
		"type": "defrag",
	}, env.token)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
}

func TestGetJobNotFound(t *testing.T) {
	env := newTestEnv(t)

	resp := env.request(t, "GET", "/api/v1/jobs/missing", nil, env.token)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}

func TestCancelJobNotFound(t *testing.T) {
	env := newTestEnv(t)

	resp := env.request(t, "POST", "/api/v1/jobs/missing/cancel", nil, env.token)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}

func TestRegistryFind(t *testing.T) {
	env := newTestEnv(t)

	err := env.registry.Append(models.RegistryEntry{
		Timestamp:    time.Date(2024, 3, 1, 2, 0, 0, 0, time.UTC),
		Label:        "Daily",
		Tapes:        []string{"TAPE-001"},
		FileIndex:    2,
		ManifestPath: "/tmp/m.txt",
	})
	if err != nil {
		t.Fatalf("registry append failed: %v", err)
	}

	resp := env.request(t, "GET", "/api/v1/registry/find?label=Daily", nil, env.token)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var entry models.RegistryEntry
	decodeBody(t, resp, &entry)
	if entry.FileIndex != 2 {
		t.Errorf("unexpected entry: %+v", entry)
	}

	resp = env.request(t, "GET", "/api/v1/registry/find?label=Nope", nil, env.token)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for unknown label, got %d", resp.StatusCode)
	}

	resp2 := env.request(t, "GET", "/api/v1/registry/find", nil, env.token)
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 without label, got %d", resp2.StatusCode)
	}
}

func TestRegistryVerifyEndpoint(t *testing.T) {
	env := newTestEnv(t)

	err := env.registry.Append(models.RegistryEntry{
		Timestamp:    time.Now(),
		Label:        "Daily",
		Tapes:        []string{"TAPE-001"},
		FileIndex:    0,
		ManifestPath: "/definitely/missing.txt",
	})
	if err != nil {
		t.Fatalf("registry append failed: %v", err)
	}

	resp := env.request(t, "GET", "/api/v1/registry/verify", nil, env.token)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var out struct {
		Count int `json:"count"`
	}
	decodeBody(t, resp, &out)
	if out.Count != 1 {
		t.Errorf("expected 1 issue, got %d", out.Count)
	}
}

func TestPruneValidation(t *testing.T) {
	env := newTestEnv(t)

	resp := env.request(t, "POST", "/api/v1/registry/prune", map[string]int{"max_age_days": 0}, env.token)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for zero max age, got %d", resp.StatusCode)
	}
}

func TestScheduleCRUD(t *testing.T) {
	env := newTestEnv(t)

	resp := env.request(t, "POST", "/api/v1/schedules", map[string]interface{}{
		"name":        "nightly",
		"source_path": "/data",
		"label":       "Daily",
		"cron_expr":   "0 0 2 * * *",
		"enabled":     true,
	}, env.token)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	var sched models.Schedule
	decodeBody(t, resp, &sched)
	if sched.ID == 0 {
		t.Fatal("expected schedule ID")
	}

	resp = env.request(t, "GET", fmt.Sprintf("/api/v1/schedules/%d", sched.ID), nil, env.token)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	sched.CronExpr = "0 30 3 * * *"
	resp = env.request(t, "PUT", fmt.Sprintf("/api/v1/schedules/%d", sched.ID), sched, env.token)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 on update, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = env.request(t, "DELETE", fmt.Sprintf("/api/v1/schedules/%d", sched.ID), nil, env.token)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 on delete, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = env.request(t, "GET", fmt.Sprintf("/api/v1/schedules/%d", sched.ID), nil, env.token)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 after delete, got %d", resp.StatusCode)
	}
}

func TestScheduleInvalidCron(t *testing.T) {
	env := newTestEnv(t)

	resp := env.request(t, "POST", "/api/v1/schedules", map[string]interface{}{
		"name":        "broken",
		"source_path": "/data",
		"label":       "Daily",
		"cron_expr":   "not a cron",
		"enabled":     true,
	}, env.token)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid cron, got %d", resp.StatusCode)
	}
}

func TestSystemStatus(t *testing.T) {
	env := newTestEnv(t)

	resp := env.request(t, "GET", "/api/v1/system/status", nil, env.token)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var out map[string]interface{}
	decodeBody(t, resp, &out)

	if _, ok := out["drive"]; !ok {
		t.Error("expected drive status in response")
	}
	if ready, _ := out["write_ready"].(bool); !ready {
		t.Error("expected write_ready true")
	}
	if _, ok := out["resources"]; !ok {
		t.Error("expected resource snapshot in response")
	}
	if _, ok := out["buffer_plan"]; !ok {
		t.Error("expected buffer plan in response")
	}
	if ltoType, _ := out["lto_type"].(string); ltoType != "LTO-5" {
		t.Errorf("expected LTO-5 for density 0x58, got %v", out["lto_type"])
	}
	if capacity, _ := out["native_capacity"].(float64); capacity != 1500000000000 {
		t.Errorf("expected 1.5 TB native capacity, got %v", out["native_capacity"])
	}
}

func TestTapeChangeTrigger(t *testing.T) {
	env := newTestEnv(t)

	resp := env.request(t, "POST", "/api/v1/system/tape-change", nil, env.token)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	select {
	case <-env.changer.calls:
	case <-time.After(2 * time.Second):
		t.Fatal("change protocol was not invoked")
	}
}

func TestTapeChangeForbiddenForReadonly(t *testing.T) {
	env := newTestEnv(t)

	resp := env.request(t, "POST", "/api/v1/users", map[string]string{
		"username": "viewer",
		"password": "secret",
		"role":     "readonly",
	}, env.token)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	viewerToken := env.login(t, "viewer", "secret")
	resp = env.request(t, "POST", "/api/v1/system/tape-change", nil, viewerToken)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestCreateUserRequiresAdmin(t *testing.T) {
	env := newTestEnv(t)

	// Admin creates an operator.
	resp := env.request(t, "POST", "/api/v1/users", map[string]string{
		"username": "op",
		"password": "secret",
		"role":     "operator",
	}, env.token)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	// The operator cannot create users.
	opToken := env.login(t, "op", "secret")
	resp = env.request(t, "POST", "/api/v1/users", map[string]string{
		"username": "other",
		"password": "secret",
		"role":     "readonly",
	}, opToken)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403 for operator, got %d", resp.StatusCode)
	}
}

func TestChangePassword(t *testing.T) {
	env := newTestEnv(t)

	resp := env.request(t, "POST", "/api/v1/auth/change-password", map[string]string{
		"old_password": "changeme",
		"new_password": "better",
	}, env.token)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	env.login(t, "admin", "better")

	// Wrong old password is rejected.
	resp = env.request(t, "POST", "/api/v1/auth/change-password", map[string]string{
		"old_password": "changeme",
		"new_password": "worse",
	}, env.token)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 with wrong old password, got %d", resp.StatusCode)
	}
}
