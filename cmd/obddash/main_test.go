package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"obddash/internal/config"
	"obddash/internal/core"
	"obddash/pkg/domain"
)

const testVIN = "1HGCM82633A004352"

func sqliteEnv(t *testing.T) map[string]string {
	t.Helper()
	return map[string]string{
		"OBDDASH_STORAGE_DRIVER":   "sqlite",
		"OBDDASH_STORAGE_PATH":     filepath.Join(t.TempDir(), "obddash.db"),
		"OBDDASH_AUTH_BCRYPT_COST": "4",
		"OBDDASH_LOG_LEVEL":        "error",
	}
}

func execute(t *testing.T, environ map[string]string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmdWith(&rootOptions{environ: environ})
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestServeRejectsInvalidConfig(t *testing.T) {
	_, err := execute(t, map[string]string{}, "serve")
	if err == nil || !strings.Contains(err.Error(), "jwt_secret") {
		t.Fatalf("expected jwt secret error, got %v", err)
	}
}

func TestMigrateAndStatus(t *testing.T) {
	env := sqliteEnv(t)
	out, err := execute(t, env, "migrate")
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if !strings.Contains(out, "VERSION") {
		t.Fatalf("unexpected migrate output:\n%s", out)
	}
	out, err = execute(t, env, "migrate", "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if strings.Contains(out, "pending") {
		t.Fatalf("migrations still pending after migrate:\n%s", out)
	}

	out, err = execute(t, map[string]string{"OBDDASH_STORAGE_DRIVER": "memory"}, "migrate", "status")
	if err != nil || !strings.Contains(out, "no migrations") {
		t.Fatalf("memory status: %q, %v", out, err)
	}
}

func TestUserCreateAndList(t *testing.T) {
	env := sqliteEnv(t)
	env[passwordEnv] = "password123"
	out, err := execute(t, env, "user", "create", "--email", "Tech@Example.com", "--name", "Tech", "--role", "technician")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !strings.Contains(out, "created technician tech@example.com") {
		t.Fatalf("unexpected output %q", out)
	}
	if _, err := execute(t, env, "user", "create", "--email", "tech@example.com"); !domain.IsConflict(err) {
		t.Fatalf("expected conflict for duplicate email, got %v", err)
	}
	if _, err := execute(t, env, "user", "create", "--email", "x@example.com", "--role", "mechanic"); !domain.IsValidation(err) {
		t.Fatalf("expected validation error for unknown role, got %v", err)
	}

	out, err = execute(t, env, "user", "list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, "tech@example.com") || !strings.Contains(out, "technician") {
		t.Fatalf("user missing from list:\n%s", out)
	}
}

func TestImportCommand(t *testing.T) {
	env := sqliteEnv(t)
	cfg, err := config.Load("", env)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	ctx := context.Background()
	store, err := openStore(ctx, cfg.Storage, true)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	svc := newService(store, cfg, zap.NewNop())
	project, err := svc.CreateProject(ctx, domain.Project{Name: "Workshop"})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	if _, err := svc.CreateVehicle(ctx, domain.Vehicle{ProjectID: project.ID, VIN: testVIN}); err != nil {
		t.Fatalf("create vehicle: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	path := filepath.Join(t.TempDir(), "log.csv")
	if err := os.WriteFile(path, []byte("recorded_at,rpm\n2024-06-01T12:00:00Z,900\n2024-06-01T12:00:05Z,950\n"), 0o644); err != nil {
		t.Fatalf("write csv: %v", err)
	}
	out, err := execute(t, env, "import", "--vin", strings.ToLower(testVIN), path)
	if err != nil {
		t.Fatalf("import: %v\n%s", err, out)
	}
	var res struct {
		File    string `json:"file"`
		Summary struct {
			Kind     string `json:"kind"`
			Imported int    `json:"imported"`
		} `json:"summary"`
	}
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("decode output: %v\n%s", err, out)
	}
	if res.Summary.Kind != "telemetry" || res.Summary.Imported != 2 {
		t.Fatalf("unexpected summary %+v", res)
	}

	if _, err := execute(t, env, "import", "--vin", "WVWZZZ1JZXW000001", path); !domain.IsNotFound(err) {
		t.Fatalf("expected unknown VIN to fail, got %v", err)
	}
}

func TestServeAnswersUntilCancelled(t *testing.T) {
	cfg := config.Default()
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.Storage.Driver = "memory"
	cfg.Blob.Driver = "memory"
	cfg.Auth.JWTSecret = strings.Repeat("k", 32)
	cfg.Auth.BcryptCost = 4
	cfg.Auth.AdminEmail = "admin@example.com"
	cfg.Auth.AdminPassword = "admin-password"
	cfg.Retention.Readings = time.Hour
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	listening := make(chan string, 1)
	done := make(chan error, 1)
	go func() { done <- runServe(ctx, cfg, zap.NewNop(), listening) }()

	var addr string
	select {
	case addr = <-listening:
	case err := <-done:
		t.Fatalf("serve exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not start")
	}

	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status %d", resp.StatusCode)
	}

	body := strings.NewReader(`{"email":"admin@example.com","password":"admin-password"}`)
	resp, err = http.Post("http://"+addr+"/api/v1/auth/login", "application/json", body)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("bootstrap admin cannot log in: %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve returned %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestCommandRelayWaitsForClient(t *testing.T) {
	var relay commandRelay
	err := relay.PublishCommand(context.Background(), domain.Vehicle{VIN: testVIN}, core.Command{Name: core.CommandClearDTCs})
	if !errors.Is(err, errNotConnected) {
		t.Fatalf("expected errNotConnected, got %v", err)
	}
}
