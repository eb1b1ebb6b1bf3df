package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ehrlich-b/wingbridge/internal/auth"
	"github.com/ehrlich-b/wingbridge/internal/config"
	"github.com/ehrlich-b/wingbridge/internal/store"
)

// testHome points the application directory at a temp dir and writes cfg
// there when non-nil.
func testHome(t *testing.T, cfg func(*config.Config)) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("WINGBRIDGE_HOME", dir)
	for _, k := range []string{"WB_API_KEY", "WB_STORE_URL", "WB_CLAUDE_PATH", "WB_LOG_LEVEL"} {
		t.Setenv(k, "")
	}
	if cfg != nil {
		c := config.Defaults(dir)
		cfg(c)
		if err := c.Save(); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := rootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := run(t, "", "version")
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out) != version {
		t.Errorf("output = %q", out)
	}
}

func TestConfigSetsWorkingDir(t *testing.T) {
	dir := testHome(t, nil)
	work := t.TempDir()

	out, err := run(t, "", "config", "--working-dir", work, "--claude-path", "/opt/claude")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, work) {
		t.Errorf("output = %q", out)
	}
	cfg, err := config.Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.WorkingDir != work || cfg.ClaudePath != "/opt/claude" {
		t.Errorf("saved config = %+v", cfg)
	}
}

func TestConfigRejectsMissingDir(t *testing.T) {
	testHome(t, nil)
	if _, err := run(t, "", "config", "--working-dir", filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Fatal("expected error for a missing working dir")
	}
}

func TestLoginPersistsSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "accounts:signInWithPassword") {
			http.NotFound(w, r)
			return
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["email"] != "me@example.com" || body["password"] != "hunter2" {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":{"code":400,"message":"INVALID_PASSWORD"}}`))
			return
		}
		json.NewEncoder(w).Encode(map[string]string{
			"idToken": "id-1", "localId": "uid-1", "refreshToken": "refresh-1", "expiresIn": "3600",
		})
	}))
	defer srv.Close()
	dir := testHome(t, func(c *config.Config) {
		c.APIKey = "key"
		c.AuthURL = srv.URL
	})

	out, err := run(t, "hunter2\n", "login", "me@example.com")
	if err != nil {
		t.Fatalf("login: %v\n%s", err, out)
	}
	if !strings.Contains(out, "uid-1") {
		t.Errorf("output = %q", out)
	}
	saved, err := auth.NewSessionStore(dir).Load()
	if err != nil || saved == nil {
		t.Fatalf("saved session = %+v, %v", saved, err)
	}
	if saved.UID != "uid-1" || saved.RefreshToken != "refresh-1" {
		t.Errorf("saved = %+v", saved)
	}

	if _, err := run(t, "", "logout"); err != nil {
		t.Fatal(err)
	}
	if s, _ := auth.NewSessionStore(dir).Load(); s != nil {
		t.Error("session survived logout")
	}
}

func TestLoginWrongPassword(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"code":400,"message":"INVALID_PASSWORD"}}`))
	}))
	defer srv.Close()
	testHome(t, func(c *config.Config) {
		c.APIKey = "key"
		c.AuthURL = srv.URL
	})
	_, err := run(t, "me@example.com\nwrong\n", "login")
	if err == nil || !strings.Contains(err.Error(), "INVALID_PASSWORD") {
		t.Fatalf("err = %v", err)
	}
}

func TestLoginWithoutAPIKey(t *testing.T) {
	testHome(t, nil)
	if _, err := run(t, "pw\n", "login", "me@example.com"); err == nil {
		t.Fatal("expected error without api_key")
	}
}

func TestStatus(t *testing.T) {
	dir := testHome(t, func(c *config.Config) {
		c.APIKey = "key"
		c.StoreURL = "https://example.invalid"
	})
	out, err := run(t, "", "status")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "not logged in") || !strings.Contains(out, "none yet") {
		t.Errorf("output = %q", out)
	}

	s, err := store.Open(filepath.Join(dir, "wingbridge.db"))
	if err != nil {
		t.Fatal(err)
	}
	detail := "exit code 1"
	s.MarkTerminal(store.Entry{SessionID: "s1", MessageID: "m1", Status: store.StatusError, ResponseID: "m1-r"})
	s.AppendLog("s1", "m1", "failed", &detail)
	s.Close()

	out, err = run(t, "", "status")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "0 done, 1 failed") || !strings.Contains(out, "s1/m1  exit code 1") {
		t.Errorf("output = %q", out)
	}
}

func TestStartAutostartWithoutLogin(t *testing.T) {
	testHome(t, func(c *config.Config) {
		c.APIKey = "key"
		c.StoreURL = "https://example.invalid"
	})
	if _, err := run(t, "", "start", "--autostart"); err != nil {
		t.Fatalf("autostart without login: %v", err)
	}
	if _, err := run(t, "", "start"); err == nil {
		t.Fatal("start without login should fail")
	}
}

func TestStartAutostartUnconfigured(t *testing.T) {
	testHome(t, nil)
	if _, err := run(t, "", "start", "--autostart"); err != nil {
		t.Fatalf("autostart without config: %v", err)
	}
}

func TestAgentConfig(t *testing.T) {
	cfg := config.Defaults(t.TempDir())
	cfg.ClaudePath = "/bin/claude"
	cfg.StreamOutput = true
	got := agentConfig(cfg)
	if got.BinaryPath != "/bin/claude" || !got.Continue || !got.StreamJSON {
		t.Errorf("agent config = %+v", got)
	}
	cfg.NoContinue = true
	if agentConfig(cfg).Continue {
		t.Error("no_continue ignored")
	}
}
