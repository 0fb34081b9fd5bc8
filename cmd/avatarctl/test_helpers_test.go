package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"avatarctl/internal/testsupport"
)

type cliTestEnv struct {
	api        *testsupport.FakeAPI
	configPath string
	baseDir    string
}

type envOption func(*envSettings)

type envSettings struct {
	token  string
	ledger bool
}

func withoutToken() envOption {
	return func(s *envSettings) { s.token = "" }
}

func withoutLedger() envOption {
	return func(s *envSettings) { s.ledger = false }
}

func setupCLITestEnv(t *testing.T, opts ...envOption) *cliTestEnv {
	t.Helper()

	settings := envSettings{token: testsupport.FakeToken, ledger: true}
	for _, opt := range opts {
		opt(&settings)
	}

	base := t.TempDir()
	homeDir := filepath.Join(base, "home")
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		t.Fatalf("mkdir home: %v", err)
	}
	t.Setenv("HOME", homeDir)

	api := testsupport.NewFakeAPI(t)
	configPath := filepath.Join(homeDir, ".config", "avatarctl", "config.toml")
	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		t.Fatalf("mkdir config dir: %v", err)
	}
	writeTestConfig(t, configPath, api.URL, base, settings)

	return &cliTestEnv{api: api, configPath: configPath, baseDir: base}
}

func writeTestConfig(t *testing.T, path, baseURL, base string, settings envSettings) {
	t.Helper()
	var b strings.Builder
	fmt.Fprintf(&b, "[api]\nbase_url = %q\nrequest_timeout_seconds = 5\n\n", baseURL)
	fmt.Fprintf(&b, "[auth]\nstate_path = %q\n", filepath.Join(base, "state", "credential.json"))
	if settings.token != "" {
		fmt.Fprintf(&b, "token = %q\n", settings.token)
	}
	fmt.Fprintf(&b, "\n[ledger]\nenabled = %t\npath = %q\n\n", settings.ledger, filepath.Join(base, "data", "jobs.db"))
	fmt.Fprintf(&b, "[logging]\ndir = %q\n", filepath.Join(base, "logs"))
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func (env *cliTestEnv) run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	return env.runWithInput(t, "", args...)
}

func (env *cliTestEnv) runWithInput(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{"--config", env.configPath}, args...))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

// idFrom returns the second word of a "Kind <id> ..." confirmation line.
func idFrom(t *testing.T, output string) string {
	t.Helper()
	fields := strings.Fields(output)
	if len(fields) < 2 {
		t.Fatalf("no id in output %q", output)
	}
	return fields[1]
}

func requireContains(t *testing.T, output, substr string) {
	t.Helper()
	if !strings.Contains(output, substr) {
		t.Fatalf("expected %q to contain %q", output, substr)
	}
}
