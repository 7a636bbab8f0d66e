package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFindConfig_Explicit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 9999\n"), 0600)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 8080\n"), 0600)

	orig, _ := os.Getwd()
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	defer os.Chdir(orig)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if filepath.Base(got) != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want config.yaml", got)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("log_level: debug\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Bus.Broker != "mqtt://localhost:1883" {
		t.Errorf("Bus.Broker = %q, want default mqtt broker", cfg.Bus.Broker)
	}
	if cfg.Listen.Port != 8080 {
		t.Errorf("Listen.Port = %d, want 8080", cfg.Listen.Port)
	}
	if cfg.Hosts.Vision.OutputDir != filepath.Join(cfg.DataDir, "images") {
		t.Errorf("Hosts.Vision.OutputDir = %q, want derived from data_dir", cfg.Hosts.Vision.OutputDir)
	}
	if cfg.Retention.CommandDays != 30 {
		t.Errorf("Retention.CommandDays = %d, want 30", cfg.Retention.CommandDays)
	}
}

func TestLoadExpandsEnvVars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("hosts:\n  llm:\n    api_key: ${NEXUS_TEST_API_KEY}\n"), 0600)

	os.Setenv("NEXUS_TEST_API_KEY", "secret-123")
	defer os.Unsetenv("NEXUS_TEST_API_KEY")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Hosts.LLM.APIKey != "secret-123" {
		t.Errorf("Hosts.LLM.APIKey = %q, want expanded env value", cfg.Hosts.LLM.APIKey)
	}
}

func TestLoadRejectsBadPort(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 99999\n"), 0600)

	if _, err := Load(path); err == nil {
		t.Fatal("Load with out-of-range port should error")
	}
}

func TestLoadRejectsBadLogLevel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("log_level: not-a-level\n"), 0600)

	if _, err := Load(path); err == nil {
		t.Fatal("Load with invalid log_level should error")
	}
}

func TestRetentionFor(t *testing.T) {
	cfg := Default()

	cases := map[string]int{
		"command":          cfg.Retention.CommandDays * 24,
		"file":             cfg.Retention.FileDays * 24,
		"app_focus":        cfg.Retention.FocusDays * 24,
		"system_snapshot":  cfg.Retention.SnapshotHrs,
		"unrecognized_kind": 24,
	}
	for kind, wantHours := range cases {
		got := cfg.RetentionFor(kind)
		if got.Hours() != float64(wantHours) {
			t.Errorf("RetentionFor(%q) = %v, want %dh", kind, got, wantHours)
		}
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default() config should validate cleanly: %v", err)
	}
}
