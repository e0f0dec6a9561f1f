package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "tengine.yml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_AppliesDefaultsAndParsesDurations(t *testing.T) {
	path := writeConfig(t, `schema_version: v1
transform:
  timeout: 90s
executors:
  - type: command
    command: /usr/bin/alfresco-pdf-renderer
    names: [pdfToPng]
    args: ["${source}", "${target}"]
    unsupported_exit_codes: [3]
probe:
  test_files_dir: ./probe
  source_filename: quick.pdf
  expected_length: 7455
  plus_or_minus: 1024
  max_transform_time: 1201s
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.GRPCAddr != ":9090" || cfg.Server.HTTPAddr != ":8090" {
		t.Fatalf("unexpected default addrs: %+v", cfg.Server)
	}
	if cfg.Transform.Timeout != 90*time.Second {
		t.Fatalf("want 90s timeout, got %v", cfg.Transform.Timeout)
	}
	if cfg.Transform.MaxInFlight != 16 {
		t.Fatalf("want default max_in_flight 16, got %d", cfg.Transform.MaxInFlight)
	}
	if cfg.Probe.MaxTransformTime != 1201*time.Second {
		t.Fatalf("unexpected max transform time %v", cfg.Probe.MaxTransformTime)
	}
	if cfg.Probe.TargetFilename != "probe.out" {
		t.Fatalf("expected default probe target filename, got %q", cfg.Probe.TargetFilename)
	}
	if !cfg.Probe.Enabled() {
		t.Fatal("expected probe to be enabled")
	}
	if len(cfg.Executors) != 1 || cfg.Executors[0].UnsupportedExitCodes[0] != 3 {
		t.Fatalf("unexpected executors: %+v", cfg.Executors)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "server:\n  grpc_addr: \":7000\"\n")
	t.Setenv("TENGINE__SERVER__GRPC_ADDR", ":7777")
	t.Setenv("TENGINE__LOG__LEVEL", "debug")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.GRPCAddr != ":7777" {
		t.Fatalf("want env override :7777, got %s", cfg.Server.GRPCAddr)
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("want log level debug, got %q", cfg.Log.Level)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SchemaVersion != SupportedSchema {
		t.Fatalf("want schema %s, got %s", SupportedSchema, cfg.SchemaVersion)
	}
}

func TestLoad_InvalidSchema(t *testing.T) {
	path := writeConfig(t, "schema_version: v9\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unsupported schema_version")
	}
}

func TestLoad_CommandExecutorNeedsCommand(t *testing.T) {
	path := writeConfig(t, `executors:
  - type: command
    fallback: true
`)
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "config invalid") {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestValidate_RejectsTwoFallbacks(t *testing.T) {
	cfg := Config{}
	applyDefaults(&cfg)
	cfg.Executors = []ExecutorConfig{
		{Type: "remote", Address: "a:1", Fallback: true},
		{Type: "remote", Address: "b:1", Fallback: true},
	}
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for two fallback executors")
	}
}

func TestValidate_QueueNeedsBrokers(t *testing.T) {
	cfg := Config{}
	applyDefaults(&cfg)
	cfg.Queue.Enabled = true
	cfg.Queue.RequestTopic = "tengine.requests"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error when queue is enabled without brokers")
	}
}

func TestLoad_SampleConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "tengine.yml"))
	if err != nil {
		t.Fatalf("Load sample: %v", err)
	}
	if len(cfg.Executors) != 3 || !cfg.Executors[2].Fallback || cfg.Executors[2].Type != "remote" {
		t.Fatalf("unexpected executors %+v", cfg.Executors)
	}
	if !cfg.Probe.Enabled() || cfg.Probe.MaxTransformTime != 5*time.Minute {
		t.Fatalf("unexpected probe %+v", cfg.Probe)
	}
}
