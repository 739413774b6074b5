package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimalConfig = `domain_name: merewether
package_dir: /data/pkg
output_dir: /data/pkg/outputs
yieldstep_sec: 60
`

func TestDecodeAppliesDefaults(t *testing.T) {
	cfg, err := decode(strings.NewReader(minimalConfig))
	if err != nil {
		t.Fatalf("decode returned error: %v", err)
	}
	if cfg.BatchNumber != 1 || cfg.Resuming() {
		t.Fatalf("expected fresh batch 1, got %d", cfg.BatchNumber)
	}
	if cfg.CFL != 0.9 {
		t.Fatalf("expected default cfl 0.9, got %v", cfg.CFL)
	}
	if cfg.CheckpointDir != filepath.Join("/data/pkg/outputs", "checkpoints") {
		t.Fatalf("unexpected checkpoint dir %q", cfg.CheckpointDir)
	}
	if cfg.Checkpoint.MaxAttempts != 5 || cfg.RetryDelay() != 5*time.Second {
		t.Fatalf("unexpected checkpoint defaults %+v", cfg.Checkpoint)
	}
	if cfg.Checkpoint.Extension != ".pickle" {
		t.Fatalf("unexpected extension %q", cfg.Checkpoint.Extension)
	}
	if cfg.Bail.Signal != "SIGUSR1" {
		t.Fatalf("unexpected bail signal %q", cfg.Bail.Signal)
	}
	if cfg.ProcessGroup.Backend != BackendLocal || cfg.ProcessGroup.Size != 1 {
		t.Fatalf("unexpected process group defaults %+v", cfg.ProcessGroup)
	}
	if cfg.DialTimeout() != 5*time.Second || cfg.KeyTTL() != 24*time.Hour {
		t.Fatalf("unexpected etcd durations %v %v", cfg.DialTimeout(), cfg.KeyTTL())
	}
	if cfg.Logging.FileLevel != "debug" || cfg.Logging.ConsoleLevel != "info" {
		t.Fatalf("unexpected log levels %+v", cfg.Logging)
	}
}

func TestDecodeResumeBatch(t *testing.T) {
	yaml := minimalConfig + `batch_number: 3
checkpoint_time: 1800
duration_sec: 7200
run:
  label: run_12_34_5
  project: 12
  scenario: 34
  run_id: 5
  epsg: "EPSG:28356"
  resolution: 2.5
`
	cfg, err := decode(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("decode returned error: %v", err)
	}
	if !cfg.Resuming() || *cfg.CheckpointTime != 1800 {
		t.Fatalf("expected resume from 1800, got %+v", cfg)
	}
	if *cfg.DurationSec != 7200 || *cfg.Run.Resolution != 2.5 || cfg.Run.RunID != 5 {
		t.Fatalf("unexpected run metadata %+v", cfg.Run)
	}
}

func TestDecodeKeepsExplicitRetryDelay(t *testing.T) {
	cases := []struct {
		value string
		want  time.Duration
	}{
		{value: "0", want: 0},
		{value: "0.25", want: 250 * time.Millisecond},
		{value: "2", want: 2 * time.Second},
	}
	for _, tc := range cases {
		yaml := minimalConfig + "checkpoint:\n  retry_delay_sec: " + tc.value + "\n"
		cfg, err := decode(strings.NewReader(yaml))
		if err != nil {
			t.Fatalf("retry_delay_sec %s: decode returned error: %v", tc.value, err)
		}
		if cfg.RetryDelay() != tc.want {
			t.Fatalf("retry_delay_sec %s: expected %v, got %v", tc.value, tc.want, cfg.RetryDelay())
		}
	}

	_, err := decode(strings.NewReader(minimalConfig + "checkpoint:\n  retry_delay_sec: -1\n"))
	if err == nil || !strings.Contains(err.Error(), "retry_delay_sec") {
		t.Fatalf("expected negative retry delay to be rejected, got %v", err)
	}
}

func TestValidateDetectsMissingFields(t *testing.T) {
	yaml := `domain_name: ""
batch_number: 2
yieldstep_sec: 0
`
	_, err := decode(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected validation error, got nil")
	}
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	for _, want := range []string{"domain_name", "package_dir", "output_dir", "checkpoint_time", "yieldstep_sec"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected problem mentioning %s, got %v", want, err)
		}
	}
	if !errors.Is(err, &ValidationError{}) {
		t.Fatal("expected errors.Is to match ValidationError")
	}
}

func TestValidateEtcdBackend(t *testing.T) {
	yaml := minimalConfig + `process_group:
  backend: etcd
  rank: 2
  size: 2
  etcd_tls:
    enabled: true
`
	_, err := decode(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"etcd_endpoints", "run_key", "rank must be within", "ca_file", "cert_file", "key_file"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected problem mentioning %q, got %v", want, err)
		}
	}
}

func TestValidateRejectsUnknownBackendAndLevel(t *testing.T) {
	yaml := minimalConfig + `process_group:
  backend: mpi
logging:
  console_level: loud
`
	_, err := decode(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), `"mpi"`) || !strings.Contains(err.Error(), `"loud"`) {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	_, err := decode(strings.NewReader(minimalConfig + "node_name: node-1\n"))
	if err == nil {
		t.Fatal("expected parse error for unknown field")
	}
	var verr *ValidationError
	if errors.As(err, &verr) {
		t.Fatal("unknown fields should fail parsing, not validation")
	}
}

func TestLoadResolvesRelativePaths(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, DefaultConfigName)
	yaml := `domain_name: merewether
package_dir: .
output_dir: outputs
yieldstep_sec: 30
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.PackageDir != dir {
		t.Fatalf("expected package dir %s, got %s", dir, cfg.PackageDir)
	}
	if cfg.OutputDir != filepath.Join(dir, "outputs") {
		t.Fatalf("unexpected output dir %s", cfg.OutputDir)
	}
	if cfg.CheckpointDir != filepath.Join(dir, "outputs", "checkpoints") {
		t.Fatalf("unexpected checkpoint dir %s", cfg.CheckpointDir)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected ErrNotExist, got %v", err)
	}
}

func TestTLSConfigDisabled(t *testing.T) {
	var tlsCfg *EtcdTLSConfig
	got, err := tlsCfg.TLSConfig()
	if err != nil || got != nil {
		t.Fatalf("expected nil config for absent TLS, got %v %v", got, err)
	}
	got, err = (&EtcdTLSConfig{Enabled: false, CAFile: "ca.pem"}).TLSConfig()
	if err != nil || got != nil {
		t.Fatalf("expected nil config for disabled TLS, got %v %v", got, err)
	}
}

func TestTLSConfigMissingMaterial(t *testing.T) {
	dir := t.TempDir()
	cfg := &EtcdTLSConfig{
		Enabled:  true,
		CAFile:   filepath.Join(dir, "ca.pem"),
		CertFile: filepath.Join(dir, "client.pem"),
		KeyFile:  filepath.Join(dir, "client-key.pem"),
	}
	if _, err := cfg.TLSConfig(); err == nil {
		t.Fatal("expected error for missing certificate files")
	}
}
