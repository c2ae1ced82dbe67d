package main

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const duoCatalog = `instruments:
  - name: Duo
    positions: [A1, B1]
    plates: {min: 1, max: 1}
    wells: {min: 1, max: 2}
    required:
      - scope: plate
        attributes: [consumable_barcode]
`

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(newViper())
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.HTTP.Addr != ":8080" || cfg.HTTP.ShutdownTimeout != 10*time.Second {
		t.Fatalf("unexpected http config %+v", cfg.HTTP)
	}
	if cfg.Redis.LockTTL != 30*time.Second || cfg.Redis.Addr != "" {
		t.Fatalf("unexpected redis config %+v", cfg.Redis)
	}
	if cfg.Log.Format != "text" || cfg.Log.Level != "info" || cfg.Archive {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.Metrics.Backend != "prometheus" {
		t.Fatalf("expected prometheus metrics by default, got %q", cfg.Metrics.Backend)
	}
}

func TestConfigRejectsUnknownMetricsBackend(t *testing.T) {
	t.Setenv("TRACTION_METRICS_BACKEND", "statsd")
	if _, err := loadConfig(newViper()); err == nil || !strings.Contains(err.Error(), "invalid metrics backend") {
		t.Fatalf("expected metrics backend error, got %v", err)
	}
}

func TestConfigFileAndEnvironment(t *testing.T) {
	path := writeFile(t, "traction.yaml", "http:\n  addr: \":9090\"\nredis:\n  addr: localhost:6379\n  lock_ttl: 5s\narchive: true\n")
	t.Setenv("TRACTION_LOG_FORMAT", "json")
	t.Setenv("TRACTION_REDIS_DB", "3")

	v := newViper()
	v.Set("config", path)
	cfg, err := loadConfig(v)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.HTTP.Addr != ":9090" || !cfg.Archive {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.Redis.Addr != "localhost:6379" || cfg.Redis.LockTTL != 5*time.Second || cfg.Redis.DB != 3 {
		t.Fatalf("unexpected redis config %+v", cfg.Redis)
	}
	if cfg.Log.Format != "json" {
		t.Fatalf("expected env log format, got %q", cfg.Log.Format)
	}
}

func TestConfigMissingFile(t *testing.T) {
	v := newViper()
	v.Set("config", filepath.Join(t.TempDir(), "absent.yaml"))
	if _, err := loadConfig(v); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func TestInvalidLogFormat(t *testing.T) {
	_, err := execute(t, "--log-format", "xml", "instruments")
	if err == nil || !strings.Contains(err.Error(), "invalid log format") {
		t.Fatalf("expected invalid log format error, got %v", err)
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "warn", "json")
	logger.Info("hidden")
	logger.Warn("shown", "run", "7")
	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected one JSON line, got %q: %v", buf.String(), err)
	}
	if line["msg"] != "shown" || line["run"] != "7" {
		t.Fatalf("unexpected log line %v", line)
	}

	buf.Reset()
	newLogger(&buf, "debug", "text").Debug("text output")
	if !strings.Contains(buf.String(), "text output") {
		t.Fatalf("expected text output, got %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestInstrumentsCommand(t *testing.T) {
	out, err := execute(t, "instruments")
	if err != nil {
		t.Fatalf("instruments: %v", err)
	}
	for _, name := range []string{"NAME", "Revio", "Sequel IIe"} {
		if !strings.Contains(out, name) {
			t.Fatalf("expected %q in output:\n%s", name, out)
		}
	}

	catalog := writeFile(t, "catalog.yaml", duoCatalog)
	out, err = execute(t, "--catalog", catalog, "instruments", "--json")
	if err != nil {
		t.Fatalf("instruments --json: %v", err)
	}
	var doc struct {
		Instruments []struct {
			Name string `json:"name"`
		} `json:"instruments"`
	}
	if err := json.Unmarshal([]byte(out), &doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(doc.Instruments) != 1 || doc.Instruments[0].Name != "Duo" {
		t.Fatalf("unexpected instruments %+v", doc.Instruments)
	}
}
