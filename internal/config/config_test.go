package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeTempConfig(t, "mqtt:\n  host: \"broker.local\"\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if got := cfg.String("mqtt.host"); got != "broker.local" {
		t.Errorf("mqtt.host = %q, want broker.local", got)
	}
	if got := cfg.Int("mqtt.port"); got != 1883 {
		t.Errorf("mqtt.port default = %d, want 1883", got)
	}
	if got := cfg.Int("bluetooth.max_repair_count"); got != 3 {
		t.Errorf("bluetooth.max_repair_count default = %d, want 3", got)
	}
	if got := cfg.Int("bluetooth.server.socket_accpet_timeout_ms"); got != 1000 {
		t.Errorf("bluetooth.server.socket_accpet_timeout_ms default = %d, want 1000", got)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeTempConfig(t, "bluetooth:\n  max_repair_count: 7\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.Int("bluetooth.max_repair_count"); got != 7 {
		t.Errorf("bluetooth.max_repair_count = %d, want 7 (overridden)", got)
	}
}

func TestLoadMissingFileIsError(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error loading a missing config file")
	}
}

func TestStringOrFallsBackWhenUnset(t *testing.T) {
	path := writeTempConfig(t, "mqtt:\n  host: \"broker.local\"\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.StringOr("logging.dir", "logs"); got != "logs" {
		t.Errorf("StringOr fallback = %q, want logs", got)
	}
}
