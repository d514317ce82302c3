package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "werld.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := LoadWithEnv("", map[string]string{})
	if err != nil {
		t.Fatalf("LoadWithEnv: %v", err)
	}
	if cfg != Defaults() {
		t.Fatalf("cfg=%+v want defaults", cfg)
	}
	if cfg.JournalDir() != filepath.Join("data", "journal") || cfg.IndexPath() != filepath.Join("data", "index.db") {
		t.Fatalf("paths journal=%s index=%s", cfg.JournalDir(), cfg.IndexPath())
	}
}

func TestLoad_YAMLThenEnv(t *testing.T) {
	path := writeYAML(t, `
addr: ":9000"
data_dir: /var/lib/werld
max_queue: 8
shutdown_timeout: 3s
log_format: json
`)
	cfg, err := LoadWithEnv(path, map[string]string{
		"WERLD_MAX_QUEUE":  "16",
		"LOG_LEVEL":        "debug",
		"WERLD_DISABLE_DB": "true",
	})
	if err != nil {
		t.Fatalf("LoadWithEnv: %v", err)
	}
	if cfg.Addr != ":9000" || cfg.DataDir != "/var/lib/werld" || cfg.LogFormat != "json" {
		t.Fatalf("yaml not applied: %+v", cfg)
	}
	if cfg.MaxQueue != 16 || cfg.LogLevel != "debug" || !cfg.DisableDB {
		t.Fatalf("env not applied: %+v", cfg)
	}
	if cfg.ShutdownTimeout != 3*time.Second {
		t.Fatalf("shutdown_timeout=%s", cfg.ShutdownTimeout)
	}
}

func TestLoad_AddrPrecedence(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		env  map[string]string
		want string
	}{
		{"default", "", map[string]string{}, ":8089"},
		{"socket port", "", map[string]string{"SOCKET_SERVER_PORT": "7001"}, ":7001"},
		{"env wins over port", "", map[string]string{"WERLD_ADDR": "127.0.0.1:1", "SOCKET_SERVER_PORT": "7001"}, "127.0.0.1:1"},
		{"file wins over port", "addr: \":9100\"\n", map[string]string{"SOCKET_SERVER_PORT": "7001"}, ":9100"},
		{"env wins over file", "addr: \":9100\"\n", map[string]string{"WERLD_ADDR": ":9200"}, ":9200"},
	}
	for _, c := range cases {
		path := ""
		if c.yaml != "" {
			path = writeYAML(t, c.yaml)
		}
		cfg, err := LoadWithEnv(path, c.env)
		if err != nil {
			t.Fatalf("%s: %v", c.name, err)
		}
		if cfg.Addr != c.want {
			t.Fatalf("%s: addr=%q want %q", c.name, cfg.Addr, c.want)
		}
	}
}

func TestLoad_Errors(t *testing.T) {
	if _, err := LoadWithEnv(filepath.Join(t.TempDir(), "missing.yaml"), map[string]string{}); err == nil {
		t.Fatalf("expected error for missing file")
	}
	if _, err := LoadWithEnv(writeYAML(t, "max_queue: [1"), map[string]string{}); err == nil {
		t.Fatalf("expected yaml error")
	}
	_, err := LoadWithEnv("", map[string]string{"WERLD_MAX_QUEUE": "lots"})
	if err == nil || !strings.Contains(err.Error(), "parse env:") {
		t.Fatalf("err=%v want parse env error", err)
	}
}

func TestLoad_Mirror(t *testing.T) {
	path := writeYAML(t, `
mirror:
  endpoint: acct.r2.cloudflarestorage.com
  bucket: werld-backups
  prefix: prod
  secret_access_key: ignored
`)
	cfg, err := LoadWithEnv(path, map[string]string{
		"WERLD_MIRROR_ACCESS_KEY_ID":     "AKID",
		"WERLD_MIRROR_SECRET_ACCESS_KEY": "s3cr3t",
	})
	if err != nil {
		t.Fatalf("LoadWithEnv: %v", err)
	}
	m := cfg.Mirror
	if !m.Enabled() || m.Bucket != "werld-backups" || m.Prefix != "prod" || m.AccessKeyID != "AKID" || m.SecretAccessKey != "s3cr3t" {
		t.Fatalf("mirror=%+v", m)
	}

	if _, err := LoadWithEnv(path, map[string]string{"WERLD_MIRROR_ACCESS_KEY_ID": "AKID"}); err == nil {
		t.Fatalf("expected error: secret only from yaml")
	}
}

func TestValidate(t *testing.T) {
	bad := []func(*Config){
		func(c *Config) { c.Addr = " " },
		func(c *Config) { c.MaxQueue = 0 },
		func(c *Config) { c.ShutdownTimeout = 0 },
		func(c *Config) { c.DataDir = "" },
		func(c *Config) { c.Restore, c.DisableJournal = true, true },
	}
	for i, mut := range bad {
		c := Defaults()
		mut(&c)
		if err := c.Validate(); err == nil {
			t.Fatalf("case %d: expected error for %+v", i, c)
		}
	}

	c := Defaults()
	c.DataDir, c.DisableDB, c.DisableJournal = "", true, true
	if err := c.Validate(); err != nil {
		t.Fatalf("in-memory config rejected: %v", err)
	}
}
