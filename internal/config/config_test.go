package config

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
	return path
}

func TestDefaultConfig_Validates(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("DefaultConfig().Validate() = %v", err)
	}
	g, err := cfg.ServerGestalt()
	if err != nil {
		t.Fatalf("ServerGestalt() failed: %v", err)
	}
	if len(g.AuthTypes) != 0 || g.RequiresAuth {
		t.Errorf("default gestalt auth = %v/%v, want none", g.AuthTypes, g.RequiresAuth)
	}
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, "fpsync.yaml", `
server:
  addr: ":9000"
  capabilities: [reqRes]
  rate_limit: 5
store:
  driver: libsql
  url: libsql://db.example.com
  sync_interval: 30s
auth:
  required: true
  secret: s3cret
client:
  encodings: [cbor]
log:
  debug: true
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Server.Addr != ":9000" {
		t.Errorf("Server.Addr = %q", cfg.Server.Addr)
	}
	if diff := cmp.Diff([]string{"reqRes"}, cfg.Server.Capabilities); diff != "" {
		t.Errorf("Server.Capabilities mismatch (-want +got):\n%s", diff)
	}
	if cfg.Store.Driver != DriverLibSQL || cfg.Store.SyncInterval != 30*time.Second {
		t.Errorf("Store = %+v", cfg.Store)
	}
	if !cfg.Log.Debug {
		t.Error("Log.Debug = false, want true")
	}
	// untouched keys keep their defaults
	if cfg.Client.RequestTimeout != 10*time.Second {
		t.Errorf("Client.RequestTimeout = %v, want default", cfg.Client.RequestTimeout)
	}

	g, err := cfg.ServerGestalt()
	if err != nil {
		t.Fatalf("ServerGestalt() failed: %v", err)
	}
	if !g.RequiresAuth || len(g.WSEndpoints) != 1 {
		t.Errorf("gestalt = %+v", g)
	}
	cg, err := cfg.ClientGestalt()
	if err != nil {
		t.Fatalf("ClientGestalt() failed: %v", err)
	}
	if len(cg.Encodings) != 1 || cg.Encodings[0] != "CBOR" {
		t.Errorf("client encodings = %v, want [CBOR]", cg.Encodings)
	}
}

func TestLoad_TOML(t *testing.T) {
	path := writeFile(t, "fpsync.toml", `
[server]
addr = ":9100"

[sign]
base_url = "https://objects.example.com"
secret = "k"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Server.Addr != ":9100" || cfg.Sign.BaseURL != "https://objects.example.com" {
		t.Errorf("cfg = %+v / %+v", cfg.Server, cfg.Sign)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	path := writeFile(t, "fpsync.yaml", "server:\n  addr: \":9000\"\n")
	t.Setenv("FPSYNC_SERVER_ADDR", ":9999")
	t.Setenv("FPSYNC_STORE_PATH", "/tmp/other.db")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Server.Addr != ":9999" {
		t.Errorf("Server.Addr = %q, want env override", cfg.Server.Addr)
	}
	if cfg.Store.Path != "/tmp/other.db" {
		t.Errorf("Store.Path = %q, want env override", cfg.Store.Path)
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("Load() of a missing file should fail")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown driver", func(c *Config) { c.Store.Driver = "postgres" }, "unknown store.driver"},
		{"sqlite without path", func(c *Config) { c.Store.Path = "" }, "store.path"},
		{"libsql without url", func(c *Config) { c.Store.Driver = DriverLibSQL }, "store.url"},
		{"auth without secret", func(c *Config) { c.Auth.Required = true }, "auth.secret"},
		{"sign without base url", func(c *Config) { c.Sign.Secret = "k" }, "sign.base_url"},
		{"bad capability", func(c *Config) { c.Server.Capabilities = []string{"carrier-pigeon"} }, "invalid server settings"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.want)
			}
		})
	}
}

func TestWatch_Reloads(t *testing.T) {
	path := writeFile(t, "fpsync.yaml", "log:\n  debug: false\n")
	src, err := NewSource(path)
	if err != nil {
		t.Fatalf("NewSource() failed: %v", err)
	}

	changes := make(chan *Config, 16)
	src.Watch(log.New(io.Discard, "", 0), func(c *Config) { changes <- c })

	// give the watcher a moment to register
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte("log:\n  debug: true\n"), 0644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case c := <-changes:
			if c.Log.Debug {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for config reload")
		}
	}
}
