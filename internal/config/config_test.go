package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected defaults to load, got %v", err)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Fatalf("unexpected addr: %s", cfg.HTTPAddr)
	}
	if cfg.Detector.Backend != BackendPigo {
		t.Fatalf("unexpected backend: %s", cfg.Detector.Backend)
	}
	if cfg.Redis.Addr != "" || cfg.Database.Driver != "" {
		t.Fatalf("expected optional stores to be disabled, got %+v %+v", cfg.Redis, cfg.Database)
	}
}

func TestLoadFileThenEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)

	path := filepath.Join(dir, "config.yaml")
	content := []byte(`
http_addr: ":9000"
max_upload_bytes: 2048
pool:
  size: 2
  acquire_timeout: 250ms
detector:
  backend: grpc
  grpc_addr: "detector:50051"
`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("POOL_SIZE", "8")
	t.Setenv("CORS_ORIGINS", "http://a.test, http://b.test")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != ":9000" {
		t.Fatalf("expected file addr, got %s", cfg.HTTPAddr)
	}
	if cfg.MaxUploadBytes != 2048 {
		t.Fatalf("expected file upload limit, got %d", cfg.MaxUploadBytes)
	}
	if cfg.Pool.Size != 8 {
		t.Fatalf("expected env to override pool size, got %d", cfg.Pool.Size)
	}
	if cfg.Pool.AcquireTimeout != 250*time.Millisecond {
		t.Fatalf("unexpected acquire timeout: %v", cfg.Pool.AcquireTimeout)
	}
	if cfg.Detector.GRPCAddr != "detector:50051" {
		t.Fatalf("unexpected grpc addr: %s", cfg.Detector.GRPCAddr)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "http://b.test" {
		t.Fatalf("unexpected origins: %v", cfg.CORSOrigins)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("PROCESS_TIMEOUT", "soon")

	if _, err := Load(); err == nil {
		t.Fatal("expected parse error, got nil")
	}
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"unknown backend":   func(c *Config) { c.Detector.Backend = "opencv" },
		"grpc without addr": func(c *Config) { c.Detector.Backend = BackendGRPC },
		"zero pool":         func(c *Config) { c.Pool.Size = 0 },
		"driver without dsn": func(c *Config) {
			c.Database.Driver = "sqlite"
		},
		"unknown driver": func(c *Config) {
			c.Database.Driver = "mysql"
			c.Database.DSN = "x"
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error, got nil")
			}
		})
	}
}

// chdir mirrors testing.T.Chdir (Go 1.24+) for older toolchains: it changes
// the working directory and restores the previous one when the test ends.
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir %s: %v", dir, err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(prev); err != nil {
			t.Fatalf("restore wd %s: %v", prev, err)
		}
	})
}
