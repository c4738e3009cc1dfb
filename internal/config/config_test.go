package config

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate, got %v", err)
	}
}

func TestValidateRejectsBadAdminProtocol(t *testing.T) {
	cfg := Default()
	cfg.AdminProto = "ftp"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected an error for an unrecognized admin protocol")
	}
}

func TestValidateRequiresTLSFilesForHTTPS(t *testing.T) {
	cfg := Default()
	cfg.AdminProto = "https"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected an error when https is requested without cert/key files")
	}
	cfg.TLSCertFile = "cert.pem"
	cfg.TLSKeyFile = "key.pem"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected validation to pass once cert/key are set, got %v", err)
	}
}

func TestValidateRequiresRedisAddress(t *testing.T) {
	cfg := Default()
	cfg.FlowStoreBackend = "redis"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected an error when redis backend is selected without an address")
	}
	cfg.RedisAddress = "localhost:6379"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected validation to pass once redis_address is set, got %v", err)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rift.yaml")
	contents := "admin_address: \":9999\"\nscript_pool_workers: 8\nlog_level: debug\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := Default()
	if err := LoadFile(cfg, path); err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if cfg.AdminAddress != ":9999" {
		t.Fatalf("expected admin_address to be overridden, got %q", cfg.AdminAddress)
	}
	if cfg.ScriptPoolWorkers != 8 {
		t.Fatalf("expected script_pool_workers to be overridden, got %d", cfg.ScriptPoolWorkers)
	}
	// Fields absent from the file keep their prior (default) value.
	if cfg.DecisionCacheTTL != 30*time.Second {
		t.Fatalf("expected untouched field to keep its default, got %v", cfg.DecisionCacheTTL)
	}
}

func TestBindFlagsOverridesConfig(t *testing.T) {
	cfg := Default()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg.BindFlags(fs)
	if err := fs.Parse([]string{"-admin-address", ":1234", "-script-pool-workers", "2"}); err != nil {
		t.Fatalf("flag parse failed: %v", err)
	}
	if cfg.AdminAddress != ":1234" {
		t.Fatalf("expected admin-address flag to apply, got %q", cfg.AdminAddress)
	}
	if cfg.ScriptPoolWorkers != 2 {
		t.Fatalf("expected script-pool-workers flag to apply, got %d", cfg.ScriptPoolWorkers)
	}
}
