package config

import (
	"os"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg := defaults()

	if cfg.Instance.Domain != "localhost" {
		t.Errorf("default domain = %q, want %q", cfg.Instance.Domain, "localhost")
	}
	if cfg.Database.MaxConnections != 25 {
		t.Errorf("default max_connections = %d, want 25", cfg.Database.MaxConnections)
	}
	if cfg.HTTP.Listen != "0.0.0.0:8080" {
		t.Errorf("default http.listen = %q, want %q", cfg.HTTP.Listen, "0.0.0.0:8080")
	}
	if cfg.RateLimit.RequestsPerSecond != 20 || cfg.RateLimit.Burst != 40 {
		t.Errorf("default rate limit = %d/%d, want 20/40", cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	}
	if cfg.Federation.MaxAttempts != 24 {
		t.Errorf("default federation.max_attempts = %d, want 24", cfg.Federation.MaxAttempts)
	}
}

func TestLoad_NoFile(t *testing.T) {
	t.Setenv("SERVICE_DID", "did:web:example.com")
	cfg, err := Load("/nonexistent/catbird.toml")
	if err != nil {
		t.Fatalf("Load non-existent file should use defaults, got error: %v", err)
	}
	if cfg.Instance.Domain != "localhost" {
		t.Errorf("domain = %q, want %q", cfg.Instance.Domain, "localhost")
	}
	if cfg.Instance.ServiceDID != "did:web:example.com" {
		t.Errorf("service_did = %q, want did:web:example.com", cfg.Instance.ServiceDID)
	}
}

func TestLoad_TOMLFile(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/catbird.toml"
	content := `
[instance]
service_did = "did:web:ds.example.com"
domain = "ds.example.com"

[database]
url = "postgres://u:p@db/catbird"
max_connections = 50
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing test config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Instance.Domain != "ds.example.com" {
		t.Errorf("domain = %q, want ds.example.com", cfg.Instance.Domain)
	}
	if cfg.Database.MaxConnections != 50 {
		t.Errorf("max_connections = %d, want 50", cfg.Database.MaxConnections)
	}
	// Fields not set in the file keep their defaults.
	if cfg.HTTP.Listen != "0.0.0.0:8080" {
		t.Errorf("http.listen = %q, want default 0.0.0.0:8080", cfg.HTTP.Listen)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("SERVICE_DID", "did:web:example.com")
	t.Setenv("CATBIRD_DATABASE_MAX_CONNECTIONS", "99")
	t.Setenv("FEDERATION_ADMIN_DIDS", "did:web:a.com, did:web:b.com")

	cfg, err := Load("/nonexistent/catbird.toml")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Database.MaxConnections != 99 {
		t.Errorf("max_connections = %d, want 99", cfg.Database.MaxConnections)
	}
	if len(cfg.Federation.AdminDIDs) != 2 || cfg.Federation.AdminDIDs[0] != "did:web:a.com" {
		t.Errorf("admin_dids = %v, want [did:web:a.com did:web:b.com]", cfg.Federation.AdminDIDs)
	}
}

func TestValidate_MissingServiceDID(t *testing.T) {
	cfg := defaults()
	cfg.Instance.ServiceDID = ""
	if err := validate(&cfg); err == nil {
		t.Fatal("expected validate() to fail without service_did")
	}
}

func TestValidate_BadLogLevel(t *testing.T) {
	cfg := defaults()
	cfg.Instance.ServiceDID = "did:web:x"
	cfg.Logging.Level = "verbose"
	if err := validate(&cfg); err == nil {
		t.Fatal("expected validate() to reject an unknown log level")
	}
}
