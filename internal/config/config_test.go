package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadAppliesFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.toml")
	contents := `
node_id = "dtn://a"
node_role = "source"
listen_port = 5000
neighbors = "dtn://r:10.0.0.1:4556"
storage_dir = "/tmp/dtn"
`
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("DTNNODE_LISTEN_PORT", "6000")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.NodeID != "dtn://a" {
		t.Fatalf("expected node_id from file, got %q", cfg.NodeID)
	}
	if cfg.ListenPort != 6000 {
		t.Fatalf("expected env override to win over file, got %d", cfg.ListenPort)
	}
	if cfg.DefaultLifetimeS != 3600 {
		t.Fatalf("expected default_lifetime_s default to survive, got %d", cfg.DefaultLifetimeS)
	}
}

func TestValidateRequiresNodeID(t *testing.T) {
	cfg := Default()
	cfg.NodeRole = "source"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for missing node_id")
	}

	cfg.NodeID = "dtn://a"
	cfg.StorageDir = "/tmp/dtn"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestValidateRejectsBadRole(t *testing.T) {
	cfg := Default()
	cfg.NodeID = "dtn://a"
	cfg.NodeRole = "bogus"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for bad node_role")
	}
}
