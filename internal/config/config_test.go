package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileReturnsDefault(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := Default()
	if *cfg != *want {
		t.Errorf("Load(missing) = %+v, want %+v", cfg, want)
	}
}

func TestLoadOverridesOnlyGivenKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "courier.yaml")
	yamlDoc := "node:\n  port: 9200\n  node_id: relay-1\nfec:\n  enabled: true\n  k: 8\n"
	if err := os.WriteFile(path, []byte(yamlDoc), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Node.Port != 9200 || cfg.Node.NodeID != "relay-1" {
		t.Errorf("node overrides not applied: %+v", cfg.Node)
	}
	if !cfg.FEC.Enabled || cfg.FEC.K != 8 {
		t.Errorf("fec overrides not applied: %+v", cfg.FEC)
	}
	// transfer.* was absent from the file, so it must keep its default.
	want := Default().Transfer
	if cfg.Transfer != want {
		t.Errorf("transfer = %+v, want default %+v", cfg.Transfer, want)
	}
	if cfg.FEC.R != 2 {
		t.Errorf("fec.r not given in file should keep default 2, got %d", cfg.FEC.R)
	}
}
