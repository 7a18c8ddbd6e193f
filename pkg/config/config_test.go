package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Port != 1515 {
		t.Errorf("default port = %d, want 1515", cfg.Port)
	}
	if cfg.ClusterRole != RoleStandalone {
		t.Errorf("default cluster role = %q, want standalone", cfg.ClusterRole)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != 1515 {
		t.Errorf("Load() with missing file should return defaults, got port=%d", cfg.Port)
	}
}

func TestLoadOverlaysFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wardend.yaml")
	content := []byte("port: 1516\ncluster_role: master\nuse_password: true\npassword: s3cret\n")
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != 1516 {
		t.Errorf("Port = %d, want 1516", cfg.Port)
	}
	if cfg.ClusterRole != RoleMaster {
		t.Errorf("ClusterRole = %q, want master", cfg.ClusterRole)
	}
	if !cfg.UsePassword || cfg.Password != "s3cret" {
		t.Errorf("UsePassword/Password not loaded: %+v", cfg)
	}
	// Fields absent from the file keep their defaults.
	if cfg.Ciphers == "" {
		t.Error("Ciphers should retain default when absent from file")
	}
}

func TestApplyFlagOverrides(t *testing.T) {
	cfg := Default()

	cmd := &cobra.Command{Use: "run"}
	cmd.Flags().Int("port", 0, "")
	cmd.Flags().String("cluster-role", "", "")
	_ = cmd.Flags().Set("port", "2020")
	_ = cmd.Flags().Set("cluster-role", "worker")

	ApplyFlagOverrides(cfg, cmd)

	if cfg.Port != 2020 {
		t.Errorf("Port = %d, want 2020 after flag override", cfg.Port)
	}
	if cfg.ClusterRole != RoleWorker {
		t.Errorf("ClusterRole = %q, want worker after flag override", cfg.ClusterRole)
	}
}

func TestApplyFlagOverridesLeavesUnsetFieldsAlone(t *testing.T) {
	cfg := Default()
	cfg.Port = 9999

	cmd := &cobra.Command{Use: "run"}
	cmd.Flags().Int("port", 1515, "")

	ApplyFlagOverrides(cfg, cmd)

	if cfg.Port != 9999 {
		t.Errorf("Port = %d, want 9999 (flag not explicitly set)", cfg.Port)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid standalone", func(c *Config) {}, false},
		{"bad port", func(c *Config) { c.Port = 0 }, true},
		{"bad port high", func(c *Config) { c.Port = 70000 }, true},
		{"bad role", func(c *Config) { c.ClusterRole = "bogus" }, true},
		{"worker without master addr", func(c *Config) { c.ClusterRole = RoleWorker }, true},
		{"worker with master addr", func(c *Config) {
			c.ClusterRole = RoleWorker
			c.MasterAddr = "10.0.0.1:1516"
		}, false},
		{"password toggle without password", func(c *Config) { c.UsePassword = true }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr && err == nil {
				t.Error("Validate() expected error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("Validate() unexpected error: %v", err)
			}
		})
	}
}
