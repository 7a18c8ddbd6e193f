// Package config loads wardend's on-disk configuration and layers CLI
// flag overrides on top of it, mirroring the "config file then flag
// wins" precedence of the original authd's command-line parser.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// ClusterRole selects how this node participates in master election.
type ClusterRole string

const (
	RoleStandalone ClusterRole = "standalone"
	RoleMaster     ClusterRole = "master"
	RoleWorker     ClusterRole = "worker"
)

// Config is wardend's full runtime configuration, loadable from YAML
// and overridable by the `run` subcommand's flags.
type Config struct {
	// Listener
	Port    int    `yaml:"port"`
	Group   string `yaml:"group"`
	WorkDir string `yaml:"work_dir"`

	// Authentication
	UsePassword bool   `yaml:"use_password"`
	Password    string `yaml:"password,omitempty"`

	// TLS
	Ciphers       string `yaml:"ciphers"`
	CertFile      string `yaml:"cert_file"`
	KeyFile       string `yaml:"key_file"`
	ClientCAFile  string `yaml:"client_ca_file,omitempty"`
	VerifyHost    bool   `yaml:"verify_host"`
	AutoNegotiate bool   `yaml:"auto_negotiate"`

	// Storage
	KeysFile string `yaml:"keys_file"`
	DataDir  string `yaml:"data_dir"`

	// Cluster
	ClusterRole ClusterRole `yaml:"cluster_role"`
	ClusterID   string      `yaml:"cluster_id,omitempty"`
	NodeID      string      `yaml:"node_id,omitempty"`
	BindAddr    string      `yaml:"bind_addr,omitempty"`
	MasterAddr  string      `yaml:"master_addr,omitempty"`

	// Duplicate-resolution policy (spec.md §4.3 step 4)
	ForceSource              bool          `yaml:"force_source"`
	ForceKeyMismatch         bool          `yaml:"force_key_mismatch"`
	ForceDisconnectedTime    time.Duration `yaml:"force_disconnected_time"`
	ForceAfterRegistration   time.Duration `yaml:"force_after_registration_time"`
	PoolSize                 int           `yaml:"pool_size"`
	QueueCapacity            int           `yaml:"queue_capacity"`

	// Logging
	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`
}

// Default returns the baseline configuration applied before a file is
// loaded or flags are layered on top.
func Default() *Config {
	return &Config{
		Port:          1515,
		WorkDir:       "/var/ossec",
		Ciphers:       "HIGH:!ADH:!EXPORT:!MD5:@STRENGTH",
		CertFile:      "/var/ossec/etc/sslmanager.cert",
		KeyFile:       "/var/ossec/etc/sslmanager.key",
		VerifyHost:    false,
		AutoNegotiate: false,
		KeysFile:      "/var/ossec/etc/client.keys",
		DataDir:       "/var/ossec/var/db",
		ClusterRole:   RoleStandalone,
		LogLevel:      "info",
		LogJSON:       false,
		PoolSize:      4,
		QueueCapacity: 64,
	}
}

// Load reads a YAML config file on top of Default(). A missing path is
// not an error — wardend can run entirely off flags and defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyFlagOverrides layers any flag explicitly set on cmd over cfg,
// matching the original's "file sets the baseline, command line wins"
// precedence. Flags left at their zero default never override a value
// the config file already set.
func ApplyFlagOverrides(cfg *Config, cmd *cobra.Command) {
	flags := cmd.Flags()

	if flags.Changed("port") {
		cfg.Port, _ = flags.GetInt("port")
	}
	if flags.Changed("group") {
		cfg.Group, _ = flags.GetString("group")
	}
	if flags.Changed("work-dir") {
		cfg.WorkDir, _ = flags.GetString("work-dir")
	}
	if flags.Changed("use-password") {
		cfg.UsePassword, _ = flags.GetBool("use-password")
	}
	if flags.Changed("ciphers") {
		cfg.Ciphers, _ = flags.GetString("ciphers")
	}
	if flags.Changed("cert") {
		cfg.CertFile, _ = flags.GetString("cert")
	}
	if flags.Changed("key") {
		cfg.KeyFile, _ = flags.GetString("key")
	}
	if flags.Changed("client-ca") {
		cfg.ClientCAFile, _ = flags.GetString("client-ca")
	}
	if flags.Changed("verify-host") {
		cfg.VerifyHost, _ = flags.GetBool("verify-host")
	}
	if flags.Changed("auto-negotiate") {
		cfg.AutoNegotiate, _ = flags.GetBool("auto-negotiate")
	}
	if flags.Changed("keys-file") {
		cfg.KeysFile, _ = flags.GetString("keys-file")
	}
	if flags.Changed("data-dir") {
		cfg.DataDir, _ = flags.GetString("data-dir")
	}
	if flags.Changed("cluster-role") {
		role, _ := flags.GetString("cluster-role")
		cfg.ClusterRole = ClusterRole(role)
	}
	if flags.Changed("master-addr") {
		cfg.MasterAddr, _ = flags.GetString("master-addr")
	}
}

// Validate checks the fields a daemon cannot start without. It never
// touches the filesystem; existence of the cert/key/keys files is
// checked where they're opened, so the error there carries the right
// context.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Port)
	}
	switch c.ClusterRole {
	case RoleStandalone, RoleMaster, RoleWorker:
	default:
		return fmt.Errorf("config: invalid cluster_role %q", c.ClusterRole)
	}
	if c.ClusterRole == RoleWorker && c.MasterAddr == "" {
		return fmt.Errorf("config: cluster_role worker requires master_addr")
	}
	if c.UsePassword && c.Password == "" {
		return fmt.Errorf("config: use_password is set but password is empty")
	}
	return nil
}
