package main

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/cuemby/warden/pkg/cluster"
	"github.com/cuemby/warden/pkg/config"
	"github.com/cuemby/warden/pkg/enroll"
	"github.com/cuemby/warden/pkg/events"
	"github.com/cuemby/warden/pkg/keystore"
	"github.com/cuemby/warden/pkg/localctl"
	"github.com/cuemby/warden/pkg/log"
	"github.com/cuemby/warden/pkg/metrics"
	"github.com/cuemby/warden/pkg/pending"
	"github.com/cuemby/warden/pkg/security"
	"github.com/cuemby/warden/pkg/storage"
	"github.com/cuemby/warden/pkg/supervisor"
	"github.com/cuemby/warden/pkg/writer"
)

var (
	// Version information, set via ldflags during build.
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "wardend",
	Short:   "Warden agent enrollment daemon",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("wardend version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(genCertCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the enrollment daemon in the foreground",
	RunE:  runDaemon,
}

func init() {
	flags := runCmd.Flags()
	flags.String("config", "", "path to wardend.yaml")
	flags.Int("port", 0, "agent enrollment listener port")
	flags.String("group", "", "default agent group")
	flags.String("work-dir", "", "runtime work directory")
	flags.Bool("use-password", false, "require a shared password in addition to cert auth")
	flags.String("ciphers", "", "TLS cipher suite string, informational")
	flags.String("cert", "", "server certificate PEM path")
	flags.String("key", "", "server key PEM path")
	flags.String("client-ca", "", "client CA PEM path, enables mutual TLS")
	flags.Bool("verify-host", false, "require peer certificate CN to match source IP")
	flags.Bool("auto-negotiate", false, "negotiate the TLS version up to TLS 1.3 instead of TLS 1.2 only")
	flags.String("keys-file", "", "path to client.keys")
	flags.String("data-dir", "", "agents database directory")
	flags.String("cluster-role", "", "standalone, master, or worker")
	flags.String("master-addr", "", "cluster RPC address of the master, required for workers")
	flags.Int("metrics-port", 9515, "HTTP port serving /metrics, /healthz, /readyz")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("wardend: %w", err)
	}
	config.ApplyFlagOverrides(cfg, cmd)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("wardend: %w", err)
	}

	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})

	if err := os.MkdirAll(cfg.WorkDir, 0755); err != nil {
		return fmt.Errorf("wardend: create work dir: %w", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("wardend: create data dir: %w", err)
	}

	ks, err := loadOrCreateKeystore(cfg)
	if err != nil {
		return fmt.Errorf("wardend: %w", err)
	}
	journal := pending.New()

	broker := events.NewBroker()
	broker.Start()

	store, err := storage.NewBoltAgentStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("wardend: open agents database: %w", err)
	}
	defer store.Close()

	serverTLS, err := buildServerTLS(cfg)
	if err != nil {
		return fmt.Errorf("wardend: %w", err)
	}

	service, err := enroll.New(cfg, ks, journal, broker, serverTLS)
	if err != nil {
		return fmt.Errorf("wardend: %w", err)
	}

	var w *writer.Writer
	if cfg.ClusterRole != config.RoleWorker {
		w = writer.New(ks, journal, cfg.KeysFile, store, broker)
	}

	var clus *cluster.Cluster
	if cfg.ClusterRole == config.RoleMaster {
		clus, err = startManagerCluster(cfg)
		if err != nil {
			return fmt.Errorf("wardend: %w", err)
		}
	}

	if cfg.ClusterRole == config.RoleWorker {
		if err := wireWorkerForwarding(cfg, service, store); err != nil {
			return fmt.Errorf("wardend: %w", err)
		}
	}

	localCtl, err := localctl.New(filepath.Join(cfg.WorkDir, "wardend.sock"), func() string {
		return fmt.Sprintf("keystore_size=%d queue_depth=%d", ks.Size(), 0)
	})
	if err != nil {
		return fmt.Errorf("wardend: local control socket: %w", err)
	}

	metricsPort, _ := cmd.Flags().GetInt("metrics-port")
	go serveMetrics(metricsPort)

	sup := supervisor.New(cfg, ks, service, w, localCtl, clus)
	return sup.Run()
}

func loadOrCreateKeystore(cfg *config.Config) (*keystore.Keystore, error) {
	f, err := os.Open(cfg.KeysFile)
	if err != nil {
		if os.IsNotExist(err) {
			return keystore.New(false), nil
		}
		return nil, fmt.Errorf("open keys file: %w", err)
	}
	defer f.Close()
	return keystore.Load(f, false)
}

func buildServerTLS(cfg *config.Config) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load server certificate: %w", err)
	}

	var caCert *x509.Certificate
	requireClientCert := false
	if cfg.ClientCAFile != "" {
		pemBytes, err := os.ReadFile(cfg.ClientCAFile)
		if err != nil {
			return nil, fmt.Errorf("read client ca: %w", err)
		}
		block, _ := pem.Decode(pemBytes)
		if block == nil {
			return nil, fmt.Errorf("no PEM block found in client ca file")
		}
		caCert, err = x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse client ca: %w", err)
		}
		requireClientCert = true
	}

	tlsCfg := security.BuildServerTLSConfig(cert, caCert, requireClientCert)
	if !cfg.AutoNegotiate {
		tlsCfg.MaxVersion = tls.VersionTLS12
	}
	return tlsCfg, nil
}

func startManagerCluster(cfg *config.Config) (*cluster.Cluster, error) {
	clus := cluster.New(cluster.Config{
		NodeID:   cfg.NodeID,
		BindAddr: cfg.BindAddr,
		DataDir:  filepath.Join(cfg.DataDir, "raft"),
	})
	if err := clus.Bootstrap(); err != nil {
		return nil, fmt.Errorf("bootstrap cluster: %w", err)
	}
	return clus, nil
}

func wireWorkerForwarding(cfg *config.Config, service *enroll.Service, store storage.AgentStore) error {
	key := security.DeriveKeyFromClusterID(cfg.ClusterID)
	if err := security.SetClusterEncryptionKey(key); err != nil {
		return fmt.Errorf("set cluster encryption key: %w", err)
	}

	ca := security.NewCertAuthority(store)
	if err := ca.LoadFromStore(); err != nil {
		return fmt.Errorf("load cluster ca (join a master first): %w", err)
	}

	nodeCert, err := cluster.LoadOrIssueNodeCert(ca, "worker", cfg.NodeID, nil, []net.IP{net.ParseIP("127.0.0.1")})
	if err != nil {
		return fmt.Errorf("issue worker certificate: %w", err)
	}

	return service.EnableClusterForwardFromCA(cfg.MasterAddr, *nodeCert, ca)
}

func serveMetrics(port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", metrics.HealthHandler())
	mux.HandleFunc("/readyz", metrics.ReadyHandler())
	mux.HandleFunc("/livez", metrics.LivenessHandler())

	addr := fmt.Sprintf(":%d", port)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Errorf("metrics server stopped", err)
	}
}
