package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/osdfleet/disktender/internal/cluster"
)

// CoordinatorConfig is the request coordinator's (RC) validated
// configuration.
type CoordinatorConfig struct {
	Backend cluster.BackendKind `json:"backend"`

	ListenAddr string `json:"listen_addr"`
	WorkerPool int    `json:"worker_pool"`

	CertDir string `json:"cert_dir"`

	// SecretStoreEndpoint/SecretStoreToken, when set, make the RC fetch its
	// server identity from an external secret store instead of CertDir.
	SecretStoreEndpoint string `json:"secret_store_endpoint,omitempty"`
	SecretStoreToken    string `json:"secret_store_token,omitempty"`

	// SlackWebhook is carried here only so the coordinator can hand it
	// to the external notifier collaborator unopened.
	SlackWebhook string `json:"slack_webhook,omitempty"`

	DatabaseDSN string `json:"database_dsn"`

	PIDFile string `json:"pid_file"`
	OutFile string `json:"out_file,omitempty"`
	ErrFile string `json:"err_file,omitempty"`

	ClusterConfigPath string `json:"cluster_config_path"`
}

// LoadCoordinatorConfig reads and validates a CoordinatorConfig from path.
func LoadCoordinatorConfig(path string) (*CoordinatorConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open coordinator config %s: %w", path, err)
	}
	defer f.Close()
	return DecodeCoordinatorConfig(f)
}

// DecodeCoordinatorConfig reads and validates a CoordinatorConfig from r.
func DecodeCoordinatorConfig(r io.Reader) (*CoordinatorConfig, error) {
	var cfg CoordinatorConfig
	if err := json.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode coordinator config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

const defaultListenAddr = ":5555"
const defaultWorkerPool = 16

// Validate fills defaults and rejects configurations that would leave the
// coordinator unable to start.
func (c *CoordinatorConfig) Validate() error {
	switch c.Backend {
	case "":
		c.Backend = cluster.BackendCeph
	case cluster.BackendCeph, cluster.BackendGluster:
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	if c.ListenAddr == "" {
		c.ListenAddr = defaultListenAddr
	}
	if c.WorkerPool <= 0 {
		c.WorkerPool = defaultWorkerPool
	}
	if c.DatabaseDSN == "" {
		return fmt.Errorf("database_dsn is required")
	}
	if c.PIDFile == "" {
		c.PIDFile = "/var/run/disktender.pid"
	}
	if c.CertDir == "" && c.SecretStoreEndpoint == "" {
		return fmt.Errorf("either cert_dir or secret_store_endpoint must be set")
	}
	if c.ClusterConfigPath == "" {
		return fmt.Errorf("cluster_config_path is required")
	}
	return nil
}
