package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/osdfleet/disktender/internal/types"
)

// ClusterConfig is the provisioner's validated configuration.
type ClusterConfig struct {
	ClusterUser    string                `json:"cluster_user"`
	ClusterConf    string                `json:"cluster_conf"`
	PoolName       string                `json:"pool_name"`
	TargetWeight   float64               `json:"target_weight"`
	LatencyCap     float64               `json:"latency_cap_ms"`
	BackfillCap    int                   `json:"backfill_cap"`
	Increment      float64               `json:"increment"`
	SystemDisks    []string              `json:"system_disks"`
	JournalDevices []types.JournalDevice `json:"journal_devices"`
}

// LoadClusterConfig reads and validates a ClusterConfig document from path.
func LoadClusterConfig(path string) (*ClusterConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open cluster config %s: %w", path, err)
	}
	defer f.Close()
	return DecodeClusterConfig(f)
}

// DecodeClusterConfig reads and validates a ClusterConfig document from r.
func DecodeClusterConfig(r io.Reader) (*ClusterConfig, error) {
	var cfg ClusterConfig
	if err := json.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode cluster config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects zero or negative numeric fields outright. A negative
// Increment is not rejected — it is silently flipped positive
// ("a negative increment is silently flipped positive").
func (c *ClusterConfig) Validate() error {
	if c.TargetWeight <= 0 {
		return fmt.Errorf("target_weight must be > 0, got %v", c.TargetWeight)
	}
	if c.LatencyCap <= 0 {
		return fmt.Errorf("latency_cap_ms must be > 0, got %v", c.LatencyCap)
	}
	if c.BackfillCap <= 0 {
		return fmt.Errorf("backfill_cap must be > 0, got %v", c.BackfillCap)
	}
	if c.Increment == 0 {
		return fmt.Errorf("increment must be non-zero")
	}
	if c.Increment < 0 {
		c.Increment = -c.Increment
	}
	if c.PoolName == "" {
		return fmt.Errorf("pool_name is required")
	}
	if c.ClusterUser == "" {
		c.ClusterUser = "ceph"
	}
	if c.ClusterConf == "" {
		c.ClusterConf = "/etc/ceph/ceph.conf"
	}
	return nil
}

// IsSystemDisk reports whether path is in the configured system-disk list.
func (c *ClusterConfig) IsSystemDisk(path string) bool {
	for _, d := range c.SystemDisks {
		if d == path {
			return true
		}
	}
	return false
}

// IsJournalDevice reports whether path is one of the configured journal
// devices.
func (c *ClusterConfig) IsJournalDevice(path string) bool {
	for _, d := range c.JournalDevices {
		if d.Path == path {
			return true
		}
	}
	return false
}
