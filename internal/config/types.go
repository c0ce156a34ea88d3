package config

import (
	"time"
)

const (
	DefaultGranularity     = 2 << 20
	DefaultMinEnclaveBytes = 64 << 20
	DefaultMaxMemRegions   = 256
	DefaultListen          = "127.0.0.1:8321"
	DefaultLockFile        = "/run/enclave-manager.lock"

	TopologySysfs     = "sysfs"
	TopologySynthetic = "synthetic"

	BackendSimulated = "simulated"
)

type ManagerConfig struct {
	Pool     PoolConfig     `yaml:"pool"`
	Memory   MemoryConfig   `yaml:"memory"`
	Topology TopologyConfig `yaml:"topology"`
	Backend  BackendConfig  `yaml:"backend"`
	Server   ServerConfig   `yaml:"server"`
	Events   EventsConfig   `yaml:"events"`
	LogLevel string         `yaml:"log_level"`
}

type PoolConfig struct {
	// CPUs is a kernel-style cpu list, e.g. "2-3,6-7". Empty leaves the pool
	// unconfigured until it is set through the control surface.
	CPUs string `yaml:"cpus"`
}

type MemoryConfig struct {
	GranularityBytes uint64 `yaml:"granularity_bytes"`
	MinEnclaveBytes  uint64 `yaml:"min_enclave_bytes"`
	MaxRegions       int    `yaml:"max_regions"`
}

type TopologyConfig struct {
	Kind      string          `yaml:"kind"`
	SysfsRoot string          `yaml:"sysfs_root"`
	Synthetic SyntheticConfig `yaml:"synthetic"`
}

type SyntheticConfig struct {
	Cores          int `yaml:"cores"`
	ThreadsPerCore int `yaml:"threads_per_core"`
	Nodes          int `yaml:"nodes"`
}

type BackendConfig struct {
	Kind          string `yaml:"kind"`
	MaxMemRegions int    `yaml:"max_mem_regions"`
	NUMANode      int    `yaml:"numa_node"`
	HugePageBytes uint64 `yaml:"hugepage_bytes"`
}

type ServerConfig struct {
	Listen   string `yaml:"listen"`
	LockFile string `yaml:"lock_file"`
}

type EventsConfig struct {
	InfluxDB *InfluxConfig `yaml:"influxdb,omitempty"`
}

type InfluxConfig struct {
	Host          string        `yaml:"host"`
	Token         string        `yaml:"token"`
	Org           string        `yaml:"org"`
	Bucket        string        `yaml:"bucket"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
}

// Default returns a configuration with every default applied.
func Default() *ManagerConfig {
	cfg := &ManagerConfig{}
	cfg.applyDefaults()
	return cfg
}

func (c *ManagerConfig) applyDefaults() {
	if c.Memory.GranularityBytes == 0 {
		c.Memory.GranularityBytes = DefaultGranularity
	}
	if c.Memory.MinEnclaveBytes == 0 {
		c.Memory.MinEnclaveBytes = DefaultMinEnclaveBytes
	}
	if c.Memory.MaxRegions == 0 {
		c.Memory.MaxRegions = DefaultMaxMemRegions
	}
	if c.Topology.Kind == "" {
		c.Topology.Kind = TopologySysfs
	}
	if c.Backend.Kind == "" {
		c.Backend.Kind = BackendSimulated
	}
	if c.Backend.HugePageBytes == 0 {
		c.Backend.HugePageBytes = c.Memory.GranularityBytes
	}
	if c.Server.Listen == "" {
		c.Server.Listen = DefaultListen
	}
	if c.Server.LockFile == "" {
		c.Server.LockFile = DefaultLockFile
	}
}
