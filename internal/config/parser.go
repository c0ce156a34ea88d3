package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
	"k8s.io/utils/cpuset"

	"enclave-manager/internal/logging"
)

func LoadConfig(filepath string) (*ManagerConfig, error) {
	logger := logging.GetLogger()

	data, err := os.ReadFile(filepath)
	if err != nil {
		logger.WithField("filepath", filepath).WithError(err).Error("Failed to read config file")
		return nil, err
	}

	cfg, err := ParseConfig(data)
	if err != nil {
		logger.WithField("filepath", filepath).WithError(err).Error("Failed to parse config file")
		return nil, err
	}
	return cfg, nil
}

// ParseConfig decodes a YAML document after expanding ${VAR} references,
// applies defaults and validates the result.
func ParseConfig(data []byte) (*ManagerConfig, error) {
	expanded := expandEnvVars(string(data))

	var cfg ManagerConfig
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func expandEnvVars(content string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(content, func(match string) string {
		envVar := strings.Trim(match, "${}")
		if value := os.Getenv(envVar); value != "" {
			return value
		}
		return match
	})
}

// ParseCPUList parses a kernel-style cpu list such as "0", "0,2,4" or "2-3,6-7".
func ParseCPUList(spec string) (cpuset.CPUSet, error) {
	set, err := cpuset.Parse(strings.TrimSpace(spec))
	if err != nil {
		return cpuset.New(), fmt.Errorf("invalid cpu list %q: %w", spec, err)
	}
	if set.IsEmpty() {
		return cpuset.New(), fmt.Errorf("no CPUs specified")
	}
	return set, nil
}

func (c *ManagerConfig) Validate() error {
	if c.Pool.CPUs != "" {
		if _, err := ParseCPUList(c.Pool.CPUs); err != nil {
			return fmt.Errorf("pool.cpus: %w", err)
		}
	}

	gran := c.Memory.GranularityBytes
	if gran == 0 || gran&(gran-1) != 0 {
		return fmt.Errorf("memory.granularity_bytes must be a power of two, got %d", gran)
	}
	if c.Memory.MinEnclaveBytes%gran != 0 {
		return fmt.Errorf("memory.min_enclave_bytes must be a multiple of %d", gran)
	}
	if c.Memory.MaxRegions < 0 {
		return fmt.Errorf("memory.max_regions must not be negative")
	}

	switch c.Topology.Kind {
	case TopologySysfs:
	case TopologySynthetic:
		s := c.Topology.Synthetic
		if s.Cores <= 0 || s.ThreadsPerCore <= 0 {
			return fmt.Errorf("topology.synthetic needs cores and threads_per_core")
		}
		if s.Nodes > s.Cores {
			return fmt.Errorf("topology.synthetic.nodes must not exceed cores")
		}
	default:
		return fmt.Errorf("unknown topology kind %q", c.Topology.Kind)
	}

	switch c.Backend.Kind {
	case BackendSimulated:
	default:
		return fmt.Errorf("unknown backend kind %q", c.Backend.Kind)
	}
	if c.Backend.HugePageBytes%gran != 0 {
		return fmt.Errorf("backend.hugepage_bytes must be a multiple of %d", gran)
	}

	if db := c.Events.InfluxDB; db != nil {
		if db.Host == "" || db.Token == "" || db.Org == "" || db.Bucket == "" {
			return fmt.Errorf("incomplete events.influxdb configuration")
		}
	}

	return nil
}
