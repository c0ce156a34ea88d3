package host

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"k8s.io/utils/cpuset"

	"enclave-manager/internal/logging"
)

// DefaultSysfsRoot is where the kernel exposes CPU topology and hotplug.
const DefaultSysfsRoot = "/sys/devices/system/cpu"

// SysfsBackend implements TopologyBackend on top of the sysfs CPU tree.
type SysfsBackend struct {
	Root   string
	logger *logrus.Logger
}

func NewSysfsBackend(root string) *SysfsBackend {
	if root == "" {
		root = DefaultSysfsRoot
	}
	return &SysfsBackend{Root: root, logger: logging.GetLogger()}
}

func (s *SysfsBackend) cpuDir(cpu int) string {
	return filepath.Join(s.Root, "cpu"+strconv.Itoa(cpu))
}

// OnlineCPUs returns the CPUs listed in the root "online" file.
func (s *SysfsBackend) OnlineCPUs() (cpuset.CPUSet, error) {
	return readCPUList(filepath.Join(s.Root, "online"))
}

func (s *SysfsBackend) IsOnline(cpu int) (bool, error) {
	if _, err := os.Stat(s.cpuDir(cpu)); err != nil {
		return false, fmt.Errorf("cpu %d not present: %w", cpu, err)
	}
	data, err := os.ReadFile(filepath.Join(s.cpuDir(cpu), "online"))
	if err != nil {
		// The boot CPU usually has no hotplug control and is always online.
		if os.IsNotExist(err) {
			return true, nil
		}
		return false, err
	}
	return strings.TrimSpace(string(data)) == "1", nil
}

func (s *SysfsBackend) Online(cpu int) error {
	return s.setOnline(cpu, true)
}

func (s *SysfsBackend) Offline(cpu int) error {
	return s.setOnline(cpu, false)
}

func (s *SysfsBackend) setOnline(cpu int, online bool) error {
	val := "0"
	if online {
		val = "1"
	}
	path := filepath.Join(s.cpuDir(cpu), "online")
	if err := os.WriteFile(path, []byte(val), 0o644); err != nil {
		return fmt.Errorf("failed to write %s to %s: %w", val, path, err)
	}
	s.logger.WithFields(logrus.Fields{
		"cpu":    cpu,
		"online": online,
	}).Debug("Changed CPU hotplug state")
	return nil
}

func (s *SysfsBackend) SiblingsOf(cpu int) (cpuset.CPUSet, error) {
	return readCPUList(filepath.Join(s.cpuDir(cpu), "topology", "thread_siblings_list"))
}

func (s *SysfsBackend) NodeOf(cpu int) (int, error) {
	entries, err := os.ReadDir(s.cpuDir(cpu))
	if err != nil {
		return 0, err
	}
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, "node") {
			continue
		}
		node, err := strconv.Atoi(strings.TrimPrefix(name, "node"))
		if err != nil {
			continue
		}
		return node, nil
	}
	// Kernels without NUMA support expose no node link.
	return 0, nil
}

func readCPUList(path string) (cpuset.CPUSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return cpuset.New(), err
	}
	set, err := cpuset.Parse(strings.TrimSpace(string(data)))
	if err != nil {
		return cpuset.New(), fmt.Errorf("failed to parse cpu list in %s: %w", path, err)
	}
	return set, nil
}
