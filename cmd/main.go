package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"enclave-manager/internal/config"
	"enclave-manager/internal/cpupool"
	"enclave-manager/internal/host"
	"enclave-manager/internal/logging"
)

const Version = "0.3.0"

func loadEnvironment() {
	logger := logging.GetLogger()

	// Try to load .env file from current directory
	envFile := ".env"
	if _, err := os.Stat(envFile); err != nil {
		execPath, err := os.Executable()
		if err != nil {
			return
		}
		envFile = filepath.Join(filepath.Dir(execPath), ".env")
		if _, err := os.Stat(envFile); err != nil {
			return
		}
	}
	if err := godotenv.Load(envFile); err != nil {
		logger.WithField("file", envFile).WithError(err).Warn("Error loading .env file")
		return
	}
	logger.WithField("file", envFile).Debug("Loaded environment variables")
}

func main() {
	logger := logging.GetLogger()

	loadEnvironment()

	var configFile string
	var logLevel string
	var logJSON bool
	var sysfsRoot string
	var cpuList string

	rootCmd := &cobra.Command{
		Use:     "enclave-manager",
		Short:   "Lend whole CPU cores and huge-page memory to enclaves",
		Long:    "Manages a pool of dedicated CPU cores and the enclaves that borrow them",
		Version: Version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logging.SetJSON(logJSON)
			if logLevel != "" {
				if err := logging.SetLogLevel(logLevel); err != nil {
					return fmt.Errorf("invalid log level: %w", err)
				}
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Set log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Log in JSON format")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the manager and its HTTP control surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configFile, cmd.Flags().Changed("log-level"))
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a manager configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return validateConfig(configFile)
		},
	}

	topologyCmd := &cobra.Command{
		Use:   "topology",
		Short: "Print the discovered core topology",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadOrDefault(configFile, sysfsRoot)
			if err != nil {
				return err
			}
			return printTopology(cfg)
		},
	}

	poolCmd := &cobra.Command{
		Use:   "pool",
		Short: "Inspect CPU pool requests",
	}

	poolCheckCmd := &cobra.Command{
		Use:   "check",
		Short: "Validate a CPU list against the host without offlining anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadOrDefault(configFile, sysfsRoot)
			if err != nil {
				return err
			}
			return checkPool(cfg, cpuList)
		},
	}

	serveCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to manager configuration file")
	serveCmd.MarkFlagRequired("config")

	validateCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to manager configuration file")
	validateCmd.MarkFlagRequired("config")

	topologyCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to manager configuration file")
	topologyCmd.Flags().StringVar(&sysfsRoot, "sysfs", "", "Override the sysfs CPU root")

	poolCheckCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to manager configuration file")
	poolCheckCmd.Flags().StringVar(&sysfsRoot, "sysfs", "", "Override the sysfs CPU root")
	poolCheckCmd.Flags().StringVar(&cpuList, "cpus", "", "CPU list to check, e.g. 2-3,6-7")
	poolCheckCmd.MarkFlagRequired("cpus")

	poolCmd.AddCommand(poolCheckCmd)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(topologyCmd)
	rootCmd.AddCommand(poolCmd)

	if err := rootCmd.Execute(); err != nil {
		logger.WithError(err).Fatal("Command execution failed")
	}
}

func validateConfig(configFile string) error {
	logger := logging.GetLogger()

	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return err
	}

	logger.WithFields(logrus.Fields{
		"topology": cfg.Topology.Kind,
		"backend":  cfg.Backend.Kind,
		"pool":     cfg.Pool.CPUs,
		"listen":   cfg.Server.Listen,
	}).Info("Configuration is valid")
	return nil
}

func loadOrDefault(configFile, sysfsRoot string) (*config.ManagerConfig, error) {
	cfg := config.Default()
	if configFile != "" {
		loaded, err := config.LoadConfig(configFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if sysfsRoot != "" {
		cfg.Topology.Kind = config.TopologySysfs
		cfg.Topology.SysfsRoot = sysfsRoot
	}
	return cfg, nil
}

// buildTopology returns the hotplug backend and the core topology selected
// by cfg.
func buildTopology(cfg *config.ManagerConfig) (host.TopologyBackend, *host.CoreTopology, error) {
	switch cfg.Topology.Kind {
	case config.TopologySynthetic:
		s := cfg.Topology.Synthetic
		syn, err := host.NewSynthetic(s.Cores, s.ThreadsPerCore, s.Nodes)
		if err != nil {
			return nil, nil, err
		}
		topo, err := syn.Topology()
		if err != nil {
			return nil, nil, err
		}
		return syn, topo, nil
	case config.TopologySysfs:
		sysfs := host.NewSysfsBackend(cfg.Topology.SysfsRoot)
		cpus, err := sysfs.OnlineCPUs()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read online CPUs: %w", err)
		}
		topo, err := host.Discover(sysfs, cpus)
		if err != nil {
			return nil, nil, err
		}
		return sysfs, topo, nil
	}
	return nil, nil, fmt.Errorf("unknown topology kind %q", cfg.Topology.Kind)
}

func printTopology(cfg *config.ManagerConfig) error {
	_, topo, err := buildTopology(cfg)
	if err != nil {
		return err
	}

	fmt.Printf("cores: %d, threads per core: %d\n", topo.CoreCount(), topo.ThreadsPerCore)
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CORE\tSIBLINGS\tNODE")
	for _, core := range topo.Cores {
		fmt.Fprintf(w, "%d\t%s\t%d\n", core.Index, core.Siblings.String(), core.Node)
	}
	return w.Flush()
}

func checkPool(cfg *config.ManagerConfig, cpuList string) error {
	hotplug, topo, err := buildTopology(cfg)
	if err != nil {
		return err
	}
	pool, err := cpupool.New(topo, hotplug, logging.GetLogger())
	if err != nil {
		return err
	}

	set, err := pool.Validate(cpuList)
	if err != nil {
		return err
	}

	var cores []string
	seen := make(map[int]bool)
	for _, cpu := range set.List() {
		core, _ := topo.CoreOf(cpu)
		if seen[core] {
			continue
		}
		seen[core] = true
		siblings, _ := topo.SiblingsOf(cpu)
		cores = append(cores, fmt.Sprintf("%d(%s)", core, siblings.String()))
	}
	node, _ := topo.NodeOf(set.List()[0])
	fmt.Printf("pool %s is valid: %d cores on node %d: %s\n", set.String(), len(cores), node, strings.Join(cores, " "))
	return nil
}
