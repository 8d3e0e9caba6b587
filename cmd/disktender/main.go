package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ceph/go-ceph/rados"
	"github.com/spf13/cobra"

	"github.com/osdfleet/disktender/internal/blockdev"
	"github.com/osdfleet/disktender/internal/cluster"
	"github.com/osdfleet/disktender/internal/cluster/ceph"
	"github.com/osdfleet/disktender/internal/cluster/gluster"
	"github.com/osdfleet/disktender/internal/config"
	"github.com/osdfleet/disktender/internal/coordinator"
	"github.com/osdfleet/disktender/internal/dsm"
	"github.com/osdfleet/disktender/internal/executil"
	"github.com/osdfleet/disktender/internal/log"
	"github.com/osdfleet/disktender/internal/pidfile"
	"github.com/osdfleet/disktender/internal/provisioner"
	"github.com/osdfleet/disktender/internal/repairdb"
	"github.com/osdfleet/disktender/internal/security"
)

var (
	// Version information (set via ldflags during build)
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
	Use:   "disktender",
	Short: "Disktender - fleet-wide disk lifecycle manager for object-storage hosts",
	Long: `Disktender watches the block devices on a storage host, diagnoses
failing drives, evacuates them from the cluster, and re-introduces
replacement hardware under the original identity.

One instance runs per storage node; nodes are independent.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Disktender version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(daemonCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the request coordinator daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		return runDaemon(configPath)
	},
}

func init() {
	daemonCmd.Flags().String("config", "/etc/disktender/coordinator.json", "Coordinator configuration file")
}

func runDaemon(configPath string) error {
	cfg, err := config.LoadCoordinatorConfig(configPath)
	if err != nil {
		return err
	}
	clusterCfg, err := config.LoadClusterConfig(cfg.ClusterConfigPath)
	if err != nil {
		return err
	}

	if err := pidfile.Acquire(cfg.PIDFile); err != nil {
		return err
	}
	defer pidfile.Release(cfg.PIDFile)

	hostname, err := os.Hostname()
	if err != nil {
		return fmt.Errorf("resolve hostname: %w", err)
	}

	var keySource security.KeySource
	if cfg.SecretStoreEndpoint != "" {
		keySource = security.NewRemoteKeySource(cfg.SecretStoreEndpoint, cfg.SecretStoreToken)
	} else {
		keySource = security.NewFileKeySource(cfg.CertDir)
	}
	identity, err := keySource.Load()
	if err != nil {
		return err
	}

	cc, err := buildBackend(cfg.Backend, clusterCfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := repairdb.Open(ctx, cfg.DatabaseDSN, hostname)
	if err != nil {
		return err
	}
	defer store.Close()

	entryID, err := store.RegisterProcess(ctx, cfg.ListenAddr)
	if err != nil {
		return err
	}
	defer store.MarkProcessStopped(context.Background(), entryID)

	lister := blockdev.NewHostLister(executil.HostRunner{}, hostname)
	ops := provisioner.New(cc, clusterCfg, hostname)
	coord := coordinator.New(ctx, cfg, ops, lister, store)

	// The diagnostic sweep runs alongside the request loop. The ticket
	// filer is an external collaborator; until one is wired in, disks
	// reaching WaitingForReplacement are persisted without a ticket.
	machine := dsm.New(store, dsm.NewHostProbes(executil.HostRunner{}), false)
	sweeper := dsm.NewSweeper(machine, lister, clusterCfg, store, nil, 0)
	go sweeper.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- coord.Serve(identity)
	}()

	// Hangup reloads configuration; term shuts down gracefully;
	// interrupt and child are ignored.
	signal.Ignore(syscall.SIGINT, syscall.SIGCHLD)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGTERM)

	logger := log.WithComponent("rc")
	for {
		select {
		case err := <-errCh:
			coord.Stop()
			return err
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGHUP:
				reloaded, err := config.LoadClusterConfig(cfg.ClusterConfigPath)
				if err != nil {
					logger.Error().Err(err).Msg("config reload failed, keeping previous configuration")
					continue
				}
				*clusterCfg = *reloaded
				logger.Info().Msg("configuration reloaded")
			case syscall.SIGTERM:
				logger.Info().Msg("term received, shutting down")
				coord.Stop()
				return nil
			}
		}
	}
}

// buildBackend constructs the cluster client for the configured backend
// kind.
func buildBackend(kind cluster.BackendKind, clusterCfg *config.ClusterConfig) (cluster.Client, error) {
	switch kind {
	case cluster.BackendCeph:
		conn, err := rados.NewConnWithUser(clusterCfg.ClusterUser)
		if err != nil {
			return nil, fmt.Errorf("create rados connection: %w", err)
		}
		if err := conn.ReadConfigFile(clusterCfg.ClusterConf); err != nil {
			return nil, fmt.Errorf("read %s: %w", clusterCfg.ClusterConf, err)
		}
		if err := conn.Connect(); err != nil {
			return nil, fmt.Errorf("connect to cluster: %w", err)
		}
		return ceph.New(conn), nil
	case cluster.BackendGluster:
		return gluster.New(), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", kind)
	}
}
