package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lakestor/storagenode/pkg/config"
	"github.com/lakestor/storagenode/pkg/engine"
	"github.com/lakestor/storagenode/pkg/log"
	"github.com/lakestor/storagenode/pkg/metrics"
	"github.com/lakestor/storagenode/pkg/types"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "storagenode",
	Short:   "Local storage engine node for a distributed OLAP columnar database",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("storagenode version %s\nCommit: %s\n", Version, Commit))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(startCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Bring up the storage engine on this node's configured disks",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		storageRoots, _ := cmd.Flags().GetStringSlice("storage-root")
		medium, _ := cmd.Flags().GetString("medium")
		capacity, _ := cmd.Flags().GetInt64("capacity")
		clusterID, _ := cmd.Flags().GetInt32("cluster-id")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

		if len(storageRoots) == 0 {
			return fmt.Errorf("at least one --storage-root is required")
		}

		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %v", err)
		}

		eng, err := engine.New(cfg, engine.Options{
			Paths:               storageRoots,
			Capacity:            capacity,
			Medium:              types.StorageMedium(strings.ToUpper(medium)),
			ConfiguredClusterID: clusterID,
			Quorum:              func(int64) int { return 1 },
			Exit:                os.Exit,
		})
		if err != nil {
			return fmt.Errorf("failed to bring up storage engine: %v", err)
		}

		eng.Start()
		fmt.Printf("✓ Storage engine started on %d data dir(s)\n", len(storageRoots))

		go func() {
			http.Handle("/metrics", metrics.Handler())
			if err := http.ListenAndServe(metricsAddr, nil); err != nil {
				fmt.Printf("Metrics server error: %v\n", err)
			}
		}()
		fmt.Printf("✓ Metrics endpoint: http://%s/metrics\n", metricsAddr)

		fmt.Println("Storage node is running. Press Ctrl+C to stop.")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		fmt.Println("\nShutting down...")
		eng.Stop()
		fmt.Println("✓ Shutdown complete")
		return nil
	},
}

func init() {
	startCmd.Flags().String("config", "", "Path to YAML config file")
	startCmd.Flags().StringSlice("storage-root", nil, "Data dir root path (repeatable)")
	startCmd.Flags().String("medium", "SSD", "Storage medium for all configured roots (SSD, HDD, REMOTE)")
	startCmd.Flags().Int64("capacity", 1<<40, "Per-disk capacity in bytes")
	startCmd.Flags().Int32("cluster-id", -1, "Cluster id this node believes it belongs to (-1 = unset)")
	startCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Address for the Prometheus metrics endpoint")
}
