package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/MoSiYuan/cis/internal/identity"
	"github.com/MoSiYuan/cis/internal/profile"
	"github.com/MoSiYuan/cis/internal/version"
	"github.com/MoSiYuan/cis/runtime"
)

var rootCmd = &cobra.Command{
	Use:   "cis",
	Short: `A node-local runtime for sandboxed skills, decision-aware task graphs, scoped memory and DID-authenticated peering.`,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		// Only load .env for direct binary execution; service managers
		// inject environment themselves.
		_ = godotenv.Load()
		return nil
	},
	Run: func(_ *cobra.Command, _ []string) {
		instanceProfile := &profile.Profile{
			Mode:           viper.GetString("mode"),
			Data:           viper.GetString("data"),
			Driver:         viper.GetString("driver"),
			DSN:            viper.GetString("dsn"),
			NodeID:         viper.GetString("node-id"),
			P2PPort:        viper.GetInt("p2p-port"),
			WorkerPoolSize: viper.GetInt("workers"),
			Version:        version.GetCurrentVersion(viper.GetString("mode")),
		}
		instanceProfile.FromEnv()
		if err := instanceProfile.Validate(); err != nil {
			slog.Error("invalid profile", "error", err)
			os.Exit(1)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		node, err := runtime.New(instanceProfile, slog.Default())
		if err != nil {
			slog.Error("failed to construct runtime", "error", err)
			os.Exit(1)
		}
		if err := node.Start(ctx); err != nil {
			slog.Error("failed to start runtime", "error", err)
			node.Shutdown()
			os.Exit(1)
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, terminationSignals...)
		sig := <-sigCh
		slog.Info("shutting down", "signal", sig.String())
		cancel()
		node.Shutdown()
	},
}

var resetIdentityCmd = &cobra.Command{
	Use:   "reset-identity",
	Short: "Destroy the node identity. Irreversible; peers must re-whitelist the new DID.",
	RunE: func(_ *cobra.Command, _ []string) error {
		instanceProfile := &profile.Profile{
			Mode: viper.GetString("mode"),
			Data: viper.GetString("data"),
		}
		instanceProfile.FromEnv()
		if err := instanceProfile.Validate(); err != nil {
			return err
		}
		return identity.Reset(instanceProfile.IdentityDir())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the node version and protocol id.",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("cis %s (%s)\n", version.Version, version.ProtocolID())
	},
}

func init() {
	rootCmd.PersistentFlags().String("mode", "demo", `mode of the node, can be "demo", "dev" or "prod"`)
	rootCmd.PersistentFlags().String("data", ".", "data directory of the node")
	rootCmd.PersistentFlags().String("driver", "sqlite", "database driver")
	rootCmd.PersistentFlags().String("dsn", "", "database source name")
	rootCmd.PersistentFlags().String("node-id", "", "stable node identifier (defaults to hostname)")
	rootCmd.PersistentFlags().Int("p2p-port", 7677, "QUIC listen port")
	rootCmd.PersistentFlags().Int("workers", 8, "task worker pool size")

	for _, flag := range []string{"mode", "data", "driver", "dsn", "node-id", "p2p-port", "workers"} {
		_ = viper.BindPFlag(flag, rootCmd.PersistentFlags().Lookup(flag))
	}
	viper.SetEnvPrefix("cis")
	viper.AutomaticEnv()

	rootCmd.AddCommand(resetIdentityCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
