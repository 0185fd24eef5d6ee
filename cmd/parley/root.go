// Package cli wires the parley command tree.
package cli

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/logging"
	"github.com/parleyhq/parley/internal/server"
	"github.com/parleyhq/parley/internal/svc"
)

// Version is stamped by the release build; "dev" otherwise.
var Version = "dev"

// SetupRootCmd configures the root command. Running parley with no
// subcommand starts the server.
func SetupRootCmd(cfg *config.Config) *cobra.Command {
	var quiet bool

	rootCmd := &cobra.Command{
		Use:   "parley",
		Short: "Parley - multi-agent chat server",
		Long: `Parley runs conversations between a user and a roster of LM-backed
agents, with an administrator model routing each turn.

Just type 'parley' to start the server.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if quiet {
				logging.Disable()
			}
			return runServe(cfg)
		},
	}

	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress log output")

	rootCmd.AddCommand(serveCmd(cfg, &quiet))
	rootCmd.AddCommand(versionCmd())

	return rootCmd
}

func serveCmd(cfg *config.Config, quiet *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if *quiet {
				logging.Disable()
			}
			return runServe(cfg)
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("parley", Version)
		},
	}
}

func runServe(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nShutting down...")
		cancel()
	}()

	if err := ensureSecret(cfg); err != nil {
		return err
	}

	svcCtx, err := svc.NewServiceContext(cfg)
	if err != nil {
		return err
	}
	defer svcCtx.Close()

	return server.Run(ctx, svcCtx)
}

// ensureSecret generates and persists a token signing secret on first
// run, so tokens survive restarts.
func ensureSecret(cfg *config.Config) error {
	if cfg.Auth.AccessSecret != "" {
		return nil
	}
	b := make([]byte, 32)
	rand.Read(b)
	cfg.Auth.AccessSecret = hex.EncodeToString(b)
	if err := cfg.Save(); err != nil {
		return fmt.Errorf("persist generated secret: %w", err)
	}
	return nil
}
