// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// update-verifier runs on the first boot after an A/B update and decides
// whether the slot can be marked as booting successfully.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/siderolabs/go-updateverify/bootctl"
	"github.com/siderolabs/go-updateverify/caremap"
	"github.com/siderolabs/go-updateverify/firstboot"
	"github.com/siderolabs/go-updateverify/power"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var flags struct {
		config     string
		careMap    string
		careMapDir string
		bootctl    string
		threads    int
		debug      bool
	}

	cmd := &cobra.Command{
		Use:   "update-verifier",
		Short: "First boot update verification for A/B systems",
		Long: `update-verifier runs on the first boot after an A/B update. It reads the
updated block ranges listed in the care map back through their device-mapper
devices, so that dm-verity sees every updated block before the slot is marked
as booting successfully. On verification failure the system is rebooted to
fall back to the other slot instead of committing the update.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(flags.config)
			if err != nil {
				return err
			}

			if cmd.Flags().Changed("care-map") {
				cfg.CareMap = flags.careMap
			}

			if cmd.Flags().Changed("care-map-dir") {
				cfg.CareMapDir = flags.careMapDir
			}

			if cmd.Flags().Changed("bootctl") {
				cfg.Bootctl = flags.bootctl
			}

			if cmd.Flags().Changed("threads") {
				cfg.Threads = flags.threads
			}

			if cmd.Flags().Changed("debug") {
				cfg.Debug = flags.debug
			}

			return run(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&flags.config, "config", "", "explicit config file path (default: update-verifier.yaml in /etc or the working directory)")
	cmd.Flags().StringVar(&flags.careMap, "care-map", "", "explicit care map path (default: resolved inside --care-map-dir)")
	cmd.Flags().StringVar(&flags.careMapDir, "care-map-dir", caremap.DefaultDir, "directory searched for care maps")
	cmd.Flags().StringVar(&flags.bootctl, "bootctl", bootctl.DefaultBinary, "boot control helper binary")
	cmd.Flags().IntVar(&flags.threads, "threads", 0, "parallel readers per partition (0 = number of CPUs)")
	cmd.Flags().BoolVar(&flags.debug, "debug", false, "enable debug logging")

	return cmd
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.Debug)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}

	defer logger.Sync() //nolint:errcheck

	logger.Info("update-verifier started", zap.Strings("args", os.Args[1:]))

	return firstboot.Run(ctx, bootctl.NewCLI(cfg.Bootctl), power.SystemRebooter{},
		firstboot.WithCareMapPath(cfg.CareMap),
		firstboot.WithCareMapDir(cfg.CareMapDir),
		firstboot.WithSysBlockDir(cfg.SysBlockDir),
		firstboot.WithDevDir(cfg.DevDir),
		firstboot.WithCmdlinePath(cfg.CmdlinePath),
		firstboot.WithConcurrency(cfg.Threads),
		firstboot.WithLogger(logger),
	)
}

func buildLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}

	return zap.NewProduction()
}
