package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/strand/internal/config"
	"github.com/haasonsaas/strand/internal/janitor"
)

func buildSweepCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Remove expired state envelopes and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			store, err := openStore(cfg.Storage)
			if err != nil {
				return fmt.Errorf("open storage: %w", err)
			}
			defer store.Close()

			j, err := janitor.New(store, janitor.Config{
				Schedule: cfg.Janitor.Schedule,
				TTL:      cfg.Janitor.TTL,
			}, slog.Default())
			if err != nil {
				return err
			}
			removed, err := j.SweepOnce(cmd.Context())
			if err != nil {
				return fmt.Errorf("sweep: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d expired envelopes\n", removed)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", os.Getenv("STRAND_CONFIG"), "Path to configuration file")
	return cmd
}
