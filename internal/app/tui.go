package app

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/proxy-audit/proxy-audit/internal/logger"
	"github.com/proxy-audit/proxy-audit/internal/tui"
)

func (c *cli) newTUICmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "tui",
		Short: "Browse scan results and assign policies interactively",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := c.scanOptions(cmd, scanFlags{all: all})
			scanner, closeGeo, _ := c.newScanner(cmd, c.cfg.Scan.GeoIPDB, false)
			defer closeGeo()

			cfg := tui.Config{
				Scanner: scanner,
				Options: opts,
				Version: versionString(),
				Log:     logger.WithComponent("tui"),
			}
			if store, err := c.openStore(); err == nil {
				cfg.Store = store
				cfg.AfterAssign = func(ctx context.Context) error {
					return c.reexport(ctx, cmd, store, false)
				}
			} else {
				cfg.Log.Warn().Err(err).Msg("policy assignment disabled")
			}
			return tui.Start(cfg)
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include DIRECT and socket-less processes")
	return cmd
}
