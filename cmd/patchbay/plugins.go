package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pboyd/patchbay/config"
	"github.com/pboyd/patchbay/status"
)

func newPluginsCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plugins",
		Short: "Inspect the plugin configuration",
	}
	cmd.AddCommand(newPluginsListCommand(a))
	return cmd
}

func newPluginsListCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list [title]",
		Short: "List configured plugins, all of them or those a title would load",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.PluginConfig == "" {
				return fmt.Errorf("no plugin configuration given: %w", status.ErrSystem)
			}
			plugins, err := config.LoadPlugins(a.cfg.PluginConfig)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			titles := plugins.Titles()
			if len(args) == 1 {
				titles = args[:1]
			}
			for _, title := range titles {
				fmt.Fprintf(out, "*%s\n", title)
				err := plugins.ForEachPlugin(title, func(path string) error {
					_, err := fmt.Fprintf(out, "  %s\n", path)
					return err
				})
				if err != nil {
					return err
				}
			}
			return nil
		},
	}
}
