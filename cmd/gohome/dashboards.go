package main

import (
	"fmt"

	"github.com/joshp123/gohome-herohealth/internal/config"
	"github.com/joshp123/gohome-herohealth/internal/core"
	"github.com/joshp123/gohome-herohealth/internal/plugins"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func dashboardsCmd(flags *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dashboards",
		Short: "Grafana dashboard provisioning",
	}
	write := &cobra.Command{
		Use:   "write",
		Short: "Write plugin dashboards for Grafana provisioning",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(flags)
			if err != nil {
				return err
			}
			dir := flags.GetString("dir")
			if dir == "" {
				dir = cfg.Core.DashboardDir
			}
			active := core.FilterPlugins(plugins.Compiled(cfg, plugins.Deps{Logger: logger}), config.EnabledPlugins(cfg), false)
			if err := core.WriteDashboards(dir, active); err != nil {
				return err
			}
			for _, p := range active {
				for _, dash := range p.Dashboards() {
					fmt.Fprintf(cmd.OutOrStdout(), "%s/%s/%s.json\n", dir, p.ID(), dash.Name)
				}
			}
			return nil
		},
	}
	write.Flags().String("dir", "", "Output directory (defaults to core.dashboard_dir)")
	cmd.AddCommand(write)
	return cmd
}
