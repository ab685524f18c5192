package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/joshp123/gohome-herohealth/internal/config"
	"github.com/joshp123/gohome-herohealth/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func main() {
	flags := viper.New()
	flags.SetEnvPrefix("gohome")
	flags.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	flags.AutomaticEnv()

	root := &cobra.Command{
		Use:           "gohome",
		Short:         "Home automation hub",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			_ = flags.BindPFlags(cmd.Flags())
		},
	}
	root.PersistentFlags().String("config", config.DefaultPath, "Path to config.yaml")

	root.AddCommand(
		serveCmd(flags),
		herohealthCmd(flags),
		oauthCmd(flags),
		dashboardsCmd(flags),
	)

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "gohome: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file named by --config (or GOHOME_CONFIG).
func loadConfig(flags *viper.Viper) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(flags.GetString("config"))
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(cfg.Core.LogLevel, cfg.Core.LogFormat)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}
