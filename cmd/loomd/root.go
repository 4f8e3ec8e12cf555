package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newRootCmd() *cobra.Command {
	v := viper.New()

	root := &cobra.Command{
		Use:           "loomd",
		Short:         "loomd runs the loom distributed job scheduler core",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	var configPath string
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file (defaults: env LOOM_*, then built-in defaults)")
	root.PersistentFlags().String("data-dir", "./data", "directory holding the SQLite database file")
	root.PersistentFlags().String("listen", ":9090", "address the metrics and health endpoints listen on")
	_ = v.BindPFlag("data_dir", root.PersistentFlags().Lookup("data-dir"))
	_ = v.BindPFlag("listen", root.PersistentFlags().Lookup("listen"))

	root.AddCommand(newServeCmd(v, &configPath))
	return root
}
