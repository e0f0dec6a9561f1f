package main

import (
	"github.com/spf13/cobra"

	"tengine/internal/config"
	"tengine/internal/logging"
)

type rootFlags struct {
	configPath string
	addr       string
}

func (f *rootFlags) loadConfig() (config.Config, error) {
	return config.Load(f.configPath)
}

func newRootCommand() *cobra.Command {
	flags := &rootFlags{}

	rootCmd := &cobra.Command{
		Use:           "tengine",
		Short:         "Transform engine: converts content between media types",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logging.InitFromEnv()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "tengine.yml", "Configuration file path")
	rootCmd.PersistentFlags().StringVar(&flags.addr, "addr", "localhost:9090", "gRPC address of a running engine")

	rootCmd.AddCommand(newServeCommand(flags))
	rootCmd.AddCommand(newTransformCommand(flags))
	rootCmd.AddCommand(newProbeCommand(flags))
	rootCmd.AddCommand(newTransformersCommand(flags))

	return rootCmd
}
