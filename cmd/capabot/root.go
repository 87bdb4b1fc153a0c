package main

import (
	"github.com/spf13/cobra"
)

type rootFlags struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	cmd := &cobra.Command{
		Use:   "capabot",
		Short: "Assistant that calls capabilities written as slug:method(args)",
		Long: `capabot drives a language model that can invoke capabilities.

When a reply contains a call such as calculator:calculate(add, 2, 3) the call
is dispatched, its result is added to the conversation and the model is asked
again, until it answers without a call or a limit is reached.

Settings are read from --config and CAPABOT_* environment variables.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "path to a YAML config file")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "override the configured log level")

	cmd.AddCommand(
		newRunCmd(flags),
		newServeCmd(flags),
		newDiscordCmd(flags),
		newCapabilitiesCmd(flags),
		newManifestSchemaCmd(),
		newModelsCmd(),
		newTranscriptsCmd(flags),
	)
	return cmd
}
