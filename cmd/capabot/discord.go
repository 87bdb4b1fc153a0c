package main

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/martinemde/capabot/logging"
	"github.com/martinemde/capabot/transport/discord"
)

func newDiscordCmd(root *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "discord",
		Short: "Run the assistant as a Discord bot",
		Long: `Connects to Discord with discord.token and answers direct messages,
mentions and messages in discord.channel_ids until interrupted.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(root.configPath, root.logLevel)
			if err != nil {
				return err
			}

			a, err := newApp(cmd.Context(), cfg, logger, true)
			if err != nil {
				return err
			}
			defer a.Close()

			opts := discord.Options{
				Token:        cfg.Discord.Token,
				ChannelIDs:   cfg.Discord.ChannelIDs,
				RespondToDMs: cfg.Discord.RespondToDMs,
				HistorySize:  cfg.Discord.HistorySize,
				RunTimeout:   cfg.Server.RunTimeout,
				Log:          logging.Component(logger, "discord"),
			}
			if a.transcript != nil {
				opts.Recorder = a.transcript
			}
			bot, err := discord.New(a.loop, opts)
			if err != nil {
				return err
			}
			if err := bot.Start(); err != nil {
				return err
			}
			cmd.Println(color.GreenString("discord bot running, press Ctrl+C to stop"))

			<-cmd.Context().Done()
			return bot.Stop()
		},
	}
}
