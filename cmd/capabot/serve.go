package main

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/martinemde/capabot/logging"
	"github.com/martinemde/capabot/server"
)

func newServeCmd(root *rootFlags) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the assistant over HTTP",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(root.configPath, root.logLevel)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}

			a, err := newApp(cmd.Context(), cfg, logger, true)
			if err != nil {
				return err
			}
			defer a.Close()

			opts := server.Options{
				Runner:      a.loop,
				Directory:   a.registry,
				CORSOrigins: cfg.Server.CORSOrigins,
				RunTimeout:  cfg.Server.RunTimeout,
				Log:         logging.Component(logger, "server"),
			}
			if a.transcript != nil {
				opts.Recorder = a.transcript
			}

			cmd.Println(color.GreenString("capabot listening on %s", cfg.Server.Addr))
			return server.New(opts).ListenAndServe(cmd.Context(), cfg.Server.Addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides server.addr")
	return cmd
}
