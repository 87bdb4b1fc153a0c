package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/martinemde/capabot/transcript"
)

func newTranscriptsCmd(root *rootFlags) *cobra.Command {
	var (
		limit int
		full  bool
	)

	cmd := &cobra.Command{
		Use:   "transcripts <identity>",
		Short: "Show recent recorded runs for an identity",
		Example: `  capabot transcripts discord:123456789012345678
  capabot transcripts --full --limit 1 alice`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(root.configPath, root.logLevel)
			if err != nil {
				return err
			}
			if !cfg.Transcript.Enabled() {
				return errors.New("transcripts are disabled: set transcript.dsn")
			}
			ts, err := openTranscript(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer ts.Close()

			runs, err := ts.Recent(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			return printRuns(cmd.OutOrStdout(), runs, full)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "number of runs to show")
	cmd.Flags().BoolVar(&full, "full", false, "print every turn of each run")
	return cmd
}

func printRuns(w io.Writer, runs []transcript.Run, full bool) error {
	if len(runs) == 0 {
		fmt.Fprintln(w, "no runs recorded")
		return nil
	}
	for _, run := range runs {
		status := color.GreenString(run.Status)
		if run.Status == transcript.StatusFailed {
			status = color.RedString(run.Status)
		}
		fmt.Fprintf(w, "%s  %s  %s  %s  %d turns\n",
			run.CreatedAt.Format("2006-01-02 15:04:05"), run.ID, run.Source, status, len(run.Turns))
		if run.Error != "" {
			fmt.Fprintf(w, "  %s\n", color.New(color.FgRed).Sprint(run.Error))
		}
		if !full {
			continue
		}
		turns, err := run.Conversation()
		if err != nil {
			return err
		}
		printTurns(w, turns)
	}
	return nil
}
