package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/martinemde/capabot/completion"
)

func newModelsCmd() *cobra.Command {
	var (
		provider   string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "models",
		Short: "List the models capabot knows context windows for",
		Long: `Lists the built-in model catalog. Models missing from it still work
but are budgeted with a conservative context window.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			models := completion.ListModels(provider)
			out := cmd.OutOrStdout()
			if jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(models)
			}
			if len(models) == 0 {
				fmt.Fprintf(out, "no models for provider %q\n", provider)
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "MODEL ID\tPROVIDER\tCONTEXT\tALIASES")
			fmt.Fprintln(w, "--------\t--------\t-------\t-------")
			for _, m := range models {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", m.ID, m.Provider, m.ContextWindow, strings.Join(m.Aliases, ", "))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVarP(&provider, "provider", "p", "", "only list models for this provider")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "print models as JSON")
	return cmd
}
