package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/martinemde/capabot/capability"
	"github.com/martinemde/capabot/logging"
)

func newCapabilitiesCmd(root *rootFlags) *cobra.Command {
	var (
		jsonOutput bool
		catalog    bool
	)

	cmd := &cobra.Command{
		Use:   "capabilities",
		Short: "List the capabilities the assistant can call",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(root.configPath, root.logLevel)
			if err != nil {
				return err
			}
			registry, _, rdb, err := buildRegistry(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			if rdb != nil {
				defer rdb.Close()
			}
			logging.Component(logger, "cli").WithField("count", registry.Len()).Debug("registry loaded")

			out := cmd.OutOrStdout()
			switch {
			case jsonOutput:
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(registry.Descriptors())
			case catalog:
				fmt.Fprintln(out, registry.Catalog())
				return nil
			}
			printDescriptors(cmd, registry.Descriptors())
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "print descriptors as JSON")
	cmd.Flags().BoolVar(&catalog, "catalog", false, "print the catalog exactly as the model sees it")
	return cmd
}

func printDescriptors(cmd *cobra.Command, descriptors []capability.Descriptor) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "CALL\tDESCRIPTION")
	fmt.Fprintln(w, "----\t-----------")
	for _, d := range descriptors {
		for _, m := range d.Methods {
			params := make([]string, 0, len(m.Parameters))
			for _, p := range m.Parameters {
				params = append(params, p.Name)
			}
			desc := m.Description
			if desc == "" {
				desc = d.Description
			}
			fmt.Fprintf(w, "%s:%s(%s)\t%s\n", color.CyanString(d.Slug), m.Name, strings.Join(params, ", "), desc)
		}
	}
	w.Flush()
}

func newManifestSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "manifest-schema",
		Short: "Print the JSON Schema for capability manifests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			schema, err := capability.Schema()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(schema))
			return err
		},
	}
}
