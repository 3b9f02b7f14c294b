package main

import (
	"encoding/json"
	"fmt"

	"policygov/internal/boundary"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newTiersCmd() *cobra.Command {
	var (
		file   string
		tier   string
		output string
	)
	cmd := &cobra.Command{
		Use:   "tiers",
		Short: "Print the effective tier boundary table",
		Long: `Prints the built-in tier table, or the one loaded from --file. With --tier,
prints the resolved boundaries for that tier as the API reports them.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			table, err := boundary.LoadTierTable(file)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if tier != "" {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(table.For(tier))
			}

			switch output {
			case "yaml":
				enc := yaml.NewEncoder(out)
				enc.SetIndent(2)
				defer enc.Close()
				return enc.Encode(table)
			case "json":
				caps := make(map[string]boundary.Boundaries, len(table))
				for _, name := range table.Names() {
					caps[name] = table.For(name)
				}
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(caps)
			default:
				return fmt.Errorf("unknown output %q (yaml, json)", output)
			}
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "Tier table YAML (default: built-in table)")
	cmd.Flags().StringVar(&tier, "tier", "", "Resolve a single tier")
	cmd.Flags().StringVarP(&output, "output", "o", "yaml", "Output format (yaml, json)")
	return cmd
}
