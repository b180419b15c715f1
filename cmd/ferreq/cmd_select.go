package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/nadmax/ferreq/internal/product"
	"github.com/nadmax/ferreq/internal/selector"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

type selectFlags struct {
	penalties string
	format    string
}

func newSelectCmd() *cobra.Command {
	var flags selectFlags

	cmd := &cobra.Command{
		Use:   "select <product.json>...",
		Short: "Pick the best grid result for every input spectrum",
		Long: "Groups the rows of data products by input data product, spectrum and visit, and ranks\n" +
			"each group by penalized log chi-square.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			table, err := loadPenalties(flags.penalties)
			if err != nil {
				return err
			}

			var candidates []selector.Candidate
			for _, path := range args {
				p, err := product.Read(path)
				if err != nil {
					return err
				}
				cs, err := selector.FromProduct(p)
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				candidates = append(candidates, cs...)
			}

			return writeSelections(cmd.OutOrStdout(), flags.format, table.SelectAll(candidates))
		},
	}

	f := cmd.Flags()
	f.StringVar(&flags.penalties, "penalties", "", "penalty table YAML (default: built-in table)")
	f.StringVar(&flags.format, "format", "yaml", "output format: yaml or json")
	return cmd
}

func loadPenalties(path string) (*selector.PenaltyTable, error) {
	if path == "" {
		return selector.DefaultPenaltyTable(), nil
	}
	return selector.LoadPenaltyTable(path)
}

func writeSelections(w io.Writer, format string, selections []selector.Selection) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(selections)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(selections); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown format %q, want yaml or json", format)
	}
}
