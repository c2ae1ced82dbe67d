package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"traction/internal/instrument"
)

func newInstrumentsCommand(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "instruments",
		Short: "List the configured instrument rule sets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			catalog, err := a.catalog(cmd)
			if err != nil {
				return err
			}
			sets := catalog.RuleSets()
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]any{"instruments": sets})
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tVERSIONS\tPOSITIONS\tPLATES\tREUSE LIMIT")
			for _, rs := range sets {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d-%d\t%d\n", rs.Name, strings.Join(rs.Versions, ","),
					strings.Join(rs.Positions, ","), rs.Plates.Min, rs.Plates.Max, rs.ConsumableReuseLimit)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print rule sets as JSON")
	return cmd
}

// catalog loads the configured catalogue without opening the run store.
func (a *app) catalog(cmd *cobra.Command) (*instrument.Catalog, error) {
	ctx := cmd.Context()
	if strings.HasPrefix(a.cfg.Catalog, instrument.BlobScheme) {
		d, err := a.build(ctx, a.logger(cmd.ErrOrStderr()))
		if err != nil {
			return nil, err
		}
		defer func() { _ = d.Close() }()
		return d.catalog, nil
	}
	return instrument.Open(ctx, a.cfg.Catalog, nil)
}
