package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"traction/internal/core"
	"traction/pkg/domain"
)

// newSubmitCommand builds `validate` (dry run) or `submit` (commit). Both
// read one JSON submission from a file or stdin ("-").
func newSubmitCommand(a *app, commit bool) *cobra.Command {
	use, short := "validate <file>", "Check a submission without committing it"
	if commit {
		use, short = "submit <file>", "Validate, reconcile and commit a submission"
	}
	var asJSON bool
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readSubmission(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			d, err := a.build(cmd.Context(), a.logger(cmd.ErrOrStderr()))
			if err != nil {
				return err
			}
			defer func() { _ = d.Close() }()

			run := d.service.Validate
			if commit {
				run = d.service.Submit
			}
			out, err := run(cmd.Context(), raw)
			if werr := writeOutcome(cmd.OutOrStdout(), out, asJSON); werr != nil {
				return werr
			}
			if err != nil {
				return err
			}
			if out.Status == domain.StatusInvalid {
				return fmt.Errorf("submission invalid at %s", out.Stage)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the outcome as JSON")
	return cmd
}

func readSubmission(stdin io.Reader, path string) (map[string]any, error) {
	r := stdin
	if path != "-" {
		// #nosec G304: the path is supplied by the operator.
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open submission: %w", err)
		}
		defer func() { _ = f.Close() }()
		r = f
	}
	raw, err := core.DecodeRaw(r)
	if err != nil {
		return nil, fmt.Errorf("read submission: %w", err)
	}
	return raw, nil
}

func writeOutcome(w io.Writer, out domain.Outcome, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "status: %s\n", out.Status)
	if out.Stage != "" {
		fmt.Fprintf(&b, "stage: %s\n", out.Stage)
	}
	if out.RunID != "" {
		fmt.Fprintf(&b, "run: %s\n", out.RunID)
	}
	if len(out.WellIDs) > 0 {
		fmt.Fprintf(&b, "wells: %s\n", strings.Join(out.WellIDs, ","))
	}
	if out.Reason != "" {
		fmt.Fprintf(&b, "reason: %s\n", out.Reason)
	}
	keys := make([]string, 0, len(out.Errors))
	for k := range out.Errors {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, msg := range out.Errors[k] {
			fmt.Fprintf(&b, "  %s: %s\n", k, msg)
		}
	}
	_, err := io.WriteString(w, b.String())
	return err
}
