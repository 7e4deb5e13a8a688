package main

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nerrad567/meshlink-core/internal/transport"
)

// scanner lists candidate devices; tests replace it.
var scanner = transport.Scan

func newScanCommand() *cobra.Command {
	var (
		asJSON  bool
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "List serial ports that look like mesh radios",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			devices, err := scanner(ctx)
			if err != nil {
				return fmt.Errorf("scanning ports: %w", err)
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(devices)
			}
			if len(devices) == 0 {
				fmt.Fprintln(out, "no devices found")
				return nil
			}

			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "PATH\tNAME\tMANUFACTURER")
			for _, d := range devices {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", d.Path, d.Name, d.Manufacturer)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "scan timeout")
	return cmd
}
