package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/basket/pickupbot/internal/config"
	"github.com/basket/pickupbot/internal/doctor"
)

func doctorCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run installation checks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDoctor(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the diagnosis as JSON")
	return cmd
}

func runDoctor(ctx context.Context, w, errw io.Writer, asJSON bool) error {
	cfg, err := config.Load()
	if err != nil {
		// Keep going: the checks explain what is wrong with it.
		fmt.Fprintf(errw, "Error loading config: %v\n", err)
	}

	diag := doctor.Run(ctx, &cfg, Version)

	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(diag); err != nil {
			return fmt.Errorf("encode json: %w", err)
		}
		return nil
	}

	fmt.Fprintf(w, "pickupbot doctor report (%s)\n", diag.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(w, "System: %s/%s (%s)\n", diag.System.OS, diag.System.Arch, diag.System.Go)
	fmt.Fprintln(w, "---")

	failCount := 0
	for _, res := range diag.Results {
		var label string
		switch res.Status {
		case doctor.StatusFail:
			label = color.New(color.FgRed).Sprint("FAIL")
			failCount++
		case doctor.StatusWarn:
			label = color.New(color.FgYellow).Sprint("WARN")
		case doctor.StatusSkip:
			label = color.New(color.FgHiBlack).Sprint("SKIP")
		default:
			label = color.New(color.FgGreen).Sprint("PASS")
		}

		fmt.Fprintf(w, "%s %-12s: %s\n", label, res.Name, res.Message)
		if res.Detail != "" {
			fmt.Fprintf(w, "     %s\n", res.Detail)
		}
	}

	if failCount > 0 {
		return fmt.Errorf("%d check(s) failed", failCount)
	}
	return nil
}
