package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/basket/pickupbot/internal/config"
)

type healthResponse struct {
	Healthy           bool   `json:"healthy"`
	DBOK              bool   `json:"db_ok"`
	VoiceMode         string `json:"voice_mode"`
	Announcing        bool   `json:"announcing"`
	WSClients         int    `json:"ws_clients"`
	BusDropped        int64  `json:"bus_dropped"`
	ConfigFingerprint string `json:"config_fingerprint"`
}

func statusCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon health (/healthz)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config load: %w", err)
			}
			return runStatus(cmd.Context(), newAdminClient(cfg), cmd.OutOrStdout(), asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw health document")
	return cmd
}

func runStatus(ctx context.Context, c *adminClient, w io.Writer, asJSON bool) error {
	var h healthResponse
	err := c.do(ctx, http.MethodGet, "/healthz", nil, &h)
	if err != nil && !isStatus(err, http.StatusServiceUnavailable) {
		return err
	}

	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(h); encErr != nil {
			return encErr
		}
	} else {
		printHealth(w, c.base, h)
	}
	if !h.Healthy {
		return fmt.Errorf("daemon unhealthy")
	}
	return nil
}

func printHealth(w io.Writer, base string, h healthResponse) {
	ok := color.New(color.FgGreen).SprintFunc()
	bad := color.New(color.FgRed).SprintFunc()
	dim := color.New(color.FgHiBlack).SprintFunc()

	health := ok("OK")
	if !h.Healthy {
		health = bad("DEGRADED")
	}
	db := ok("ok")
	if !h.DBOK {
		db = bad("unreachable")
	}
	announcing := dim("silent")
	if h.Announcing {
		announcing = ok("announcing")
	}

	fmt.Fprintf(w, "pickupbot daemon at %s\n", base)
	fmt.Fprintf(w, "  health:      %s\n", health)
	fmt.Fprintf(w, "  database:    %s\n", db)
	fmt.Fprintf(w, "  voice mode:  %s (%s)\n", h.VoiceMode, announcing)
	fmt.Fprintf(w, "  ws clients:  %d\n", h.WSClients)
	if h.BusDropped > 0 {
		fmt.Fprintf(w, "  bus dropped: %s\n", color.New(color.FgYellow).Sprint(h.BusDropped))
	}
	fmt.Fprintf(w, "  config:      %s\n", dim(h.ConfigFingerprint))
}
