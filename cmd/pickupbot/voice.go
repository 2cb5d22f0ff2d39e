package main

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/basket/pickupbot/internal/config"
	"github.com/basket/pickupbot/internal/policy"
)

type voiceState struct {
	Mode     string `json:"mode"`
	Active   bool   `json:"active"`
	Window   string `json:"window"`
	Timezone string `json:"timezone"`
}

func voiceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "voice [auto|on|off]",
		Short: "Show or change the PA voice mode",
		Long: `Without an argument, prints the current voice mode. With one, switches it:
  auto  announce only inside the configured window
  on    always announce
  off   never announce`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config load: %w", err)
			}
			mode := ""
			if len(args) == 1 {
				mode = args[0]
			}
			return runVoice(cmd.Context(), newAdminClient(cfg), cmd.OutOrStdout(), mode)
		},
	}
}

func runVoice(ctx context.Context, c *adminClient, w io.Writer, mode string) error {
	var st voiceState
	if mode == "" {
		if err := c.do(ctx, http.MethodGet, "/api/voice-mode", nil, &st); err != nil {
			return err
		}
	} else {
		// Reject typos before they reach the daemon.
		if _, err := policy.ParseVoiceMode(mode); err != nil {
			return err
		}
		if err := c.do(ctx, http.MethodPut, "/api/voice-mode", map[string]string{"mode": mode}, &st); err != nil {
			return err
		}
	}

	state := color.New(color.FgHiBlack).Sprint("silent now")
	if st.Active {
		state = color.New(color.FgGreen).Sprint("announcing now")
	}
	fmt.Fprintf(w, "Voice mode: %s (%s)\n", color.New(color.Bold).Sprint(st.Mode), state)
	fmt.Fprintf(w, "Window:     %s %s\n", st.Window, st.Timezone)
	return nil
}
