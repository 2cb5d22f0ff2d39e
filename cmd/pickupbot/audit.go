package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/basket/pickupbot/internal/audit"
	"github.com/basket/pickupbot/internal/config"
)

func auditCmd() *cobra.Command {
	var (
		action  string
		outcome string
		limit   int
	)
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show recent operator actions (handoffs, voice changes, refusals)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config load: %w", err)
			}
			return runAudit(cmd.Context(), newAdminClient(cfg), cmd.OutOrStdout(), audit.Query{
				ActionPrefix: action,
				Outcome:      outcome,
				Limit:        limit,
			})
		},
	}
	cmd.Flags().StringVar(&action, "action", "", "action prefix, e.g. pickup or voice")
	cmd.Flags().StringVar(&outcome, "outcome", "", "ok, noop, denied or failed")
	cmd.Flags().IntVar(&limit, "limit", 30, "maximum rows")
	return cmd
}

func runAudit(ctx context.Context, c *adminClient, w io.Writer, q audit.Query) error {
	v := url.Values{}
	if q.ActionPrefix != "" {
		v.Set("action", q.ActionPrefix)
	}
	if q.Outcome != "" {
		v.Set("outcome", q.Outcome)
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	path := "/api/audit"
	if len(v) > 0 {
		path += "?" + v.Encode()
	}

	var resp struct {
		Entries []audit.Entry `json:"entries"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return err
	}
	if len(resp.Entries) == 0 {
		fmt.Fprintln(w, "No audit entries.")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tACTOR\tACTION\tOUTCOME\tSUBJECT")
	for _, e := range resp.Entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			e.CreatedAt.Local().Format(time.DateTime), e.Actor, e.Action, outcomeLabel(e.Outcome), e.Subject)
	}
	return tw.Flush()
}

func outcomeLabel(o string) string {
	switch o {
	case audit.OutcomeOK:
		return color.GreenString(o)
	case audit.OutcomeDenied, audit.OutcomeFailed:
		return color.RedString(o)
	default:
		return o
	}
}
