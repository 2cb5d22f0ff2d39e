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

	"github.com/basket/pickupbot/internal/config"
	"github.com/basket/pickupbot/internal/pickup"
)

func pickupsCmd() *cobra.Command {
	var (
		status string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "pickups",
		Short: "List pickup requests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config load: %w", err)
			}
			return runPickups(cmd.Context(), newAdminClient(cfg), cmd.OutOrStdout(), status, limit)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (pending, announced, handed_over, expired)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

func runPickups(ctx context.Context, c *adminClient, w io.Writer, status string, limit int) error {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/pickups"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp struct {
		Pickups []pickup.Request `json:"pickups"`
		Count   int              `json:"count"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return err
	}
	if resp.Count == 0 {
		fmt.Fprintln(w, "No pickup requests.")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPARENT\tCHILD\tETA\tSTATUS\tANNOUNCED\tCREATED")
	for _, r := range resp.Pickups {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d min\t%s\t%d\t%s\n",
			r.ID, r.ParentID, r.ChildID, r.ArrivalMinutes, statusLabel(r.Status),
			r.AnnounceCount, r.CreatedAt.Local().Format(time.DateTime))
	}
	return tw.Flush()
}

func statusLabel(s pickup.Status) string {
	switch s {
	case pickup.StatusPending:
		return color.New(color.FgYellow).Sprint(s)
	case pickup.StatusAnnounced:
		return color.New(color.FgCyan).Sprint(s)
	case pickup.StatusHandedOver:
		return color.New(color.FgGreen).Sprint(s)
	default:
		return color.New(color.FgHiBlack).Sprint(s)
	}
}

type handoffResult struct {
	RequestID        string `json:"request_id"`
	Status           string `json:"status"`
	AlreadyDone      bool   `json:"already_done"`
	Message          string `json:"message"`
	DeliveryFailures int    `json:"delivery_failures"`
}

func handoffCmd() *cobra.Command {
	var operator string
	cmd := &cobra.Command{
		Use:   "handoff <request-id>",
		Short: "Mark a pickup request as handed over",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config load: %w", err)
			}
			return runHandoff(cmd.Context(), newAdminClient(cfg), cmd.OutOrStdout(), args[0], operator)
		},
	}
	cmd.Flags().StringVar(&operator, "operator", "cli", "who handed the child over")
	return cmd
}

func runHandoff(ctx context.Context, c *adminClient, w io.Writer, requestID, operator string) error {
	var res handoffResult
	err := c.do(ctx, http.MethodPost, "/api/pickups/"+url.PathEscape(requestID)+"/handoff",
		map[string]string{"operator": operator}, &res)
	switch {
	case isStatus(err, http.StatusNotFound):
		return fmt.Errorf("pickup %s not found", requestID)
	case isStatus(err, http.StatusConflict):
		return fmt.Errorf("pickup %s can no longer be handed over (expired)", requestID)
	case err != nil:
		return err
	}

	if res.AlreadyDone {
		fmt.Fprintf(w, "%s was already handed over.\n", requestID)
		return nil
	}
	fmt.Fprintf(w, "%s %s\n", color.New(color.FgGreen).Sprint("Handed over:"), requestID)
	if res.Message != "" {
		fmt.Fprintf(w, "Parent was told: %q\n", res.Message)
	}
	if res.DeliveryFailures > 0 {
		fmt.Fprintf(w, "%s %d notification(s) could not be delivered; see the daemon log.\n",
			color.New(color.FgYellow).Sprint("Warning:"), res.DeliveryFailures)
	}
	return nil
}
