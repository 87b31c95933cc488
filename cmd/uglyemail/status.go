package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/glimte/uglyemail-go/health"
	"github.com/spf13/cobra"
)

func newStatusCmd(c *cli) *cobra.Command {
	var (
		addr     string
		watch    bool
		interval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the health of a background process",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = "http://" + c.cfg.Transport.ListenAddr
			}
			client := &http.Client{Timeout: 10 * time.Second}

			if !watch {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				report, err := health.Fetch(ctx, client, addr)
				if err != nil {
					return err
				}
				printHealth(cmd.OutOrStdout(), report)
				return nil
			}

			ctx, cancel := signalContext()
			defer cancel()

			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			for {
				report, err := health.Fetch(ctx, client, addr)
				if err != nil {
					fmt.Fprintf(cmd.OutOrStdout(), "Error: %v\n", err)
				} else {
					printHealth(cmd.OutOrStdout(), report)
				}
				fmt.Fprintln(cmd.OutOrStdout(), strings.Repeat("-", 60))

				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
				}
			}
		},
	}
	cmd.Flags().StringVarP(&addr, "addr", "a", "", "Base URL of the background process (defaults to the listen address)")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Keep polling until interrupted")
	cmd.Flags().DurationVarP(&interval, "interval", "i", 2*time.Second, "Polling interval")

	return cmd
}

func printHealth(out io.Writer, report health.OverallHealth) {
	fmt.Fprintf(out, "Status: %s (%s)\n", report.Status, report.Timestamp.Format(time.RFC3339))

	names := make([]string, 0, len(report.Checks))
	for name := range report.Checks {
		names = append(names, name)
	}
	slices.Sort(names)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CHECK\tSTATUS\tMESSAGE")
	for _, name := range names {
		check := report.Checks[name]
		msg := check.Message
		if check.Error != "" {
			msg += ": " + check.Error
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", name, check.Status, msg)
	}
	w.Flush()
}
