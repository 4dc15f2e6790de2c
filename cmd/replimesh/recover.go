package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/replimesh/replimesh/internal/app"
	"github.com/replimesh/replimesh/internal/recovery"
)

func newRecoverCmd() *cobra.Command {
	var (
		from    string
		to      string
		peers   []string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Ask peers to send again what they sent in a date range",
		Long: `Ask registered instances to replay every message they logged between --from
and --to, then wait for each of them to answer. Use it after restoring a backup.

The endpoints are served while the command runs, so stop the service first.

Examples:
  replimesh recover --from 2026-01-02T00:00:00Z
  replimesh recover --from 72h --peer wiki-b --timeout 10m`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			now := time.Now()
			fromTime, err := parseTime(from, now)
			if err != nil {
				return fmt.Errorf("invalid --from: %w", err)
			}
			if fromTime.IsZero() {
				return errors.New("--from is required")
			}
			toTime, err := parseTime(to, now)
			if err != nil {
				return fmt.Errorf("invalid --to: %w", err)
			}
			if toTime.IsZero() {
				toTime = now.UTC()
			}

			return withNode(cmd, true, true, func(ctx context.Context, node *app.Node) error {
				var targets []string
				for _, p := range peers {
					uri, err := resolveInstance(node.Registry, p)
					if err != nil {
						return err
					}
					targets = append(targets, uri)
				}

				waitCtx, cancel := context.WithTimeout(ctx, timeout)
				defer cancel()
				res, err := node.Recovery.Recover(waitCtx, fromTime, toTime, targets)
				if res != nil {
					printRecovery(cmd.OutOrStdout(), res)
				}
				if err != nil {
					return err
				}
				// keep serving until the replayed messages were handled
				drainCtx, cancelDrain := context.WithTimeout(ctx, timeout)
				defer cancelDrain()
				waitDrained(drainCtx, node.Receiver.Pending)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "oldest message date (RFC 3339 or duration before now)")
	cmd.Flags().StringVar(&to, "to", "", "newest message date (default now)")
	cmd.Flags().StringSliceVar(&peers, "peer", nil, "instances to ask (default every registered instance)")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "how long to wait for answers")
	return cmd
}

func printRecovery(w io.Writer, res *recovery.Result) {
	uris := make([]string, 0, len(res.Counts))
	for uri := range res.Counts {
		uris = append(uris, uri)
	}
	sort.Strings(uris)
	for _, uri := range uris {
		_, _ = fmt.Fprintf(w, "%s: %d messages resent\n", uri, res.Counts[uri])
	}
	for _, uri := range res.Missing {
		_, _ = fmt.Fprintf(w, "%s: no answer\n", uri)
	}
	_, _ = fmt.Fprintf(w, "%d messages from %d instances\n", res.Total(), len(res.Counts))
}
