package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/replimesh/replimesh/internal/app"
	"github.com/replimesh/replimesh/internal/msglog"
)

func newMessagesCmd() *cobra.Command {
	messagesCmd := &cobra.Command{
		Use:     "messages",
		Aliases: []string{"message", "msg"},
		Short:   "Inspect and replay messages",
		Long: `Inspect the log of sent messages, send logged messages again and retry
inbound messages whose handler failed.

Times are RFC 3339 timestamps or durations counted back from now (e.g. 24h).

Examples:
  replimesh messages list --since 24h --type entity_update
  replimesh messages resend --id 0b6c7f2e-... --to https://wiki-b.example.com
  replimesh messages redrive`,
	}

	var (
		types  []string
		source string
		since  string
		until  string
		ids    []string
		limit  int
		to     []string
	)
	query := func() (msglog.Query, error) {
		now := time.Now()
		q := msglog.Query{Types: types, Source: source, IDs: ids, Limit: limit}
		var err error
		if q.Since, err = parseTime(since, now); err != nil {
			return q, fmt.Errorf("invalid --since: %w", err)
		}
		if q.Until, err = parseTime(until, now); err != nil {
			return q, fmt.Errorf("invalid --until: %w", err)
		}
		return q, nil
	}
	filterFlags := func(cmd *cobra.Command) {
		cmd.Flags().StringSliceVar(&types, "type", nil, "message types")
		cmd.Flags().StringVar(&source, "source", "", "source instance URI")
		cmd.Flags().StringVar(&since, "since", "", "oldest message date")
		cmd.Flags().StringVar(&until, "until", "", "newest message date")
		cmd.Flags().StringSliceVar(&ids, "id", nil, "message ids")
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List logged outbound messages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q, err := query()
			if err != nil {
				return err
			}
			return withNode(cmd, false, false, func(ctx context.Context, node *app.Node) error {
				entries, err := node.Log.Find(ctx, q)
				if err != nil {
					return err
				}
				return printMessages(cmd.OutOrStdout(), entries)
			})
		},
	}
	filterFlags(listCmd)
	listCmd.Flags().IntVar(&limit, "limit", 100, "maximum number of messages")
	messagesCmd.AddCommand(listCmd)

	resendCmd := &cobra.Command{
		Use:   "resend",
		Short: "Queue logged messages for delivery again",
		Long: `Queue logged messages again under new ids. Without --to they go to the
receivers they originally named, or to every registered instance.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q, err := query()
			if err != nil {
				return err
			}
			q.Limit = 0
			if len(q.IDs) == 0 && q.Since.IsZero() {
				return fmt.Errorf("select messages with --id or --since")
			}
			return withNode(cmd, true, false, func(ctx context.Context, node *app.Node) error {
				var receivers []string
				for _, r := range to {
					uri, err := resolveInstance(node.Registry, r)
					if err != nil {
						return err
					}
					receivers = append(receivers, uri)
				}
				n, err := node.Sender.Resend(ctx, q, receivers)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%d messages queued\n", n)
				return nil
			})
		},
	}
	filterFlags(resendCmd)
	resendCmd.Flags().StringSliceVar(&to, "to", nil, "destination instances (URI or name)")
	messagesCmd.AddCommand(resendCmd)

	redriveCmd := &cobra.Command{
		Use:   "redrive",
		Short: "Retry inbound messages left in the receiver store",
		Long: `Hand every inbound message still in the receiver store to its handler again.
Stop the service first; a running instance redrives on SIGHUP instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			wait, _ := cmd.Flags().GetDuration("wait")
			return withNode(cmd, true, false, func(ctx context.Context, node *app.Node) error {
				// starting the receiver queued the stored messages again
				waitCtx, cancel := context.WithTimeout(ctx, wait)
				defer cancel()
				left := waitDrained(waitCtx, node.Receiver.Pending)
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%d messages still pending\n", left)
				return nil
			})
		},
	}
	redriveCmd.Flags().Duration("wait", 30*time.Second, "how long to wait for the handlers")
	messagesCmd.AddCommand(redriveCmd)

	pruneCmd := &cobra.Command{
		Use:   "prune",
		Short: "Drop old messages from the log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			olderThan, _ := cmd.Flags().GetDuration("older-than")
			return withNode(cmd, false, false, func(ctx context.Context, node *app.Node) error {
				n, err := node.PruneLog(ctx, olderThan)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%d messages pruned\n", n)
				return nil
			})
		},
	}
	pruneCmd.Flags().Duration("older-than", 30*24*time.Hour, "age of the oldest message kept")
	messagesCmd.AddCommand(pruneCmd)

	return messagesCmd
}

// waitDrained polls pending until it reports zero or ctx ends and returns the last count.
func waitDrained(ctx context.Context, pending func() int) int {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		n := pending()
		if n == 0 {
			return 0
		}
		select {
		case <-ctx.Done():
			return n
		case <-ticker.C:
		}
	}
}

// parseTime reads an RFC 3339 date or a duration before now. Empty means no bound.
func parseTime(s string, now time.Time) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is neither a date nor a duration", s)
	}
	return now.Add(-d).UTC(), nil
}

func printMessages(w io.Writer, entries []*msglog.Entry) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "DATE\tID\tTYPE\tSOURCE\tRECEIVERS\tSIZE")
	for _, e := range entries {
		receivers := "-"
		if len(e.Receivers) > 0 {
			receivers = strings.Join(e.Receivers, ",")
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\n",
			e.Date.Format(time.RFC3339), e.ID, e.Type, e.Source, receivers, len(e.Body))
	}
	return tw.Flush()
}
