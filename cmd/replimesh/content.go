package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/replimesh/replimesh/internal/app"
	"github.com/replimesh/replimesh/internal/content"
)

func newContentCmd() *cobra.Command {
	contentCmd := &cobra.Command{
		Use:   "content",
		Short: "Work with replicated entities",
		Long: `Publish, inspect and repair entities in the local content store.

Changes are queued for the targets of the matching content route and delivered
by the running instance.

Examples:
  replimesh content put docs/readme 3 ./readme.md
  replimesh content get docs/readme
  replimesh content repair shared/faq`,
	}

	putCmd := &cobra.Command{
		Use:   "put <entity> <version> <file|->",
		Short: "Store a new version and replicate it",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := readInput(cmd.InOrStdin(), args[2])
			if err != nil {
				return err
			}
			return withNode(cmd, true, false, func(ctx context.Context, node *app.Node) error {
				return node.Publisher.Update(ctx, args[0], args[1], body)
			})
		},
	}
	contentCmd.AddCommand(putCmd)

	getCmd := &cobra.Command{
		Use:   "get <entity> [version]",
		Short: "Print an entity version, the latest by default",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(cmd, false, false, func(_ context.Context, node *app.Node) error {
				version := ""
				if len(args) == 2 {
					version = args[1]
				} else {
					e, err := node.Content.Get(args[0])
					if err != nil {
						return err
					}
					latest, ok := e.Latest()
					if !ok {
						return content.ErrNotFound
					}
					version = latest.Version
				}
				body, err := node.Content.Read(args[0], version)
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(body)
				return err
			})
		},
	}
	contentCmd.AddCommand(getCmd)

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List stored entities",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withNode(cmd, false, false, func(_ context.Context, node *app.Node) error {
				entities, err := node.Content.List()
				if err != nil {
					return err
				}
				return printEntities(cmd.OutOrStdout(), entities)
			})
		},
	}
	contentCmd.AddCommand(listCmd)

	deleteCmd := &cobra.Command{
		Use:   "delete <entity> [version...]",
		Short: "Delete versions, or the whole entity, and replicate the deletion",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(cmd, true, false, func(ctx context.Context, node *app.Node) error {
				return node.Publisher.Delete(ctx, args[0], args[1:])
			})
		},
	}
	contentCmd.AddCommand(deleteCmd)

	resolveCmd := &cobra.Command{
		Use:   "resolve <entity>",
		Short: "Clear the conflict flag of an entity on every target",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(cmd, true, false, func(ctx context.Context, node *app.Node) error {
				return node.Publisher.SetConflict(ctx, args[0], false)
			})
		},
	}
	contentCmd.AddCommand(resolveCmd)

	repairCmd := &cobra.Command{
		Use:   "repair <entity> [version...]",
		Short: "Ask the owner of an entity to send its versions again",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(cmd, true, false, func(ctx context.Context, node *app.Node) error {
				return node.Publisher.RequestRepair(ctx, args[0], args[1:])
			})
		},
	}
	contentCmd.AddCommand(repairCmd)

	return contentCmd
}

func readInput(stdin io.Reader, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(path)
}

func printEntities(w io.Writer, entities []*content.Entity) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ENTITY\tOWNER\tLATEST\tVERSIONS\tCONFLICT")
	for _, e := range entities {
		latest := "-"
		if v, ok := e.Latest(); ok {
			latest = v.Version
		}
		versions := make([]string, 0, len(e.Versions))
		for _, v := range e.Versions {
			versions = append(versions, v.Version)
		}
		conflict := ""
		if e.Conflict {
			conflict = "yes"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", e.ID, e.Owner, latest, strings.Join(versions, ","), conflict)
	}
	return tw.Flush()
}
