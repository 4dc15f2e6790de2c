package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/replimesh/replimesh/internal/app"
	"github.com/replimesh/replimesh/internal/registry"
)

func newInstancesCmd() *cobra.Command {
	instancesCmd := &cobra.Command{
		Use:     "instances",
		Aliases: []string{"instance"},
		Short:   "Manage linked instances",
		Long: `List peers and drive the link handshake.

A link starts with "register" on one side, which leaves the peer with a pending
request it can "accept" or "decline". Instances may be named by URI or by name.

Examples:
  replimesh instances list
  replimesh instances register https://wiki-b.example.com
  replimesh instances accept wiki-a
  replimesh instances rotate-key wiki-b`,
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List known instances",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var status registry.Status
			if s, _ := cmd.Flags().GetString("status"); s != "" {
				var err error
				if status, err = registry.ParseStatus(s); err != nil {
					return err
				}
			}
			return withNode(cmd, false, false, func(_ context.Context, node *app.Node) error {
				return printInstances(cmd.OutOrStdout(), node.Registry.All(), status)
			})
		},
	}
	listCmd.Flags().String("status", "", "only show instances in this state (REQUESTING, REQUESTED, REGISTERED, RELAYED)")
	instancesCmd.AddCommand(listCmd)

	registerCmd := &cobra.Command{
		Use:   "register <uri>",
		Short: "Ask an instance to link with us",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(cmd, false, false, func(ctx context.Context, node *app.Node) error {
				inst, err := node.Registry.Register(ctx, args[0])
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s is %s\n", inst.URI, inst.Status)
				return nil
			})
		},
	}
	instancesCmd.AddCommand(registerCmd)

	instancesCmd.AddCommand(instanceAction("accept", "Accept a pending link request", func(ctx context.Context, node *app.Node, uri string) error {
		_, err := node.Registry.Accept(ctx, uri)
		return err
	}))
	instancesCmd.AddCommand(instanceAction("decline", "Decline a pending link request", func(ctx context.Context, node *app.Node, uri string) error {
		return node.Registry.Decline(ctx, uri)
	}))
	instancesCmd.AddCommand(instanceAction("cancel", "Withdraw our own link request", func(ctx context.Context, node *app.Node, uri string) error {
		return node.Registry.Cancel(ctx, uri)
	}))
	instancesCmd.AddCommand(instanceAction("unregister", "Unlink a registered instance", func(ctx context.Context, node *app.Node, uri string) error {
		return node.Registry.Unregister(ctx, uri)
	}))
	instancesCmd.AddCommand(instanceAction("rotate-key", "Replace the key pair used to sign calls to an instance", func(ctx context.Context, node *app.Node, uri string) error {
		return node.Registry.ResetSendKey(ctx, uri)
	}))
	instancesCmd.AddCommand(instanceAction("ping", "Check that an instance accepts our signed calls", func(ctx context.Context, node *app.Node, uri string) error {
		return node.Client.Ping(ctx, uri)
	}))

	return instancesCmd
}

func instanceAction(name, short string, fn func(ctx context.Context, node *app.Node, uri string) error) *cobra.Command {
	return &cobra.Command{
		Use:   name + " <uri|name>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(cmd, false, false, func(ctx context.Context, node *app.Node) error {
				uri, err := resolveInstance(node.Registry, args[0])
				if err != nil {
					return err
				}
				if err := fn(ctx, node, uri); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: %s done\n", uri, name)
				return nil
			})
		},
	}
}

// lookup is the part of the registry used to resolve command arguments.
type lookup interface {
	Get(uri string) (*registry.Instance, error)
	GetByName(name string) (*registry.Instance, error)
}

// resolveInstance accepts a URI or an instance name.
func resolveInstance(r lookup, arg string) (string, error) {
	if inst, err := r.Get(arg); err == nil {
		return inst.URI, nil
	}
	inst, err := r.GetByName(arg)
	if err != nil {
		return "", fmt.Errorf("no instance %q", arg)
	}
	return inst.URI, nil
}

func printInstances(w io.Writer, instances []*registry.Instance, status registry.Status) error {
	sort.Slice(instances, func(i, j int) bool { return instances[i].URI < instances[j].URI })

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "URI\tNAME\tSTATUS\tSIGNED\tUPDATED")
	for _, inst := range instances {
		if status != "" && inst.Status != status {
			continue
		}
		signed := "no"
		if inst.ReceiveKey != "" {
			signed = "yes"
		}
		updated := "-"
		if !inst.UpdatedAt.IsZero() {
			updated = inst.UpdatedAt.Format("2006-01-02 15:04:05")
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", inst.URI, inst.Name, inst.Status, signed, updated)
	}
	return tw.Flush()
}
