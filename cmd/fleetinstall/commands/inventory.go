package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/fleetinstall/pkg/discovery"
	"github.com/openfroyo/fleetinstall/pkg/stores"
)

func newInventoryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inventory",
		Short: "Manage the host inventory",
		Long: `The inventory is a list of hosts with labels, kept in the store. A job
selects inventory hosts with hosts.inventory or --inventory.`,
	}

	cmd.AddCommand(newInventoryAddCommand())
	cmd.AddCommand(newInventoryListCommand())
	cmd.AddCommand(newInventoryRemoveCommand())

	return cmd
}

func newInventoryAddCommand() *cobra.Command {
	var labels []string

	cmd := &cobra.Command{
		Use:     "add <host>...",
		Short:   "Add hosts or replace their labels",
		Example: `  fleetinstall inventory add web01 web02 --label role=web --label env=prod`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			parsed := map[string]string{}
			for _, l := range labels {
				kv, err := discovery.ParseLabels(l)
				if err != nil {
					return err
				}
				for k, v := range kv {
					parsed[k] = v
				}
			}

			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			for _, name := range args {
				if err := store.UpsertHost(ctx, &stores.InventoryHost{Name: name, Labels: parsed}); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Added %s\n", name)
			}
			return nil
		},
	}

	cmd.Flags().StringArrayVarP(&labels, "label", "l", nil, "label as key=value (repeatable)")
	return cmd
}

func newInventoryListCommand() *cobra.Command {
	var selector string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List inventory hosts",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			labels, err := discovery.ParseLabels(selector)
			if err != nil {
				return err
			}

			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			hosts, err := store.ListInventory(ctx, labels)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, hosts)
			}
			if len(hosts) == 0 {
				fmt.Fprintln(out, "No hosts")
				return nil
			}

			rows := make([][]string, 0, len(hosts))
			for _, h := range hosts {
				rows = append(rows, []string{h.Name, stores.LabelString(h.Labels)})
			}
			return printTable(out, []string{"HOST", "LABELS"}, rows)
		},
	}

	cmd.Flags().StringVarP(&selector, "selector", "s", "", `label selector ("k=v,k2=v2")`)
	return cmd
}

func newInventoryRemoveCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "remove <host>...",
		Aliases: []string{"rm"},
		Short:   "Remove hosts from the inventory",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			for _, name := range args {
				if err := store.RemoveHost(ctx, name); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", name)
			}
			return nil
		},
	}
}
