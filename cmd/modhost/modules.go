package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/snowmerak/modmux/lib/component"
)

func newModulesCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "modules",
		Short: "Load the configured modules and list their states",
		Long: `Load the configured modules in the role named by the config (main by
default) and list their states.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := a.newRuntime(a.cfg.ComponentRole())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "role: %s\n", rt.Role())
			printModules(cmd.OutOrStdout(), rt.Modules())
			return rt.Shutdown()
		},
	}
}

func printModules(w io.Writer, modules []component.ModuleInfo) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSTATE\tLOADED\tPATH\tID")
	for _, m := range modules {
		fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%s\n", m.Name, m.State, m.Loaded, m.Path, m.ID)
	}
	tw.Flush()
}
