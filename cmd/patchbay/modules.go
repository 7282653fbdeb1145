package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/pboyd/patchbay"
	"github.com/pboyd/patchbay/procmap"
)

func newModulesCommand(a *app) *cobra.Command {
	var pid int32

	cmd := &cobra.Command{
		Use:   "modules",
		Short: "List the modules loaded into a process",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts, err := a.options()
			if err != nil {
				return err
			}
			fw, err := patchbay.Start(opts)
			if err != nil {
				return err
			}
			defer fw.Stop()

			mods, err := fw.Modules(procmap.PID(pid))
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 8, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tBASE\tEND\tPATH")
			for _, m := range mods {
				fmt.Fprintf(w, "%d\t%s\t0x%x\t0x%x\t%s\n", m.ID, m.Name, m.Base, m.End, m.Path)
			}
			return w.Flush()
		},
	}
	cmd.Flags().Int32VarP(&pid, "pid", "p", 0, "Target process, 0 for this process")
	return cmd
}
