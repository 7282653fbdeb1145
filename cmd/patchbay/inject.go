package main

import (
	"github.com/spf13/cobra"

	"github.com/pboyd/patchbay/config"
	"github.com/pboyd/patchbay/patch"
)

func newInjectCommand(a *app) *cobra.Command {
	var loc location

	cmd := &cobra.Command{
		Use:   "inject [flags] <hex data>",
		Short: "Overwrite memory of a process until interrupted",
		Example: `  patchbay inject --pid 1234 --symbol debug_enabled 01
  patchbay inject --pid 1234 --segment 1 --offset 0x40 "90 90" --dry-run`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := config.Injection{Data: args[0]}.Bytes()
			if err != nil {
				return err
			}

			s, err := a.startSession(&loc)
			if err != nil {
				return err
			}

			var h patch.Handle
			switch {
			case loc.addr != 0:
				h, err = s.fw.InjectAbs(loc.PID(), uintptr(loc.addr), data)
			case loc.symbol != "":
				h, err = s.fw.InjectExport(loc.PID(), loc.module, loc.library, loc.symbol, uintptr(loc.offset), data)
			default:
				mod, merr := s.fw.GetModuleInfo(loc.PID(), loc.module)
				if merr != nil {
					err = merr
					break
				}
				h, err = s.fw.InjectData(loc.PID(), mod.ID, loc.segment, uintptr(loc.offset), data)
			}
			if err != nil {
				s.abort()
				return err
			}
			return a.finish(cmd.Context(), cmd.OutOrStdout(), s, h)
		},
	}
	loc.addFlags(cmd.Flags())
	return cmd
}
