package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/pboyd/patchbay/patch"
	"github.com/pboyd/patchbay/status"
)

func newHookCommand(a *app) *cobra.Command {
	var (
		loc       location
		viaImport bool
		thumb     bool
	)

	cmd := &cobra.Command{
		Use:   "hook [flags] <hook address>",
		Short: "Redirect a function of a process to another address until interrupted",
		Example: `  patchbay hook --pid 1234 --module libc.so.6 --symbol getuid 0x7f0000001000
  patchbay hook --pid 1234 --import --library libc.so.6 --symbol getuid 0x7f0000001000`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := strconv.ParseUint(args[0], 0, 64)
			if err != nil || target == 0 {
				return fmt.Errorf("hook address %q: %w", args[0], status.ErrInvalidArgs)
			}

			s, err := a.startSession(&loc)
			if err != nil {
				return err
			}

			var h patch.Handle
			switch {
			case loc.addr != 0:
				addr := uintptr(loc.addr)
				if thumb {
					addr |= 1
				}
				h, _, err = s.fw.HookFunctionAbs(loc.PID(), addr, uintptr(target))
			case loc.symbol != "" && viaImport:
				h, _, err = s.fw.HookFunctionImport(loc.PID(), loc.module, loc.library, loc.symbol, uintptr(target))
			case loc.symbol != "":
				h, _, err = s.fw.HookFunctionExport(loc.PID(), loc.module, loc.library, loc.symbol, uintptr(target))
			default:
				mod, merr := s.fw.GetModuleInfo(loc.PID(), loc.module)
				if merr != nil {
					err = merr
					break
				}
				h, _, err = s.fw.HookFunctionOffset(loc.PID(), mod.ID, loc.segment, uintptr(loc.offset), thumb, uintptr(target))
			}
			if err != nil {
				s.abort()
				return err
			}
			return a.finish(cmd.Context(), cmd.OutOrStdout(), s, h)
		},
	}
	loc.addFlags(cmd.Flags())
	cmd.Flags().BoolVar(&viaImport, "import", false, "Hook the stub through which the module calls symbol")
	cmd.Flags().BoolVar(&thumb, "thumb", false, "The function is Thumb code (ARM only)")
	return cmd
}
