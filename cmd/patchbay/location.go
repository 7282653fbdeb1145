package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/pflag"

	"github.com/pboyd/patchbay"
	"github.com/pboyd/patchbay/patch"
	"github.com/pboyd/patchbay/procmap"
)

// location names where in a process a patch goes: an absolute address,
// an exported symbol, or an offset into a segment of a module.
type location struct {
	pid     int32
	module  string
	library string
	symbol  string
	segment int
	offset  uint64
	addr    uint64
	dryRun  bool
}

func (l *location) addFlags(fs *pflag.FlagSet) {
	fs.Int32VarP(&l.pid, "pid", "p", 0, "Target process, 0 for this process")
	fs.StringVarP(&l.module, "module", "m", "", "Module name or path, the executable when empty")
	fs.StringVar(&l.library, "library", "", "Symbol version of an export, or library of an import")
	fs.StringVarP(&l.symbol, "symbol", "s", "", "Symbol name")
	fs.IntVar(&l.segment, "segment", 0, "Segment index within the module")
	fs.Uint64Var(&l.offset, "offset", 0, "Offset into the segment, or past the symbol")
	fs.Uint64Var(&l.addr, "addr", 0, "Absolute address, overrides every other location flag")
	fs.BoolVar(&l.dryRun, "dry-run", false, "Resolve and encode the patch against a blank copy of the module instead of the process")
}

func (l *location) PID() procmap.PID { return procmap.PID(l.pid) }

// session is a framework started for one command line patch.
type session struct {
	fw       *patchbay.Framework
	registry *procmap.Proc
	dry      *dryRun
}

func (a *app) startSession(l *location) (*session, error) {
	opts, err := a.options()
	if err != nil {
		return nil, err
	}
	reg, err := procmap.New(procmap.Options{
		MountPoint: a.cfg.ProcMount,
		Restricted: opts.Restricted,
	})
	if err != nil {
		return nil, err
	}
	opts.Registry = reg

	s := &session{registry: reg}
	if l.dryRun {
		mod, err := targetModule(reg, l.PID(), l.module, l.addr)
		if err != nil {
			reg.Close()
			return nil, err
		}
		s.dry = newDryRun(mod)
		opts.Spaces = s.dry.spaceFor
	}

	s.fw, err = patchbay.Start(opts)
	if err != nil {
		reg.Close()
		return nil, err
	}
	return s, nil
}

// finish reports a dry run and stops, or holds the installed patch until
// interrupted.
func (a *app) finish(ctx context.Context, w io.Writer, s *session, h patch.Handle) error {
	defer s.registry.Close()

	if s.dry != nil {
		err := s.dry.report(w, s.fw, h)
		if serr := s.fw.Stop(); err == nil {
			err = serr
		}
		return err
	}

	info, err := s.fw.Lookup(h)
	if err != nil {
		s.fw.Stop()
		return err
	}
	fmt.Fprintf(w, "Installed %s %s at 0x%x in pid %d, interrupt to revert\n", info.Kind, h, info.Addr, info.PID)
	return a.hold(ctx, s.fw)
}

// abort stops a session whose patch could not be installed.
func (s *session) abort() {
	s.fw.Stop()
	s.registry.Close()
}
