package mem

import (
	"errors"
	"fmt"
	"os"
	"runtime"

	"github.com/prometheus/procfs"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/pboyd/patchbay/arch"
	"github.com/pboyd/patchbay/internal/logging/logfields"
	"github.com/pboyd/patchbay/procmap"
	"github.com/pboyd/patchbay/status"
)

// Options configures access to another process.
type Options struct {
	// Freeze stops every thread of the target with ptrace while memory is
	// written, so no thread executes a half written patch. Without it a
	// write races with the running threads.
	Freeze bool

	// Arch of the target. Defaults to arch.Native().
	Arch arch.Arch

	// MountPoint of procfs. Defaults to procfs.DefaultMountPoint.
	MountPoint string
}

type process struct {
	pid     procmap.PID
	arch    arch.Arch
	freeze  bool
	fs      procfs.FS
	memPath string
}

// OpenProcess returns the address space of another process. Memory is
// accessed through /proc/<pid>/mem, which ignores page protection for a
// caller allowed to ptrace the target.
func OpenProcess(pid procmap.PID, opts Options) (Space, error) {
	if pid == procmap.KernelPID {
		return nil, fmt.Errorf("use Self for the privileged process: %w", status.ErrInvalidArgs)
	}

	mount := opts.MountPoint
	if mount == "" {
		mount = procfs.DefaultMountPoint
	}
	fs, err := procfs.NewFS(mount)
	if err != nil {
		return nil, err
	}
	if _, err := fs.Proc(int(pid)); err != nil {
		return nil, fmt.Errorf("process %d: %w", pid, status.ErrNotFound)
	}

	a := opts.Arch
	if a == nil {
		a = arch.Native()
	}

	return &process{
		pid:     pid,
		arch:    a,
		freeze:  opts.Freeze,
		fs:      fs,
		memPath: fmt.Sprintf("%s/%d/mem", mount, pid),
	}, nil
}

func (p *process) PID() procmap.PID { return p.pid }

func (p *process) Arch() arch.Arch { return p.arch }

func (p *process) Read(addr uintptr, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	f, err := os.OpenFile(p.memPath, os.O_RDONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	n, err := unix.Pread(int(f.Fd()), buf, int64(addr))
	if err != nil {
		if errors.Is(err, unix.EIO) {
			return fmt.Errorf("0x%x: %w", addr, ErrNotMapped)
		}
		return fmt.Errorf("read process %d at 0x%x: %w", p.pid, addr, err)
	}
	if n != len(buf) {
		return fmt.Errorf("0x%x: short read %d/%d: %w", addr, n, len(buf), ErrNotMapped)
	}
	return nil
}

func (p *process) Write(addr uintptr, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	f, err := os.OpenFile(p.memPath, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	if p.freeze {
		thaw, err := p.stop()
		if err != nil {
			return err
		}
		defer thaw()
	}

	n, err := unix.Pwrite(int(f.Fd()), data, int64(addr))
	if err != nil {
		if errors.Is(err, unix.EIO) {
			return fmt.Errorf("0x%x: %w", addr, ErrNotMapped)
		}
		return fmt.Errorf("write process %d at 0x%x: %w", p.pid, addr, err)
	}
	if n != len(data) {
		return fmt.Errorf("write process %d at 0x%x: short write %d/%d", p.pid, addr, n, len(data))
	}
	return nil
}

// stop seizes and interrupts every thread of the process. The returned
// func detaches them again. Threads created after the thread list was read
// keep running.
func (p *process) stop() (func(), error) {
	threads, err := p.fs.AllThreads(int(p.pid))
	if err != nil {
		return nil, fmt.Errorf("threads of %d: %w", p.pid, err)
	}

	// Every ptrace request must come from the thread that seized the tracee.
	runtime.LockOSThread()

	var seized []int
	thaw := func() {
		for _, tid := range seized {
			err := unix.PtraceDetach(tid)
			if err != nil && !errors.Is(err, unix.ESRCH) {
				log.WithError(err).WithFields(logrus.Fields{
					logfields.PID: p.pid,
					"tid":         tid,
				}).Warn("ptrace detach failed")
			}
		}
		runtime.UnlockOSThread()
	}

	for _, t := range threads {
		tid := t.PID
		err := unix.PtraceSeize(tid)
		if errors.Is(err, unix.ESRCH) {
			// exited
			continue
		}
		if err != nil {
			thaw()
			return nil, fmt.Errorf("ptrace seize %d: %w", tid, err)
		}
		seized = append(seized, tid)

		err = unix.PtraceInterrupt(tid)
		if err == nil {
			err = waitStop(tid)
		}
		if err != nil && !errors.Is(err, unix.ESRCH) {
			thaw()
			return nil, fmt.Errorf("ptrace interrupt %d: %w", tid, err)
		}
	}

	return thaw, nil
}

// waitStop waits until tid reaches the group-stop caused by
// PTRACE_INTERRUPT. Signals arriving meanwhile are passed back to the
// thread.
func waitStop(tid int) error {
	for {
		var ws unix.WaitStatus
		var err error
		for {
			_, err = unix.Wait4(tid, &ws, unix.WALL, nil)
			if err == nil || !errors.Is(err, unix.EINTR) {
				break
			}
		}
		if err != nil {
			return fmt.Errorf("wait4: %w", err)
		}

		if ws.Exited() || ws.Signaled() {
			return unix.ESRCH
		}
		if !ws.Stopped() {
			continue
		}
		// Interrupt and group stops of a seized tracee both report
		// PTRACE_EVENT_STOP in the high bits.
		if int(ws>>16) == unix.PTRACE_EVENT_STOP {
			return nil
		}
		err = unix.PtraceCont(tid, int(ws.StopSignal()))
		if err != nil {
			return fmt.Errorf("ptrace cont: %w", err)
		}
	}
}
