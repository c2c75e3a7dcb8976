// Package attach stops a live process with ptrace and exposes it as a
// tracee.Process. Every ptrace request for one target runs on a single
// locked OS thread, as the kernel requires.
package attach

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"time"

	"go.uber.org/zap"

	"pyprobe/internal/probeerr"
	"pyprobe/internal/procinfo"
	"pyprobe/internal/tracee"
)

const defaultTimeout = 5 * time.Second

// Options configure Attach.
type Options struct {
	// Timeout bounds the wait for every thread to stop.
	Timeout time.Duration
	// FS is the procfs the target is looked up in.
	FS  *procinfo.FS
	Log *zap.Logger
}

func (o *Options) defaults() error {
	if o.Timeout <= 0 {
		o.Timeout = defaultTimeout
	}
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
	if o.FS == nil {
		fs, err := procinfo.New("")
		if err != nil {
			return err
		}
		o.FS = fs
	}
	return nil
}

// Attach stops every thread of pid. The caller owns the returned process and
// must Detach it.
func Attach(ctx context.Context, pid int, opts Options) (tracee.Process, error) {
	if err := procinfo.CheckAlive(pid); err != nil {
		return nil, err
	}
	if err := opts.defaults(); err != nil {
		return nil, err
	}
	return attach(ctx, pid, opts)
}

// classify maps a ptrace errno for pid. tracer is the TracerPid the kernel
// reports for the target, or zero.
func classify(pid, tracer int, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, syscall.ESRCH):
		return fmt.Errorf("%w: pid %d", probeerr.ErrNoSuchProcess, pid)
	case errors.Is(err, syscall.EPERM) && tracer != 0:
		return fmt.Errorf("%w: pid %d is traced by pid %d", probeerr.ErrAlreadyTraced, pid, tracer)
	case errors.Is(err, syscall.EPERM):
		return fmt.Errorf("%w: ptrace pid %d (check kernel.yama.ptrace_scope or CAP_SYS_PTRACE)", probeerr.ErrPermissionDenied, pid)
	}
	return fmt.Errorf("ptrace pid %d: %w", pid, err)
}
