package inject

import (
	"context"
	"fmt"
	"time"

	"pyprobe/internal/probeerr"
	"pyprobe/internal/tracee"
)

const (
	rtldNow = 0x2
	// rtldDlopen is __RTLD_DLOPEN, required by the libc-internal entry points.
	rtldDlopen = 0x80000000
)

// Symbols are the loader entry points found in the target.
type Symbols struct {
	Dlopen  uint64
	Dlclose uint64
	// Internal is set when the glibc-private __libc_dlopen_mode pair is used.
	Internal bool
}

func (s Symbols) dlopenFlags() uint64 {
	if s.Internal {
		return rtldNow | rtldDlopen
	}
	return rtldNow
}

// DlopenCall loads path with RTLD_NOW.
func (s Symbols) DlopenCall(path string) Call {
	return Call{Func: s.Dlopen, StringArg: path, Args: []uint64{s.dlopenFlags()}}
}

// DlcloseCall releases handle.
func (s Symbols) DlcloseCall(handle uint64) Call {
	return Call{Func: s.Dlclose, Args: []uint64{handle}}
}

// Load makes the target dlopen path and returns the library handle.
func (in *Injector) Load(ctx context.Context, t tracee.Process, tid int, syms Symbols, path string, timeout time.Duration) (uint64, error) {
	plan, err := NewPlan(t, tid, syms.DlopenCall(path))
	if err != nil {
		return 0, err
	}
	handle, err := in.Apply(ctx, t, plan, timeout)
	if err != nil {
		return 0, err
	}
	if handle == 0 {
		return 0, fmt.Errorf("%w: dlopen(%q) returned NULL", probeerr.ErrInjectionFailed, path)
	}
	return handle, nil
}

// Unload makes the target dlclose handle.
func (in *Injector) Unload(ctx context.Context, t tracee.Process, tid int, syms Symbols, handle uint64, timeout time.Duration) error {
	if syms.Dlclose == 0 {
		return fmt.Errorf("%w: no dlclose in target", probeerr.ErrInjectionFailed)
	}
	plan, err := NewPlan(t, tid, syms.DlcloseCall(handle))
	if err != nil {
		return err
	}
	rc, err := in.Apply(ctx, t, plan, timeout)
	if err != nil {
		return err
	}
	if int32(rc) != 0 {
		return fmt.Errorf("%w: dlclose returned %d", probeerr.ErrInjectionFailed, int32(rc))
	}
	return nil
}
