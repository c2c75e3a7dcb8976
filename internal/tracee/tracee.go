// Package tracee defines the view of a stopped target process that the
// snapshot, injection and session layers work against.
package tracee

import (
	"context"
	"fmt"
	"syscall"

	"pyprobe/internal/arch"
)

// Memory reads and writes target memory.
type Memory interface {
	ReadMemory(addr uint64, buf []byte) error
	WriteMemory(addr uint64, data []byte) error
}

// RegisterFile reads and writes a thread's registers.
type RegisterFile interface {
	Registers(tid int) (arch.Registers, error)
	SetRegisters(tid int, regs arch.Registers) error
}

// Process is an attached target.
type Process interface {
	Memory
	RegisterFile

	PID() int
	Arch() arch.Arch
	Threads() []int

	// ContinueThread resumes a single stopped thread.
	ContinueThread(tid int) error
	// InterruptThread asks a running thread to stop.
	InterruptThread(tid int) error
	// WaitThread blocks until tid stops for a reason the caller must handle.
	WaitThread(ctx context.Context, tid int) (Stop, error)

	// Resume lets every thread run while keeping the attach.
	Resume() error
	// Suspend stops every thread again.
	Suspend(ctx context.Context) error
	// Detach releases the target. It is idempotent.
	Detach() error
}

// Stop describes why a thread stopped.
type Stop struct {
	Exited   bool
	ExitCode int
	Signal   syscall.Signal
}

// Trapped reports a breakpoint trap.
func (s Stop) Trapped() bool { return !s.Exited && s.Signal == syscall.SIGTRAP }

// Fatal reports a signal that means the thread crashed.
func (s Stop) Fatal() bool {
	if s.Exited {
		return true
	}
	switch s.Signal {
	case syscall.SIGSEGV, syscall.SIGBUS, syscall.SIGILL, syscall.SIGFPE, syscall.SIGABRT, syscall.SIGSYS:
		return true
	}
	return false
}

func (s Stop) String() string {
	if s.Exited {
		return fmt.Sprintf("exited(%d)", s.ExitCode)
	}
	return fmt.Sprintf("stopped(%s)", s.Signal)
}
