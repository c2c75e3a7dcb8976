// Package inject runs a single function call inside a stopped target thread
// by writing a short stub at the thread's program counter and restoring the
// original bytes and registers afterwards.
package inject

import (
	"fmt"

	"pyprobe/internal/arch"
	"pyprobe/internal/probeerr"
	"pyprobe/internal/tracee"
)

// hostArch is swapped in tests that build stubs for the other architecture.
var hostArch = arch.Host

// Call is one function invocation.
type Call struct {
	Func uint64
	Args []uint64
	// StringArg, when set, is embedded NUL-terminated in the stub and passed
	// as the first argument. Args then start at the second register.
	StringArg string
}

func (c Call) argCount() int {
	n := len(c.Args)
	if c.StringArg != "" {
		n++
	}
	return n
}

// Plan is a stub ready to be applied to one thread.
type Plan struct {
	Arch  arch.Arch
	TID   int
	Entry uint64
	Stub  []byte
	// TrapOffset locates the trap instruction that ends the stub.
	TrapOffset int
	Call       Call
}

// TrapAddr is the address of the trap instruction.
func (p *Plan) TrapAddr() uint64 { return p.Entry + uint64(p.TrapOffset) }

// ResumePC is where the thread's PC is when the trap is reported.
func (p *Plan) ResumePC() uint64 { return p.TrapAddr() + p.Arch.TrapLen() }

// NewPlan builds a stub for call at the current PC of tid.
func NewPlan(t tracee.Process, tid int, call Call) (*Plan, error) {
	a := t.Arch()
	if host := hostArch(); a != host {
		return nil, fmt.Errorf("%w: controller is %s, target is %s", probeerr.ErrUnsupportedArchitecture, host, a)
	}
	if call.Func == 0 {
		return nil, fmt.Errorf("inject: call target is nil")
	}
	if n := call.argCount(); n > a.MaxArgs() {
		return nil, fmt.Errorf("inject: %d arguments, %s passes at most %d in registers", n, a, a.MaxArgs())
	}
	regs, err := t.Registers(tid)
	if err != nil {
		return nil, fmt.Errorf("inject: registers of %d: %w", tid, err)
	}

	var (
		stub []byte
		trap int
	)
	switch a {
	case arch.AMD64:
		stub, trap = buildAMD64(call)
	case arch.ARM64:
		stub, trap = buildARM64(call)
	default:
		return nil, fmt.Errorf("%w: %s", probeerr.ErrUnsupportedArchitecture, a)
	}
	return &Plan{
		Arch:       a,
		TID:        tid,
		Entry:      regs.PC(),
		Stub:       stub,
		TrapOffset: trap,
		Call:       call,
	}, nil
}
