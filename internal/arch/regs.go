package arch

import "fmt"

// Kernel user_regs_struct slot indices.
const (
	amd64Rbp     = 4
	amd64R9      = 8
	amd64R8      = 9
	amd64Rax     = 10
	amd64Rcx     = 11
	amd64Rdx     = 12
	amd64Rsi     = 13
	amd64Rdi     = 14
	amd64OrigRax = 15
	amd64Rip     = 16
	amd64Rsp     = 19
	amd64Count   = 27

	arm64LR    = 30
	arm64SP    = 31
	arm64PC    = 32
	arm64Count = 34
)

var (
	amd64ArgSlots = []int{amd64Rdi, amd64Rsi, amd64Rdx, amd64Rcx, amd64R8, amd64R9}
	arm64ArgSlots = []int{0, 1, 2, 3, 4, 5, 6, 7}
)

// Registers is a full general purpose register file in kernel order.
type Registers struct {
	Arch Arch     `msgpack:"arch"`
	Raw  []uint64 `msgpack:"raw"`
}

// NewRegisters returns a zeroed register file for a.
func NewRegisters(a Arch) Registers {
	return Registers{Arch: a, Raw: make([]uint64, a.registerCount())}
}

func (a Arch) registerCount() int {
	switch a {
	case AMD64:
		return amd64Count
	case ARM64:
		return arm64Count
	}
	return 0
}

// MaxArgs is the number of integer arguments passed in registers.
func (a Arch) MaxArgs() int {
	switch a {
	case AMD64:
		return len(amd64ArgSlots)
	case ARM64:
		return len(arm64ArgSlots)
	}
	return 0
}

// Clone returns a deep copy.
func (r Registers) Clone() Registers {
	return Registers{Arch: r.Arch, Raw: append([]uint64(nil), r.Raw...)}
}

// Equal reports whether both files hold the same values.
func (r Registers) Equal(o Registers) bool {
	if r.Arch != o.Arch || len(r.Raw) != len(o.Raw) {
		return false
	}
	for i := range r.Raw {
		if r.Raw[i] != o.Raw[i] {
			return false
		}
	}
	return true
}

// Validate checks that the file has the right shape for its architecture.
func (r Registers) Validate() error {
	want := r.Arch.registerCount()
	if want == 0 {
		return fmt.Errorf("registers: unsupported architecture %s", r.Arch)
	}
	if len(r.Raw) != want {
		return fmt.Errorf("registers: %s needs %d slots, got %d", r.Arch, want, len(r.Raw))
	}
	return nil
}

func (r Registers) slot(amd64Slot, arm64Slot int) int {
	if r.Arch == AMD64 {
		return amd64Slot
	}
	return arm64Slot
}

// PC returns the instruction pointer.
func (r Registers) PC() uint64 { return r.Raw[r.slot(amd64Rip, arm64PC)] }

// SetPC sets the instruction pointer.
func (r Registers) SetPC(v uint64) { r.Raw[r.slot(amd64Rip, arm64PC)] = v }

// SP returns the stack pointer.
func (r Registers) SP() uint64 { return r.Raw[r.slot(amd64Rsp, arm64SP)] }

// SetSP sets the stack pointer.
func (r Registers) SetSP(v uint64) { r.Raw[r.slot(amd64Rsp, arm64SP)] = v }

// FramePointer returns rbp or x29.
func (r Registers) FramePointer() uint64 { return r.Raw[r.slot(amd64Rbp, 29)] }

// Return returns the integer return register (rax or x0).
func (r Registers) Return() uint64 { return r.Raw[r.slot(amd64Rax, 0)] }

// SetReturn sets the integer return register.
func (r Registers) SetReturn(v uint64) { r.Raw[r.slot(amd64Rax, 0)] = v }

// Arg returns the i-th integer argument register.
func (r Registers) Arg(i int) uint64 { return r.Raw[r.argSlot(i)] }

// SetArg sets the i-th integer argument register.
func (r Registers) SetArg(i int, v uint64) { r.Raw[r.argSlot(i)] = v }

func (r Registers) argSlot(i int) int {
	if r.Arch == AMD64 {
		return amd64ArgSlots[i]
	}
	return arm64ArgSlots[i]
}

// LinkRegister returns x30 on arm64 and zero elsewhere.
func (r Registers) LinkRegister() uint64 {
	if r.Arch != ARM64 {
		return 0
	}
	return r.Raw[arm64LR]
}

// DisableSyscallRestart stops the kernel from restarting an interrupted
// syscall when the thread resumes at a new PC. Only amd64 exposes orig_rax.
func (r Registers) DisableSyscallRestart() {
	if r.Arch == AMD64 {
		r.Raw[amd64OrigRax] = ^uint64(0)
	}
}
