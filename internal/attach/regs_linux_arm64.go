package attach

import (
	"golang.org/x/sys/unix"

	"pyprobe/internal/arch"
)

func fromPtrace(r *unix.PtraceRegs) arch.Registers {
	regs := arch.NewRegisters(arch.ARM64)
	copy(regs.Raw, r.Regs[:])
	regs.Raw[31], regs.Raw[32], regs.Raw[33] = r.Sp, r.Pc, r.Pstate
	return regs
}

func toPtrace(regs arch.Registers, r *unix.PtraceRegs) {
	copy(r.Regs[:], regs.Raw[:31])
	r.Sp, r.Pc, r.Pstate = regs.Raw[31], regs.Raw[32], regs.Raw[33]
}
