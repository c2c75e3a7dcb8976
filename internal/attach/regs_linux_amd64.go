package attach

import (
	"golang.org/x/sys/unix"

	"pyprobe/internal/arch"
)

func fromPtrace(r *unix.PtraceRegs) arch.Registers {
	regs := arch.NewRegisters(arch.AMD64)
	copy(regs.Raw, []uint64{
		r.R15, r.R14, r.R13, r.R12, r.Rbp, r.Rbx, r.R11, r.R10, r.R9,
		r.R8, r.Rax, r.Rcx, r.Rdx, r.Rsi, r.Rdi, r.Orig_rax, r.Rip, r.Cs,
		r.Eflags, r.Rsp, r.Ss, r.Fs_base, r.Gs_base, r.Ds, r.Es, r.Fs, r.Gs,
	})
	return regs
}

func toPtrace(regs arch.Registers, r *unix.PtraceRegs) {
	v := regs.Raw
	*r = unix.PtraceRegs{
		R15: v[0], R14: v[1], R13: v[2], R12: v[3], Rbp: v[4], Rbx: v[5],
		R11: v[6], R10: v[7], R9: v[8], R8: v[9], Rax: v[10], Rcx: v[11],
		Rdx: v[12], Rsi: v[13], Rdi: v[14], Orig_rax: v[15], Rip: v[16],
		Cs: v[17], Eflags: v[18], Rsp: v[19], Ss: v[20], Fs_base: v[21],
		Gs_base: v[22], Ds: v[23], Es: v[24], Fs: v[25], Gs: v[26],
	}
}
