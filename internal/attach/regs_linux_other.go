//go:build linux && !amd64 && !arm64

package attach

import (
	"golang.org/x/sys/unix"

	"pyprobe/internal/arch"
)

// Other hosts are refused in attach before any register is touched.

func fromPtrace(*unix.PtraceRegs) arch.Registers { return arch.Registers{} }

func toPtrace(arch.Registers, *unix.PtraceRegs) {}
