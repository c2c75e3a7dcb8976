// Package arch describes the CPU architectures a target can run on and the
// register files the injector manipulates.
package arch

import (
	"debug/elf"
	"fmt"
	"runtime"
)

// Arch identifies a target instruction set.
type Arch uint8

const (
	Unknown Arch = iota
	AMD64
	ARM64
)

func (a Arch) String() string {
	switch a {
	case AMD64:
		return "amd64"
	case ARM64:
		return "arm64"
	default:
		return "unknown"
	}
}

// Parse accepts Go and uname spellings.
func Parse(s string) (Arch, error) {
	switch s {
	case "amd64", "x86_64", "x86-64":
		return AMD64, nil
	case "arm64", "aarch64":
		return ARM64, nil
	}
	return Unknown, fmt.Errorf("unknown architecture %q", s)
}

// FromELF maps an ELF machine to an Arch. Only 64-bit little-endian targets
// are supported.
func FromELF(m elf.Machine, class elf.Class) Arch {
	if class != elf.ELFCLASS64 {
		return Unknown
	}
	switch m {
	case elf.EM_X86_64:
		return AMD64
	case elf.EM_AARCH64:
		return ARM64
	}
	return Unknown
}

// Host returns the architecture of the running controller.
func Host() Arch {
	a, err := Parse(runtime.GOARCH)
	if err != nil {
		return Unknown
	}
	return a
}

// TrapLen is the number of bytes the PC has advanced past the trap
// instruction when the trap stop is reported.
func (a Arch) TrapLen() uint64 {
	if a == AMD64 {
		return 1 // int3 reports the following address
	}
	return 0
}
