package arch

import (
	"debug/elf"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAccessorsAMD64(t *testing.T) {
	r := NewRegisters(AMD64)
	require.NoError(t, r.Validate())

	r.SetPC(0x401000)
	r.SetSP(0x7ffc0000)
	r.SetArg(0, 11)
	r.SetArg(5, 66)
	r.SetReturn(0xdead)

	assert.Equal(t, uint64(0x401000), r.Raw[amd64Rip])
	assert.Equal(t, uint64(0x7ffc0000), r.Raw[amd64Rsp])
	assert.Equal(t, uint64(11), r.Raw[amd64Rdi])
	assert.Equal(t, uint64(66), r.Raw[amd64R9])
	assert.Equal(t, uint64(0xdead), r.Return())

	r.DisableSyscallRestart()
	assert.Equal(t, ^uint64(0), r.Raw[amd64OrigRax])
}

func TestRegisterAccessorsARM64(t *testing.T) {
	r := NewRegisters(ARM64)
	r.SetPC(0x1000)
	r.SetArg(7, 8)
	r.Raw[arm64LR] = 0x2000

	assert.Equal(t, uint64(0x1000), r.Raw[arm64PC])
	assert.Equal(t, uint64(8), r.Raw[7])
	assert.Equal(t, uint64(0x2000), r.LinkRegister())

	before := r.Clone()
	r.DisableSyscallRestart()
	assert.True(t, before.Equal(r), "arm64 has no orig_rax slot")
}

func TestCloneIsDeep(t *testing.T) {
	r := NewRegisters(AMD64)
	c := r.Clone()
	c.SetPC(5)
	assert.Zero(t, r.PC())
	assert.False(t, r.Equal(c))
}

func TestValidateRejectsWrongShape(t *testing.T) {
	err := Registers{Arch: ARM64, Raw: make([]uint64, 3)}.Validate()
	require.Error(t, err)
	require.Error(t, Registers{}.Validate())
}

func TestFromELF(t *testing.T) {
	assert.Equal(t, AMD64, FromELF(elf.EM_X86_64, elf.ELFCLASS64))
	assert.Equal(t, ARM64, FromELF(elf.EM_AARCH64, elf.ELFCLASS64))
	assert.Equal(t, Unknown, FromELF(elf.EM_386, elf.ELFCLASS32))
}

func TestParse(t *testing.T) {
	a, err := Parse("aarch64")
	require.NoError(t, err)
	assert.Equal(t, ARM64, a)
	_, err = Parse("riscv64")
	require.Error(t, err)
}
