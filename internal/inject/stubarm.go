package inject

import "encoding/binary"

const (
	armNop = 0xd503201f
	armBLR = 0xd63f0200 // blr x16
	armBRK = 0xd4200000 // brk #0
)

// AArch64 AAPCS64: integer args in x0..x7. x9 and x16 are scratch.
func buildARM64(call Call) ([]byte, int) {
	words := []uint32{
		0x910003e9, // mov x9, sp
		0x927ced29, // and x9, x9, #~15
		0xd1040129, // sub x9, x9, #0x100
		0x9100013f, // mov sp, x9
	}

	type fixup struct {
		at      int
		literal int // index into lits, or -1 for the string
		rt      uint32
	}
	var (
		fixups []fixup
		lits   []uint64
	)

	reg := uint32(0)
	if call.StringArg != "" {
		fixups = append(fixups, fixup{at: len(words), literal: -1, rt: reg})
		words = append(words, 0)
		reg++
	}
	for _, arg := range call.Args {
		fixups = append(fixups, fixup{at: len(words), literal: len(lits), rt: reg})
		lits = append(lits, arg)
		words = append(words, 0)
		reg++
	}
	fixups = append(fixups, fixup{at: len(words), literal: len(lits), rt: 16})
	lits = append(lits, call.Func)
	words = append(words, 0)

	words = append(words, armBLR)
	trap := len(words) * 4
	words = append(words, armBRK)
	if len(words)%2 != 0 {
		words = append(words, armNop)
	}

	litBase := len(words) * 4
	strAt := litBase + len(lits)*8
	for _, f := range fixups {
		pc := f.at * 4
		if f.literal < 0 {
			words[f.at] = adr(f.rt, int32(strAt-pc))
			continue
		}
		words[f.at] = ldrLiteral(f.rt, int32(litBase+f.literal*8-pc))
	}

	code := make([]byte, 0, strAt+len(call.StringArg)+1)
	for _, w := range words {
		code = binary.LittleEndian.AppendUint32(code, w)
	}
	for _, l := range lits {
		code = binary.LittleEndian.AppendUint64(code, l)
	}
	if call.StringArg != "" {
		code = append(code, call.StringArg...)
		code = append(code, 0)
	}
	return code, trap
}

// adr xd, pc+off
func adr(rd uint32, off int32) uint32 {
	imm := uint32(off) & 0x1fffff
	return 0x10000000 | (imm&3)<<29 | (imm>>2)<<5 | rd
}

// ldr xt, pc+off
func ldrLiteral(rt uint32, off int32) uint32 {
	imm19 := uint32(off/4) & 0x7ffff
	return 0x58000000 | imm19<<5 | rt
}
