package inject

import (
	"fmt"

	"golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/arch/x86/x86asm"

	"pyprobe/internal/arch"
)

// Line is one decoded stub instruction.
type Line struct {
	Addr uint64
	Len  int
	Text string
}

func (l Line) String() string { return fmt.Sprintf("%#x: %s", l.Addr, l.Text) }

// Disassemble decodes the code part of a plan's stub, stopping at the trap.
// Literals and the embedded string are not decoded.
func Disassemble(p *Plan) ([]Line, error) {
	var out []Line
	end := p.TrapOffset + 1
	for off := 0; off < end; {
		pc := p.Entry + uint64(off)
		var (
			text string
			n    int
		)
		switch p.Arch {
		case arch.AMD64:
			inst, err := x86asm.Decode(p.Stub[off:], 64)
			if err != nil {
				return out, fmt.Errorf("decode at +%d: %w", off, err)
			}
			text, n = x86asm.GNUSyntax(inst, pc, nil), inst.Len
		case arch.ARM64:
			inst, err := arm64asm.Decode(p.Stub[off:])
			if err != nil {
				return out, fmt.Errorf("decode at +%d: %w", off, err)
			}
			text, n = arm64asm.GNUSyntax(inst), 4
		default:
			return nil, fmt.Errorf("disassemble: unsupported architecture %s", p.Arch)
		}
		out = append(out, Line{Addr: pc, Len: n, Text: text})
		off += n
	}
	return out, nil
}
