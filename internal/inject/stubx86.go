package inject

import "encoding/binary"

// x86-64 SysV: integer args in rdi, rsi, rdx, rcx, r8, r9.
var movImm64 = [][2]byte{
	{0x48, 0xbf}, // rdi
	{0x48, 0xbe}, // rsi
	{0x48, 0xba}, // rdx
	{0x48, 0xb9}, // rcx
	{0x49, 0xb8}, // r8
	{0x49, 0xb9}, // r9
}

func buildAMD64(call Call) ([]byte, int) {
	code := []byte{
		0x48, 0x83, 0xe4, 0xf0, // and rsp, -16
		0x48, 0x81, 0xec, 0x00, 0x01, 0x00, 0x00, // sub rsp, 0x100
	}

	reg := 0
	dispAt := -1
	if call.StringArg != "" {
		code = append(code, 0x48, 0x8d, 0x3d) // lea rdi, [rip+disp32]
		dispAt = len(code)
		code = append(code, 0, 0, 0, 0)
		reg++
	}
	for _, arg := range call.Args {
		code = append(code, movImm64[reg][0], movImm64[reg][1])
		code = binary.LittleEndian.AppendUint64(code, arg)
		reg++
	}

	code = append(code, 0x48, 0xb8) // mov rax, imm64
	code = binary.LittleEndian.AppendUint64(code, call.Func)
	code = append(code, 0xff, 0xd0) // call rax
	trap := len(code)
	code = append(code, 0xcc) // int3

	if dispAt >= 0 {
		disp := uint32(len(code) - (dispAt + 4))
		binary.LittleEndian.PutUint32(code[dispAt:], disp)
		code = append(code, call.StringArg...)
		code = append(code, 0)
	}
	return code, trap
}
