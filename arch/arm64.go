package arch

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"golang.org/x/arch/arm64/arm64asm"
)

const (
	// LDR X17, <literal>, without the imm19 offset
	_LDRX17lit = uint32(0x58000000 | 17)

	// BR X17
	_BRX17 = uint32(0xd61f0000 | 17<<5)

	_NOP = uint32(0xd503201f)

	// B .
	_Bself = uint32(0x14000000)
)

// ARM64 redirects through the intra-procedure-call scratch register:
//
//	LDR X17, #8
//	BR  X17
//	.quad dest
//
// At an address that is not 8 byte aligned a NOP goes before the literal
// and the load offset becomes 12.
var ARM64 Arch = arm64{}

type arm64 struct{}

func (arm64) Name() string { return "arm64" }

func (arm64) literalOffset(at uintptr) int {
	if at&7 != 0 {
		return 12
	}
	return 8
}

func (a arm64) RedirectSize(at uintptr) int { return a.literalOffset(at) + 8 }

func (arm64) CodeAddr(addr uintptr) uintptr { return addr }

func (a arm64) Redirect(at, dest uintptr) ([]byte, error) {
	if at&3 != 0 {
		return nil, ErrMisaligned
	}
	lit := a.literalOffset(at)
	buf := make([]byte, lit+8)
	binary.LittleEndian.PutUint32(buf[0:], _LDRX17lit|uint32(lit/4)<<5)
	binary.LittleEndian.PutUint32(buf[4:], _BRX17)
	if lit == 12 {
		binary.LittleEndian.PutUint32(buf[8:], _NOP)
	}
	binary.LittleEndian.PutUint64(buf[lit:], uint64(dest))
	return buf, nil
}

func (a arm64) RedirectTarget(code []byte, at uintptr) (uintptr, bool) {
	lit := a.literalOffset(at)
	if len(code) < lit+8 {
		return 0, false
	}
	ldr, err := arm64asm.Decode(code[0:4])
	if err != nil || ldr.Op != arm64asm.LDR || ldr.Args[0] != arm64asm.X17 || ldr.Args[1] != arm64asm.PCRel(lit) {
		return 0, false
	}
	br, err := arm64asm.Decode(code[4:8])
	if err != nil || br.Op != arm64asm.BR || br.Args[0] != arm64asm.X17 {
		return 0, false
	}
	return uintptr(binary.LittleEndian.Uint64(code[lit:])), true
}

func (arm64) Park(at uintptr) []byte {
	return binary.LittleEndian.AppendUint32(nil, _Bself)
}

func (arm64) Disassemble(code []byte, at uintptr) string {
	var buf bytes.Buffer

	for i := 0; i < len(code)&^3; i += 4 {
		var asm string
		inst, err := arm64asm.Decode(code[i:])
		if err == nil {
			asm = inst.String()
		} else {
			asm = "?"
		}
		fmt.Fprintf(&buf, "0x%08x\t%-20s\t%s\n", at+uintptr(i), hex.EncodeToString(code[i:i+4]), asm)
	}

	return buf.String()
}
