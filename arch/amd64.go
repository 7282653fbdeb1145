package arch

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

const (
	opcodeJMPabs = 0xff // JMP r/m64
	opcodeINT3   = 0xcc

	// ModRM for JMP [RIP+disp32]: mod=00 reg=/4 rm=101
	modrmJMPrip = 0x25

	jmpRIPLen = 6
)

// JMP rel8 -2
var amd64Park = []byte{0xeb, 0xfe}

// AMD64 redirects with an absolute indirect jump through an inline literal:
//
//	JMP [RIP+pad]
//	INT3 x pad
//	.quad dest
//
// pad (0 to 7) puts the literal on an 8 byte boundary. It reaches any
// destination, unlike JMP rel32.
var AMD64 Arch = amd64{}

type amd64 struct{}

func (amd64) Name() string { return "amd64" }

// literalOffset is where the literal of a redirect at at starts.
func (amd64) literalOffset(at uintptr) int {
	return jmpRIPLen + int((8-(at+jmpRIPLen)%8)%8)
}

func (a amd64) RedirectSize(at uintptr) int { return a.literalOffset(at) + 8 }

func (amd64) CodeAddr(addr uintptr) uintptr { return addr }

func (a amd64) Redirect(at, dest uintptr) ([]byte, error) {
	lit := a.literalOffset(at)
	buf := make([]byte, lit+8)
	buf[0] = opcodeJMPabs
	buf[1] = modrmJMPrip
	binary.LittleEndian.PutUint32(buf[2:], uint32(lit-jmpRIPLen))
	for i := jmpRIPLen; i < lit; i++ {
		buf[i] = opcodeINT3
	}
	binary.LittleEndian.PutUint64(buf[lit:], uint64(dest))
	return buf, nil
}

func (a amd64) RedirectTarget(code []byte, at uintptr) (uintptr, bool) {
	lit := a.literalOffset(at)
	if len(code) < lit+8 {
		return 0, false
	}
	inst, err := x86asm.Decode(code, 64)
	if err != nil || inst.Op != x86asm.JMP || inst.Len != jmpRIPLen {
		return 0, false
	}
	mem, ok := inst.Args[0].(x86asm.Mem)
	if !ok || mem.Base != x86asm.RIP || mem.Disp != int64(lit-jmpRIPLen) || mem.Index != 0 {
		return 0, false
	}
	return uintptr(binary.LittleEndian.Uint64(code[lit:])), true
}

func (amd64) Park(at uintptr) []byte {
	return bytes.Clone(amd64Park)
}

func (amd64) Disassemble(code []byte, at uintptr) string {
	var buf bytes.Buffer

	for i := 0; i < len(code); {
		inst, err := x86asm.Decode(code[i:], 64)
		if err != nil {
			fmt.Fprintf(&buf, "0x%08x\t%-20s\t?\n", at+uintptr(i), hex.EncodeToString(code[i:i+1]))
			i++
			continue
		}
		fmt.Fprintf(&buf, "0x%08x\t%-20s\t%s\n", at+uintptr(i), hex.EncodeToString(code[i:i+inst.Len]), x86asm.IntelSyntax(inst, uint64(at)+uint64(i), nil))

		i += inst.Len
	}

	return buf.String()
}
